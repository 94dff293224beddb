// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/soliplex/ingester/pkg/errors"
)

// URI actions reported by RegisterDocument.
const (
	RegisterCreated   = "created"
	RegisterUpdated   = "updated"
	RegisterUnchanged = "unchanged"
)

// DocumentRegistration is the input to RegisterDocument. Hash carries the
// sha256- prefix; the raw bytes themselves go through the artifact store.
type DocumentRegistration struct {
	BatchID  int64
	URI      string
	Source   string
	Hash     string
	MimeType string
	Size     int64
	Meta     map[string]any
}

// RegisterResult reports what one ingest call changed.
type RegisterResult struct {
	Document   *Document
	URI        *DocumentURI
	DocCreated bool

	// URIAction is created, updated, or unchanged.
	URIAction string

	// FirstBatchID is the batch that first ingested this content, set when
	// the document already existed.
	FirstBatchID int64
}

// RegisterDocument records one ingested document: the Document row on first
// sight of a hash, the DocumentURI insert-or-version-bump, and the
// append-only history row, all in one transaction. Re-ingesting identical
// bytes under the same (uri, source) is a no-op on every table.
func (s *Store) RegisterDocument(ctx context.Context, reg DocumentRegistration) (*RegisterResult, error) {
	if reg.URI == "" {
		return nil, &errors.ValidationError{Field: "uri", Message: "uri is required"}
	}
	if reg.Source == "" {
		return nil, &errors.ValidationError{Field: "source", Message: "source is required"}
	}
	if reg.Hash == "" {
		return nil, &errors.ValidationError{Field: "hash", Message: "content hash is required"}
	}

	batch, err := s.GetBatch(ctx, reg.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.Completed() {
		return nil, &errors.ValidationError{
			Field:      "batch_id",
			Message:    fmt.Sprintf("batch %d is already completed", reg.BatchID),
			Suggestion: "create a new batch for further ingests",
		}
	}

	res := &RegisterResult{}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		doc, err := s.getDocumentTx(ctx, tx, reg.Hash)
		switch {
		case err == nil:
			res.Document = doc
			res.FirstBatchID = s.firstBatchForHash(ctx, tx, reg.Hash)
		case errors.IsNotFound(err):
			metaJSON, merr := marshalMap(reg.Meta)
			if merr != nil {
				return merr
			}
			insert := s.rebind(`
				INSERT INTO documents (hash, mime_type, size, meta, created_at)
				VALUES (?, ?, ?, ?, ?)
			`)
			if _, err := tx.ExecContext(ctx, insert, reg.Hash, reg.MimeType, reg.Size, metaJSON, formatTime(now)); err != nil {
				return fmt.Errorf("failed to insert document: %w", err)
			}
			res.Document = &Document{
				Hash:      reg.Hash,
				MimeType:  reg.MimeType,
				Size:      reg.Size,
				Meta:      reg.Meta,
				CreatedAt: now,
			}
			res.DocCreated = true
		default:
			return err
		}

		uri, err := s.getURITx(ctx, tx, reg.URI, reg.Source)
		switch {
		case err == nil && NormalizeHash(uri.Hash) == NormalizeHash(reg.Hash):
			// Same content under the same name: no version bump.
			res.URI = uri
			res.URIAction = RegisterUnchanged
			return nil

		case err == nil:
			// Content changed under an existing name.
			uri.Hash = reg.Hash
			uri.Version++
			uri.BatchID = reg.BatchID
			uri.UpdatedAt = now
			update := s.rebind(`
				UPDATE document_uris SET hash = ?, version = ?, batch_id = ?, updated_at = ?
				WHERE id = ?
			`)
			if _, err := tx.ExecContext(ctx, update, uri.Hash, uri.Version, uri.BatchID, formatTime(now), uri.ID); err != nil {
				return fmt.Errorf("failed to update document uri: %w", err)
			}
			res.URI = uri
			res.URIAction = RegisterUpdated
			return s.insertURIHistory(ctx, tx, uri, URIActionUpdated, now)

		case errors.IsNotFound(err):
			insert := s.rebind(`
				INSERT INTO document_uris (uri, source, hash, version, batch_id, created_at, updated_at)
				VALUES (?, ?, ?, 1, ?, ?, ?)
				RETURNING id
			`)
			uri = &DocumentURI{
				URI:       reg.URI,
				Source:    reg.Source,
				Hash:      reg.Hash,
				Version:   1,
				BatchID:   reg.BatchID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.QueryRowContext(ctx, insert,
				uri.URI, uri.Source, uri.Hash, uri.BatchID, formatTime(now), formatTime(now),
			).Scan(&uri.ID); err != nil {
				return fmt.Errorf("failed to insert document uri: %w", err)
			}
			res.URI = uri
			res.URIAction = RegisterCreated
			return s.insertURIHistory(ctx, tx, uri, URIActionCreated, now)

		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) insertURIHistory(ctx context.Context, tx *sql.Tx, uri *DocumentURI, action string, now time.Time) error {
	insert := s.rebind(`
		INSERT INTO document_uri_history (uri_id, version, hash, action, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert, uri.ID, uri.Version, uri.Hash, action, uri.BatchID, formatTime(now)); err != nil {
		return fmt.Errorf("failed to insert uri history: %w", err)
	}
	return nil
}

// firstBatchForHash finds the batch that first referenced a hash, for the
// "already exists" signal on duplicate ingest. Zero when no URI references it.
func (s *Store) firstBatchForHash(ctx context.Context, tx *sql.Tx, hash string) int64 {
	query := s.rebind(`
		SELECT batch_id FROM document_uris WHERE hash = ? ORDER BY id ASC LIMIT 1
	`)
	var batchID int64
	if err := tx.QueryRowContext(ctx, query, hash).Scan(&batchID); err != nil {
		return 0
	}
	return batchID
}

// GetDocument retrieves a document by hash.
func (s *Store) GetDocument(ctx context.Context, hash string) (*Document, error) {
	return s.getDocument(ctx, s.db, hash)
}

func (s *Store) getDocumentTx(ctx context.Context, tx *sql.Tx, hash string) (*Document, error) {
	return s.getDocument(ctx, tx, hash)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) getDocument(ctx context.Context, q querier, hash string) (*Document, error) {
	query := s.rebind(`
		SELECT hash, mime_type, size, meta, created_at FROM documents WHERE hash = ?
	`)

	var (
		d         Document
		meta      sql.NullString
		createdAt string
	)
	err := q.QueryRowContext(ctx, query, hash).Scan(&d.Hash, &d.MimeType, &d.Size, &meta, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "document", ID: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if d.Meta, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse document created_at: %w", err)
	}
	return &d, nil
}

// UpdateDocumentMeta merges fields into a document's metadata map. Existing
// keys are overwritten; other keys are preserved.
func (s *Store) UpdateDocumentMeta(ctx context.Context, hash string, fields map[string]any) (*Document, error) {
	var doc *Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.getDocumentTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		if d.Meta == nil {
			d.Meta = map[string]any{}
		}
		for k, v := range fields {
			d.Meta[k] = v
		}
		metaJSON, err := marshalMap(d.Meta)
		if err != nil {
			return err
		}
		update := s.rebind(`UPDATE documents SET meta = ? WHERE hash = ?`)
		if _, err := tx.ExecContext(ctx, update, metaJSON, hash); err != nil {
			return fmt.Errorf("failed to update document meta: %w", err)
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocumentURI retrieves a URI row by its unique (uri, source) key.
func (s *Store) GetDocumentURI(ctx context.Context, uri, source string) (*DocumentURI, error) {
	return s.getURI(ctx, s.db, uri, source)
}

func (s *Store) getURITx(ctx context.Context, tx *sql.Tx, uri, source string) (*DocumentURI, error) {
	return s.getURI(ctx, tx, uri, source)
}

func (s *Store) getURI(ctx context.Context, q querier, uri, source string) (*DocumentURI, error) {
	query := s.rebind(`
		SELECT id, uri, source, hash, version, batch_id, created_at, updated_at
		FROM document_uris WHERE uri = ? AND source = ?
	`)

	var (
		u                    DocumentURI
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, query, uri, source).Scan(
		&u.ID, &u.URI, &u.Source, &u.Hash, &u.Version, &u.BatchID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "document_uri", ID: source + ":" + uri}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document uri: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse uri created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse uri updated_at: %w", err)
	}
	return &u, nil
}

// URIHistory returns the append-only history of one URI, oldest first.
func (s *Store) URIHistory(ctx context.Context, uriID int64) ([]*DocumentURIHistory, error) {
	query := s.rebind(`
		SELECT id, uri_id, version, hash, action, batch_id, created_at
		FROM document_uri_history WHERE uri_id = ? ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, uriID)
	if err != nil {
		return nil, fmt.Errorf("failed to query uri history: %w", err)
	}
	defer rows.Close()

	var history []*DocumentURIHistory
	for rows.Next() {
		var (
			h         DocumentURIHistory
			createdAt string
		)
		if err := rows.Scan(&h.ID, &h.URIID, &h.Version, &h.Hash, &h.Action, &h.BatchID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan uri history: %w", err)
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse history created_at: %w", err)
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

// ArtifactDeleter removes every artifact kind for a hash. It runs inside the
// deletion transaction; any error rolls the whole cascade back. Deleters
// that write through the store join the transaction via the context.
type ArtifactDeleter func(ctx context.Context, hash string) (int64, error)

// DeleteDocumentURI removes one URI. When it is the last reference to its
// document, the document, its artifacts, its workflow runs, and all their
// dependent rows go with it, atomically.
func (s *Store) DeleteDocumentURI(ctx context.Context, uri, source string, deleteArtifacts ArtifactDeleter) (DeleteCounts, error) {
	var counts DeleteCounts
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getURITx(ctx, tx, uri, source)
		if err != nil {
			return err
		}

		var refs int64
		countQ := s.rebind(`SELECT COUNT(*) FROM document_uris WHERE hash = ?`)
		if err := tx.QueryRowContext(ctx, countQ, u.Hash).Scan(&refs); err != nil {
			return fmt.Errorf("failed to count uri references: %w", err)
		}

		if refs == 1 {
			if err := s.deleteRunsForHash(ctx, tx, u.Hash, &counts); err != nil {
				return err
			}
			if deleteArtifacts != nil {
				n, err := deleteArtifacts(txContext(ctx, tx), u.Hash)
				if err != nil {
					return fmt.Errorf("failed to delete artifacts for %s: %w", u.Hash, err)
				}
				counts.Artifacts = n
			}
		}

		counts.URIHistory, err = s.execCount(ctx, tx, `DELETE FROM document_uri_history WHERE uri_id = ?`, u.ID)
		if err != nil {
			return err
		}
		counts.DocumentURIs, err = s.execCount(ctx, tx, `DELETE FROM document_uris WHERE id = ?`, u.ID)
		if err != nil {
			return err
		}

		if refs == 1 {
			counts.Documents, err = s.execCount(ctx, tx, `DELETE FROM documents WHERE hash = ?`, u.Hash)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return DeleteCounts{}, err
	}
	return counts, nil
}

// DeleteOrphanedDocuments removes every document no URI references, along
// with its runs and artifacts. Returns the number of documents removed.
func (s *Store) DeleteOrphanedDocuments(ctx context.Context, deleteArtifacts ArtifactDeleter) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT d.hash FROM documents d
			WHERE NOT EXISTS (SELECT 1 FROM document_uris u WHERE u.hash = d.hash)
		`)
		if err != nil {
			return fmt.Errorf("failed to find orphaned documents: %w", err)
		}
		var hashes []string
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan orphan hash: %w", err)
			}
			hashes = append(hashes, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, hash := range hashes {
			var counts DeleteCounts
			if err := s.deleteRunsForHash(ctx, tx, hash, &counts); err != nil {
				return err
			}
			if deleteArtifacts != nil {
				if _, err := deleteArtifacts(txContext(ctx, tx), hash); err != nil {
					return fmt.Errorf("failed to delete artifacts for %s: %w", hash, err)
				}
			}
			if _, err := s.execCount(ctx, tx, `DELETE FROM documents WHERE hash = ?`, hash); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// deleteRunsForHash removes every workflow run for one document hash, with
// its steps and lifecycle rows.
func (s *Store) deleteRunsForHash(ctx context.Context, tx *sql.Tx, hash string, counts *DeleteCounts) error {
	n, err := s.execCount(ctx, tx, `
		DELETE FROM run_steps WHERE run_id IN
			(SELECT id FROM workflow_runs WHERE document_hash = ?)
	`, hash)
	if err != nil {
		return err
	}
	counts.RunSteps += n

	n, err = s.execCount(ctx, tx, `
		DELETE FROM lifecycle_history WHERE run_id IN
			(SELECT id FROM workflow_runs WHERE document_hash = ?)
	`, hash)
	if err != nil {
		return err
	}
	counts.LifecycleHistory += n

	n, err = s.execCount(ctx, tx, `DELETE FROM workflow_runs WHERE document_hash = ?`, hash)
	if err != nil {
		return err
	}
	counts.WorkflowRuns += n
	return nil
}

// execCount runs a rebindable statement and returns rows affected.
func (s *Store) execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute %q: %w", query, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count affected rows: %w", err)
	}
	return n, nil
}

// SourceStatus compares an ingest agent's view of a source (uri → content
// hash) against persisted state. Hash comparison ignores digest prefixes.
// Read-only.
func (s *Store) SourceStatus(ctx context.Context, source string, input map[string]string) (*SourceDiff, error) {
	if source == "" {
		return nil, &errors.ValidationError{Field: "source", Message: "source is required"}
	}

	query := s.rebind(`SELECT uri, hash FROM document_uris WHERE source = ?`)
	rows, err := s.db.QueryContext(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query source uris: %w", err)
	}
	defer rows.Close()

	persisted := map[string]string{}
	for rows.Next() {
		var uri, hash string
		if err := rows.Scan(&uri, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan source uri: %w", err)
		}
		persisted[uri] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	diff := &SourceDiff{}
	for uri, hash := range input {
		stored, ok := persisted[uri]
		switch {
		case !ok:
			diff.New = append(diff.New, uri)
		case NormalizeHash(stored) != NormalizeHash(hash):
			diff.Changed = append(diff.Changed, uri)
		}
	}
	for uri := range persisted {
		if _, ok := input[uri]; !ok {
			diff.Missing = append(diff.Missing, uri)
		}
	}

	sort.Strings(diff.New)
	sort.Strings(diff.Changed)
	sort.Strings(diff.Missing)
	return diff, nil
}

// HashesForBatch returns the distinct document hashes ingested under a
// batch, in insertion order.
func (s *Store) HashesForBatch(ctx context.Context, batchID int64) ([]string, error) {
	query := s.rebind(`
		SELECT hash FROM document_uris WHERE batch_id = ?
		GROUP BY hash ORDER BY MIN(id)
	`)
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan batch hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}
