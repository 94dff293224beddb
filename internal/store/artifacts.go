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
	"time"

	"github.com/soliplex/ingester/pkg/errors"
)

// PutDocumentBytes stores artifact bytes in the relational store, keyed by
// (hash, kind, storage root). Overwrite-idempotent.
func (s *Store) PutDocumentBytes(ctx context.Context, hash, kind, storageRoot string, data []byte) error {
	now := formatTime(time.Now())
	query := s.rebind(`
		INSERT INTO document_bytes (hash, kind, storage_root, bytes, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash, kind, storage_root) DO UPDATE SET bytes = excluded.bytes, size = excluded.size
	`)
	if _, err := s.querier(ctx).ExecContext(ctx, query, hash, kind, storageRoot, data, len(data), now); err != nil {
		return fmt.Errorf("failed to put document bytes: %w", err)
	}
	return nil
}

// GetDocumentBytes retrieves artifact bytes by (hash, kind, storage root).
func (s *Store) GetDocumentBytes(ctx context.Context, hash, kind, storageRoot string) ([]byte, error) {
	query := s.rebind(`
		SELECT bytes FROM document_bytes WHERE hash = ? AND kind = ? AND storage_root = ?
	`)
	var data []byte
	err := s.querier(ctx).QueryRowContext(ctx, query, hash, kind, storageRoot).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: hash + "/" + kind}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document bytes: %w", err)
	}
	return data, nil
}

// ExistsDocumentBytes reports whether an artifact is stored.
func (s *Store) ExistsDocumentBytes(ctx context.Context, hash, kind, storageRoot string) (bool, error) {
	query := s.rebind(`
		SELECT COUNT(*) FROM document_bytes WHERE hash = ? AND kind = ? AND storage_root = ?
	`)
	var n int
	if err := s.querier(ctx).QueryRowContext(ctx, query, hash, kind, storageRoot).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check document bytes: %w", err)
	}
	return n > 0, nil
}

// DeleteDocumentBytesFor removes every artifact kind for one hash within a
// storage root, returning the number removed. When called from inside a
// deletion cascade it joins the cascade's transaction via the context.
func (s *Store) DeleteDocumentBytesFor(ctx context.Context, hash, storageRoot string) (int64, error) {
	query := s.rebind(`
		DELETE FROM document_bytes WHERE hash = ? AND storage_root = ?
	`)
	res, err := s.querier(ctx).ExecContext(ctx, query, hash, storageRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to delete document bytes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted artifacts: %w", err)
	}
	return n, nil
}
