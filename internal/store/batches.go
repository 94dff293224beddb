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
	"strconv"
	"time"

	"github.com/soliplex/ingester/pkg/errors"
)

// CreateBatch creates a new ingest batch.
func (s *Store) CreateBatch(ctx context.Context, name, source string, params map[string]any) (*Batch, error) {
	if name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "batch name is required"}
	}
	if source == "" {
		return nil, &errors.ValidationError{Field: "source", Message: "batch source is required"}
	}

	paramsJSON, err := marshalMap(params)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	query := s.rebind(`
		INSERT INTO batches (name, source, params, started_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	if err := s.db.QueryRowContext(ctx, query, name, source, paramsJSON, formatTime(now)).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	return &Batch{
		ID:        id,
		Name:      name,
		Source:    source,
		Params:    params,
		StartedAt: now,
	}, nil
}

// GetBatch retrieves a batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	query := s.rebind(`
		SELECT id, name, source, params, started_at, completed_at
		FROM batches WHERE id = ?
	`)
	return scanBatch(s.db.QueryRowContext(ctx, query, id), id)
}

// ListBatches returns one page of batches, newest first, plus the total
// number of batches.
func (s *Store) ListBatches(ctx context.Context, page, perPage int) ([]*Batch, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count batches: %w", err)
	}

	query := s.rebind(`
		SELECT id, name, source, params, started_at, completed_at
		FROM batches
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`)
	rows, err := s.db.QueryContext(ctx, query, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, b)
	}
	return batches, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row *sql.Row, id int64) (*Batch, error) {
	b, err := scanBatchRow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "batch", ID: strconv.FormatInt(id, 10)}
	}
	return b, err
}

func scanBatchRow(row rowScanner) (*Batch, error) {
	var (
		b           Batch
		params      sql.NullString
		startedAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Source, &params, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}

	var err error
	if b.Params, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if b.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse batch started_at: %w", err)
	}
	if b.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse batch completed_at: %w", err)
	}
	return &b, nil
}
