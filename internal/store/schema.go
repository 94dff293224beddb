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
	"fmt"
	"strings"
)

// migrate creates the schema. Statements are written once with $AUTO_ID and
// $BLOB tokens substituted per dialect; everything else is portable SQL.
func (s *Store) migrate(ctx context.Context) error {
	autoID, blob := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if s.dialect == DialectPostgres {
		autoID, blob = "BIGSERIAL PRIMARY KEY", "BYTEA"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id $AUTO_ID,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			params TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			hash TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL,
			size BIGINT NOT NULL,
			meta TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_uris (
			id $AUTO_ID,
			uri TEXT NOT NULL,
			source TEXT NOT NULL,
			hash TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			batch_id BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (uri, source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_uris_hash ON document_uris(hash)`,
		`CREATE INDEX IF NOT EXISTS idx_document_uris_source ON document_uris(source)`,
		`CREATE TABLE IF NOT EXISTS document_uri_history (
			id $AUTO_ID,
			uri_id BIGINT NOT NULL,
			version INTEGER NOT NULL,
			hash TEXT NOT NULL,
			action TEXT NOT NULL,
			batch_id BIGINT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uri_history_uri_id ON document_uri_history(uri_id)`,
		`CREATE TABLE IF NOT EXISTS document_bytes (
			hash TEXT NOT NULL,
			kind TEXT NOT NULL,
			storage_root TEXT NOT NULL,
			bytes $BLOB,
			size BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (hash, kind, storage_root)
		)`,
		`CREATE TABLE IF NOT EXISTS run_groups (
			id $AUTO_ID,
			name TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			params_id TEXT NOT NULL,
			batch_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			status_message TEXT,
			status_meta TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_groups_batch ON run_groups(batch_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id $AUTO_ID,
			workflow_id TEXT NOT NULL,
			group_id BIGINT NOT NULL,
			batch_id BIGINT NOT NULL,
			document_hash TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			status_message TEXT,
			status_meta TEXT,
			params TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_group ON workflow_runs(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_hash ON workflow_runs(document_hash)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id $AUTO_ID,
			run_id BIGINT NOT NULL,
			step_num INTEGER NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			step_config_id BIGINT NOT NULL,
			is_last INTEGER NOT NULL DEFAULT 0,
			retry INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			worker_id TEXT,
			not_before TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			UNIQUE (run_id, step_num)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_status ON run_steps(status)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_worker ON run_steps(worker_id)`,
		`CREATE TABLE IF NOT EXISTS step_configs (
			id $AUTO_ID,
			type TEXT NOT NULL,
			config TEXT NOT NULL,
			cumulative TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_configs_type ON step_configs(type)`,
		`CREATE TABLE IF NOT EXISTS worker_checkins (
			worker_id TEXT PRIMARY KEY,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_history (
			id $AUTO_ID,
			event TEXT NOT NULL,
			group_id BIGINT NOT NULL,
			run_id BIGINT,
			step_id BIGINT,
			status TEXT NOT NULL,
			message TEXT,
			meta TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_group ON lifecycle_history(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_run ON lifecycle_history(run_id)`,
	}

	for _, migration := range migrations {
		stmt := strings.ReplaceAll(migration, "$AUTO_ID", autoID)
		stmt = strings.ReplaceAll(stmt, "$BLOB", blob)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
