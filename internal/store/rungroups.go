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

// CreateRunGroup materializes one run group with one workflow run per
// document and the first step of each run seeded PENDING, in a single
// transaction. Subsequent steps are inserted one at a time as their
// predecessors complete.
func (s *Store) CreateRunGroup(ctx context.Context, name, workflowID, paramsID string, batchID int64, runs []NewWorkflowRun) (*RunGroup, error) {
	if workflowID == "" {
		return nil, &errors.ValidationError{Field: "workflow_id", Message: "workflow id is required"}
	}
	if len(runs) == 0 {
		return nil, &errors.ValidationError{Field: "runs", Message: "at least one document is required"}
	}

	var group *RunGroup
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		insertGroup := s.rebind(`
			INSERT INTO run_groups (name, workflow_id, params_id, batch_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id
		`)
		g := &RunGroup{
			Name:       name,
			WorkflowID: workflowID,
			ParamsID:   paramsID,
			BatchID:    batchID,
			Status:     StatusPending,
			CreatedAt:  now,
		}
		if err := tx.QueryRowContext(ctx, insertGroup,
			g.Name, g.WorkflowID, g.ParamsID, g.BatchID, g.Status, formatTime(now),
		).Scan(&g.ID); err != nil {
			return fmt.Errorf("failed to create run group: %w", err)
		}

		insertRun := s.rebind(`
			INSERT INTO workflow_runs (workflow_id, group_id, batch_id, document_hash, priority, status, params, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`)
		for _, nr := range runs {
			paramsJSON, err := marshalMap(nr.Params)
			if err != nil {
				return err
			}
			var runID int64
			if err := tx.QueryRowContext(ctx, insertRun,
				workflowID, g.ID, batchID, nr.DocumentHash, nr.Priority, StatusPending, paramsJSON, formatTime(now),
			).Scan(&runID); err != nil {
				return fmt.Errorf("failed to create workflow run: %w", err)
			}
			if err := s.insertStep(ctx, tx, runID, nr.FirstStep, now); err != nil {
				return err
			}
		}

		group = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// insertStep seeds one PENDING RunStep, materializing its StepConfig.
func (s *Store) insertStep(ctx context.Context, tx *sql.Tx, runID int64, seed StepSeed, now time.Time) error {
	configID, err := s.getOrCreateStepConfig(ctx, tx, seed.Type, seed.Config, seed.Cumulative, now)
	if err != nil {
		return err
	}

	insert := s.rebind(`
		INSERT INTO run_steps (run_id, step_num, name, type, step_config_id, is_last, retries, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert,
		runID, seed.StepNum, seed.Name, seed.Type, configID, boolInt(seed.IsLast), seed.Retries, StatusPending, formatTime(now),
	); err != nil {
		return fmt.Errorf("failed to insert run step: %w", err)
	}
	return nil
}

// getOrCreateStepConfig deduplicates StepConfig rows by (type, config,
// cumulative) content.
func (s *Store) getOrCreateStepConfig(ctx context.Context, tx *sql.Tx, stepType string, config, cumulative map[string]any, now time.Time) (int64, error) {
	configJSON, err := canonicalJSON(config)
	if err != nil {
		return 0, err
	}
	cumulativeJSON, err := canonicalJSON(cumulative)
	if err != nil {
		return 0, err
	}

	find := s.rebind(`
		SELECT id FROM step_configs WHERE type = ? AND config = ? AND cumulative = ?
		ORDER BY id ASC LIMIT 1
	`)
	var id int64
	err = tx.QueryRowContext(ctx, find, stepType, configJSON, cumulativeJSON).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up step config: %w", err)
	}

	insert := s.rebind(`
		INSERT INTO step_configs (type, config, cumulative, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)
	if err := tx.QueryRowContext(ctx, insert, stepType, configJSON, cumulativeJSON, formatTime(now)).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert step config: %w", err)
	}
	return id, nil
}

// GetStepConfig retrieves one StepConfig by id.
func (s *Store) GetStepConfig(ctx context.Context, id int64) (*StepConfig, error) {
	query := s.rebind(`SELECT id, type, config, cumulative, created_at FROM step_configs WHERE id = ?`)

	var (
		sc                 StepConfig
		config, cumulative string
		createdAt          string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&sc.ID, &sc.Type, &config, &cumulative, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step_config", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step config: %w", err)
	}
	if sc.Config, err = unmarshalMap(sql.NullString{String: config, Valid: true}); err != nil {
		return nil, err
	}
	if sc.Cumulative, err = unmarshalMap(sql.NullString{String: cumulative, Valid: true}); err != nil {
		return nil, err
	}
	if sc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse step config created_at: %w", err)
	}
	return &sc, nil
}

// GetRunGroup retrieves a run group by id.
func (s *Store) GetRunGroup(ctx context.Context, id int64) (*RunGroup, error) {
	query := s.rebind(`
		SELECT id, name, workflow_id, params_id, batch_id, status, status_message, status_meta,
			created_at, started_at, completed_at
		FROM run_groups WHERE id = ?
	`)
	g, err := scanRunGroup(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run_group", ID: strconv.FormatInt(id, 10)}
	}
	return g, err
}

func scanRunGroup(row rowScanner) (*RunGroup, error) {
	var (
		g                    RunGroup
		message, meta        sql.NullString
		createdAt            string
		startedAt, completed sql.NullString
	)
	err := row.Scan(&g.ID, &g.Name, &g.WorkflowID, &g.ParamsID, &g.BatchID, &g.Status,
		&message, &meta, &createdAt, &startedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run group: %w", err)
	}
	g.StatusMessage = message.String
	if g.StatusMeta, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse group created_at: %w", err)
	}
	if g.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse group started_at: %w", err)
	}
	if g.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, fmt.Errorf("failed to parse group completed_at: %w", err)
	}
	return &g, nil
}

// GetWorkflowRun retrieves a workflow run by id.
func (s *Store) GetWorkflowRun(ctx context.Context, id int64) (*WorkflowRun, error) {
	query := s.rebind(`
		SELECT id, workflow_id, group_id, batch_id, document_hash, priority, status,
			status_message, status_meta, params, created_at, started_at, completed_at
		FROM workflow_runs WHERE id = ?
	`)
	r, err := scanWorkflowRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow_run", ID: strconv.FormatInt(id, 10)}
	}
	return r, err
}

// ListWorkflowRuns returns one page of runs in a group, oldest first, plus
// the group's total run count.
func (s *Store) ListWorkflowRuns(ctx context.Context, groupID int64, page, perPage int) ([]*WorkflowRun, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	var total int64
	countQ := s.rebind(`SELECT COUNT(*) FROM workflow_runs WHERE group_id = ?`)
	if err := s.db.QueryRowContext(ctx, countQ, groupID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count workflow runs: %w", err)
	}

	query := s.rebind(`
		SELECT id, workflow_id, group_id, batch_id, document_hash, priority, status,
			status_message, status_meta, params, created_at, started_at, completed_at
		FROM workflow_runs WHERE group_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`)
	rows, err := s.db.QueryContext(ctx, query, groupID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

func scanWorkflowRun(row rowScanner) (*WorkflowRun, error) {
	var (
		r                     WorkflowRun
		message, meta, params sql.NullString
		createdAt             string
		startedAt, completed  sql.NullString
	)
	err := row.Scan(&r.ID, &r.WorkflowID, &r.GroupID, &r.BatchID, &r.DocumentHash, &r.Priority,
		&r.Status, &message, &meta, &params, &createdAt, &startedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow run: %w", err)
	}
	r.StatusMessage = message.String
	if r.StatusMeta, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	if r.Params, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	if r.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse run started_at: %w", err)
	}
	if r.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, fmt.Errorf("failed to parse run completed_at: %w", err)
	}
	return &r, nil
}

// ListRunSteps returns every step of one run in step-number order.
func (s *Store) ListRunSteps(ctx context.Context, runID int64) ([]*RunStep, error) {
	query := s.rebind(`
		SELECT id, run_id, step_num, name, type, step_config_id, is_last, retry, retries,
			status, worker_id, not_before, created_at, started_at, completed_at
		FROM run_steps WHERE run_id = ?
		ORDER BY step_num ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		st, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// GetRunStep retrieves one step by id.
func (s *Store) GetRunStep(ctx context.Context, id int64) (*RunStep, error) {
	query := s.rebind(`
		SELECT id, run_id, step_num, name, type, step_config_id, is_last, retry, retries,
			status, worker_id, not_before, created_at, started_at, completed_at
		FROM run_steps WHERE id = ?
	`)
	st, err := scanRunStep(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run_step", ID: strconv.FormatInt(id, 10)}
	}
	return st, err
}

func scanRunStep(row rowScanner) (*RunStep, error) {
	var (
		st                   RunStep
		isLast               int
		workerID             sql.NullString
		notBefore            sql.NullString
		createdAt            string
		startedAt, completed sql.NullString
	)
	err := row.Scan(&st.ID, &st.RunID, &st.StepNum, &st.Name, &st.Type, &st.StepConfigID,
		&isLast, &st.Retry, &st.Retries, &st.Status, &workerID, &notBefore,
		&createdAt, &startedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run step: %w", err)
	}
	st.IsLast = isLast != 0
	st.WorkerID = workerID.String
	if st.NotBefore, err = parseTimePtr(notBefore); err != nil {
		return nil, fmt.Errorf("failed to parse step not_before: %w", err)
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse step created_at: %w", err)
	}
	if st.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse step started_at: %w", err)
	}
	if st.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, fmt.Errorf("failed to parse step completed_at: %w", err)
	}
	return &st, nil
}

// GroupStats counts distinct runs per status within one group.
func (s *Store) GroupStats(ctx context.Context, groupID int64) (GroupStats, error) {
	query := s.rebind(`
		SELECT status, COUNT(*) FROM workflow_runs WHERE group_id = ? GROUP BY status
	`)
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return GroupStats{}, fmt.Errorf("failed to query group stats: %w", err)
	}
	defer rows.Close()

	var stats GroupStats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return GroupStats{}, fmt.Errorf("failed to scan group stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusError:
			stats.Error = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// LifecycleHistory returns the audit trail for one group, oldest first.
func (s *Store) LifecycleHistory(ctx context.Context, groupID int64) ([]*LifecycleEvent, error) {
	query := s.rebind(`
		SELECT id, event, group_id, run_id, step_id, status, message, meta, created_at
		FROM lifecycle_history WHERE group_id = ?
		ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle history: %w", err)
	}
	defer rows.Close()

	var events []*LifecycleEvent
	for rows.Next() {
		var (
			e             LifecycleEvent
			runID, stepID sql.NullInt64
			message, meta sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.GroupID, &runID, &stepID, &e.Status, &message, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		if runID.Valid {
			e.RunID = &runID.Int64
		}
		if stepID.Valid {
			e.StepID = &stepID.Int64
		}
		e.Message = message.String
		if e.Meta, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse event created_at: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// insertLifecycle appends one audit trail row inside a transaction.
func (s *Store) insertLifecycle(ctx context.Context, tx *sql.Tx, event string, groupID int64, runID, stepID *int64, status, message string, meta map[string]any, now time.Time) error {
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return err
	}
	insert := s.rebind(`
		INSERT INTO lifecycle_history (event, group_id, run_id, step_id, status, message, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	var runArg, stepArg any
	if runID != nil {
		runArg = *runID
	}
	if stepID != nil {
		stepArg = *stepID
	}
	if _, err := tx.ExecContext(ctx, insert, event, groupID, runArg, stepArg, status, nullString(message), metaJSON, formatTime(now)); err != nil {
		return fmt.Errorf("failed to insert lifecycle event: %w", err)
	}
	return nil
}

// DeleteRunGroup removes a group with all of its runs, steps, and lifecycle
// rows, atomically. A second call for the same id returns NotFound.
func (s *Store) DeleteRunGroup(ctx context.Context, id int64) (DeleteCounts, error) {
	var counts DeleteCounts
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int64
		check := s.rebind(`SELECT COUNT(*) FROM run_groups WHERE id = ?`)
		if err := tx.QueryRowContext(ctx, check, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run group: %w", err)
		}
		if exists == 0 {
			return &errors.NotFoundError{Resource: "run_group", ID: strconv.FormatInt(id, 10)}
		}

		var err error
		counts.RunSteps, err = s.execCount(ctx, tx, `
			DELETE FROM run_steps WHERE run_id IN
				(SELECT id FROM workflow_runs WHERE group_id = ?)
		`, id)
		if err != nil {
			return err
		}
		counts.LifecycleHistory, err = s.execCount(ctx, tx, `DELETE FROM lifecycle_history WHERE group_id = ?`, id)
		if err != nil {
			return err
		}
		counts.WorkflowRuns, err = s.execCount(ctx, tx, `DELETE FROM workflow_runs WHERE group_id = ?`, id)
		if err != nil {
			return err
		}
		counts.RunGroups, err = s.execCount(ctx, tx, `DELETE FROM run_groups WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return DeleteCounts{}, err
	}
	return counts, nil
}

// ResetFailedSteps returns every FAILED run in a group to a runnable state:
// the failed step goes back to PENDING with its retry counter cleared, and
// the run and group leave their failure states. Returns the number of runs
// reset.
func (s *Store) ResetFailedSteps(ctx context.Context, groupID int64) (int64, error) {
	var reset int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int64
		check := s.rebind(`SELECT COUNT(*) FROM run_groups WHERE id = ?`)
		if err := tx.QueryRowContext(ctx, check, groupID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run group: %w", err)
		}
		if exists == 0 {
			return &errors.NotFoundError{Resource: "run_group", ID: strconv.FormatInt(groupID, 10)}
		}

		var err error
		if _, err = s.execCount(ctx, tx, `
			UPDATE run_steps SET status = ?, retry = 0, worker_id = NULL, not_before = NULL, completed_at = NULL
			WHERE status = ? AND run_id IN (SELECT id FROM workflow_runs WHERE group_id = ?)
		`, StatusPending, StatusFailed, groupID); err != nil {
			return err
		}

		reset, err = s.execCount(ctx, tx, `
			UPDATE workflow_runs SET status = ?, status_message = NULL, completed_at = NULL
			WHERE group_id = ? AND status = ?
		`, StatusRunning, groupID, StatusFailed)
		if err != nil {
			return err
		}

		if reset > 0 {
			if _, err := s.execCount(ctx, tx, `
				UPDATE run_groups SET status = ?, status_message = NULL, completed_at = NULL
				WHERE id = ?
			`, StatusRunning, groupID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}
