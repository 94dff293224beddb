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

// claimCandidates selects eligible PENDING steps: not deferred by backoff, no
// RUNNING sibling in the same run, predecessor COMPLETED (or first step).
// Priority desc, then created time, then run id, so claim order is
// deterministic.
const claimCandidates = `
	SELECT s.id FROM run_steps s
	JOIN workflow_runs r ON r.id = s.run_id
	WHERE s.status = 'PENDING'
	  AND (s.not_before IS NULL OR s.not_before <= ?)
	  AND NOT EXISTS (
		SELECT 1 FROM run_steps x WHERE x.run_id = s.run_id AND x.status = 'RUNNING')
	  AND (s.step_num = 1 OR EXISTS (
		SELECT 1 FROM run_steps p
		WHERE p.run_id = s.run_id AND p.step_num = s.step_num - 1 AND p.status = 'COMPLETED'))
	ORDER BY r.priority DESC, s.created_at ASC, r.id ASC
	LIMIT ?`

// ClaimSteps atomically claims up to limit eligible steps for one worker.
// On PostgreSQL candidate rows are locked with SKIP LOCKED; on SQLite the
// single writer plus the conditional UPDATE guard give the same invariant:
// each step is claimed by exactly one worker.
//
// Group and run transitions ride in the claim transaction: the first claim
// in a group moves it to RUNNING and writes group_start; the first claim in
// a run writes item_start; every claim writes step_start.
func (s *Store) ClaimSteps(ctx context.Context, workerID string, limit int) ([]*ClaimedStep, error) {
	if workerID == "" {
		return nil, &errors.ValidationError{Field: "worker_id", Message: "worker id is required"}
	}
	if limit < 1 {
		return nil, nil
	}

	var claimed []*ClaimedStep
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		query := claimCandidates
		if s.dialect == DialectPostgres {
			query += ` FOR UPDATE OF s SKIP LOCKED`
		}
		rows, err := tx.QueryContext(ctx, s.rebind(query), formatTime(now), limit)
		if err != nil {
			return fmt.Errorf("failed to select claim candidates: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan claim candidate: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			n, err := s.execCount(ctx, tx, `
				UPDATE run_steps SET status = ?, worker_id = ?, started_at = ?
				WHERE id = ? AND status = ?
			`, StatusRunning, workerID, formatTime(now), id, StatusPending)
			if err != nil {
				return err
			}
			if n == 0 {
				// Lost the race to another worker.
				continue
			}

			cs, err := s.finishClaim(ctx, tx, id, now)
			if err != nil {
				return err
			}
			claimed = append(claimed, cs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// finishClaim loads the claimed step's context and records the lifecycle
// transitions the claim implies.
func (s *Store) finishClaim(ctx context.Context, tx *sql.Tx, stepID int64, now time.Time) (*ClaimedStep, error) {
	query := s.rebind(`
		SELECT s.id, s.run_id, s.step_num, s.name, s.type, s.step_config_id, s.is_last,
			s.retry, s.retries, s.status, s.worker_id, s.created_at,
			r.group_id, r.batch_id, r.document_hash, r.workflow_id, r.status,
			g.status, g.params_id, b.source, c.cumulative
		FROM run_steps s
		JOIN workflow_runs r ON r.id = s.run_id
		JOIN run_groups g ON g.id = r.group_id
		JOIN batches b ON b.id = r.batch_id
		JOIN step_configs c ON c.id = s.step_config_id
		WHERE s.id = ?
	`)

	var (
		cs                    ClaimedStep
		isLast                int
		workerID              sql.NullString
		createdAt             string
		runStatus, grpStatus  string
		cumulative            string
	)
	err := tx.QueryRowContext(ctx, query, stepID).Scan(
		&cs.Step.ID, &cs.Step.RunID, &cs.Step.StepNum, &cs.Step.Name, &cs.Step.Type,
		&cs.Step.StepConfigID, &isLast, &cs.Step.Retry, &cs.Step.Retries, &cs.Step.Status,
		&workerID, &createdAt,
		&cs.GroupID, &cs.BatchID, &cs.DocumentHash, &cs.WorkflowID, &runStatus,
		&grpStatus, &cs.ParamsID, &cs.Source, &cumulative)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed step %d: %w", stepID, err)
	}
	cs.Step.IsLast = isLast != 0
	cs.Step.WorkerID = workerID.String
	cs.RunID = cs.Step.RunID
	if cs.Step.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse step created_at: %w", err)
	}
	if cs.Config, err = unmarshalMap(sql.NullString{String: cumulative, Valid: true}); err != nil {
		return nil, err
	}

	if grpStatus == StatusPending {
		if _, err := s.execCount(ctx, tx, `
			UPDATE run_groups SET status = ?, started_at = ? WHERE id = ? AND status = ?
		`, StatusRunning, formatTime(now), cs.GroupID, StatusPending); err != nil {
			return nil, err
		}
		if err := s.insertLifecycle(ctx, tx, EventGroupStart, cs.GroupID, nil, nil, StatusRunning, "", nil, now); err != nil {
			return nil, err
		}
	}

	if runStatus == StatusPending {
		if _, err := s.execCount(ctx, tx, `
			UPDATE workflow_runs SET status = ?, started_at = ? WHERE id = ? AND status = ?
		`, StatusRunning, formatTime(now), cs.RunID, StatusPending); err != nil {
			return nil, err
		}
		if err := s.insertLifecycle(ctx, tx, EventItemStart, cs.GroupID, &cs.RunID, nil, StatusRunning, "", map[string]any{
			"document": cs.DocumentHash,
		}, now); err != nil {
			return nil, err
		}
	}

	if err := s.insertLifecycle(ctx, tx, EventStepStart, cs.GroupID, &cs.RunID, &cs.Step.ID, StatusRunning, cs.Step.Name, nil, now); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Advance describes one step's terminal outcome, produced by the engine after
// the handler returns.
type Advance struct {
	StepID   int64
	WorkerID string

	// Success marks the step COMPLETED.
	Success bool

	// Fatal skips remaining retry budget and fails the run.
	Fatal bool

	// Message and Meta are published on the transition.
	Message string
	Meta    map[string]any

	// NextStep seeds the successor when Success on a non-last step.
	NextStep *StepSeed

	// NotBefore defers the retry claim; the engine computes it from the
	// backoff schedule.
	NotBefore time.Time
}

// AdvanceResult reports what the advance decided.
type AdvanceResult struct {
	StepStatus  string
	RunStatus   string
	GroupStatus string

	// Retried is set when the step went back to PENDING for another attempt.
	Retried bool
}

// AdvanceStep writes a step's terminal status and the run/group/batch
// transitions it implies, in one transaction. Writes are guarded by the
// claiming worker's id: a reclaimed step cannot be advanced by its old
// worker.
func (s *Store) AdvanceStep(ctx context.Context, adv Advance) (*AdvanceResult, error) {
	res := &AdvanceResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		step, run, err := s.loadStepForAdvance(ctx, tx, adv.StepID)
		if err != nil {
			return err
		}

		// Two RUNNING siblings mean the claim invariant broke. Refuse to
		// advance and fail the run with diagnostics.
		var running int
		countQ := s.rebind(`SELECT COUNT(*) FROM run_steps WHERE run_id = ? AND status = ?`)
		if err := tx.QueryRowContext(ctx, countQ, step.RunID, StatusRunning).Scan(&running); err != nil {
			return fmt.Errorf("failed to count running siblings: %w", err)
		}
		if running > 1 {
			if err := s.failRun(ctx, tx, run, step, "claim invariant violated", map[string]any{
				"running_steps": running,
			}, now, res); err != nil {
				return err
			}
			return &errors.InvariantError{
				Invariant: "single_running_step",
				Message:   fmt.Sprintf("run %d has %d RUNNING steps", step.RunID, running),
			}
		}

		switch {
		case adv.Success:
			return s.advanceCompleted(ctx, tx, adv, step, run, now, res)
		case !adv.Fatal && step.Retry < step.Retries:
			return s.advanceRetry(ctx, tx, adv, step, run, now, res)
		default:
			return s.advanceFailed(ctx, tx, adv, step, run, now, res)
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type advanceRun struct {
	ID      int64
	GroupID int64
	BatchID int64
	Hash    string
}

func (s *Store) loadStepForAdvance(ctx context.Context, tx *sql.Tx, stepID int64) (*RunStep, *advanceRun, error) {
	query := s.rebind(`
		SELECT s.id, s.run_id, s.step_num, s.name, s.type, s.step_config_id, s.is_last,
			s.retry, s.retries, s.status, s.worker_id, s.not_before,
			s.created_at, s.started_at, s.completed_at,
			r.group_id, r.batch_id, r.document_hash
		FROM run_steps s
		JOIN workflow_runs r ON r.id = s.run_id
		WHERE s.id = ?
	`)

	var (
		st                   RunStep
		isLast               int
		workerID             sql.NullString
		notBefore            sql.NullString
		createdAt            string
		startedAt, completed sql.NullString
		run                  advanceRun
	)
	err := tx.QueryRowContext(ctx, query, stepID).Scan(
		&st.ID, &st.RunID, &st.StepNum, &st.Name, &st.Type, &st.StepConfigID,
		&isLast, &st.Retry, &st.Retries, &st.Status, &workerID, &notBefore,
		&createdAt, &startedAt, &completed,
		&run.GroupID, &run.BatchID, &run.Hash)
	if err == sql.ErrNoRows {
		return nil, nil, &errors.NotFoundError{Resource: "run_step", ID: strconv.FormatInt(stepID, 10)}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load step for advance: %w", err)
	}
	st.IsLast = isLast != 0
	st.WorkerID = workerID.String
	if st.NotBefore, err = parseTimePtr(notBefore); err != nil {
		return nil, nil, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, nil, err
	}
	if st.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, nil, err
	}
	if st.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, nil, err
	}
	run.ID = st.RunID
	return &st, &run, nil
}

func (s *Store) advanceCompleted(ctx context.Context, tx *sql.Tx, adv Advance, step *RunStep, run *advanceRun, now time.Time, res *AdvanceResult) error {
	n, err := s.execCount(ctx, tx, `
		UPDATE run_steps SET status = ?, completed_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?
	`, StatusCompleted, formatTime(now), step.ID, StatusRunning, adv.WorkerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return &errors.ConflictError{
			Resource: "run_step",
			ID:       strconv.FormatInt(step.ID, 10),
			Message:  "step is no longer RUNNING under this worker",
		}
	}
	res.StepStatus = StatusCompleted

	if err := s.insertLifecycle(ctx, tx, EventStepEnd, run.GroupID, &run.ID, &step.ID, StatusCompleted, adv.Message, adv.Meta, now); err != nil {
		return err
	}

	if !step.IsLast {
		if adv.NextStep == nil {
			return &errors.InvariantError{
				Invariant: "linear_progression",
				Message:   fmt.Sprintf("step %d is not last but no successor was supplied", step.ID),
			}
		}
		res.RunStatus = StatusRunning
		return s.insertStep(ctx, tx, run.ID, *adv.NextStep, now)
	}

	// Last step: complete the run, maybe the group, maybe the batch.
	if _, err := s.execCount(ctx, tx, `
		UPDATE workflow_runs SET status = ?, completed_at = ? WHERE id = ?
	`, StatusCompleted, formatTime(now), run.ID); err != nil {
		return err
	}
	res.RunStatus = StatusCompleted
	if err := s.insertLifecycle(ctx, tx, EventItemEnd, run.GroupID, &run.ID, nil, StatusCompleted, "", map[string]any{
		"document": run.Hash,
	}, now); err != nil {
		return err
	}

	return s.settleGroup(ctx, tx, run.GroupID, run.BatchID, now, res)
}

func (s *Store) advanceRetry(ctx context.Context, tx *sql.Tx, adv Advance, step *RunStep, run *advanceRun, now time.Time, res *AdvanceResult) error {
	notBefore := adv.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	n, err := s.execCount(ctx, tx, `
		UPDATE run_steps SET status = ?, retry = retry + 1, worker_id = NULL, started_at = NULL, not_before = ?
		WHERE id = ? AND status = ? AND worker_id = ?
	`, StatusPending, formatTime(notBefore), step.ID, StatusRunning, adv.WorkerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return &errors.ConflictError{
			Resource: "run_step",
			ID:       strconv.FormatInt(step.ID, 10),
			Message:  "step is no longer RUNNING under this worker",
		}
	}
	res.StepStatus = StatusPending
	res.RunStatus = StatusRunning
	res.Retried = true

	meta := adv.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	meta["retry"] = step.Retry + 1
	meta["not_before"] = formatTime(notBefore)
	return s.insertLifecycle(ctx, tx, EventStepFailed, run.GroupID, &run.ID, &step.ID, StatusError, adv.Message, meta, now)
}

func (s *Store) advanceFailed(ctx context.Context, tx *sql.Tx, adv Advance, step *RunStep, run *advanceRun, now time.Time, res *AdvanceResult) error {
	n, err := s.execCount(ctx, tx, `
		UPDATE run_steps SET status = ?, completed_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?
	`, StatusFailed, formatTime(now), step.ID, StatusRunning, adv.WorkerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return &errors.ConflictError{
			Resource: "run_step",
			ID:       strconv.FormatInt(step.ID, 10),
			Message:  "step is no longer RUNNING under this worker",
		}
	}
	res.StepStatus = StatusFailed

	if err := s.insertLifecycle(ctx, tx, EventStepFailed, run.GroupID, &run.ID, &step.ID, StatusFailed, adv.Message, adv.Meta, now); err != nil {
		return err
	}
	return s.failRun(ctx, tx, run, step, adv.Message, adv.Meta, now, res)
}

// failRun marks a run FAILED and settles the group status.
func (s *Store) failRun(ctx context.Context, tx *sql.Tx, run *advanceRun, step *RunStep, message string, meta map[string]any, now time.Time, res *AdvanceResult) error {
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return err
	}
	if _, err := s.execCount(ctx, tx, `
		UPDATE workflow_runs SET status = ?, status_message = ?, status_meta = ?, completed_at = ?
		WHERE id = ?
	`, StatusFailed, nullString(message), metaJSON, formatTime(now), run.ID); err != nil {
		return err
	}
	res.RunStatus = StatusFailed

	if err := s.insertLifecycle(ctx, tx, EventItemFailed, run.GroupID, &run.ID, &step.ID, StatusFailed, message, map[string]any{
		"document": run.Hash,
		"step":     step.Name,
	}, now); err != nil {
		return err
	}

	return s.settleGroup(ctx, tx, run.GroupID, run.BatchID, now, res)
}

// settleGroup recomputes a group's status from its runs. COMPLETED when all
// runs completed; FAILED when all runs terminal and at least one failed;
// ERROR (non-terminal) when a run has failed while others are still going;
// unchanged otherwise. Terminal groups get a group_end event, and the batch
// completes when its last group settles.
func (s *Store) settleGroup(ctx context.Context, tx *sql.Tx, groupID, batchID int64, now time.Time, res *AdvanceResult) error {
	stats, err := s.groupStatsTx(ctx, tx, groupID)
	if err != nil {
		return err
	}

	var status string
	switch {
	case stats.Terminal() && stats.Failed > 0:
		status = StatusFailed
	case stats.Terminal():
		status = StatusCompleted
	case stats.Failed > 0:
		status = StatusError
	default:
		res.GroupStatus = StatusRunning
		return nil
	}
	res.GroupStatus = status

	if !IsTerminalStatus(status) {
		_, err := s.execCount(ctx, tx, `
			UPDATE run_groups SET status = ? WHERE id = ? AND status != ?
		`, status, groupID, status)
		return err
	}

	n, err := s.execCount(ctx, tx, `
		UPDATE run_groups SET status = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`, status, formatTime(now), groupID)
	if err != nil {
		return err
	}
	if n > 0 {
		if err := s.insertLifecycle(ctx, tx, EventGroupEnd, groupID, nil, nil, status, "", map[string]any{
			"completed": stats.Completed,
			"failed":    stats.Failed,
		}, now); err != nil {
			return err
		}
	}

	// Complete the batch when every group of the batch is terminal.
	var open int
	openQ := s.rebind(`
		SELECT COUNT(*) FROM run_groups WHERE batch_id = ? AND completed_at IS NULL
	`)
	if err := tx.QueryRowContext(ctx, openQ, batchID).Scan(&open); err != nil {
		return fmt.Errorf("failed to count open groups: %w", err)
	}
	if open == 0 {
		if _, err := s.execCount(ctx, tx, `
			UPDATE batches SET completed_at = ? WHERE id = ? AND completed_at IS NULL
		`, formatTime(now), batchID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) groupStatsTx(ctx context.Context, tx *sql.Tx, groupID int64) (GroupStats, error) {
	query := s.rebind(`
		SELECT status, COUNT(*) FROM workflow_runs WHERE group_id = ? GROUP BY status
	`)
	rows, err := tx.QueryContext(ctx, query, groupID)
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

// Heartbeat upserts a worker's check-in row.
func (s *Store) Heartbeat(ctx context.Context, workerID string) error {
	if workerID == "" {
		return &errors.ValidationError{Field: "worker_id", Message: "worker id is required"}
	}
	now := formatTime(time.Now())
	query := s.rebind(`
		INSERT INTO worker_checkins (worker_id, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET last_seen = excluded.last_seen
	`)
	if _, err := s.db.ExecContext(ctx, query, workerID, now, now); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// RemoveWorker deletes a worker's check-in on explicit shutdown.
func (s *Store) RemoveWorker(ctx context.Context, workerID string) error {
	query := s.rebind(`DELETE FROM worker_checkins WHERE worker_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to remove worker: %w", err)
	}
	return nil
}

// ListWorkers returns every known worker check-in.
func (s *Store) ListWorkers(ctx context.Context) ([]*WorkerCheckin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, first_seen, last_seen FROM worker_checkins ORDER BY worker_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*WorkerCheckin
	for rows.Next() {
		var (
			w                    WorkerCheckin
			firstSeen, lastSeen string
		)
		if err := rows.Scan(&w.WorkerID, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		if w.FirstSeen, err = parseTime(firstSeen); err != nil {
			return nil, err
		}
		if w.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, err
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

// ReclaimStaleSteps returns RUNNING steps held by dead workers to PENDING.
// A worker is stale when its last check-in is older than threshold, or when
// it has no check-in row at all. Stale check-in rows are removed. This is
// the only path that unsticks RUNNING steps.
func (s *Store) ReclaimStaleSteps(ctx context.Context, threshold time.Duration) (int64, error) {
	var reclaimed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		cutoff := formatTime(now.Add(-threshold))

		query := s.rebind(`
			SELECT s.id, s.run_id, s.name, s.worker_id, r.group_id
			FROM run_steps s
			JOIN workflow_runs r ON r.id = s.run_id
			WHERE s.status = 'RUNNING' AND (
				s.worker_id IN (SELECT worker_id FROM worker_checkins WHERE last_seen < ?)
				OR s.worker_id NOT IN (SELECT worker_id FROM worker_checkins)
			)
		`)
		rows, err := tx.QueryContext(ctx, query, cutoff)
		if err != nil {
			return fmt.Errorf("failed to find stale steps: %w", err)
		}
		type staleStep struct {
			id, runID, groupID int64
			name, workerID     string
		}
		var stale []staleStep
		for rows.Next() {
			var st staleStep
			if err := rows.Scan(&st.id, &st.runID, &st.name, &st.workerID, &st.groupID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stale step: %w", err)
			}
			stale = append(stale, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, st := range stale {
			n, err := s.execCount(ctx, tx, `
				UPDATE run_steps SET status = ?, worker_id = NULL, started_at = NULL
				WHERE id = ? AND status = ?
			`, StatusPending, st.id, StatusRunning)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if err := s.insertLifecycle(ctx, tx, EventStepFailed, st.groupID, &st.runID, &st.id, StatusPending,
				"reclaimed from stale worker", map[string]any{
					"worker_id": st.workerID,
					"step":      st.name,
				}, now); err != nil {
				return err
			}
			reclaimed++
		}

		if _, err := s.execCount(ctx, tx, `
			DELETE FROM worker_checkins WHERE last_seen < ?
		`, cutoff); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}
