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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soliplex/ingester/internal/log"
)

// Worker is one long-running poll-claim-execute process. Workers coordinate
// only through the store; any number may run against the same database.
type Worker struct {
	engine *Engine
	id     string
	logger *slog.Logger

	wg   sync.WaitGroup
	slot chan struct{}
}

// NewWorker builds a worker with a unique id derived from the hostname.
func NewWorker(e *Engine) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	return &Worker{
		engine: e,
		id:     id,
		logger: log.WithWorker(e.logger, id),
		slot:   make(chan struct{}, e.cfg.WorkerPoolSize),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string {
	return w.id
}

// Run executes the worker loop until ctx is cancelled, then drains in-flight
// steps within the configured deadline. Steps still executing past the
// deadline are cancelled, stay RUNNING, and are recovered by a later
// stale-worker reclaim.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.engine.cfg

	// In-flight handlers and their advance writes must outlive poll-loop
	// cancellation, or a step that succeeds during shutdown can never be
	// advanced. execCtx ends only when the drain deadline expires.
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer execCancel()

	// Recover steps stranded by workers that died without draining.
	reclaimed, err := w.engine.store.ReclaimStaleSteps(ctx, cfg.StaleWorkerThreshold)
	if err != nil {
		return fmt.Errorf("reclaiming stale steps: %w", err)
	}
	if reclaimed > 0 {
		w.logger.Warn("reclaimed steps from stale workers", slog.Int64("count", reclaimed))
		if w.engine.metrics != nil {
			w.engine.metrics.StepsReclaimed.Add(float64(reclaimed))
		}
	}

	if err := w.heartbeat(ctx); err != nil {
		return err
	}
	w.logger.Info("worker started",
		slog.Int("pool_size", cfg.WorkerPoolSize),
		slog.Duration("poll_interval", cfg.PollInterval))

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.heartbeat(ctx); err != nil && ctx.Err() == nil {
					w.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	for ctx.Err() == nil {
		claimed := w.claimBatch(ctx, execCtx)
		if claimed == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pollJitter(cfg.PollInterval)):
			}
		}
	}

	<-heartbeatDone
	return w.drain(execCancel)
}

// claimBatch claims up to the free pool capacity (capped at the configured
// claim batch size) and starts a goroutine per step. Claims run on the poll
// context, execution on execCtx so drain can let it finish. Returns the
// number claimed.
func (w *Worker) claimBatch(ctx, execCtx context.Context) int {
	free := cap(w.slot) - len(w.slot)
	if free == 0 {
		// Pool saturated; the caller sleeps one poll interval.
		return 0
	}
	limit := w.engine.cfg.ClaimBatchSize
	if free < limit {
		limit = free
	}

	steps, err := w.engine.store.ClaimSteps(ctx, w.id, limit)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim failed", slog.String("error", err.Error()))
		}
		return 0
	}

	for _, cs := range steps {
		cs := cs
		w.slot <- struct{}{}
		w.wg.Add(1)
		if w.engine.metrics != nil {
			w.engine.metrics.WorkersActive.Inc()
		}
		go func() {
			defer func() {
				<-w.slot
				w.wg.Done()
				if w.engine.metrics != nil {
					w.engine.metrics.WorkersActive.Dec()
				}
			}()
			if _, err := w.engine.ExecuteStep(execCtx, cs, w.id); err != nil && execCtx.Err() == nil {
				w.logger.Error("advance failed",
					slog.Int64("step_id", cs.Step.ID),
					slog.String("error", err.Error()))
			}
		}()
	}
	return len(steps)
}

// drain waits for in-flight steps up to the drain deadline, then cancels the
// stragglers and removes the worker's check-in so its leftovers become
// reclaimable immediately.
func (w *Worker) drain(cancelExec context.CancelFunc) error {
	cfg := w.engine.cfg
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker drained")
	case <-time.After(cfg.DrainDeadline):
		w.logger.Warn("drain deadline exceeded, abandoning in-flight steps",
			slog.Duration("deadline", cfg.DrainDeadline))
		cancelExec()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.engine.store.RemoveWorker(ctx, w.id); err != nil {
		return fmt.Errorf("removing worker check-in: %w", err)
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) error {
	if err := w.engine.store.Heartbeat(ctx, w.id); err != nil {
		return err
	}
	if w.engine.metrics != nil {
		w.engine.metrics.Heartbeats.Inc()
	}
	return nil
}

// pollJitter spreads poll wakeups ±25% so idle workers don't thundering-herd
// the claim query.
func pollJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()/2))
}
