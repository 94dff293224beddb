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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soliplex/ingester/internal/config"
	"github.com/soliplex/ingester/internal/registry"
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/pkg/errors"
)

const testHash = "sha256-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

const engineWorkflow = `id: pipeline
name: Test pipeline
steps:
  - name: parse
    type: parse
    handler: test.parse
    retries: 2
  - name: store
    type: store
    handler: test.store
    retries: 1
`

const engineParams = `id: default
config:
  parse:
    ocr: true
  store:
    target: lancedb
`

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ingester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	wfDir := t.TempDir()
	paramDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "pipeline.yaml"), []byte(engineWorkflow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(paramDir, "default.yaml"), []byte(engineParams), 0o644))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := registry.New(wfDir, paramDir, logger)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DatabaseURL = "unused"
	cfg.DefaultWorkflow = "pipeline"
	cfg.RetryBaseBackoff = time.Millisecond
	cfg.RetryCap = 2 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.StaleWorkerThreshold = time.Minute
	cfg.DrainDeadline = 2 * time.Second

	return New(st, reg, NewHandlerRegistry(), nil, cfg, logger), st
}

// seedBatch ingests one document and returns its batch id.
func seedBatch(t *testing.T, st *store.Store) int64 {
	t.Helper()
	ctx := context.Background()
	b, err := st.CreateBatch(ctx, "b1", "test-source", nil)
	require.NoError(t, err)
	_, err = st.RegisterDocument(ctx, store.DocumentRegistration{
		BatchID: b.ID, URI: "/a", Source: "test-source", Hash: testHash,
		MimeType: "application/pdf", Size: 10,
	})
	require.NoError(t, err)
	return b.ID
}

func register(t *testing.T, e *Engine, name string, h Handler) {
	t.Helper()
	require.NoError(t, e.handlers.Register(name, h))
}

func TestStartWorkflows_SeedsGroup(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	batchID := seedBatch(t, st)
	register(t, e, "test.parse", noopHandler)
	register(t, e, "test.store", noopHandler)

	group, err := e.StartWorkflows(ctx, batchID, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", group.WorkflowID)
	assert.Equal(t, "default", group.ParamsID)
	assert.Equal(t, store.StatusPending, group.Status)

	runs, total, err := st.ListWorkflowRuns(ctx, group.ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, testHash, runs[0].DocumentHash)
}

func TestStartWorkflows_Validation(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	batchID := seedBatch(t, st)

	// Unregistered handler fails before anything is written.
	_, err := e.StartWorkflows(ctx, batchID, "pipeline", "default", 0)
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)

	register(t, e, "test.parse", noopHandler)
	register(t, e, "test.store", noopHandler)

	_, err = e.StartWorkflows(ctx, batchID, "nope", "default", 0)
	assert.True(t, errors.IsNotFound(err))

	// A batch with no documents is rejected.
	empty, err := st.CreateBatch(ctx, "empty", "test-source", nil)
	require.NoError(t, err)
	_, err = e.StartWorkflows(ctx, empty.ID, "pipeline", "default", 0)
	assert.ErrorAs(t, err, &ve)
}

// driveToCompletion claims and executes steps until nothing is claimable.
func driveToCompletion(t *testing.T, e *Engine, workerID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		claimed, err := e.store.ClaimSteps(ctx, workerID, 1)
		require.NoError(t, err)
		if len(claimed) == 0 {
			return
		}
		_, err = e.ExecuteStep(ctx, claimed[0], workerID)
		require.NoError(t, err)
	}
	t.Fatal("pipeline did not drain")
}

func TestExecuteStep_HappyPath(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	batchID := seedBatch(t, st)

	var calls []string
	var parseReq Request
	register(t, e, "test.parse", func(ctx context.Context, req Request) (map[string]any, error) {
		calls = append(calls, "parse")
		parseReq = req
		return map[string]any{"pages": 3}, nil
	})
	var storeConfig map[string]any
	register(t, e, "test.store", func(ctx context.Context, req Request) (map[string]any, error) {
		calls = append(calls, "store")
		storeConfig = req.Config
		return nil, nil
	})

	group, err := e.StartWorkflows(ctx, batchID, "", "", 0)
	require.NoError(t, err)
	driveToCompletion(t, e, "w1")

	assert.Equal(t, []string{"parse", "store"}, calls)
	assert.Equal(t, batchID, parseReq.BatchID)
	assert.Equal(t, testHash, parseReq.DocumentHash)
	assert.Equal(t, "test-source", parseReq.Source)
	assert.Equal(t, map[string]any{"ocr": true}, parseReq.Config)
	assert.Equal(t, map[string]any{"ocr": true, "target": "lancedb"}, storeConfig,
		"cumulative config merges prior steps")

	got, err := st.GetRunGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestExecuteStep_RetryThenSuccess(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	batchID := seedBatch(t, st)

	attempts := 0
	register(t, e, "test.parse", func(ctx context.Context, req Request) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, &errors.RetryableError{Operation: "parse", Message: "transient"}
		}
		return nil, nil
	})
	register(t, e, "test.store", noopHandler)

	group, err := e.StartWorkflows(ctx, batchID, "", "", 0)
	require.NoError(t, err)

	claimed, err := st.ClaimSteps(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	res, err := e.ExecuteStep(ctx, claimed[0], "w1")
	require.NoError(t, err)
	assert.True(t, res.Retried)
	assert.Equal(t, store.StatusPending, res.StepStatus)

	// Wait out the millisecond-scale backoff, then finish the pipeline.
	time.Sleep(10 * time.Millisecond)
	driveToCompletion(t, e, "w1")
	assert.Equal(t, 2, attempts)

	got, err := st.GetRunGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestExecuteStep_FatalFailsRun(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	batchID := seedBatch(t, st)

	register(t, e, "test.parse", func(ctx context.Context, req Request) (map[string]any, error) {
		return nil, &errors.FatalError{Operation: "parse", Message: "corrupt input"}
	})
	register(t, e, "test.store", noopHandler)

	group, err := e.StartWorkflows(ctx, batchID, "", "", 0)
	require.NoError(t, err)

	claimed, err := st.ClaimSteps(ctx, "w1", 1)
	require.NoError(t, err)
	res, err := e.ExecuteStep(ctx, claimed[0], "w1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, res.StepStatus)
	assert.Equal(t, store.StatusFailed, res.RunStatus)
	assert.Equal(t, store.StatusFailed, res.GroupStatus)

	got, err := st.GetRunGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestExecuteStep_UnclassifiedErrorRetries(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	batchID := seedBatch(t, st)

	register(t, e, "test.parse", func(ctx context.Context, req Request) (map[string]any, error) {
		return nil, os.ErrDeadlineExceeded
	})
	register(t, e, "test.store", noopHandler)

	_, err := e.StartWorkflows(ctx, batchID, "", "", 0)
	require.NoError(t, err)

	claimed, err := st.ClaimSteps(ctx, "w1", 1)
	require.NoError(t, err)
	res, err := e.ExecuteStep(ctx, claimed[0], "w1")
	require.NoError(t, err)
	assert.True(t, res.Retried, "errors without a classification default to retryable")
}

func TestWorker_RunsPipelineAndDrains(t *testing.T) {
	e, st := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batchID := seedBatch(t, st)

	register(t, e, "test.parse", noopHandler)
	register(t, e, "test.store", noopHandler)

	group, err := e.StartWorkflows(ctx, batchID, "", "", 0)
	require.NoError(t, err)

	w := NewWorker(e)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := st.GetRunGroup(context.Background(), group.ID)
		return err == nil && got.Status == store.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	// The worker removed its check-in on shutdown.
	workers, err := st.ListWorkers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestWorker_DrainLetsInFlightStepFinish(t *testing.T) {
	e, st := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batchID := seedBatch(t, st)

	started := make(chan struct{})
	register(t, e, "test.parse", func(ctx context.Context, req Request) (map[string]any, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return nil, ctx.Err()
	})
	register(t, e, "test.store", noopHandler)

	_, err := e.StartWorkflows(ctx, batchID, "", "", 0)
	require.NoError(t, err)

	w := NewWorker(e)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Shut down while the parse handler is still sleeping.
	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	// The in-flight step was advanced, not abandoned: parse is COMPLETED and
	// the next step was seeded, claimable by another worker.
	claimed, err := st.ClaimSteps(context.Background(), "w2", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "store", claimed[0].Step.Name)
	assert.Equal(t, 2, claimed[0].Step.StepNum)
}
