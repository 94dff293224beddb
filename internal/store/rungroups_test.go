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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soliplex/ingester/pkg/errors"
)

func TestCreateRunGroup_SeedsFirstStepOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := startGroup(t, s, hashA)

	group, err := s.GetRunGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, group.Status)
	assert.Equal(t, "batch_split", group.WorkflowID)
	assert.Equal(t, "default", group.ParamsID)

	runs, total, err := s.ListWorkflowRuns(ctx, g.ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusPending, runs[0].Status)
	assert.Equal(t, hashA, runs[0].DocumentHash)

	steps, err := s.ListRunSteps(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 1, "later steps are inserted as predecessors complete")
	assert.Equal(t, 1, steps[0].StepNum)
	assert.Equal(t, StatusPending, steps[0].Status)
	assert.False(t, steps[0].IsLast)
}

func TestCreateRunGroup_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := mustBatch(t, s, "b1")

	_, err := s.CreateRunGroup(ctx, "g", "", "default", b.ID, []NewWorkflowRun{{DocumentHash: hashA, FirstStep: seed(1, "parse", 0, true)}})
	var ve *errors.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = s.CreateRunGroup(ctx, "g", "batch_split", "default", b.ID, nil)
	assert.ErrorAs(t, err, &ve)
}

func TestStepConfig_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g1 := startGroup(t, s, hashA)
	g2 := startGroup(t, s, hashB)

	runs1, _, err := s.ListWorkflowRuns(ctx, g1.ID, 1, 10)
	require.NoError(t, err)
	runs2, _, err := s.ListWorkflowRuns(ctx, g2.ID, 1, 10)
	require.NoError(t, err)

	steps1, err := s.ListRunSteps(ctx, runs1[0].ID)
	require.NoError(t, err)
	steps2, err := s.ListRunSteps(ctx, runs2[0].ID)
	require.NoError(t, err)

	assert.Equal(t, steps1[0].StepConfigID, steps2[0].StepConfigID,
		"identical (type, config) shares one StepConfig row")

	sc, err := s.GetStepConfig(ctx, steps1[0].StepConfigID)
	require.NoError(t, err)
	assert.Equal(t, "parse", sc.Type)
	assert.Equal(t, map[string]any{"step": "parse"}, sc.Config)
	assert.Equal(t, map[string]any{"step": "parse"}, sc.Cumulative)
}

func TestGroupStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := startGroup(t, s, hashA, hashB)

	stats, err := s.GroupStats(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 2, stats.Total())
	assert.False(t, stats.Terminal())

	runToCompletion(t, s, "w1")

	stats, err = s.GroupStats(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
	assert.True(t, stats.Terminal())
}

func TestDeleteRunGroup_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := startGroup(t, s, hashA)
	runToCompletion(t, s, "w1")

	counts, err := s.DeleteRunGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.RunGroups)
	assert.EqualValues(t, 1, counts.WorkflowRuns)
	assert.EqualValues(t, 4, counts.RunSteps)
	assert.EqualValues(t, 12, counts.LifecycleHistory)
	assert.Equal(t,
		counts.RunGroups+counts.WorkflowRuns+counts.RunSteps+counts.LifecycleHistory,
		counts.Total())

	_, err = s.GetRunGroup(ctx, g.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteRunGroup_SecondCallNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := startGroup(t, s, hashA)

	_, err := s.DeleteRunGroup(ctx, g.ID)
	require.NoError(t, err)

	_, err = s.DeleteRunGroup(ctx, g.ID)
	assert.True(t, errors.IsNotFound(err), "second delete returns NotFound")
}

func TestResetFailedSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := startGroup(t, s, hashA)

	claimed, err := s.ClaimSteps(ctx, "w1", 1)
	require.NoError(t, err)
	_, err = s.AdvanceStep(ctx, Advance{
		StepID: claimed[0].Step.ID, WorkerID: "w1", Fatal: true, Message: "boom",
	})
	require.NoError(t, err)

	n, err := s.ResetFailedSteps(ctx, g.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	group, err := s.GetRunGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, group.Status)
	assert.Nil(t, group.CompletedAt)

	// The failed step is claimable again with a clean retry budget.
	claimed, err = s.ClaimSteps(ctx, "w2", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 0, claimed[0].Step.Retry)
}

func TestResetFailedSteps_UnknownGroup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ResetFailedSteps(context.Background(), 999)
	assert.True(t, errors.IsNotFound(err))
}

func TestListBatches_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustBatch(t, s, "batch")
	}

	page1, total, err := s.ListBatches(ctx, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, page1, 2)

	page3, _, err := s.ListBatches(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	// Newest first.
	assert.Greater(t, page1[0].ID, page1[1].ID)
}
