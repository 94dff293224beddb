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
	"strings"
	"time"
)

// Status values shared by run groups, workflow runs, and run steps.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusError     = "ERROR"
	StatusFailed    = "FAILED"
)

// IsTerminalStatus reports whether a run or step status is final.
// ERROR is not terminal: a step in ERROR is awaiting a retry, and a group in
// ERROR still has non-terminal runs.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Lifecycle event kinds, written in the same transaction as the state
// transition they record.
const (
	EventGroupStart = "group_start"
	EventGroupEnd   = "group_end"
	EventItemStart  = "item_start"
	EventItemEnd    = "item_end"
	EventItemFailed = "item_failed"
	EventStepStart  = "step_start"
	EventStepEnd    = "step_end"
	EventStepFailed = "step_failed"
)

// URI history actions.
const (
	URIActionCreated = "created"
	URIActionUpdated = "updated"
	URIActionDeleted = "deleted"
)

// HashPrefix is prepended to hex digests in document identifiers.
const HashPrefix = "sha256-"

// NormalizeHash strips a digest-algorithm prefix so hashes from different
// producers compare equal.
func NormalizeHash(hash string) string {
	if i := strings.IndexByte(hash, '-'); i >= 0 {
		return hash[i+1:]
	}
	return hash
}

// Batch is a client-grouped collection of documents ingested together.
type Batch struct {
	ID          int64
	Name        string
	Source      string
	Params      map[string]any
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Completed reports whether the batch has finished processing.
func (b *Batch) Completed() bool {
	return b.CompletedAt != nil
}

// Document is the content-addressed unit of processing. There is exactly one
// row per distinct content hash.
type Document struct {
	Hash      string
	MimeType  string
	Size      int64
	Meta      map[string]any
	CreatedAt time.Time
}

// DocumentURI is a named reference into a source system. Many URIs may name
// the same Document.
type DocumentURI struct {
	ID        int64
	URI       string
	Source    string
	Hash      string
	Version   int
	BatchID   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentURIHistory is an append-only record of URI transitions.
type DocumentURIHistory struct {
	ID        int64
	URIID     int64
	Version   int
	Hash      string
	Action    string
	BatchID   int64
	CreatedAt time.Time
}

// RunGroup is the batch-wide execution record created when workflows are
// started.
type RunGroup struct {
	ID            int64
	Name          string
	WorkflowID    string
	ParamsID      string
	BatchID       int64
	Status        string
	StatusMessage string
	StatusMeta    map[string]any
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// WorkflowRun is the per-document execution of one workflow definition.
type WorkflowRun struct {
	ID            int64
	WorkflowID    string
	GroupID       int64
	BatchID       int64
	DocumentHash  string
	Priority      int
	Status        string
	StatusMessage string
	StatusMeta    map[string]any
	Params        map[string]any
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// RunStep is one step's execution record within a WorkflowRun.
type RunStep struct {
	ID           int64
	RunID        int64
	StepNum      int
	Name         string
	Type         string
	StepConfigID int64
	IsLast       bool
	Retry        int
	Retries      int
	Status       string
	WorkerID     string
	NotBefore    *time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// StepConfig is an immutable per-step configuration record. Config is the
// step's own options; Cumulative is the merged options of every step up to
// and including this one, and is the only configuration input handlers see.
type StepConfig struct {
	ID         int64
	Type       string
	Config     map[string]any
	Cumulative map[string]any
	CreatedAt  time.Time
}

// WorkerCheckin tracks worker liveness.
type WorkerCheckin struct {
	WorkerID  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// LifecycleEvent is one append-only audit trail entry.
type LifecycleEvent struct {
	ID        int64
	Event     string
	GroupID   int64
	RunID     *int64
	StepID    *int64
	Status    string
	Message   string
	Meta      map[string]any
	CreatedAt time.Time
}

// StepSeed describes a RunStep to insert as PENDING. The engine materializes
// seeds from the workflow definition and parameter set.
type StepSeed struct {
	Name       string
	Type       string
	StepNum    int
	Retries    int
	IsLast     bool
	Config     map[string]any
	Cumulative map[string]any
}

// NewWorkflowRun describes one run to create when workflows are started for
// a batch. FirstStep is seeded PENDING in the same transaction.
type NewWorkflowRun struct {
	DocumentHash string
	Priority     int
	Params       map[string]any
	FirstStep    StepSeed
}

// ClaimedStep is returned by ClaimSteps with enough context to dispatch the
// handler without further lookups.
type ClaimedStep struct {
	Step         RunStep
	RunID        int64
	GroupID      int64
	BatchID      int64
	DocumentHash string
	Source       string
	WorkflowID   string
	ParamsID     string
	Config       map[string]any
}

// DeleteCounts reports rows removed by a cascading deletion, per table.
type DeleteCounts struct {
	RunGroups        int64
	WorkflowRuns     int64
	RunSteps         int64
	LifecycleHistory int64
	DocumentURIs     int64
	URIHistory       int64
	Documents        int64
	Artifacts        int64
}

// Total sums every per-table count.
func (c DeleteCounts) Total() int64 {
	return c.RunGroups + c.WorkflowRuns + c.RunSteps + c.LifecycleHistory +
		c.DocumentURIs + c.URIHistory + c.Documents + c.Artifacts
}

// SourceDiff is the result of comparing an ingest agent's view of a source
// against persisted state.
type SourceDiff struct {
	New     []string
	Changed []string
	Missing []string
}

// GroupStats counts distinct runs per status within one run group.
type GroupStats struct {
	Pending   int
	Running   int
	Completed int
	Error     int
	Failed    int
}

// Terminal reports whether every run in the group has finished.
func (s GroupStats) Terminal() bool {
	return s.Pending == 0 && s.Running == 0 && s.Error == 0
}

// Total returns the number of runs in the group.
func (s GroupStats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Error + s.Failed
}
