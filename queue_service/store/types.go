package store

import (
	"bytes"
	"encoding/json"
	"time"
)

// RunState is the state of a single run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunException RunState = "exception"
)

// Terminal reports whether the state is absorbing for its run.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunException
}

// TaskState is the derived state of a task.
type TaskState string

const (
	TaskUnscheduled TaskState = "unscheduled"
	TaskPending     TaskState = "pending"
	TaskRunning     TaskState = "running"
	TaskCompleted   TaskState = "completed"
	TaskFailed      TaskState = "failed"
	TaskException   TaskState = "exception"
)

// ReasonCreated explains why a run was appended.
type ReasonCreated string

const (
	ReasonScheduled ReasonCreated = "scheduled"
	ReasonRetry     ReasonCreated = "retry"
	ReasonTaskRetry ReasonCreated = "task-retry"
	ReasonRerun     ReasonCreated = "rerun"
	ReasonException ReasonCreated = "exception"
)

// ReasonResolved explains how a run reached a terminal state.
type ReasonResolved string

const (
	ResolvedCompleted           ReasonResolved = "completed"
	ResolvedFailed              ReasonResolved = "failed"
	ResolvedDeadlineExceeded    ReasonResolved = "deadline-exceeded"
	ResolvedCanceled            ReasonResolved = "canceled"
	ResolvedSuperseded          ReasonResolved = "superseded"
	ResolvedClaimExpired        ReasonResolved = "claim-expired"
	ResolvedWorkerShutdown      ReasonResolved = "worker-shutdown"
	ResolvedMalformedPayload    ReasonResolved = "malformed-payload"
	ResolvedResourceUnavailable ReasonResolved = "resource-unavailable"
	ResolvedInternalError       ReasonResolved = "internal-error"
	ResolvedIntermittentTask    ReasonResolved = "intermittent-task"
)

// ExceptionReasons are the reasons a worker may report via reportException.
var ExceptionReasons = map[ReasonResolved]bool{
	ResolvedWorkerShutdown:      true,
	ResolvedMalformedPayload:    true,
	ResolvedResourceUnavailable: true,
	ResolvedInternalError:       true,
	ResolvedSuperseded:          true,
	ResolvedIntermittentTask:    true,
}

// RequiresMode selects how dependencies gate scheduling.
type RequiresMode string

const (
	RequiresAllCompleted RequiresMode = "all-completed"
	RequiresAllResolved  RequiresMode = "all-resolved"
)

// Priority is one of the seven dispatch buckets. The alias "normal" is
// rewritten to "lowest" before a task is stored.
type Priority string

const (
	PriorityHighest  Priority = "highest"
	PriorityVeryHigh Priority = "very-high"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityVeryLow  Priority = "very-low"
	PriorityLowest   Priority = "lowest"
	PriorityNormal   Priority = "normal"
)

// PriorityLevels lists the buckets in strict dispatch order, highest first.
var PriorityLevels = []Priority{
	PriorityHighest, PriorityVeryHigh, PriorityHigh,
	PriorityMedium, PriorityLow, PriorityVeryLow, PriorityLowest,
}

// Normalize rewrites the "normal" alias.
func (p Priority) Normalize() Priority {
	if p == PriorityNormal || p == "" {
		return PriorityLowest
	}
	return p
}

// Valid reports whether p names a real bucket (after normalization).
func (p Priority) Valid() bool {
	for _, l := range PriorityLevels {
		if p == l {
			return true
		}
	}
	return false
}

// Run is one attempt to execute a task. Runs are append-only; a run in a
// terminal state is never mutated again.
type Run struct {
	RunID          int            `json:"runId"`
	State          RunState       `json:"state"`
	ReasonCreated  ReasonCreated  `json:"reasonCreated"`
	ReasonResolved ReasonResolved `json:"reasonResolved,omitempty"`
	WorkerGroup    string         `json:"workerGroup,omitempty"`
	WorkerID       string         `json:"workerId,omitempty"`
	Scheduled      time.Time      `json:"scheduled"`
	Started        time.Time      `json:"started,omitempty"`
	Resolved       time.Time      `json:"resolved,omitempty"`
	TakenUntil     time.Time      `json:"takenUntil,omitempty"`
}

// Task is a row-per-task record: an immutable definition plus the mutable
// retriesLeft / takenUntil / runs state.
type Task struct {
	TaskID        string            `json:"taskId" db:"task_id"`
	ProvisionerID string            `json:"provisionerId" db:"provisioner_id"`
	WorkerType    string            `json:"workerType" db:"worker_type"`
	SchedulerID   string            `json:"schedulerId" db:"scheduler_id"`
	TaskGroupID   string            `json:"taskGroupId" db:"task_group_id"`
	Dependencies  []string          `json:"dependencies" db:"dependencies"`
	Requires      RequiresMode      `json:"requires" db:"requires"`
	Routes        []string          `json:"routes" db:"routes"`
	Scopes        []string          `json:"scopes" db:"scopes"`
	Priority      Priority          `json:"priority" db:"priority"`
	Retries       int               `json:"retries" db:"retries"`
	Created       time.Time         `json:"created" db:"created"`
	Deadline      time.Time         `json:"deadline" db:"deadline"`
	Expires       time.Time         `json:"expires" db:"expires"`
	Payload       json.RawMessage   `json:"payload" db:"payload"`
	Metadata      json.RawMessage   `json:"metadata" db:"metadata"`
	Tags          map[string]string `json:"tags" db:"tags"`
	Extra         json.RawMessage   `json:"extra" db:"extra"`

	// Mutable state.
	RetriesLeft int       `json:"retriesLeft" db:"retries_left"`
	TakenUntil  time.Time `json:"takenUntil" db:"taken_until"`
	Runs        []Run     `json:"runs" db:"runs"`

	// Version is the optimistic-concurrency tag. Zero means "not loaded".
	Version int64 `json:"-" db:"version"`
}

// State derives the task state: unscheduled with no runs, otherwise the
// state of the last run.
func (t *Task) State() TaskState {
	if len(t.Runs) == 0 {
		return TaskUnscheduled
	}
	return TaskState(t.Runs[len(t.Runs)-1].State)
}

// LastRun returns a pointer into Runs for the last run, or nil.
func (t *Task) LastRun() *Run {
	if len(t.Runs) == 0 {
		return nil
	}
	return &t.Runs[len(t.Runs)-1]
}

// Resolved reports whether the task has reached a terminal state.
func (t *Task) Resolved() bool {
	last := t.LastRun()
	return last != nil && last.State.Terminal()
}

// Clone returns a deep copy so callers can mutate without aliasing rows
// held by the memory store.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Routes = append([]string(nil), t.Routes...)
	c.Scopes = append([]string(nil), t.Scopes...)
	c.Runs = append([]Run(nil), t.Runs...)
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Metadata = append(json.RawMessage(nil), t.Metadata...)
	c.Extra = append(json.RawMessage(nil), t.Extra...)
	if t.Tags != nil {
		c.Tags = make(map[string]string, len(t.Tags))
		for k, v := range t.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// DefinitionEquals compares the immutable definition of two tasks.
// Opaque JSON blobs are compared byte-for-byte: idempotent re-submission
// must round-trip them unchanged.
func (t *Task) DefinitionEquals(o *Task) bool {
	if t.ProvisionerID != o.ProvisionerID ||
		t.WorkerType != o.WorkerType ||
		t.SchedulerID != o.SchedulerID ||
		t.TaskGroupID != o.TaskGroupID ||
		t.Requires != o.Requires ||
		t.Priority != o.Priority ||
		t.Retries != o.Retries ||
		!t.Created.Equal(o.Created) ||
		!t.Deadline.Equal(o.Deadline) ||
		!t.Expires.Equal(o.Expires) {
		return false
	}
	if !stringSliceEqual(t.Dependencies, o.Dependencies) ||
		!stringSliceEqual(t.Routes, o.Routes) ||
		!stringSliceEqual(t.Scopes, o.Scopes) {
		return false
	}
	if !bytes.Equal(t.Payload, o.Payload) ||
		!bytes.Equal(t.Metadata, o.Metadata) ||
		!bytes.Equal(t.Extra, o.Extra) {
		return false
	}
	if len(t.Tags) != len(o.Tags) {
		return false
	}
	for k, v := range t.Tags {
		if o.Tags[k] != v {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TaskGroup binds a set of tasks to a single schedulerId.
type TaskGroup struct {
	TaskGroupID string    `json:"taskGroupId" db:"task_group_id"`
	SchedulerID string    `json:"schedulerId" db:"scheduler_id"`
	Expires     time.Time `json:"expires" db:"expires"`
	Version     int64     `json:"-" db:"version"`
}

// TaskGroupMember is a permanent-for-expiry membership row.
type TaskGroupMember struct {
	TaskGroupID string    `json:"taskGroupId" db:"task_group_id"`
	TaskID      string    `json:"taskId" db:"task_id"`
	Expires     time.Time `json:"expires" db:"expires"`
}

// TaskGroupActiveMember is removed when its task resolves; an empty
// active set (with at least one member ever recorded) means the group is
// resolved.
type TaskGroupActiveMember struct {
	TaskGroupID string    `json:"taskGroupId" db:"task_group_id"`
	TaskID      string    `json:"taskId" db:"task_id"`
	Expires     time.Time `json:"expires" db:"expires"`
}

// TaskDependency is a directed edge dependent -> required. The store also
// indexes the reverse direction for fan-out on resolution. Satisfied is
// flipped at most once per edge; flipping it again is harmless, which is
// what makes the resolved queue's at-least-once delivery safe.
type TaskDependency struct {
	DependentTaskID string       `json:"dependentTaskId" db:"dependent_task_id"`
	RequiredTaskID  string       `json:"requiredTaskId" db:"required_task_id"`
	Requires        RequiresMode `json:"requires" db:"requires"`
	Satisfied       bool         `json:"satisfied" db:"satisfied"`
	Expires         time.Time    `json:"expires" db:"expires"`
}

// StorageType classifies an artifact.
type StorageType string

const (
	StorageObject    StorageType = "object"
	StorageReference StorageType = "reference"
	StorageError     StorageType = "error"
)

// Artifact is the slice of artifact metadata the core reads: the Present
// flag gates reportCompleted for object-storage artifacts.
type Artifact struct {
	TaskID      string      `json:"taskId" db:"task_id"`
	RunID       int         `json:"runId" db:"run_id"`
	Name        string      `json:"name" db:"name"`
	StorageType StorageType `json:"storageType" db:"storage_type"`
	ContentType string      `json:"contentType,omitempty" db:"content_type"`
	Present     bool        `json:"present" db:"present"`
	Expires     time.Time   `json:"expires" db:"expires"`
	Version     int64       `json:"-" db:"version"`
}

// Provisioner / WorkerTypeRecord / Worker track seen-liveness for the
// three-level dispatch identifier space.
type Provisioner struct {
	ProvisionerID string    `json:"provisionerId" db:"provisioner_id"`
	LastSeen      time.Time `json:"lastSeen" db:"last_seen"`
	Expires       time.Time `json:"expires" db:"expires"`
}

type WorkerTypeRecord struct {
	ProvisionerID string    `json:"provisionerId" db:"provisioner_id"`
	WorkerType    string    `json:"workerType" db:"worker_type"`
	LastSeen      time.Time `json:"lastSeen" db:"last_seen"`
	Expires       time.Time `json:"expires" db:"expires"`
}

// RecentTask is one entry in a worker's recent-task ring.
type RecentTask struct {
	TaskID string `json:"taskId"`
	RunID  int    `json:"runId"`
}

// Worker tracks one (workerGroup, workerId) under a worker type, its
// quarantine window and a bounded ring of recently claimed tasks.
type Worker struct {
	ProvisionerID   string       `json:"provisionerId" db:"provisioner_id"`
	WorkerType      string       `json:"workerType" db:"worker_type"`
	WorkerGroup     string       `json:"workerGroup" db:"worker_group"`
	WorkerID        string       `json:"workerId" db:"worker_id"`
	FirstClaim      time.Time    `json:"firstClaim" db:"first_claim"`
	LastSeen        time.Time    `json:"lastSeen" db:"last_seen"`
	QuarantineUntil time.Time    `json:"quarantineUntil,omitempty" db:"quarantine_until"`
	RecentTasks     []RecentTask `json:"recentTasks" db:"recent_tasks"`
	Expires         time.Time    `json:"expires" db:"expires"`
	Version         int64        `json:"-" db:"version"`
}

// Quarantined reports whether the worker is quarantined at time now.
func (w *Worker) Quarantined(now time.Time) bool {
	return w.QuarantineUntil.After(now)
}

// Clone returns a deep copy.
func (w *Worker) Clone() *Worker {
	c := *w
	c.RecentTasks = append([]RecentTask(nil), w.RecentTasks...)
	return &c
}
