package store

import (
	"context"
	"errors"
	"time"
)

// Store sentinel errors. The memory and Postgres backends return exactly
// these so callers can branch with errors.Is.
var (
	// ErrEntityExists is returned by Create* when the row already exists.
	// Callers implement idempotency by reloading and comparing.
	ErrEntityExists = errors.New("entity already exists")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned internally when a compare-and-swap
	// loses; Modify* retries on it and never surfaces it.
	ErrVersionConflict = errors.New("optimistic concurrency conflict")

	// ErrNoChange may be returned by a mutator to abort a Modify* without
	// writing. The loaded row is still returned to the caller.
	ErrNoChange = errors.New("no change")
)

// Store is the row store used by every component. It is the only
// strongly-consistent shared resource: every row carries a version tag and
// all mutation goes through compare-and-swap. Modify* methods invoke the
// mutator on a fresh copy of the row and retry it on conflict, so mutators
// must be side-effect free (one-shot flags captured by the caller handle
// post-commit side effects).
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ModifyTask(ctx context.Context, taskID string, mutator func(*Task) error) (*Task, error)
	ListTaskGroupTasks(ctx context.Context, taskGroupID string, continuation string, limit int) ([]*Task, string, error)

	// Task groups.
	CreateTaskGroup(ctx context.Context, group *TaskGroup) error
	GetTaskGroup(ctx context.Context, taskGroupID string) (*TaskGroup, error)
	ModifyTaskGroup(ctx context.Context, taskGroupID string, mutator func(*TaskGroup) error) (*TaskGroup, error)

	// Group membership. Member rows are permanent until expiry; active
	// rows are deleted as tasks resolve.
	CreateGroupMember(ctx context.Context, member *TaskGroupMember) error
	HasGroupMembers(ctx context.Context, taskGroupID string) (bool, error)
	CreateActiveMember(ctx context.Context, member *TaskGroupActiveMember) error
	GetActiveMember(ctx context.Context, taskGroupID, taskID string) (*TaskGroupActiveMember, error)
	DeleteActiveMember(ctx context.Context, taskGroupID, taskID string) error
	CountActiveMembers(ctx context.Context, taskGroupID string) (int, error)

	// Dependency edges. CreateDependency writes both directions.
	CreateDependency(ctx context.Context, dep *TaskDependency) error
	MarkDependencySatisfied(ctx context.Context, dependentTaskID, requiredTaskID string) error
	CountUnsatisfiedDependencies(ctx context.Context, dependentTaskID string) (int, error)
	ListDependencies(ctx context.Context, dependentTaskID string) ([]*TaskDependency, error)
	ListDependents(ctx context.Context, requiredTaskID string, continuation string, limit int) ([]*TaskDependency, string, error)

	// Artifacts.
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	ModifyArtifact(ctx context.Context, taskID string, runID int, name string, mutator func(*Artifact) error) (*Artifact, error)
	GetArtifact(ctx context.Context, taskID string, runID int, name string) (*Artifact, error)
	ListRunArtifacts(ctx context.Context, taskID string, runID int) ([]*Artifact, error)

	// Worker registry rows.
	UpsertProvisioner(ctx context.Context, p *Provisioner) error
	UpsertWorkerType(ctx context.Context, wt *WorkerTypeRecord) error
	GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*Worker, error)
	ModifyWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, mutator func(*Worker) error) (*Worker, error)
	ListWorkers(ctx context.Context, provisionerID, workerType string) ([]*Worker, error)

	// Expiry. Drops every row whose expires precedes now; returns the
	// number removed.
	ExpireRows(ctx context.Context, now time.Time) (int, error)
}
