// Package deps maintains the dependency graph: forward edges gate when a
// task becomes ready to run, reverse edges fan a resolution out to its
// dependents, and the task-group active set detects group completion.
package deps

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/store"
)

const dependentsPageSize = 100

// Tracker decides when tasks become ready and when groups resolve.
type Tracker struct {
	store store.Store
	queue advisory.Queue
	bus   events.Publisher
}

func NewTracker(s store.Store, q advisory.Queue, bus events.Publisher) *Tracker {
	return &Tracker{store: s, queue: q, bus: bus}
}

// Track records the dependency edges for a freshly created task and
// schedules it when every dependency is already satisfied. Dependencies
// must exist by contract; a missing one is an InputError.
func (t *Tracker) Track(ctx context.Context, task *store.Task) (*store.Task, error) {
	for _, depID := range task.Dependencies {
		satisfied := false
		if depID != task.TaskID {
			dep, err := t.store.GetTask(ctx, depID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, apierror.InputError("dependency %s of task %s does not exist", depID, task.TaskID)
			}
			if err != nil {
				return nil, err
			}
			if dep.Resolved() {
				satisfied = satisfies(task.Requires, dep.State())
			}
		}
		// A self-dependency (defineTask) stays unsatisfied until an
		// explicit scheduleTask.
		edge := &store.TaskDependency{
			DependentTaskID: task.TaskID,
			RequiredTaskID:  depID,
			Requires:        task.Requires,
			Satisfied:       satisfied,
			Expires:         task.Expires,
		}
		err := t.store.CreateDependency(ctx, edge)
		if errors.Is(err, store.ErrEntityExists) {
			if satisfied {
				if merr := t.store.MarkDependencySatisfied(ctx, task.TaskID, depID); merr != nil && !errors.Is(merr, store.ErrNotFound) {
					return nil, merr
				}
			}
		} else if err != nil {
			return nil, err
		}
	}

	n, err := t.store.CountUnsatisfiedDependencies(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return task, nil
	}
	scheduled, _, err := t.Schedule(ctx, task)
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

func satisfies(mode store.RequiresMode, state store.TaskState) bool {
	switch mode {
	case store.RequiresAllResolved:
		return state == store.TaskCompleted || state == store.TaskFailed || state == store.TaskException
	default: // all-completed
		return state == store.TaskCompleted
	}
}

// Schedule idempotently appends the initial pending run. Returns
// ok=false when the task is past its deadline; callers surface that as a
// conflict.
func (t *Tracker) Schedule(ctx context.Context, task *store.Task) (*store.Task, bool, error) {
	if task.State() != store.TaskUnscheduled {
		return task, true, nil
	}
	now := time.Now()
	if now.After(task.Deadline) {
		return task, false, nil
	}

	var scheduled bool
	updated, err := t.store.ModifyTask(ctx, task.TaskID, func(tk *store.Task) error {
		scheduled = false
		if len(tk.Runs) > 0 {
			return store.ErrNoChange
		}
		tk.Runs = append(tk.Runs, store.Run{
			RunID:         0,
			State:         store.RunPending,
			ReasonCreated: store.ReasonScheduled,
			Scheduled:     now,
		})
		scheduled = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if scheduled {
		msg := advisory.Marshal(advisory.PendingMessage{TaskID: updated.TaskID, RunID: 0})
		if err := t.queue.Put(ctx, advisory.PendingQueue(updated.ProvisionerID, updated.WorkerType, updated.Priority), msg, now); err != nil {
			return nil, false, err
		}
		events.MustPublish(ctx, t.bus, events.TaskEvent(events.TaskPending, updated, 0, "", ""))
	}
	return updated, true, nil
}

// ResolveDependenciesOf walks the reverse edges of a resolved task.
// Under all-resolved any terminal state satisfies the edge; under
// all-completed only `completed` does, and any other resolution dooms the
// dependent (it is resolved as an exception via the cancel path).
// Idempotent: satisfied flags flip at most once and dooming a resolved
// task is a no-op, so duplicated resolved messages are harmless.
func (t *Tracker) ResolveDependenciesOf(ctx context.Context, resolvedTaskID string, resolution string) error {
	continuation := ""
	for {
		edges, next, err := t.store.ListDependents(ctx, resolvedTaskID, continuation, dependentsPageSize)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if edge.Requires == store.RequiresAllCompleted && resolution != string(store.TaskCompleted) {
				if err := t.doom(ctx, edge.DependentTaskID); err != nil {
					return err
				}
				continue
			}
			if err := t.store.MarkDependencySatisfied(ctx, edge.DependentTaskID, edge.RequiredTaskID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := t.maybeSchedule(ctx, edge.DependentTaskID); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		continuation = next
	}
}

func (t *Tracker) maybeSchedule(ctx context.Context, taskID string) error {
	n, err := t.store.CountUnsatisfiedDependencies(ctx, taskID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	task, err := t.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // expired row; nothing to schedule
	}
	if err != nil {
		return err
	}
	_, ok, err := t.Schedule(ctx, task)
	if err != nil {
		return err
	}
	if !ok {
		// Past deadline; the deadline resolver owns the resolution.
		log.Printf("Dependency fan-out: task %s became ready past its deadline, leaving it to the deadline resolver", taskID)
	}
	return nil
}

// doom resolves a dependent whose all-completed dependency failed. The
// dependent gets the cancel treatment: the active run (or a synthetic
// run) is resolved exception/canceled, a resolved message cascades the
// resolution to its own dependents.
func (t *Tracker) doom(ctx context.Context, taskID string) error {
	now := time.Now()
	var doomed bool
	task, err := t.store.ModifyTask(ctx, taskID, func(tk *store.Task) error {
		doomed = false
		last := tk.LastRun()
		switch {
		case last == nil:
			tk.Runs = append(tk.Runs, store.Run{
				RunID:          0,
				State:          store.RunException,
				ReasonCreated:  store.ReasonException,
				ReasonResolved: store.ResolvedCanceled,
				Scheduled:      now,
				Resolved:       now,
			})
			doomed = true
		case last.State == store.RunPending || last.State == store.RunRunning:
			last.State = store.RunException
			last.ReasonResolved = store.ResolvedCanceled
			last.Resolved = now
			tk.TakenUntil = time.Time{}
			doomed = true
		default:
			return store.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !doomed {
		return nil
	}

	observability.RunsResolved.WithLabelValues(string(store.RunException), string(store.ResolvedCanceled)).Inc()
	msg := advisory.Marshal(advisory.ResolvedMessage{
		TaskID:      task.TaskID,
		TaskGroupID: task.TaskGroupID,
		SchedulerID: task.SchedulerID,
		Resolution:  string(store.TaskException),
	})
	if err := t.queue.Put(ctx, advisory.ResolvedQueue, msg, now); err != nil {
		return err
	}
	events.MustPublish(ctx, t.bus, events.TaskEvent(events.TaskException, task, task.LastRun().RunID, "", ""))
	return nil
}

// RemoveFromGroup deletes the task from its group's active set and
// publishes task-group-resolved when the set empties. A group that
// gains new tasks after resolving will re-emit the event when it empties
// again; consumers are expected to tolerate that.
func (t *Tracker) RemoveFromGroup(ctx context.Context, taskGroupID, schedulerID, taskID string) error {
	if err := t.store.DeleteActiveMember(ctx, taskGroupID, taskID); err != nil {
		return err
	}
	n, err := t.store.CountActiveMembers(ctx, taskGroupID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hasMembers, err := t.store.HasGroupMembers(ctx, taskGroupID)
	if err != nil {
		return err
	}
	if !hasMembers {
		return nil
	}
	events.MustPublish(ctx, t.bus, events.GroupResolvedEvent(taskGroupID, schedulerID))
	observability.GroupsResolved.Inc()
	return nil
}
