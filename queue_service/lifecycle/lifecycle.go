// Package lifecycle implements the user-facing task operations: admission
// (createTask/defineTask), explicit scheduling, rerun and cancellation,
// and the worker-facing run resolution reports. All state lives in the
// store; queue puts and event publishes happen only after a commit.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/deps"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/store"
)

// Service implements the task lifecycle operations.
type Service struct {
	store   store.Store
	queue   advisory.Queue
	bus     events.Publisher
	tracker *deps.Tracker
}

func NewService(s store.Store, q advisory.Queue, bus events.Publisher, tracker *deps.Tracker) *Service {
	return &Service{store: s, queue: q, bus: bus, tracker: tracker}
}

// CreateTask admits a task and schedules it as soon as its dependencies
// allow. Idempotent: re-submitting an identical definition returns the
// current status, a different definition under the same taskId is a
// conflict.
func (s *Service) CreateTask(ctx context.Context, task *store.Task) (*store.TaskStatus, error) {
	return s.createTask(ctx, task, false)
}

// DefineTask admits a task that will not schedule until an explicit
// ScheduleTask call, expressed as an unsatisfied self-dependency.
func (s *Service) DefineTask(ctx context.Context, task *store.Task) (*store.TaskStatus, error) {
	return s.createTask(ctx, task, true)
}

func (s *Service) createTask(ctx context.Context, task *store.Task, selfDepend bool) (*store.TaskStatus, error) {
	now := time.Now()
	if err := validateDefinition(task, now); err != nil {
		return nil, err
	}
	task.RetriesLeft = task.Retries
	task.Runs = nil
	task.TakenUntil = time.Time{}

	if err := s.ensureTaskGroup(ctx, task); err != nil {
		return nil, err
	}

	err := s.store.CreateTask(ctx, task)
	if errors.Is(err, store.ErrEntityExists) {
		existing, gerr := s.store.GetTask(ctx, task.TaskID)
		if gerr != nil {
			return nil, gerr
		}
		if !existing.DefinitionEquals(task) {
			return nil, apierror.Conflict("taskId %s already exists with a different definition", task.TaskID).
				WithDetails(map[string]interface{}{
					"existingTask":  existing,
					"submittedTask": task,
				})
		}
		// Identical re-submission. The first submission already emitted
		// messages and events; just report where the task is now.
		return existing.Status(), nil
	}
	if err != nil {
		return nil, err
	}
	observability.TasksCreated.WithLabelValues(task.ProvisionerID, task.WorkerType).Inc()

	if err := s.store.CreateGroupMember(ctx, &store.TaskGroupMember{
		TaskGroupID: task.TaskGroupID,
		TaskID:      task.TaskID,
		Expires:     task.Expires,
	}); err != nil && !errors.Is(err, store.ErrEntityExists) {
		return nil, err
	}
	if err := s.store.CreateActiveMember(ctx, &store.TaskGroupActiveMember{
		TaskGroupID: task.TaskGroupID,
		TaskID:      task.TaskID,
		Expires:     task.Expires,
	}); err != nil && !errors.Is(err, store.ErrEntityExists) {
		return nil, err
	}

	if selfDepend {
		err := s.store.CreateDependency(ctx, &store.TaskDependency{
			DependentTaskID: task.TaskID,
			RequiredTaskID:  task.TaskID,
			Requires:        task.Requires,
			Expires:         task.Expires,
		})
		if err != nil && !errors.Is(err, store.ErrEntityExists) {
			return nil, err
		}
	}

	// The deadline message is the backstop that guarantees every task
	// resolves; put it before anything can observe the task.
	deadlineMsg := advisory.Marshal(advisory.DeadlineMessage{TaskID: task.TaskID, Deadline: task.Deadline})
	if err := s.queue.Put(ctx, advisory.DeadlineQueue, deadlineMsg, task.Deadline); err != nil {
		return nil, err
	}

	events.MustPublish(ctx, s.bus, events.TaskEvent(events.TaskDefined, task, -1, "", ""))

	tracked, err := s.tracker.Track(ctx, task)
	if err != nil {
		return nil, err
	}
	return tracked.Status(), nil
}

// ensureTaskGroup creates or validates the task group. The first task in
// a group fixes its schedulerId; later tasks must match it. Group expiry
// is extended to cover the longest-lived member.
func (s *Service) ensureTaskGroup(ctx context.Context, task *store.Task) error {
	group := &store.TaskGroup{
		TaskGroupID: task.TaskGroupID,
		SchedulerID: task.SchedulerID,
		Expires:     task.Expires,
	}
	err := s.store.CreateTaskGroup(ctx, group)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrEntityExists) {
		return err
	}
	existing, err := s.store.GetTaskGroup(ctx, task.TaskGroupID)
	if err != nil {
		return err
	}
	if existing.SchedulerID != task.SchedulerID {
		return apierror.Conflict("taskGroupId %s belongs to schedulerId %s, not %s",
			task.TaskGroupID, existing.SchedulerID, task.SchedulerID)
	}
	if task.Expires.After(existing.Expires) {
		_, err = s.store.ModifyTaskGroup(ctx, task.TaskGroupID, func(g *store.TaskGroup) error {
			if !task.Expires.After(g.Expires) {
				return store.ErrNoChange
			}
			g.Expires = task.Expires
			return nil
		})
		return err
	}
	return nil
}

// ScheduleTask schedules the task immediately, whether or not its
// declared dependencies have resolved yet. The self-dependency is also
// marked satisfied so the dependency tracker does not re-derive a
// different answer later. Idempotent.
func (s *Service) ScheduleTask(ctx context.Context, taskID string) (*store.TaskStatus, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State() != store.TaskUnscheduled {
		return task.Status(), nil
	}
	if time.Now().After(task.Deadline) {
		return nil, apierror.Conflict("task %s is past its deadline and can no longer be scheduled", taskID)
	}
	if err := s.store.MarkDependencySatisfied(ctx, taskID, taskID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	scheduled, ok, err := s.tracker.Schedule(ctx, task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierror.Conflict("task %s is past its deadline and can no longer be scheduled", taskID)
	}
	return scheduled.Status(), nil
}

// RerunTask appends a new pending run to a resolved task. Calling it on
// a pending or running task is a no-op returning the current status.
func (s *Service) RerunTask(ctx context.Context, taskID string) (*store.TaskStatus, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.After(task.Deadline) {
		return nil, apierror.Conflict("task %s is past its deadline and can no longer be rerun", taskID)
	}
	switch task.State() {
	case store.TaskUnscheduled:
		return nil, apierror.Conflict("task %s has never been scheduled; schedule it instead of rerunning", taskID)
	case store.TaskPending, store.TaskRunning:
		return task.Status(), nil
	}
	if len(task.Runs) >= maxRuns {
		return nil, apierror.Conflict("task %s already has %d runs", taskID, maxRuns)
	}

	var newRunID int
	var rerun bool
	updated, err := s.store.ModifyTask(ctx, taskID, func(tk *store.Task) error {
		rerun = false
		if !tk.Resolved() {
			return store.ErrNoChange
		}
		if len(tk.Runs) >= maxRuns {
			return store.ErrNoChange
		}
		newRunID = len(tk.Runs)
		tk.Runs = append(tk.Runs, store.Run{
			RunID:         newRunID,
			State:         store.RunPending,
			ReasonCreated: store.ReasonRerun,
			Scheduled:     now,
		})
		tk.RetriesLeft = min(tk.Retries, maxRuns-len(tk.Runs))
		rerun = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rerun {
		// Lost a race; report whatever the row says now.
		return updated.Status(), nil
	}

	// The task left its terminal state, so it rejoins the group's active
	// set until it resolves again.
	if err := s.store.CreateActiveMember(ctx, &store.TaskGroupActiveMember{
		TaskGroupID: updated.TaskGroupID,
		TaskID:      updated.TaskID,
		Expires:     updated.Expires,
	}); err != nil && !errors.Is(err, store.ErrEntityExists) {
		return nil, err
	}

	msg := advisory.Marshal(advisory.PendingMessage{TaskID: updated.TaskID, RunID: newRunID})
	if err := s.queue.Put(ctx, advisory.PendingQueue(updated.ProvisionerID, updated.WorkerType, updated.Priority), msg, now); err != nil {
		return nil, err
	}
	events.MustPublish(ctx, s.bus, events.TaskEvent(events.TaskPending, updated, newRunID, "", ""))
	return updated.Status(), nil
}

// CancelTask resolves the task exception/canceled. Idempotent on a task
// already canceled; a conflict on a task resolved some other way or past
// its deadline (the deadline resolver owns the resolution from there).
func (s *Service) CancelTask(ctx context.Context, taskID string) (*store.TaskStatus, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.After(task.Deadline) {
		return nil, apierror.Conflict("task %s is past its deadline and can no longer be canceled", taskID)
	}
	var canceled bool
	updated, err := s.store.ModifyTask(ctx, taskID, func(tk *store.Task) error {
		canceled = false
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
			canceled = true
		case last.State == store.RunPending || last.State == store.RunRunning:
			last.State = store.RunException
			last.ReasonResolved = store.ResolvedCanceled
			last.Resolved = now
			tk.TakenUntil = time.Time{}
			canceled = true
		default:
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !canceled {
		last := updated.LastRun()
		if last.State == store.RunException && last.ReasonResolved == store.ResolvedCanceled {
			return updated.Status(), nil
		}
		return nil, apierror.Conflict("task %s already resolved as %s and cannot be canceled", taskID, updated.State())
	}

	observability.RunsResolved.WithLabelValues(string(store.RunException), string(store.ResolvedCanceled)).Inc()
	if err := s.afterResolved(ctx, updated); err != nil {
		return nil, err
	}
	events.MustPublish(ctx, s.bus, events.TaskEvent(events.TaskException, updated, updated.LastRun().RunID, "", ""))
	return updated.Status(), nil
}

// afterResolved enqueues the resolved message that drives dependency
// fan-out and group accounting for a freshly resolved task.
func (s *Service) afterResolved(ctx context.Context, task *store.Task) error {
	msg := advisory.Marshal(advisory.ResolvedMessage{
		TaskID:      task.TaskID,
		TaskGroupID: task.TaskGroupID,
		SchedulerID: task.SchedulerID,
		Resolution:  string(task.State()),
	})
	return s.queue.Put(ctx, advisory.ResolvedQueue, msg, time.Now())
}

func (s *Service) loadTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("no task with taskId %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// logDecision mirrors the structured decision lines the rest of the
// service emits for operations that silently take a branch.
func logDecision(op, taskID, detail string) {
	log.Printf("[LIFECYCLE] %s task=%s %s", op, taskID, detail)
}
