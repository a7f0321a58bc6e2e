package lifecycle

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/store"
)

// ReportCompleted resolves a running run as completed. Idempotent when
// the run is already completed; a conflict for any other terminal state.
// Object-storage artifacts registered on the run must have their upload
// confirmed first.
func (s *Service) ReportCompleted(ctx context.Context, taskID string, runID int) (*store.TaskStatus, error) {
	if err := s.checkArtifactsPresent(ctx, taskID, runID); err != nil {
		return nil, err
	}
	return s.resolveRun(ctx, taskID, runID, store.RunCompleted, store.ResolvedCompleted, events.TaskCompleted)
}

// ReportFailed resolves a running run as failed: the payload executed and
// reported an unsuccessful result.
func (s *Service) ReportFailed(ctx context.Context, taskID string, runID int) (*store.TaskStatus, error) {
	return s.resolveRun(ctx, taskID, runID, store.RunFailed, store.ResolvedFailed, events.TaskFailed)
}

// ReportException resolves a running run as an exception with the given
// reason. worker-shutdown and intermittent-task trigger an automatic
// retry when retries remain, in which case no task-exception event fires:
// the observable transition is running -> pending.
func (s *Service) ReportException(ctx context.Context, taskID string, runID int, reason store.ReasonResolved) (*store.TaskStatus, error) {
	if !store.ExceptionReasons[reason] {
		return nil, apierror.InputError("reason %q is not a reportable exception reason", reason)
	}
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkRunExists(task, runID); err != nil {
		return nil, err
	}

	now := time.Now()
	var resolved, retried bool
	var retryReason store.ReasonCreated
	var newRunID int
	updated, err := s.store.ModifyTask(ctx, taskID, func(tk *store.Task) error {
		resolved, retried = false, false
		run := &tk.Runs[runID]
		if run.State.Terminal() {
			return store.ErrNoChange
		}
		if runID != len(tk.Runs)-1 {
			return store.ErrNoChange
		}
		run.State = store.RunException
		run.ReasonResolved = reason
		run.Resolved = now
		tk.TakenUntil = time.Time{}
		resolved = true

		switch reason {
		case store.ResolvedWorkerShutdown:
			retryReason = store.ReasonRetry
		case store.ResolvedIntermittentTask:
			retryReason = store.ReasonTaskRetry
		default:
			return nil
		}
		if tk.RetriesLeft <= 0 || len(tk.Runs) >= maxRuns || now.After(tk.Deadline) {
			return nil
		}
		tk.RetriesLeft--
		newRunID = len(tk.Runs)
		tk.Runs = append(tk.Runs, store.Run{
			RunID:         newRunID,
			State:         store.RunPending,
			ReasonCreated: retryReason,
			Scheduled:     now,
		})
		retried = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !resolved {
		return s.reportNoChange(updated, runID, store.RunException, reason)
	}

	observability.RunsResolved.WithLabelValues(string(store.RunException), string(reason)).Inc()
	if retried {
		observability.RunsRetried.WithLabelValues(string(reason)).Inc()
		msg := advisory.Marshal(advisory.PendingMessage{TaskID: updated.TaskID, RunID: newRunID})
		if err := s.queue.Put(ctx, advisory.PendingQueue(updated.ProvisionerID, updated.WorkerType, updated.Priority), msg, now); err != nil {
			return nil, err
		}
		events.MustPublish(ctx, s.bus, events.TaskEvent(events.TaskPending, updated, newRunID, "", ""))
		return updated.Status(), nil
	}

	if err := s.afterResolved(ctx, updated); err != nil {
		return nil, err
	}
	run := &updated.Runs[runID]
	events.MustPublish(ctx, s.bus, events.TaskEvent(events.TaskException, updated, runID, run.WorkerGroup, run.WorkerID))
	return updated.Status(), nil
}

// resolveRun is the shared completed/failed path.
func (s *Service) resolveRun(ctx context.Context, taskID string, runID int, state store.RunState, reason store.ReasonResolved, topic events.Topic) (*store.TaskStatus, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkRunExists(task, runID); err != nil {
		return nil, err
	}

	now := time.Now()
	var resolved bool
	updated, err := s.store.ModifyTask(ctx, taskID, func(tk *store.Task) error {
		resolved = false
		run := &tk.Runs[runID]
		if run.State.Terminal() {
			return store.ErrNoChange
		}
		if run.State != store.RunRunning || runID != len(tk.Runs)-1 {
			return store.ErrNoChange
		}
		run.State = state
		run.ReasonResolved = reason
		run.Resolved = now
		tk.TakenUntil = time.Time{}
		resolved = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !resolved {
		return s.reportNoChange(updated, runID, state, reason)
	}

	observability.RunsResolved.WithLabelValues(string(state), string(reason)).Inc()
	if err := s.afterResolved(ctx, updated); err != nil {
		return nil, err
	}
	run := &updated.Runs[runID]
	events.MustPublish(ctx, s.bus, events.TaskEvent(topic, updated, runID, run.WorkerGroup, run.WorkerID))
	return updated.Status(), nil
}

// reportNoChange decides between idempotent success and conflict when a
// report found the run already resolved (or no longer the last run).
func (s *Service) reportNoChange(task *store.Task, runID int, state store.RunState, reason store.ReasonResolved) (*store.TaskStatus, error) {
	run := &task.Runs[runID]
	if run.State == state && run.ReasonResolved == reason {
		return task.Status(), nil
	}
	if run.State.Terminal() {
		return nil, apierror.Conflict("run %d of task %s already resolved %s/%s",
			runID, task.TaskID, run.State, run.ReasonResolved)
	}
	return nil, apierror.Conflict("run %d of task %s is %s, not running", runID, task.TaskID, run.State)
}

func checkRunExists(task *store.Task, runID int) error {
	if runID < 0 || runID >= len(task.Runs) {
		return apierror.NotFound("task %s has no run %d", task.TaskID, runID)
	}
	return nil
}

// checkArtifactsPresent gates reportCompleted on confirmed uploads for
// object-storage artifacts.
func (s *Service) checkArtifactsPresent(ctx context.Context, taskID string, runID int) error {
	artifacts, err := s.store.ListRunArtifacts(ctx, taskID, runID)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if a.StorageType == store.StorageObject && !a.Present {
			return apierror.Conflict("artifact %q on run %d of task %s has no confirmed upload", a.Name, runID, taskID)
		}
	}
	return nil
}
