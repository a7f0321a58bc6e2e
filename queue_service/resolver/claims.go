package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/store"
)

const maxRuns = 50

// ClaimExpirationHandler resolves runs whose worker stopped reclaiming.
// The message's takenUntil must still match the run: a reclaim issues a
// later takenUntil with its own message, which makes the old message a
// ghost.
type ClaimExpirationHandler struct {
	store store.Store
	queue advisory.Queue
	bus   events.Publisher
}

func NewClaimExpirationHandler(s store.Store, q advisory.Queue, bus events.Publisher) *ClaimExpirationHandler {
	return &ClaimExpirationHandler{store: s, queue: q, bus: bus}
}

func (h *ClaimExpirationHandler) Queue() string { return advisory.ClaimQueue }

func (h *ClaimExpirationHandler) Handle(ctx context.Context, payload []byte) (string, error) {
	var msg advisory.ClaimMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return OutcomeMalformed, nil
	}

	now := time.Now()
	var expired, retried bool
	var newRunID int
	task, err := h.store.ModifyTask(ctx, msg.TaskID, func(tk *store.Task) error {
		expired, retried = false, false
		if msg.RunID < 0 || msg.RunID >= len(tk.Runs) || msg.RunID != len(tk.Runs)-1 {
			return store.ErrNoChange
		}
		run := &tk.Runs[msg.RunID]
		if run.State != store.RunRunning || !run.TakenUntil.Equal(msg.TakenUntil) {
			return store.ErrNoChange
		}
		run.State = store.RunException
		run.ReasonResolved = store.ResolvedClaimExpired
		run.Resolved = now
		tk.TakenUntil = time.Time{}
		expired = true

		if tk.RetriesLeft > 0 && len(tk.Runs) < maxRuns && now.Before(tk.Deadline) {
			tk.RetriesLeft--
			newRunID = len(tk.Runs)
			tk.Runs = append(tk.Runs, store.Run{
				RunID:         newRunID,
				State:         store.RunPending,
				ReasonCreated: store.ReasonRetry,
				Scheduled:     now,
			})
			retried = true
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", err
	}
	if !expired {
		return OutcomeDropped, nil
	}

	observability.RunsResolved.WithLabelValues(string(store.RunException), string(store.ResolvedClaimExpired)).Inc()
	if retried {
		observability.RunsRetried.WithLabelValues(string(store.ResolvedClaimExpired)).Inc()
		pending := advisory.Marshal(advisory.PendingMessage{TaskID: task.TaskID, RunID: newRunID})
		if err := h.queue.Put(ctx, advisory.PendingQueue(task.ProvisionerID, task.WorkerType, task.Priority), pending, now); err != nil {
			return "", err
		}
		events.MustPublish(ctx, h.bus, events.TaskEvent(events.TaskPending, task, newRunID, "", ""))
		return OutcomeRetried, nil
	}

	resolved := advisory.Marshal(advisory.ResolvedMessage{
		TaskID:      task.TaskID,
		TaskGroupID: task.TaskGroupID,
		SchedulerID: task.SchedulerID,
		Resolution:  string(store.TaskException),
	})
	if err := h.queue.Put(ctx, advisory.ResolvedQueue, resolved, now); err != nil {
		return "", err
	}
	run := &task.Runs[msg.RunID]
	events.MustPublish(ctx, h.bus, events.TaskEvent(events.TaskException, task, msg.RunID, run.WorkerGroup, run.WorkerID))
	return OutcomeResolved, nil
}
