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

// DeadlineHandler is the backstop that guarantees every task resolves by
// its deadline. A task still unresolved when its deadline message
// arrives gets its active run resolved exception/deadline-exceeded, or a
// synthetic run if it never scheduled.
type DeadlineHandler struct {
	store store.Store
	queue advisory.Queue
	bus   events.Publisher
}

func NewDeadlineHandler(s store.Store, q advisory.Queue, bus events.Publisher) *DeadlineHandler {
	return &DeadlineHandler{store: s, queue: q, bus: bus}
}

func (h *DeadlineHandler) Queue() string { return advisory.DeadlineQueue }

func (h *DeadlineHandler) Handle(ctx context.Context, payload []byte) (string, error) {
	var msg advisory.DeadlineMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return OutcomeMalformed, nil
	}

	now := time.Now()
	var enforced bool
	task, err := h.store.ModifyTask(ctx, msg.TaskID, func(tk *store.Task) error {
		enforced = false
		if !tk.Deadline.Equal(msg.Deadline) {
			return store.ErrNoChange
		}
		last := tk.LastRun()
		switch {
		case last == nil:
			tk.Runs = append(tk.Runs, store.Run{
				RunID:          0,
				State:          store.RunException,
				ReasonCreated:  store.ReasonException,
				ReasonResolved: store.ResolvedDeadlineExceeded,
				Scheduled:      now,
				Resolved:       now,
			})
			enforced = true
		case last.State == store.RunPending || last.State == store.RunRunning:
			last.State = store.RunException
			last.ReasonResolved = store.ResolvedDeadlineExceeded
			last.Resolved = now
			tk.TakenUntil = time.Time{}
			enforced = true
		default:
			return store.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", err
	}
	if !enforced {
		return OutcomeDropped, nil
	}

	observability.RunsResolved.WithLabelValues(string(store.RunException), string(store.ResolvedDeadlineExceeded)).Inc()
	resolved := advisory.Marshal(advisory.ResolvedMessage{
		TaskID:      task.TaskID,
		TaskGroupID: task.TaskGroupID,
		SchedulerID: task.SchedulerID,
		Resolution:  string(store.TaskException),
	})
	if err := h.queue.Put(ctx, advisory.ResolvedQueue, resolved, now); err != nil {
		return "", err
	}
	last := task.LastRun()
	events.MustPublish(ctx, h.bus, events.TaskEvent(events.TaskException, task, last.RunID, last.WorkerGroup, last.WorkerID))
	return OutcomeResolved, nil
}
