package resolver

import (
	"context"
	"encoding/json"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/deps"
)

// ResolvedHandler fans a task resolution out to its dependents and
// retires the task from its group's active set. Everything it calls is
// idempotent, so duplicate deliveries just repeat no-ops.
type ResolvedHandler struct {
	tracker *deps.Tracker
}

func NewResolvedHandler(tracker *deps.Tracker) *ResolvedHandler {
	return &ResolvedHandler{tracker: tracker}
}

func (h *ResolvedHandler) Queue() string { return advisory.ResolvedQueue }

func (h *ResolvedHandler) Handle(ctx context.Context, payload []byte) (string, error) {
	var msg advisory.ResolvedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return OutcomeMalformed, nil
	}
	if err := h.tracker.ResolveDependenciesOf(ctx, msg.TaskID, msg.Resolution); err != nil {
		return "", err
	}
	if err := h.tracker.RemoveFromGroup(ctx, msg.TaskGroupID, msg.SchedulerID, msg.TaskID); err != nil {
		return "", err
	}
	return OutcomeResolved, nil
}
