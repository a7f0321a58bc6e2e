// Package advisory implements the durable FIFO queues with
// visibility-timeout semantics that carry pending, claim-expiration,
// deadline and resolved messages. Messages are hints, not authority:
// every consumer re-reads the task row and checks that the referenced
// (taskId, runId, takenUntil/deadline) still matches, so duplicate and
// stale deliveries are harmless.
package advisory

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/queue_service/store"
)

// Message is one received message. Receipt identifies it for Delete until
// VisibleUntil passes, at which point the queue may redeliver it.
type Message struct {
	Payload      []byte
	Receipt      string
	VisibleUntil time.Time
}

// Queue is the advisory queue service contract. Delivery is
// at-least-once; Put with a future visibleAt defers delivery.
type Queue interface {
	Put(ctx context.Context, queue string, payload []byte, visibleAt time.Time) error
	Receive(ctx context.Context, queue string, maxMessages int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, queue string, receipt string) error
	Count(ctx context.Context, queue string) (int, error)
}

// Well-known queue names. Pending queues are named per
// (provisionerId, workerType, priority) so dispatch can drain the seven
// buckets strictly highest-first.
const (
	ClaimQueue    = "claim-expiration"
	DeadlineQueue = "deadline"
	ResolvedQueue = "resolved"
)

// PendingQueue returns the queue name for one priority bucket.
func PendingQueue(provisionerID, workerType string, priority store.Priority) string {
	return fmt.Sprintf("pending/%s/%s/%s", provisionerID, workerType, priority.Normalize())
}

// PendingQueues returns the pending queue names for (provisionerId,
// workerType) in strict dispatch order, highest priority first.
func PendingQueues(provisionerID, workerType string) []string {
	out := make([]string, 0, len(store.PriorityLevels))
	for _, p := range store.PriorityLevels {
		out = append(out, PendingQueue(provisionerID, workerType, p))
	}
	return out
}
