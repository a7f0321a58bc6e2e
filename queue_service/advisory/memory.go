package advisory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryQueue implements Queue with in-process state. Backend for tests
// and single-node operation.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]*memMessage
	nextID int64
}

type memMessage struct {
	id          string
	payload     []byte
	visibleAt   time.Time
	lockedUntil time.Time
}

// NewMemoryQueue initializes an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]*memMessage)}
}

func (q *MemoryQueue) Put(ctx context.Context, queue string, payload []byte, visibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	msg := &memMessage{
		id:        fmt.Sprintf("m-%d", q.nextID),
		payload:   append([]byte(nil), payload...),
		visibleAt: visibleAt,
	}
	q.queues[queue] = append(q.queues[queue], msg)
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, queue string, maxMessages int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	msgs := q.queues[queue]
	// FIFO within visibility: oldest visibleAt first.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].visibleAt.Before(msgs[j].visibleAt) })

	var out []Message
	for _, m := range msgs {
		if len(out) >= maxMessages {
			break
		}
		if m.visibleAt.After(now) || m.lockedUntil.After(now) {
			continue
		}
		m.lockedUntil = now.Add(visibility)
		out = append(out, Message{
			Payload:      append([]byte(nil), m.payload...),
			Receipt:      m.id,
			VisibleUntil: m.lockedUntil,
		})
	}
	return out, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, queue string, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[queue]
	for i, m := range msgs {
		if m.id == receipt {
			q.queues[queue] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	// Deleting a message that expired and was redelivered elsewhere is
	// not an error; the other consumer owns it now.
	return nil
}

func (q *MemoryQueue) Count(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue]), nil
}
