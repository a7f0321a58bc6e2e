// Package resolver runs the background loops that drain the
// claim-expiration, deadline and resolved queues. Handlers treat every
// message as a hint and re-check the authoritative task row before
// acting, so at-least-once delivery and stale messages are safe.
package resolver

import (
	"context"
	"log"
	"time"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/observability"
)

const (
	batchSize = 32

	// handlerVisibility is how long a received message stays invisible
	// while its handler runs. Generous: a crashed handler just means a
	// redelivery a few minutes later.
	handlerVisibility = 5 * time.Minute
)

// Outcomes recorded per handled message.
const (
	OutcomeResolved  = "resolved"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
	OutcomeMalformed = "malformed"
)

// Handler processes one message payload and reports what it did. A
// returned error leaves the message in flight for redelivery after the
// visibility timeout; any outcome deletes it.
type Handler interface {
	Queue() string
	Handle(ctx context.Context, payload []byte) (string, error)
}

// Loop polls one advisory queue and feeds a handler.
type Loop struct {
	queue    advisory.Queue
	handler  Handler
	interval time.Duration
}

func NewLoop(q advisory.Queue, h Handler, interval time.Duration) *Loop {
	return &Loop{queue: q, handler: h, interval: interval}
}

// Run polls until ctx is canceled. One iteration receives a batch,
// handles each message and deletes the handled ones; messages whose
// handler errored are left to reappear.
func (l *Loop) Run(ctx context.Context) {
	name := l.handler.Queue()
	log.Printf("[RESOLVER] START queue=%s interval=%s", name, l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[RESOLVER] STOP queue=%s", name)
			return
		case <-ticker.C:
		}
		l.poll(ctx)
	}
}

func (l *Loop) poll(ctx context.Context) {
	name := l.handler.Queue()
	start := time.Now()
	defer func() {
		observability.ResolverLoopDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	for {
		messages, err := l.queue.Receive(ctx, name, batchSize, handlerVisibility)
		if err != nil {
			log.Printf("[RESOLVER] RECEIVE FAILED queue=%s err=%v", name, err)
			return
		}
		if len(messages) == 0 {
			return
		}
		for _, msg := range messages {
			outcome, err := l.handler.Handle(ctx, msg.Payload)
			if err != nil {
				log.Printf("[RESOLVER] HANDLE FAILED queue=%s err=%v", name, err)
				continue // redelivered after visibility expires
			}
			observability.ResolverMessages.WithLabelValues(name, outcome).Inc()
			if err := l.queue.Delete(ctx, name, msg.Receipt); err != nil {
				log.Printf("[RESOLVER] DELETE FAILED queue=%s err=%v", name, err)
			}
		}
		if len(messages) < batchSize {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
