// Package claim implements work dispatch: long-polling claimWork against
// the per-priority pending queues, the claim-expiration protocol, and the
// run-scoped credentials handed to workers.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/registry"
	"github.com/taskforge/taskforge/queue_service/store"
)

const (
	// defaultPollWindow is how long claimWork holds the request open
	// waiting for pending work before returning an empty result.
	defaultPollWindow = 20 * time.Second

	// defaultPollInterval paces queue sweeps inside the poll window.
	defaultPollInterval = 1 * time.Second

	// maxCapacity bounds how many runs one claimWork call can take.
	maxCapacity = 32
)

// workerLimiter keeps one token bucket per worker so a misbehaving
// worker hammering claimWork cannot starve the queue backend.
type workerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newWorkerLimiter(r float64, b int) *workerLimiter {
	return &workerLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *workerLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

// ClaimedRun is one run handed to a worker.
type ClaimedRun struct {
	Status      *store.TaskStatus `json:"status"`
	RunID       int               `json:"runId"`
	WorkerGroup string            `json:"workerGroup"`
	WorkerID    string            `json:"workerId"`
	TakenUntil  time.Time         `json:"takenUntil"`
	Task        *store.Task       `json:"task"`
	Credentials Credentials       `json:"credentials"`
}

// Claimer serves claimWork and reclaimTask.
type Claimer struct {
	store        store.Store
	queue        advisory.Queue
	bus          events.Publisher
	registry     *registry.Registry
	minter       *Minter
	claimTimeout time.Duration
	limiter      *workerLimiter

	pollWindow   time.Duration
	pollInterval time.Duration
}

func NewClaimer(s store.Store, q advisory.Queue, bus events.Publisher, reg *registry.Registry, minter *Minter, claimTimeout time.Duration) *Claimer {
	return &Claimer{
		store:        s,
		queue:        q,
		bus:          bus,
		registry:     reg,
		minter:       minter,
		claimTimeout: claimTimeout,
		limiter:      newWorkerLimiter(2, 10),
		pollWindow:   defaultPollWindow,
		pollInterval: defaultPollInterval,
	}
}

// ClaimWork long-polls the pending queues for (provisionerId, workerType)
// in strict priority order and transitions up to capacity runs from
// pending to running. A quarantined worker waits out the poll window and
// gets nothing; its in-flight runs are unaffected.
func (c *Claimer) ClaimWork(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, capacity int) ([]*ClaimedRun, error) {
	start := time.Now()
	defer func() {
		observability.ClaimLatency.Observe(time.Since(start).Seconds())
	}()

	if capacity <= 0 {
		capacity = 1
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}

	workerKey := provisionerID + "/" + workerType + "/" + workerGroup + "/" + workerID
	if !c.limiter.allow(workerKey) {
		// Absorb the storm instead of rejecting: hold the request like an
		// empty poll so the worker backs off naturally.
		waitOut(ctx, c.pollWindow)
		return nil, nil
	}

	quarantined, err := c.registry.Quarantined(ctx, provisionerID, workerType, workerGroup, workerID)
	if err != nil {
		return nil, err
	}
	if quarantined {
		log.Printf("[CLAIM] DENIED worker=%s reason=quarantined", workerKey)
		waitOut(ctx, c.pollWindow)
		return nil, nil
	}

	queues := advisory.PendingQueues(provisionerID, workerType)
	deadline := start.Add(c.pollWindow)
	var claims []*ClaimedRun
	for {
		for _, queue := range queues {
			remaining := capacity - len(claims)
			if remaining == 0 {
				break
			}
			messages, err := c.queue.Receive(ctx, queue, remaining, c.claimTimeout)
			if err != nil {
				return nil, err
			}
			for _, msg := range messages {
				claimed, err := c.claimOne(ctx, queue, msg, workerGroup, workerID)
				if err != nil {
					return nil, err
				}
				if claimed != nil {
					claims = append(claims, claimed)
				}
			}
		}
		if len(claims) > 0 || time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		waitOut(ctx, c.pollInterval)
	}

	for _, cl := range claims {
		c.registry.RecordClaim(ctx, cl.Task, cl.RunID, workerGroup, workerID)
		observability.ClaimsGranted.WithLabelValues(provisionerID, workerType).Inc()
	}
	return claims, nil
}

// claimOne attempts the pending->running transition for one message. A
// message whose run is no longer pending is a ghost: it is deleted and
// skipped, never an error.
func (c *Claimer) claimOne(ctx context.Context, queue string, msg advisory.Message, workerGroup, workerID string) (*ClaimedRun, error) {
	var pending advisory.PendingMessage
	if err := json.Unmarshal(msg.Payload, &pending); err != nil {
		log.Printf("[CLAIM] DROP queue=%s reason=malformed err=%v", queue, err)
		return nil, c.queue.Delete(ctx, queue, msg.Receipt)
	}

	now := time.Now()
	takenUntil := now.Add(c.claimTimeout).Truncate(time.Millisecond)
	var claimed bool
	task, err := c.store.ModifyTask(ctx, pending.TaskID, func(tk *store.Task) error {
		claimed = false
		if pending.RunID < 0 || pending.RunID >= len(tk.Runs) || pending.RunID != len(tk.Runs)-1 {
			return store.ErrNoChange
		}
		run := &tk.Runs[pending.RunID]
		if run.State != store.RunPending {
			return store.ErrNoChange
		}
		run.State = store.RunRunning
		run.Started = now
		run.WorkerGroup = workerGroup
		run.WorkerID = workerID
		run.TakenUntil = takenUntil
		tk.TakenUntil = takenUntil
		claimed = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		observability.GhostMessages.Inc()
		return nil, c.queue.Delete(ctx, queue, msg.Receipt)
	}
	if err != nil {
		return nil, err
	}
	if !claimed {
		observability.GhostMessages.Inc()
		return nil, c.queue.Delete(ctx, queue, msg.Receipt)
	}

	// Order matters: the claim-expiration message must exist before the
	// pending message disappears, so a crash between the two leaves the
	// run protected rather than orphaned.
	claimMsg := advisory.Marshal(advisory.ClaimMessage{
		TaskID:     task.TaskID,
		RunID:      pending.RunID,
		TakenUntil: takenUntil,
	})
	if err := c.queue.Put(ctx, advisory.ClaimQueue, claimMsg, takenUntil); err != nil {
		return nil, err
	}
	if err := c.queue.Delete(ctx, queue, msg.Receipt); err != nil {
		return nil, err
	}

	events.MustPublish(ctx, c.bus, events.TaskEvent(events.TaskRunning, task, pending.RunID, workerGroup, workerID))
	return &ClaimedRun{
		Status:      task.Status(),
		RunID:       pending.RunID,
		WorkerGroup: workerGroup,
		WorkerID:    workerID,
		TakenUntil:  takenUntil,
		Task:        task,
		Credentials: c.minter.Mint(task.TaskID, pending.RunID, takenUntil),
	}, nil
}

// Reclaim extends a running run's claim. The new takenUntil is always
// strictly later than the old one at millisecond granularity, so the
// minted credentials always differ from the previous claim's; fresh
// credentials come with it.
func (c *Claimer) Reclaim(ctx context.Context, taskID string, runID int) (*ClaimedRun, error) {
	now := time.Now()
	takenUntil := now.Add(c.claimTimeout).Truncate(time.Millisecond)
	var reclaimed bool
	task, err := c.store.ModifyTask(ctx, taskID, func(tk *store.Task) error {
		reclaimed = false
		if runID < 0 || runID >= len(tk.Runs) || runID != len(tk.Runs)-1 {
			return store.ErrNoChange
		}
		run := &tk.Runs[runID]
		if run.State != store.RunRunning {
			return store.ErrNoChange
		}
		if now.After(tk.Deadline) {
			return store.ErrNoChange
		}
		if takenUntil.UnixMilli() <= run.TakenUntil.UnixMilli() {
			takenUntil = run.TakenUntil.Add(time.Second)
		}
		run.TakenUntil = takenUntil
		tk.TakenUntil = takenUntil
		reclaimed = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("no task with taskId %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	if !reclaimed {
		return nil, apierror.Conflict("run %d of task %s cannot be reclaimed; it is not running before its deadline", runID, taskID)
	}

	claimMsg := advisory.Marshal(advisory.ClaimMessage{TaskID: taskID, RunID: runID, TakenUntil: takenUntil})
	if err := c.queue.Put(ctx, advisory.ClaimQueue, claimMsg, takenUntil); err != nil {
		return nil, err
	}

	run := &task.Runs[runID]
	return &ClaimedRun{
		Status:      task.Status(),
		RunID:       runID,
		WorkerGroup: run.WorkerGroup,
		WorkerID:    run.WorkerID,
		TakenUntil:  takenUntil,
		Task:        task,
		Credentials: c.minter.Mint(taskID, runID, takenUntil),
	}, nil
}

func waitOut(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
