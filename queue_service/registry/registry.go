// Package registry tracks the three-level dispatch identifier space:
// provisioners, worker types and individual workers. Rows are written as
// a side effect of claiming, so the registry always reflects what has
// actually pulled work recently. Quarantine lives here too: a
// quarantined worker keeps long-polling but is never handed a run.
package registry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/store"
)

const (
	// recentTaskRing bounds the per-worker list of recently claimed runs.
	recentTaskRing = 20

	// registryTTL is how long an idle row stays visible after last claim.
	registryTTL = 5 * 24 * time.Hour
)

type Registry struct {
	store store.Store
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// RecordClaim refreshes the provisioner, worker-type and worker rows for
// a successful claim and appends the run to the worker's recent-task
// ring. Called on the claim path, so failures are logged, not fatal:
// losing a registry write never loses a claim.
func (r *Registry) RecordClaim(ctx context.Context, task *store.Task, runID int, workerGroup, workerID string) {
	now := time.Now()
	expires := now.Add(registryTTL)

	if err := r.store.UpsertProvisioner(ctx, &store.Provisioner{
		ProvisionerID: task.ProvisionerID,
		LastSeen:      now,
		Expires:       expires,
	}); err != nil {
		log.Printf("[REGISTRY] provisioner upsert failed: provisioner=%s err=%v", task.ProvisionerID, err)
	}
	if err := r.store.UpsertWorkerType(ctx, &store.WorkerTypeRecord{
		ProvisionerID: task.ProvisionerID,
		WorkerType:    task.WorkerType,
		LastSeen:      now,
		Expires:       expires,
	}); err != nil {
		log.Printf("[REGISTRY] worker type upsert failed: provisioner=%s workerType=%s err=%v",
			task.ProvisionerID, task.WorkerType, err)
	}

	_, err := r.store.ModifyWorker(ctx, task.ProvisionerID, task.WorkerType, workerGroup, workerID, func(w *store.Worker) error {
		if w.FirstClaim.IsZero() {
			w.FirstClaim = now
		}
		w.LastSeen = now
		w.Expires = expires
		w.RecentTasks = append(w.RecentTasks, store.RecentTask{TaskID: task.TaskID, RunID: runID})
		if len(w.RecentTasks) > recentTaskRing {
			w.RecentTasks = w.RecentTasks[len(w.RecentTasks)-recentTaskRing:]
		}
		return nil
	})
	if err != nil {
		log.Printf("[REGISTRY] worker upsert failed: worker=%s/%s err=%v", workerGroup, workerID, err)
	}
}

// Quarantined reports whether the worker may currently take work. An
// unknown worker is not quarantined: quarantine only exists on rows an
// operator has touched.
func (r *Registry) Quarantined(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (bool, error) {
	worker, err := r.store.GetWorker(ctx, provisionerID, workerType, workerGroup, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return worker.Quarantined(time.Now()), nil
}

// QuarantineWorker sets (or clears, with a past time) the worker's
// quarantine window. The worker row is created if the worker has never
// claimed.
func (r *Registry) QuarantineWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, until time.Time) (*store.Worker, error) {
	now := time.Now()
	worker, err := r.store.ModifyWorker(ctx, provisionerID, workerType, workerGroup, workerID, func(w *store.Worker) error {
		w.QuarantineUntil = until
		if w.Expires.Before(until) {
			w.Expires = until.Add(registryTTL)
		}
		if w.Expires.IsZero() {
			w.Expires = now.Add(registryTTL)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if worker.Quarantined(now) {
		observability.WorkersQuarantined.WithLabelValues(provisionerID, workerType).Inc()
		log.Printf("[REGISTRY] QUARANTINE worker=%s/%s until=%s", workerGroup, workerID, until.Format(time.RFC3339))
	}
	return worker, nil
}

// GetWorker returns one worker row.
func (r *Registry) GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*store.Worker, error) {
	worker, err := r.store.GetWorker(ctx, provisionerID, workerType, workerGroup, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("no worker %s/%s under %s/%s", workerGroup, workerID, provisionerID, workerType)
	}
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// ListWorkers returns the workers seen under a worker type.
func (r *Registry) ListWorkers(ctx context.Context, provisionerID, workerType string) ([]*store.Worker, error) {
	return r.store.ListWorkers(ctx, provisionerID, workerType)
}
