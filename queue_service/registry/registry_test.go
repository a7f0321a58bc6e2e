package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/store"
)

func claimTask(id string) *store.Task {
	return &store.Task{
		TaskID:        id,
		ProvisionerID: "aws",
		WorkerType:    "builder",
	}
}

func TestRecordClaimUpsertsAllLevels(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewRegistry(s)

	r.RecordClaim(ctx, claimTask("t1"), 0, "us-east-1", "w-1")

	worker, err := r.GetWorker(ctx, "aws", "builder", "us-east-1", "w-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if worker.FirstClaim.IsZero() || worker.LastSeen.IsZero() {
		t.Fatalf("timestamps not set: %+v", worker)
	}
	if len(worker.RecentTasks) != 1 || worker.RecentTasks[0].TaskID != "t1" {
		t.Fatalf("recent tasks: %+v", worker.RecentTasks)
	}

	workers, err := r.ListWorkers(ctx, "aws", "builder")
	if err != nil || len(workers) != 1 {
		t.Fatalf("ListWorkers: %v %d", err, len(workers))
	}
}

func TestRecentTaskRingBounded(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemoryStore())

	for i := 0; i < recentTaskRing+5; i++ {
		r.RecordClaim(ctx, claimTask(fmt.Sprintf("t-%d", i)), 0, "us-east-1", "w-1")
	}

	worker, err := r.GetWorker(ctx, "aws", "builder", "us-east-1", "w-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if len(worker.RecentTasks) != recentTaskRing {
		t.Fatalf("ring size=%d, want %d", len(worker.RecentTasks), recentTaskRing)
	}
	// Oldest entries fell off.
	if worker.RecentTasks[0].TaskID != "t-5" {
		t.Fatalf("ring head=%s, want t-5", worker.RecentTasks[0].TaskID)
	}
}

func TestQuarantineSetAndClear(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemoryStore())

	// Quarantining a never-seen worker creates its row.
	worker, err := r.QuarantineWorker(ctx, "aws", "builder", "us-east-1", "w-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("QuarantineWorker: %v", err)
	}
	if !worker.Quarantined(time.Now()) {
		t.Fatal("worker not quarantined")
	}
	q, err := r.Quarantined(ctx, "aws", "builder", "us-east-1", "w-1")
	if err != nil || !q {
		t.Fatalf("Quarantined = %v, %v; want true", q, err)
	}

	// Clearing is setting the window into the past.
	if _, err := r.QuarantineWorker(ctx, "aws", "builder", "us-east-1", "w-1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("clear quarantine: %v", err)
	}
	q, err = r.Quarantined(ctx, "aws", "builder", "us-east-1", "w-1")
	if err != nil || q {
		t.Fatalf("Quarantined after clear = %v, %v; want false", q, err)
	}
}

func TestUnknownWorkerIsNotQuarantined(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemoryStore())

	q, err := r.Quarantined(ctx, "aws", "builder", "us-east-1", "never-seen")
	if err != nil || q {
		t.Fatalf("Quarantined = %v, %v; want false, nil", q, err)
	}

	if _, err := r.GetWorker(ctx, "aws", "builder", "us-east-1", "never-seen"); !apierror.IsKind(err, apierror.KindResourceNotFound) {
		t.Fatalf("GetWorker = %v, want ResourceNotFound", err)
	}
}
