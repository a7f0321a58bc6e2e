package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testTask(id string) *Task {
	now := time.Now()
	return &Task{
		TaskID:        id,
		ProvisionerID: "aws",
		WorkerType:    "builder",
		SchedulerID:   "-",
		TaskGroupID:   id,
		Requires:      RequiresAllCompleted,
		Priority:      PriorityLowest,
		Retries:       5,
		RetriesLeft:   5,
		Created:       now,
		Deadline:      now.Add(time.Hour),
		Expires:       now.Add(24 * time.Hour),
		Payload:       []byte(`{}`),
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateTask(ctx, testTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CreateTask(ctx, testTask("t1")); !errors.Is(err, ErrEntityExists) {
		t.Fatalf("duplicate create = %v, want ErrEntityExists", err)
	}
	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestModifyTaskVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateTask(ctx, testTask("t1"))

	got, err := s.ModifyTask(ctx, "t1", func(tk *Task) error {
		tk.Runs = append(tk.Runs, Run{RunID: 0, State: RunPending, ReasonCreated: ReasonScheduled, Scheduled: time.Now()})
		return nil
	})
	if err != nil {
		t.Fatalf("ModifyTask: %v", err)
	}
	if got.Version != 2 || len(got.Runs) != 1 {
		t.Fatalf("version=%d runs=%d, want 2 and 1", got.Version, len(got.Runs))
	}

	// ErrNoChange aborts without a write but returns the loaded row.
	same, err := s.ModifyTask(ctx, "t1", func(tk *Task) error { return ErrNoChange })
	if err != nil {
		t.Fatalf("ErrNoChange surfaced: %v", err)
	}
	if same.Version != 2 {
		t.Fatalf("ErrNoChange bumped version to %d", same.Version)
	}
}

func TestModifyTaskConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateTask(ctx, testTask("t1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ModifyTask(ctx, "t1", func(tk *Task) error {
				tk.RetriesLeft++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetTask(ctx, "t1")
	if got.RetriesLeft != 25 {
		t.Fatalf("lost updates: retriesLeft=%d, want 25", got.RetriesLeft)
	}
}

func TestModifyTaskRowsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateTask(ctx, testTask("t1"))

	got, _ := s.GetTask(ctx, "t1")
	got.RetriesLeft = 0

	fresh, _ := s.GetTask(ctx, "t1")
	if fresh.RetriesLeft != 5 {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestDependencyEdges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	dep := &TaskDependency{DependentTaskID: "b", RequiredTaskID: "a", Requires: RequiresAllCompleted}
	if err := s.CreateDependency(ctx, dep); err != nil {
		t.Fatalf("CreateDependency: %v", err)
	}
	if err := s.CreateDependency(ctx, dep); !errors.Is(err, ErrEntityExists) {
		t.Fatalf("duplicate edge = %v", err)
	}
	s.CreateDependency(ctx, &TaskDependency{DependentTaskID: "b", RequiredTaskID: "c", Requires: RequiresAllCompleted})

	n, _ := s.CountUnsatisfiedDependencies(ctx, "b")
	if n != 2 {
		t.Fatalf("unsatisfied=%d, want 2", n)
	}
	if err := s.MarkDependencySatisfied(ctx, "b", "a"); err != nil {
		t.Fatalf("MarkDependencySatisfied: %v", err)
	}
	// Flipping again is a no-op, not an error.
	if err := s.MarkDependencySatisfied(ctx, "b", "a"); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	n, _ = s.CountUnsatisfiedDependencies(ctx, "b")
	if n != 1 {
		t.Fatalf("unsatisfied=%d, want 1", n)
	}

	// Reverse index.
	edges, next, _ := s.ListDependents(ctx, "a", "", 10)
	if len(edges) != 1 || edges[0].DependentTaskID != "b" || next != "" {
		t.Fatalf("ListDependents: %+v next=%q", edges, next)
	}
}

func TestListDependentsPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		s.CreateDependency(ctx, &TaskDependency{
			DependentTaskID: fmt.Sprintf("dep-%d", i),
			RequiredTaskID:  "root",
			Requires:        RequiresAllResolved,
		})
	}

	var seen []string
	continuation := ""
	for {
		edges, next, err := s.ListDependents(ctx, "root", continuation, 2)
		if err != nil {
			t.Fatalf("ListDependents: %v", err)
		}
		for _, e := range edges {
			seen = append(seen, e.DependentTaskID)
		}
		if next == "" {
			break
		}
		continuation = next
	}
	if len(seen) != 5 {
		t.Fatalf("paginated walk saw %d edges, want 5: %v", len(seen), seen)
	}
}

func TestActiveMembers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateGroupMember(ctx, &TaskGroupMember{TaskGroupID: "g", TaskID: "t1"})
	s.CreateActiveMember(ctx, &TaskGroupActiveMember{TaskGroupID: "g", TaskID: "t1"})
	s.CreateActiveMember(ctx, &TaskGroupActiveMember{TaskGroupID: "g", TaskID: "t2"})

	n, _ := s.CountActiveMembers(ctx, "g")
	if n != 2 {
		t.Fatalf("active=%d, want 2", n)
	}
	s.DeleteActiveMember(ctx, "g", "t1")
	// Deleting twice is harmless.
	s.DeleteActiveMember(ctx, "g", "t1")
	n, _ = s.CountActiveMembers(ctx, "g")
	if n != 1 {
		t.Fatalf("active=%d after delete, want 1", n)
	}

	has, _ := s.HasGroupMembers(ctx, "g")
	if !has {
		t.Fatal("member rows should persist after active deletion")
	}
}

func TestArtifactLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := &Artifact{TaskID: "t1", RunID: 0, Name: "public/build/log.txt", StorageType: StorageObject}
	if err := s.CreateArtifact(ctx, a); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	if err := s.CreateArtifact(ctx, a); !errors.Is(err, ErrEntityExists) {
		t.Fatalf("duplicate artifact = %v", err)
	}

	got, err := s.ModifyArtifact(ctx, "t1", 0, "public/build/log.txt", func(a *Artifact) error {
		a.Present = true
		return nil
	})
	if err != nil || !got.Present {
		t.Fatalf("ModifyArtifact: %v present=%v", err, got.Present)
	}

	list, _ := s.ListRunArtifacts(ctx, "t1", 0)
	if len(list) != 1 || !list[0].Present {
		t.Fatalf("ListRunArtifacts: %+v", list)
	}
}

func TestModifyWorkerUpserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	w, err := s.ModifyWorker(ctx, "aws", "builder", "us-east-1", "w-1", func(w *Worker) error {
		w.LastSeen = time.Now()
		w.RecentTasks = append(w.RecentTasks, RecentTask{TaskID: "t1", RunID: 0})
		return nil
	})
	if err != nil {
		t.Fatalf("ModifyWorker upsert: %v", err)
	}
	if w.Version != 1 || len(w.RecentTasks) != 1 {
		t.Fatalf("upserted worker: version=%d recent=%d", w.Version, len(w.RecentTasks))
	}

	got, err := s.GetWorker(ctx, "aws", "builder", "us-east-1", "w-1")
	if err != nil || got.WorkerID != "w-1" {
		t.Fatalf("GetWorker: %v %+v", err, got)
	}

	workers, _ := s.ListWorkers(ctx, "aws", "builder")
	if len(workers) != 1 {
		t.Fatalf("ListWorkers: %d, want 1", len(workers))
	}
}

func TestExpireRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	old := testTask("old")
	old.Expires = past
	s.CreateTask(ctx, old)
	s.CreateTask(ctx, testTask("fresh"))
	s.CreateTaskGroup(ctx, &TaskGroup{TaskGroupID: "g-old", SchedulerID: "-", Expires: past})
	s.CreateTaskGroup(ctx, &TaskGroup{TaskGroupID: "g-fresh", SchedulerID: "-", Expires: future})
	s.CreateGroupMember(ctx, &TaskGroupMember{TaskGroupID: "g-old", TaskID: "old", Expires: past})
	s.CreateActiveMember(ctx, &TaskGroupActiveMember{TaskGroupID: "g-old", TaskID: "old", Expires: past})
	s.CreateDependency(ctx, &TaskDependency{DependentTaskID: "old", RequiredTaskID: "fresh", Requires: RequiresAllCompleted, Expires: past})
	s.CreateArtifact(ctx, &Artifact{TaskID: "old", RunID: 0, Name: "public/log", StorageType: StorageObject, Expires: past})
	s.UpsertProvisioner(ctx, &Provisioner{ProvisionerID: "aws-old", Expires: past})
	s.UpsertWorkerType(ctx, &WorkerTypeRecord{ProvisionerID: "aws-old", WorkerType: "builder", Expires: past})
	s.ModifyWorker(ctx, "aws-old", "builder", "us-east-1", "w-1", func(w *Worker) error {
		w.Expires = past
		return nil
	})

	n, _ := s.ExpireRows(ctx, time.Now())
	if n != 9 {
		t.Fatalf("expired %d rows, want 9", n)
	}
	if _, err := s.GetTask(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired task still present")
	}
	if _, err := s.GetTask(ctx, "fresh"); err != nil {
		t.Fatal("unexpired task removed")
	}
	if _, err := s.GetTaskGroup(ctx, "g-old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired task group still present")
	}
	if _, err := s.GetTaskGroup(ctx, "g-fresh"); err != nil {
		t.Fatal("unexpired task group removed")
	}
	if ok, _ := s.HasGroupMembers(ctx, "g-old"); ok {
		t.Fatal("expired member row still present")
	}
	if c, _ := s.CountActiveMembers(ctx, "g-old"); c != 0 {
		t.Fatal("expired active row still present")
	}
	if c, _ := s.CountUnsatisfiedDependencies(ctx, "old"); c != 0 {
		t.Fatal("expired dependency edge still present")
	}
	if deps, _, _ := s.ListDependents(ctx, "fresh", "", 10); len(deps) != 0 {
		t.Fatal("expired edge still in the reverse index")
	}
	if _, err := s.GetArtifact(ctx, "old", 0, "public/log"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired artifact still present")
	}
	if _, err := s.GetWorker(ctx, "aws-old", "builder", "us-east-1", "w-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired worker still present")
	}
}

func TestTaskStateDerivation(t *testing.T) {
	task := testTask("t1")
	if task.State() != TaskUnscheduled {
		t.Fatalf("state=%s, want unscheduled", task.State())
	}
	task.Runs = append(task.Runs, Run{RunID: 0, State: RunPending})
	if task.State() != TaskPending || task.Resolved() {
		t.Fatalf("state=%s resolved=%v", task.State(), task.Resolved())
	}
	task.Runs[0].State = RunException
	if task.State() != TaskException || !task.Resolved() {
		t.Fatalf("state=%s resolved=%v", task.State(), task.Resolved())
	}
}

func TestDefinitionEquals(t *testing.T) {
	a := testTask("t1")
	b := testTask("t1")
	b.Created = a.Created
	b.Deadline = a.Deadline
	b.Expires = a.Expires
	if !a.DefinitionEquals(b) {
		t.Fatal("identical definitions reported unequal")
	}
	b.Payload = []byte(`{"changed":true}`)
	if a.DefinitionEquals(b) {
		t.Fatal("payload change not detected")
	}
}
