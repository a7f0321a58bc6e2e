package deps

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/store"
)

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *captureBus) Publish(ctx context.Context, e events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) topics() []events.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Topic
	for _, e := range b.events {
		out = append(out, e.Topic)
	}
	return out
}

func (b *captureBus) count(topic events.Topic) int {
	n := 0
	for _, t := range b.topics() {
		if t == topic {
			n++
		}
	}
	return n
}

func newFixture() (*Tracker, *store.MemoryStore, *advisory.MemoryQueue, *captureBus) {
	s := store.NewMemoryStore()
	q := advisory.NewMemoryQueue()
	bus := &captureBus{}
	return NewTracker(s, q, bus), s, q, bus
}

func seedTask(t *testing.T, s store.Store, id string, deps []string, requires store.RequiresMode) *store.Task {
	t.Helper()
	now := time.Now()
	task := &store.Task{
		TaskID:        id,
		ProvisionerID: "aws",
		WorkerType:    "builder",
		SchedulerID:   "-",
		TaskGroupID:   "group-1",
		Dependencies:  deps,
		Requires:      requires,
		Priority:      store.PriorityLowest,
		Retries:       5,
		RetriesLeft:   5,
		Created:       now,
		Deadline:      now.Add(time.Hour),
		Expires:       now.Add(24 * time.Hour),
		Payload:       []byte(`{}`),
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return task
}

func resolveTask(t *testing.T, s store.Store, id string, state store.RunState, reason store.ReasonResolved) {
	t.Helper()
	_, err := s.ModifyTask(context.Background(), id, func(tk *store.Task) error {
		tk.Runs = append(tk.Runs, store.Run{
			RunID: len(tk.Runs), State: state, ReasonCreated: store.ReasonScheduled,
			ReasonResolved: reason, Scheduled: time.Now(), Resolved: time.Now(),
		})
		return nil
	})
	if err != nil {
		t.Fatalf("resolve %s: %v", id, err)
	}
}

func pendingCount(t *testing.T, q advisory.Queue, task *store.Task) int {
	t.Helper()
	n, err := q.Count(context.Background(), advisory.PendingQueue(task.ProvisionerID, task.WorkerType, task.Priority))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestTrackSchedulesWhenNoDependencies(t *testing.T) {
	ctx := context.Background()
	tracker, _, q, bus := newFixture()
	task := seedTask(t, tracker.store, "task-a", nil, store.RequiresAllCompleted)

	got, err := tracker.Track(ctx, task)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if got.State() != store.TaskPending {
		t.Fatalf("state=%s, want pending", got.State())
	}
	if pendingCount(t, q, task) != 1 {
		t.Fatal("no pending message enqueued")
	}
	if bus.count(events.TaskPending) != 1 {
		t.Fatalf("task-pending events: %d, want 1", bus.count(events.TaskPending))
	}
}

func TestTrackMissingDependency(t *testing.T) {
	ctx := context.Background()
	tracker, s, _, _ := newFixture()
	task := seedTask(t, s, "task-a", []string{"AAAAAAAAQACAAAAAAAAAAA"}, store.RequiresAllCompleted)

	_, err := tracker.Track(ctx, task)
	if !apierror.IsKind(err, apierror.KindInputError) {
		t.Fatalf("missing dependency error = %v, want InputError", err)
	}
}

func TestTrackWaitsOnUnresolvedDependency(t *testing.T) {
	ctx := context.Background()
	tracker, s, q, _ := newFixture()
	seedTask(t, s, "dep-1", nil, store.RequiresAllCompleted)
	task := seedTask(t, s, "task-a", []string{"dep-1"}, store.RequiresAllCompleted)

	got, err := tracker.Track(ctx, task)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if got.State() != store.TaskUnscheduled {
		t.Fatalf("state=%s, want unscheduled", got.State())
	}
	if pendingCount(t, q, task) != 0 {
		t.Fatal("pending message for a blocked task")
	}
}

func TestTrackPreSatisfiedDependency(t *testing.T) {
	ctx := context.Background()
	tracker, s, _, _ := newFixture()
	seedTask(t, s, "dep-1", nil, store.RequiresAllCompleted)
	resolveTask(t, s, "dep-1", store.RunCompleted, store.ResolvedCompleted)
	task := seedTask(t, s, "task-a", []string{"dep-1"}, store.RequiresAllCompleted)

	got, err := tracker.Track(ctx, task)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if got.State() != store.TaskPending {
		t.Fatalf("state=%s, want pending (dependency already completed)", got.State())
	}
}

func TestResolveDependenciesSchedulesDependent(t *testing.T) {
	ctx := context.Background()
	tracker, s, _, _ := newFixture()
	seedTask(t, s, "dep-1", nil, store.RequiresAllCompleted)
	task := seedTask(t, s, "task-a", []string{"dep-1"}, store.RequiresAllCompleted)
	if _, err := tracker.Track(ctx, task); err != nil {
		t.Fatalf("Track: %v", err)
	}

	resolveTask(t, s, "dep-1", store.RunCompleted, store.ResolvedCompleted)
	if err := tracker.ResolveDependenciesOf(ctx, "dep-1", string(store.TaskCompleted)); err != nil {
		t.Fatalf("ResolveDependenciesOf: %v", err)
	}

	got, _ := s.GetTask(ctx, "task-a")
	if got.State() != store.TaskPending {
		t.Fatalf("dependent state=%s, want pending", got.State())
	}

	// Duplicate delivery is a no-op: still exactly one run.
	if err := tracker.ResolveDependenciesOf(ctx, "dep-1", string(store.TaskCompleted)); err != nil {
		t.Fatalf("duplicate ResolveDependenciesOf: %v", err)
	}
	got, _ = s.GetTask(ctx, "task-a")
	if len(got.Runs) != 1 {
		t.Fatalf("duplicate delivery appended a run: %d", len(got.Runs))
	}
}

func TestAllResolvedAcceptsFailure(t *testing.T) {
	ctx := context.Background()
	tracker, s, _, _ := newFixture()
	seedTask(t, s, "dep-1", nil, store.RequiresAllResolved)
	task := seedTask(t, s, "task-a", []string{"dep-1"}, store.RequiresAllResolved)
	tracker.Track(ctx, task)

	resolveTask(t, s, "dep-1", store.RunFailed, store.ResolvedFailed)
	if err := tracker.ResolveDependenciesOf(ctx, "dep-1", string(store.TaskFailed)); err != nil {
		t.Fatalf("ResolveDependenciesOf: %v", err)
	}

	got, _ := s.GetTask(ctx, "task-a")
	if got.State() != store.TaskPending {
		t.Fatalf("all-resolved dependent state=%s, want pending", got.State())
	}
}

func TestAllCompletedFailureDoomsDependent(t *testing.T) {
	ctx := context.Background()
	tracker, s, q, bus := newFixture()
	seedTask(t, s, "dep-1", nil, store.RequiresAllCompleted)
	task := seedTask(t, s, "task-a", []string{"dep-1"}, store.RequiresAllCompleted)
	tracker.Track(ctx, task)

	resolveTask(t, s, "dep-1", store.RunFailed, store.ResolvedFailed)
	if err := tracker.ResolveDependenciesOf(ctx, "dep-1", string(store.TaskFailed)); err != nil {
		t.Fatalf("ResolveDependenciesOf: %v", err)
	}

	got, _ := s.GetTask(ctx, "task-a")
	if got.State() != store.TaskException {
		t.Fatalf("doomed dependent state=%s, want exception", got.State())
	}
	last := got.LastRun()
	if last.ReasonResolved != store.ResolvedCanceled {
		t.Fatalf("reasonResolved=%s, want canceled", last.ReasonResolved)
	}

	// The doom cascades through a resolved message of its own.
	msgs, _ := q.Receive(ctx, advisory.ResolvedQueue, 10, time.Minute)
	if len(msgs) != 1 {
		t.Fatalf("resolved messages: %d, want 1", len(msgs))
	}
	var rm advisory.ResolvedMessage
	json.Unmarshal(msgs[0].Payload, &rm)
	if rm.TaskID != "task-a" || rm.Resolution != string(store.TaskException) {
		t.Fatalf("resolved message: %+v", rm)
	}
	if bus.count(events.TaskException) != 1 {
		t.Fatal("no task-exception event for doomed dependent")
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker, s, q, _ := newFixture()
	task := seedTask(t, s, "task-a", nil, store.RequiresAllCompleted)

	first, ok, err := tracker.Schedule(ctx, task)
	if err != nil || !ok {
		t.Fatalf("Schedule: %v ok=%v", err, ok)
	}
	second, ok, err := tracker.Schedule(ctx, first)
	if err != nil || !ok {
		t.Fatalf("second Schedule: %v ok=%v", err, ok)
	}
	if len(second.Runs) != 1 {
		t.Fatalf("idempotent schedule appended runs: %d", len(second.Runs))
	}
	if pendingCount(t, q, task) != 1 {
		t.Fatal("idempotent schedule enqueued twice")
	}
}

func TestSchedulePastDeadline(t *testing.T) {
	ctx := context.Background()
	tracker, s, _, _ := newFixture()
	task := seedTask(t, s, "task-a", nil, store.RequiresAllCompleted)
	s.ModifyTask(ctx, "task-a", func(tk *store.Task) error {
		tk.Deadline = time.Now().Add(-time.Minute)
		return nil
	})
	task.Deadline = time.Now().Add(-time.Minute)

	_, ok, err := tracker.Schedule(ctx, task)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if ok {
		t.Fatal("past-deadline schedule reported ok")
	}
}

func TestGroupResolvedWhenActiveSetEmpties(t *testing.T) {
	ctx := context.Background()
	tracker, s, _, bus := newFixture()
	s.CreateGroupMember(ctx, &store.TaskGroupMember{TaskGroupID: "group-1", TaskID: "t1"})
	s.CreateGroupMember(ctx, &store.TaskGroupMember{TaskGroupID: "group-1", TaskID: "t2"})
	s.CreateActiveMember(ctx, &store.TaskGroupActiveMember{TaskGroupID: "group-1", TaskID: "t1"})
	s.CreateActiveMember(ctx, &store.TaskGroupActiveMember{TaskGroupID: "group-1", TaskID: "t2"})

	if err := tracker.RemoveFromGroup(ctx, "group-1", "-", "t1"); err != nil {
		t.Fatalf("RemoveFromGroup: %v", err)
	}
	if bus.count(events.TaskGroupResolved) != 0 {
		t.Fatal("group resolved while a member was still active")
	}

	if err := tracker.RemoveFromGroup(ctx, "group-1", "-", "t2"); err != nil {
		t.Fatalf("RemoveFromGroup: %v", err)
	}
	if bus.count(events.TaskGroupResolved) != 1 {
		t.Fatalf("task-group-resolved events: %d, want 1", bus.count(events.TaskGroupResolved))
	}
}
