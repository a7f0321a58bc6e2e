package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/taskforge/taskforge/queue_service/store"
)

func TestRoutingKeyPlaceholders(t *testing.T) {
	key := RoutingKey{
		TaskID:        "AAAAAAAAQACAAAAAAAAAAA",
		RunID:         "0",
		ProvisionerID: "aws",
		WorkerType:    "builder",
		SchedulerID:   "ci",
		TaskGroupID:   "AAAAAAAAQACAAAAAAAAAAA",
	}
	want := "primary.AAAAAAAAQACAAAAAAAAAAA.0._._.aws.builder.ci.AAAAAAAAQACAAAAAAAAAAA._"
	if got := key.String(); got != want {
		t.Fatalf("routing key\n got %s\nwant %s", got, want)
	}
}

func TestRouteKeysPrefix(t *testing.T) {
	keys := RouteKeys([]string{"index.project.build", "notify.irc"})
	if len(keys) != 2 || keys[0] != "route.index.project.build" || keys[1] != "route.notify.irc" {
		t.Fatalf("unexpected CC keys: %v", keys)
	}
	if RouteKeys(nil) != nil {
		t.Fatal("no routes should yield no CC keys")
	}
}

func TestTaskEventCarriesRunCoordinates(t *testing.T) {
	task := &store.Task{
		TaskID:        "AAAAAAAAQACAAAAAAAAAAA",
		ProvisionerID: "aws",
		WorkerType:    "builder",
		SchedulerID:   "-",
		TaskGroupID:   "AAAAAAAAQACAAAAAAAAAAA",
		Routes:        []string{"notify.irc"},
		Runs: []store.Run{{
			RunID:         0,
			State:         store.RunRunning,
			ReasonCreated: store.ReasonScheduled,
			Scheduled:     time.Now(),
		}},
	}
	event := TaskEvent(TaskRunning, task, 0, "us-east-1", "w-1")

	var body struct {
		Status *store.TaskStatus `json:"status"`
		RunID  *int              `json:"runId"`
	}
	if err := json.Unmarshal(event.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.RunID == nil || *body.RunID != 0 {
		t.Fatalf("runId missing from payload")
	}
	if body.Status.State != store.TaskRunning {
		t.Fatalf("status state = %s, want running", body.Status.State)
	}
	if len(event.CCKeys) != 1 || event.CCKeys[0] != "route.notify.irc" {
		t.Fatalf("CC keys = %v", event.CCKeys)
	}

	// No run coordinate on task-defined.
	defined := TaskEvent(TaskDefined, task, -1, "", "")
	var definedBody struct {
		RunID *int `json:"runId"`
	}
	json.Unmarshal(defined.Payload, &definedBody)
	if definedBody.RunID != nil {
		t.Fatalf("task-defined should not carry a runId")
	}
}

type flakyPublisher struct {
	failures int
	calls    int
}

func (p *flakyPublisher) Publish(ctx context.Context, event Event) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("transport down")
	}
	return nil
}

func (p *flakyPublisher) Close() error { return nil }

func TestMustPublishRetries(t *testing.T) {
	p := &flakyPublisher{failures: 2}
	MustPublish(context.Background(), p, Event{Topic: TaskPending})
	if p.calls != 3 {
		t.Fatalf("publish attempts = %d, want 3", p.calls)
	}
}

func TestFanoutAttemptsAll(t *testing.T) {
	a := &flakyPublisher{failures: 1}
	b := &flakyPublisher{}
	f := Fanout{a, b}
	if err := f.Publish(context.Background(), Event{Topic: TaskPending}); err == nil {
		t.Fatal("first publisher error should surface")
	}
	if b.calls != 1 {
		t.Fatal("second publisher skipped after first error")
	}
}
