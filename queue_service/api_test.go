package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/claim"
	"github.com/taskforge/taskforge/queue_service/deps"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/lifecycle"
	"github.com/taskforge/taskforge/queue_service/middleware"
	"github.com/taskforge/taskforge/queue_service/registry"
	"github.com/taskforge/taskforge/queue_service/slugid"
	"github.com/taskforge/taskforge/queue_service/store"
)

type nopBus struct{}

func (nopBus) Publish(ctx context.Context, e events.Event) error { return nil }
func (nopBus) Close() error                                      { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := store.NewMemoryStore()
	q := advisory.NewMemoryQueue()
	bus := nopBus{}
	tracker := deps.NewTracker(s, q, bus)
	lc := lifecycle.NewService(s, q, bus, tracker)
	reg := registry.NewRegistry(s)
	claimer := claim.NewClaimer(s, q, bus, reg, claim.NewMinter("test-secret"), 20*time.Minute)
	api := NewAPI(lc, claimer, reg, NewEventHub())

	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(middleware.ScopesMiddleware(mux))
	t.Cleanup(srv.Close)
	return srv
}

func taskBody(t *testing.T) []byte {
	t.Helper()
	now := time.Now().UTC()
	body, err := json.Marshal(map[string]interface{}{
		"provisionerId": "aws",
		"workerType":    "builder",
		"created":       now.Format(time.RFC3339),
		"deadline":      now.Add(time.Hour).Format(time.RFC3339),
		"payload":       map[string]string{"image": "builder:latest"},
		"metadata":      map[string]string{"name": "api test task"},
	})
	if err != nil {
		t.Fatalf("marshal definition: %v", err)
	}
	return body
}

func doRequest(t *testing.T, method, url string, body []byte, scopes string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if scopes != "" {
		req.Header.Set(middleware.ScopesHeader, scopes)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestCreateTaskEndpoint(t *testing.T) {
	srv := newTestServer(t)
	taskID := slugid.Nice()

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/task/"+taskID, taskBody(t),
		"queue:create-task:lowest:aws/builder")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var status store.TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != store.TaskPending {
		t.Fatalf("state=%s, want pending", status.State)
	}

	// Round trip the definition back out.
	get := doRequest(t, http.MethodGet, srv.URL+"/v1/task/"+taskID, nil, "")
	defer get.Body.Close()
	var task store.Task
	if err := json.NewDecoder(get.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.TaskID != taskID || task.TaskGroupID != taskID || task.SchedulerID != "-" {
		t.Fatalf("defaults not applied: %+v", task)
	}
}

func TestCreateTaskRequiresScope(t *testing.T) {
	srv := newTestServer(t)
	taskID := slugid.Nice()

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/task/"+taskID, taskBody(t), "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp.StatusCode)
	}

	// A wildcard scope covers any priority on any pool.
	again := doRequest(t, http.MethodPut, srv.URL+"/v1/task/"+taskID, taskBody(t), "queue:create-task:*")
	defer again.Body.Close()
	if again.StatusCode != http.StatusOK {
		t.Fatalf("status with wildcard scope=%d, want 200", again.StatusCode)
	}
}

func TestCreateTaskBadDefinition(t *testing.T) {
	srv := newTestServer(t)
	taskID := slugid.Nice()

	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/task/"+taskID, []byte(`{"provisionerId":"aws"}`),
		"queue:create-task:*")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != "InputError" {
		t.Fatalf("code=%s, want InputError", body.Code)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	srv := newTestServer(t)
	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/task/"+slugid.Nice()+"/status", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	taskID := slugid.Nice()
	resp := doRequest(t, http.MethodPut, srv.URL+"/v1/task/"+taskID, taskBody(t), "queue:create-task:*")
	resp.Body.Close()

	cancel := doRequest(t, http.MethodPost, srv.URL+"/v1/task/"+taskID+"/cancel", nil, "")
	defer cancel.Body.Close()
	if cancel.StatusCode != http.StatusOK {
		t.Fatalf("cancel status=%d, want 200", cancel.StatusCode)
	}
	var status store.TaskStatus
	json.NewDecoder(cancel.Body).Decode(&status)
	if status.State != store.TaskException {
		t.Fatalf("state=%s, want exception", status.State)
	}
}

func TestPendingCountEndpoint(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 2; i++ {
		resp := doRequest(t, http.MethodPut, srv.URL+"/v1/task/"+slugid.Nice(), taskBody(t), "queue:create-task:*")
		resp.Body.Close()
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/pending/aws/builder", nil, "")
	defer resp.Body.Close()
	var body struct {
		PendingTasks int `json:"pendingTasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PendingTasks != 2 {
		t.Fatalf("pendingTasks=%d, want 2", body.PendingTasks)
	}
}

func TestAllowedPrioritiesSuffix(t *testing.T) {
	if got := allowedPriorities(nil, "aws", "builder"); len(got) != 0 {
		t.Fatalf("no scopes granted %v", got)
	}

	got := allowedPriorities([]string{"queue:create-task:lowest:aws/builder"}, "aws", "builder")
	if len(got) != 1 || got[0] != store.PriorityLowest {
		t.Fatalf("lowest scope granted %v", got)
	}

	got = allowedPriorities([]string{"queue:create-task:high:aws/builder"}, "aws", "builder")
	want := []store.Priority{
		store.PriorityHigh, store.PriorityMedium, store.PriorityLow,
		store.PriorityVeryLow, store.PriorityLowest,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("high scope granted %v, want %v", got, want)
	}

	got = allowedPriorities([]string{"queue:create-task:*"}, "aws", "builder")
	if len(got) != len(store.PriorityLevels) {
		t.Fatalf("wildcard scope granted %v", got)
	}

	// Scope for one pool does not leak into another.
	got = allowedPriorities([]string{"queue:create-task:highest:aws/builder"}, "gcp", "builder")
	if len(got) != 0 {
		t.Fatalf("cross-pool grant: %v", got)
	}
}

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"primary.tid.0._._.aws.builder.ci.gid._", "primary.tid.0._._.aws.builder.ci.gid._", true},
		{"primary.*.*.*.*.aws.builder.#", "primary.tid.0._._.aws.builder.ci.gid._", true},
		{"#", "anything.at.all", true},
		{"primary.tid", "primary.tid.0", false},
		{"primary.*.0", "primary.tid.1", false},
		{"route.index.#", "route.index.project.build", true},
		{"route.index.#", "route.notify.irc", false},
	}
	for _, tc := range cases {
		if got := patternMatches(tc.pattern, tc.key); got != tc.want {
			t.Errorf("patternMatches(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestEventMatchesCCKeys(t *testing.T) {
	event := events.Event{
		Topic:      events.TaskCompleted,
		RoutingKey: "primary.tid.0._._.aws.builder.ci.gid._",
		CCKeys:     []string{"route.index.project.build"},
	}
	if !eventMatches("", event) {
		t.Fatal("empty pattern should match everything")
	}
	if !eventMatches("route.index.#", event) {
		t.Fatal("CC key not consulted")
	}
	if eventMatches("route.notify.#", event) {
		t.Fatal("matched a pattern covering neither key")
	}
}
