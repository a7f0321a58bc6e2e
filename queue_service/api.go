package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/claim"
	"github.com/taskforge/taskforge/queue_service/lifecycle"
	"github.com/taskforge/taskforge/queue_service/middleware"
	"github.com/taskforge/taskforge/queue_service/registry"
	"github.com/taskforge/taskforge/queue_service/store"
)

type API struct {
	lifecycle *lifecycle.Service
	claimer   *claim.Claimer
	registry  *registry.Registry
	hub       *EventHub

	// Storm protection for task admission.
	createLimiter *rate.Limiter
}

func NewAPI(lc *lifecycle.Service, claimer *claim.Claimer, reg *registry.Registry, hub *EventHub) *API {
	return &API{
		lifecycle: lc,
		claimer:   claimer,
		registry:  reg,
		hub:       hub,
		// Allow 500 task admissions/sec, burst 1000
		createLimiter: rate.NewLimiter(rate.Limit(500), 1000),
	}
}

// Routes registers every endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	// Task lifecycle.
	mux.HandleFunc("PUT /v1/task/{taskId}", a.handleCreateTask)
	mux.HandleFunc("POST /v1/task/{taskId}/define", a.handleDefineTask)
	mux.HandleFunc("POST /v1/task/{taskId}/schedule", a.handleScheduleTask)
	mux.HandleFunc("POST /v1/task/{taskId}/rerun", a.handleRerunTask)
	mux.HandleFunc("POST /v1/task/{taskId}/cancel", a.handleCancelTask)

	// Reads.
	mux.HandleFunc("GET /v1/task/{taskId}", a.handleGetTask)
	mux.HandleFunc("GET /v1/task/{taskId}/status", a.handleStatus)
	mux.HandleFunc("GET /v1/task/{taskId}/dependents", a.handleListDependents)
	mux.HandleFunc("GET /v1/task-group/{taskGroupId}/list", a.handleListTaskGroup)
	mux.HandleFunc("GET /v1/pending/{provisionerId}/{workerType}", a.handlePendingTasks)

	// Worker surface (api_workers.go).
	mux.HandleFunc("POST /v1/claim-work/{provisionerId}/{workerType}", a.handleClaimWork)
	mux.HandleFunc("POST /v1/task/{taskId}/runs/{runId}/reclaim", a.handleReclaim)
	mux.HandleFunc("POST /v1/task/{taskId}/runs/{runId}/completed", a.handleReportCompleted)
	mux.HandleFunc("POST /v1/task/{taskId}/runs/{runId}/failed", a.handleReportFailed)
	mux.HandleFunc("POST /v1/task/{taskId}/runs/{runId}/exception", a.handleReportException)
	mux.HandleFunc("POST /v1/task/{taskId}/runs/{runId}/artifacts/{name...}", a.handleCreateArtifact)
	mux.HandleFunc("PUT /v1/task/{taskId}/runs/{runId}/artifacts/{name...}", a.handleConfirmArtifact)
	mux.HandleFunc("GET /v1/task/{taskId}/runs/{runId}/artifacts", a.handleListArtifacts)
	mux.HandleFunc("GET /v1/task/{taskId}/runs/{runId}/artifacts/{name...}", a.handleGetArtifact)

	// Worker registry.
	mux.HandleFunc("GET /v1/provisioners/{provisionerId}/worker-types/{workerType}/workers", a.handleListWorkers)
	mux.HandleFunc("GET /v1/provisioners/{provisionerId}/worker-types/{workerType}/workers/{workerGroup}/{workerId}", a.handleGetWorker)
	mux.HandleFunc("PUT /v1/provisioners/{provisionerId}/worker-types/{workerType}/workers/{workerGroup}/{workerId}/quarantine", a.handleQuarantineWorker)

	// Event stream.
	mux.HandleFunc("GET /v1/events", a.handleEventStream)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Response encode error: %v", err)
	}
}

// writeError maps apierror kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		log.Printf("Internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"code":    apierror.KindInternal,
			"message": "internal server error",
		})
		return
	}
	status := http.StatusInternalServerError
	switch apiErr.Kind {
	case apierror.KindInputError:
		status = http.StatusBadRequest
	case apierror.KindResourceNotFound:
		status = http.StatusNotFound
	case apierror.KindRequestConflict:
		status = http.StatusConflict
	case apierror.KindAuthorization:
		status = http.StatusForbidden
	}
	body := map[string]interface{}{"code": apiErr.Kind, "message": apiErr.Message}
	if apiErr.Details != nil {
		body["details"] = apiErr.Details
	}
	writeJSON(w, status, body)
}

// allowedPriorities returns the priority levels the held scopes permit
// for (provisionerId, workerType). A scope at one level implies every
// lower level, so the result is always a suffix of the dispatch order.
func allowedPriorities(held []string, provisionerID, workerType string) []store.Priority {
	var out []store.Priority
	granted := false
	for _, p := range store.PriorityLevels {
		if !granted {
			scope := fmt.Sprintf("queue:create-task:%s:%s/%s", p, provisionerID, workerType)
			granted = middleware.Satisfies(held, scope)
		}
		if granted {
			out = append(out, p)
		}
	}
	return out
}

func priorityAllowed(held []string, task *store.Task) bool {
	for _, p := range allowedPriorities(held, task.ProvisionerID, task.WorkerType) {
		if p == task.Priority.Normalize() {
			return true
		}
	}
	return false
}

func (a *API) decodeTask(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	if !a.createLimiter.Allow() {
		http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
		return nil, false
	}
	var task store.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, apierror.InputError("invalid task definition: %v", err))
		return nil, false
	}
	task.TaskID = r.PathValue("taskId")
	if task.TaskGroupID == "" {
		// A task with no explicit group forms its own group of one.
		task.TaskGroupID = task.TaskID
	}
	if task.SchedulerID == "" {
		task.SchedulerID = "-"
	}

	held := middleware.ScopesFromContext(r.Context())
	if !priorityAllowed(held, &task) {
		writeError(w, apierror.Unauthorized("scopes do not permit priority %s on %s/%s",
			task.Priority.Normalize(), task.ProvisionerID, task.WorkerType))
		return nil, false
	}
	return &task, true
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := a.decodeTask(w, r)
	if !ok {
		return
	}
	status, err := a.lifecycle.CreateTask(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (a *API) handleDefineTask(w http.ResponseWriter, r *http.Request) {
	task, ok := a.decodeTask(w, r)
	if !ok {
		return
	}
	status, err := a.lifecycle.DefineTask(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (a *API) statusOp(w http.ResponseWriter, r *http.Request,
	op func(r *http.Request, taskID string) (*store.TaskStatus, error)) {
	status, err := op(r, r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (a *API) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	a.statusOp(w, r, func(r *http.Request, taskID string) (*store.TaskStatus, error) {
		return a.lifecycle.ScheduleTask(r.Context(), taskID)
	})
}

func (a *API) handleRerunTask(w http.ResponseWriter, r *http.Request) {
	a.statusOp(w, r, func(r *http.Request, taskID string) (*store.TaskStatus, error) {
		return a.lifecycle.RerunTask(r.Context(), taskID)
	})
}

func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	a.statusOp(w, r, func(r *http.Request, taskID string) (*store.TaskStatus, error) {
		return a.lifecycle.CancelTask(r.Context(), taskID)
	})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.lifecycle.GetTask(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.statusOp(w, r, func(r *http.Request, taskID string) (*store.TaskStatus, error) {
		return a.lifecycle.Status(r.Context(), taskID)
	})
}

func pageParams(r *http.Request) (string, int) {
	continuation := r.URL.Query().Get("continuationToken")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	return continuation, limit
}

func (a *API) handleListTaskGroup(w http.ResponseWriter, r *http.Request) {
	continuation, limit := pageParams(r)
	page, err := a.lifecycle.ListTaskGroup(r.Context(), r.PathValue("taskGroupId"), continuation, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleListDependents(w http.ResponseWriter, r *http.Request) {
	continuation, limit := pageParams(r)
	page, err := a.lifecycle.ListDependentTasks(r.Context(), r.PathValue("taskId"), continuation, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	provisionerID := r.PathValue("provisionerId")
	workerType := r.PathValue("workerType")
	n, err := a.lifecycle.PendingTasks(r.Context(), provisionerID, workerType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provisionerId": provisionerID,
		"workerType":    workerType,
		"pendingTasks":  n,
	})
}
