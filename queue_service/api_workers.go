package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/claim"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/store"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func runParams(r *http.Request) (string, int, error) {
	taskID := r.PathValue("taskId")
	runID, err := strconv.Atoi(r.PathValue("runId"))
	if err != nil {
		return "", 0, apierror.InputError("runId %q is not a number", r.PathValue("runId"))
	}
	return taskID, runID, nil
}

func (a *API) handleClaimWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerGroup string `json:"workerGroup"`
		WorkerID    string `json:"workerId"`
		Tasks       int    `json:"tasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.InputError("invalid claimWork request: %v", err))
		return
	}
	if req.WorkerGroup == "" || req.WorkerID == "" {
		writeError(w, apierror.InputError("workerGroup and workerId are required"))
		return
	}
	claims, err := a.claimer.ClaimWork(r.Context(),
		r.PathValue("provisionerId"), r.PathValue("workerType"),
		req.WorkerGroup, req.WorkerID, req.Tasks)
	if err != nil {
		writeError(w, err)
		return
	}
	if claims == nil {
		claims = []*claim.ClaimedRun{} // empty poll encodes as []
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": claims})
}

func (a *API) handleReclaim(w http.ResponseWriter, r *http.Request) {
	taskID, runID, err := runParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	claimed, err := a.claimer.Reclaim(r.Context(), taskID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (a *API) handleReportCompleted(w http.ResponseWriter, r *http.Request) {
	a.reportOp(w, r, a.lifecycle.ReportCompleted)
}

func (a *API) handleReportFailed(w http.ResponseWriter, r *http.Request) {
	a.reportOp(w, r, a.lifecycle.ReportFailed)
}

func (a *API) reportOp(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, taskID string, runID int) (*store.TaskStatus, error)) {
	taskID, runID, err := runParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := op(r.Context(), taskID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (a *API) handleReportException(w http.ResponseWriter, r *http.Request) {
	taskID, runID, err := runParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Reason store.ReasonResolved `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.InputError("invalid reportException request: %v", err))
		return
	}
	status, err := a.lifecycle.ReportException(r.Context(), taskID, runID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (a *API) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	taskID, runID, err := runParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		StorageType store.StorageType `json:"storageType"`
		ContentType string            `json:"contentType"`
		Expires     time.Time         `json:"expires"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.InputError("invalid artifact request: %v", err))
		return
	}
	artifact, err := a.lifecycle.CreateArtifact(r.Context(), &store.Artifact{
		TaskID:      taskID,
		RunID:       runID,
		Name:        r.PathValue("name"),
		StorageType: req.StorageType,
		ContentType: req.ContentType,
		Expires:     req.Expires,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (a *API) handleConfirmArtifact(w http.ResponseWriter, r *http.Request) {
	taskID, runID, err := runParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	artifact, err := a.lifecycle.ConfirmArtifact(r.Context(), taskID, runID, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	taskID, runID, err := runParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	artifact, err := a.lifecycle.GetArtifact(r.Context(), taskID, runID, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	taskID, runID, err := runParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := a.lifecycle.ListArtifacts(r.Context(), taskID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.registry.ListWorkers(r.Context(), r.PathValue("provisionerId"), r.PathValue("workerType"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

func (a *API) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := a.registry.GetWorker(r.Context(),
		r.PathValue("provisionerId"), r.PathValue("workerType"),
		r.PathValue("workerGroup"), r.PathValue("workerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (a *API) handleQuarantineWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuarantineUntil time.Time `json:"quarantineUntil"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.InputError("invalid quarantine request: %v", err))
		return
	}
	worker, err := a.registry.QuarantineWorker(r.Context(),
		r.PathValue("provisionerId"), r.PathValue("workerType"),
		r.PathValue("workerGroup"), r.PathValue("workerId"), req.QuarantineUntil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	topic := events.Topic(r.URL.Query().Get("topic"))
	pattern := r.URL.Query().Get("pattern")
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error
	}
	a.hub.Register(conn, topic, pattern)

	// Read pump: we never expect client messages, but reading is what
	// detects a closed connection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.hub.Unregister(conn)
				return
			}
		}
	}()
}
