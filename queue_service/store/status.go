package store

import "time"

// RunStatus is the caller-visible view of one run.
type RunStatus struct {
	RunID          int            `json:"runId"`
	State          RunState       `json:"state"`
	ReasonCreated  ReasonCreated  `json:"reasonCreated"`
	ReasonResolved ReasonResolved `json:"reasonResolved,omitempty"`
	WorkerGroup    string         `json:"workerGroup,omitempty"`
	WorkerID       string         `json:"workerId,omitempty"`
	TakenUntil     *time.Time     `json:"takenUntil,omitempty"`
	Scheduled      time.Time      `json:"scheduled"`
	Started        *time.Time     `json:"started,omitempty"`
	Resolved       *time.Time     `json:"resolved,omitempty"`
}

// TaskStatus is the caller-visible status structure carried by every
// task-* event and returned by the user-facing operations.
type TaskStatus struct {
	TaskID        string      `json:"taskId"`
	ProvisionerID string      `json:"provisionerId"`
	WorkerType    string      `json:"workerType"`
	SchedulerID   string      `json:"schedulerId"`
	TaskGroupID   string      `json:"taskGroupId"`
	Deadline      time.Time   `json:"deadline"`
	Expires       time.Time   `json:"expires"`
	RetriesLeft   int         `json:"retriesLeft"`
	State         TaskState   `json:"state"`
	Runs          []RunStatus `json:"runs"`
}

// Status builds the caller-visible view of a task.
func (t *Task) Status() *TaskStatus {
	runs := make([]RunStatus, 0, len(t.Runs))
	for _, r := range t.Runs {
		rs := RunStatus{
			RunID:          r.RunID,
			State:          r.State,
			ReasonCreated:  r.ReasonCreated,
			ReasonResolved: r.ReasonResolved,
			WorkerGroup:    r.WorkerGroup,
			WorkerID:       r.WorkerID,
			Scheduled:      r.Scheduled,
		}
		if !r.TakenUntil.IsZero() {
			tu := r.TakenUntil
			rs.TakenUntil = &tu
		}
		if !r.Started.IsZero() {
			st := r.Started
			rs.Started = &st
		}
		if !r.Resolved.IsZero() {
			re := r.Resolved
			rs.Resolved = &re
		}
		runs = append(runs, rs)
	}
	return &TaskStatus{
		TaskID:        t.TaskID,
		ProvisionerID: t.ProvisionerID,
		WorkerType:    t.WorkerType,
		SchedulerID:   t.SchedulerID,
		TaskGroupID:   t.TaskGroupID,
		Deadline:      t.Deadline,
		Expires:       t.Expires,
		RetriesLeft:   t.RetriesLeft,
		State:         t.State(),
		Runs:          runs,
	}
}
