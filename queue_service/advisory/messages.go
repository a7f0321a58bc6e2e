package advisory

import (
	"encoding/json"
	"time"
)

// PendingMessage announces a pending run on a per-priority pending queue.
// Invariant: while a run is pending there is at least one undelivered or
// in-flight pending message referencing it.
type PendingMessage struct {
	TaskID string `json:"taskId"`
	RunID  int    `json:"runId"`
	HintID string `json:"hintId,omitempty"`
}

// ClaimMessage becomes visible at TakenUntil; the claim-expiration
// resolver compares TakenUntil against the run before acting.
type ClaimMessage struct {
	TaskID     string    `json:"taskId"`
	RunID      int       `json:"runId"`
	TakenUntil time.Time `json:"takenUntil"`
}

// DeadlineMessage becomes visible at Deadline.
type DeadlineMessage struct {
	TaskID   string    `json:"taskId"`
	Deadline time.Time `json:"deadline"`
}

// ResolvedMessage fans a resolution out to the dependency tracker.
type ResolvedMessage struct {
	TaskID      string `json:"taskId"`
	TaskGroupID string `json:"taskGroupId"`
	SchedulerID string `json:"schedulerId"`
	Resolution  string `json:"resolution"`
}

func Marshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
