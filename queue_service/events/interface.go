// Package events is the task-transition event bus. Publishing is
// at-least-once and ordered per task (events are published only after the
// store write commits); consumers must tolerate duplicates.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Topic names every exchange the queue publishes on.
type Topic string

const (
	TaskDefined       Topic = "task-defined"
	TaskPending       Topic = "task-pending"
	TaskRunning       Topic = "task-running"
	TaskCompleted     Topic = "task-completed"
	TaskFailed        Topic = "task-failed"
	TaskException     Topic = "task-exception"
	TaskGroupResolved Topic = "task-group-resolved"
	ArtifactCreated   Topic = "artifact-created"
)

// Event is one published message: a primary routing key, CC keys for each
// task route, and a JSON payload.
type Event struct {
	ID         string          `json:"id"`
	Topic      Topic           `json:"topic"`
	RoutingKey string          `json:"routingKey"`
	CCKeys     []string        `json:"ccKeys,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
}

// Publisher delivers events to some transport.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
