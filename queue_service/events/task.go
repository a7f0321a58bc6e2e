package events

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/store"
)

// taskEventBody is the payload shared by all task-* topics.
type taskEventBody struct {
	Status      *store.TaskStatus `json:"status"`
	RunID       *int              `json:"runId,omitempty"`
	WorkerGroup string            `json:"workerGroup,omitempty"`
	WorkerID    string            `json:"workerId,omitempty"`
}

// TaskEvent builds the event for a task transition. runID < 0 means the
// event has no run coordinate (task-defined for an unscheduled task).
func TaskEvent(topic Topic, task *store.Task, runID int, workerGroup, workerID string) Event {
	body := taskEventBody{Status: task.Status(), WorkerGroup: workerGroup, WorkerID: workerID}
	key := RoutingKey{
		TaskID:        task.TaskID,
		ProvisionerID: task.ProvisionerID,
		WorkerType:    task.WorkerType,
		SchedulerID:   task.SchedulerID,
		TaskGroupID:   task.TaskGroupID,
		WorkerGroup:   workerGroup,
		WorkerID:      workerID,
	}
	if runID >= 0 {
		body.RunID = &runID
		key.RunID = strconv.Itoa(runID)
	}
	payload, _ := json.Marshal(body)
	return Event{
		Topic:      topic,
		RoutingKey: key.String(),
		CCKeys:     RouteKeys(task.Routes),
		Payload:    payload,
		Timestamp:  time.Now(),
		Source:     "queue-service",
	}
}

// GroupResolvedEvent builds the task-group-resolved event.
func GroupResolvedEvent(taskGroupID, schedulerID string) Event {
	payload, _ := json.Marshal(map[string]string{
		"taskGroupId": taskGroupID,
		"schedulerId": schedulerID,
	})
	key := RoutingKey{SchedulerID: schedulerID, TaskGroupID: taskGroupID}
	return Event{
		Topic:      TaskGroupResolved,
		RoutingKey: key.String(),
		Payload:    payload,
		Timestamp:  time.Now(),
		Source:     "queue-service",
	}
}

// ArtifactEvent builds the artifact-created event.
func ArtifactEvent(task *store.Task, artifact *store.Artifact) Event {
	payload, _ := json.Marshal(map[string]interface{}{
		"status":   task.Status(),
		"runId":    artifact.RunID,
		"artifact": artifact,
	})
	key := RoutingKey{
		TaskID:        task.TaskID,
		RunID:         strconv.Itoa(artifact.RunID),
		ProvisionerID: task.ProvisionerID,
		WorkerType:    task.WorkerType,
		SchedulerID:   task.SchedulerID,
		TaskGroupID:   task.TaskGroupID,
	}
	return Event{
		Topic:      ArtifactCreated,
		RoutingKey: key.String(),
		CCKeys:     RouteKeys(task.Routes),
		Payload:    payload,
		Timestamp:  time.Now(),
		Source:     "queue-service",
	}
}

// MustPublish publishes with capped exponential backoff. The state change
// is already committed by the time this runs, so we keep trying for a
// while and then give up loudly; the advisory queues re-drive any
// transition a consumer missed.
func MustPublish(ctx context.Context, p Publisher, event Event) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := p.Publish(ctx, event); err == nil {
			return
		} else if attempt == 4 {
			observability.EventPublishFailures.WithLabelValues(string(event.Topic)).Inc()
			log.Printf("Event publish failed after retries: topic=%s key=%s err=%v", event.Topic, event.RoutingKey, err)
			return
		}
		select {
		case <-ctx.Done():
			observability.EventPublishFailures.WithLabelValues(string(event.Topic)).Inc()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
