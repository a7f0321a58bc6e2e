package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/observability"
	"github.com/taskforge/taskforge/queue_service/store"
)

// GetTask returns the full task definition.
func (s *Service) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return s.loadTask(ctx, taskID)
}

// Status returns the run-level status of a task.
func (s *Service) Status(ctx context.Context, taskID string) (*store.TaskStatus, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.Status(), nil
}

// TaskGroupPage is one page of a task group listing.
type TaskGroupPage struct {
	TaskGroupID       string              `json:"taskGroupId"`
	SchedulerID       string              `json:"schedulerId"`
	Tasks             []*store.TaskStatus `json:"tasks"`
	ContinuationToken string              `json:"continuationToken,omitempty"`
}

// ListTaskGroup pages through the members of a task group.
func (s *Service) ListTaskGroup(ctx context.Context, taskGroupID, continuation string, limit int) (*TaskGroupPage, error) {
	group, err := s.store.GetTaskGroup(ctx, taskGroupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("no task group with taskGroupId %s", taskGroupID)
	}
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	tasks, next, err := s.store.ListTaskGroupTasks(ctx, taskGroupID, continuation, limit)
	if err != nil {
		return nil, err
	}
	page := &TaskGroupPage{
		TaskGroupID:       taskGroupID,
		SchedulerID:       group.SchedulerID,
		Tasks:             make([]*store.TaskStatus, 0, len(tasks)),
		ContinuationToken: next,
	}
	for _, t := range tasks {
		if t.SchedulerID != group.SchedulerID {
			// Should be impossible: admission pins the group's schedulerId.
			logDecision("listTaskGroup", t.TaskID,
				fmt.Sprintf("schedulerId=%s disagrees with group schedulerId=%s", t.SchedulerID, group.SchedulerID))
		}
		page.Tasks = append(page.Tasks, t.Status())
	}
	return page, nil
}

// DependentsPage is one page of a reverse-dependency listing.
type DependentsPage struct {
	TaskID            string              `json:"taskId"`
	Tasks             []*store.TaskStatus `json:"tasks"`
	ContinuationToken string              `json:"continuationToken,omitempty"`
}

// ListDependentTasks pages through the tasks that depend on taskID.
func (s *Service) ListDependentTasks(ctx context.Context, taskID, continuation string, limit int) (*DependentsPage, error) {
	if _, err := s.loadTask(ctx, taskID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	edges, next, err := s.store.ListDependents(ctx, taskID, continuation, limit)
	if err != nil {
		return nil, err
	}
	page := &DependentsPage{TaskID: taskID, ContinuationToken: next}
	for _, edge := range edges {
		dependent, err := s.store.GetTask(ctx, edge.DependentTaskID)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired since the edge was written
		}
		if err != nil {
			return nil, err
		}
		page.Tasks = append(page.Tasks, dependent.Status())
	}
	return page, nil
}

// PendingTasks reports the approximate number of pending tasks for a
// (provisionerId, workerType) pair across all priority buckets. The
// counts come straight from the queue backend, which caches them briefly,
// so the number is advisory.
func (s *Service) PendingTasks(ctx context.Context, provisionerID, workerType string) (int, error) {
	total := 0
	for _, priority := range store.PriorityLevels {
		n, err := s.queue.Count(ctx, advisory.PendingQueue(provisionerID, workerType, priority))
		if err != nil {
			return 0, err
		}
		observability.PendingDepth.WithLabelValues(provisionerID, workerType, string(priority)).Set(float64(n))
		total += n
	}
	return total, nil
}
