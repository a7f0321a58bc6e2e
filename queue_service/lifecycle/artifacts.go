package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/store"
)

// CreateArtifact registers an artifact on a run. Object-storage artifacts
// start absent and must be confirmed with ConfirmArtifact before the run
// can report completed; reference and error artifacts are present on
// creation. Re-creating an artifact with the same storage type is
// idempotent, changing the type is a conflict.
func (s *Service) CreateArtifact(ctx context.Context, artifact *store.Artifact) (*store.Artifact, error) {
	switch artifact.StorageType {
	case store.StorageObject, store.StorageReference, store.StorageError:
	default:
		return nil, apierror.InputError("storageType %q is not recognized", artifact.StorageType)
	}
	task, err := s.loadTask(ctx, artifact.TaskID)
	if err != nil {
		return nil, err
	}
	if err := checkRunExists(task, artifact.RunID); err != nil {
		return nil, err
	}
	if artifact.Expires.IsZero() {
		artifact.Expires = task.Expires
	}
	if artifact.Expires.After(task.Expires) {
		return nil, apierror.InputError("artifact cannot expire after its task (%s)", task.Expires.Format(time.RFC3339))
	}
	artifact.Present = artifact.StorageType != store.StorageObject

	err = s.store.CreateArtifact(ctx, artifact)
	if errors.Is(err, store.ErrEntityExists) {
		existing, gerr := s.store.GetArtifact(ctx, artifact.TaskID, artifact.RunID, artifact.Name)
		if gerr != nil {
			return nil, gerr
		}
		if existing.StorageType != artifact.StorageType {
			return nil, apierror.Conflict("artifact %q already exists with storageType %s",
				artifact.Name, existing.StorageType)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	if artifact.Present {
		events.MustPublish(ctx, s.bus, events.ArtifactEvent(task, artifact))
	}
	return artifact, nil
}

// ConfirmArtifact marks an object-storage artifact's upload as complete
// and fires artifact-created. Idempotent.
func (s *Service) ConfirmArtifact(ctx context.Context, taskID string, runID int, name string) (*store.Artifact, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var confirmed bool
	artifact, err := s.store.ModifyArtifact(ctx, taskID, runID, name, func(a *store.Artifact) error {
		confirmed = false
		if a.StorageType != store.StorageObject {
			return apierror.Conflict("artifact %q is %s storage; only object uploads are confirmed", name, a.StorageType)
		}
		if a.Present {
			return store.ErrNoChange
		}
		a.Present = true
		confirmed = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("task %s run %d has no artifact %q", taskID, runID, name)
	}
	if err != nil {
		return nil, err
	}
	if confirmed {
		events.MustPublish(ctx, s.bus, events.ArtifactEvent(task, artifact))
	}
	return artifact, nil
}

// GetArtifact returns one artifact record.
func (s *Service) GetArtifact(ctx context.Context, taskID string, runID int, name string) (*store.Artifact, error) {
	artifact, err := s.store.GetArtifact(ctx, taskID, runID, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("task %s run %d has no artifact %q", taskID, runID, name)
	}
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// ListArtifacts returns the artifacts registered on a run.
func (s *Service) ListArtifacts(ctx context.Context, taskID string, runID int) ([]*store.Artifact, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkRunExists(task, runID); err != nil {
		return nil, err
	}
	return s.store.ListRunArtifacts(ctx, taskID, runID)
}
