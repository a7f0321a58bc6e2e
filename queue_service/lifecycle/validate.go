package lifecycle

import (
	"strings"
	"time"

	"github.com/taskforge/taskforge/queue_service/apierror"
	"github.com/taskforge/taskforge/queue_service/slugid"
	"github.com/taskforge/taskforge/queue_service/store"
)

const (
	maxClockSkew      = 15 * time.Minute
	maxDeadlineWindow = 5 * 24 * time.Hour
	maxDependencies   = 100
	maxRuns           = 50

	defaultExpiresAfterDeadline = 365 * 24 * time.Hour
)

// validateDefinition checks a submitted task definition and normalizes it
// in place (priority alias, default expires). Returns an InputError on
// the first violation found.
func validateDefinition(task *store.Task, now time.Time) error {
	if !slugid.Valid(task.TaskID) {
		return apierror.InputError("taskId %q is not a valid slug identifier", task.TaskID)
	}
	if !slugid.Valid(task.TaskGroupID) {
		return apierror.InputError("taskGroupId %q is not a valid slug identifier", task.TaskGroupID)
	}
	for _, id := range []struct{ name, value string }{
		{"provisionerId", task.ProvisionerID},
		{"workerType", task.WorkerType},
		{"schedulerId", task.SchedulerID},
	} {
		if !slugid.ValidGenericID(id.value) {
			return apierror.InputError("%s %q is not a valid identifier", id.name, id.value)
		}
	}

	if task.Created.After(now.Add(maxClockSkew)) || task.Created.Before(now.Add(-maxClockSkew)) {
		return apierror.InputError("created timestamp %s is more than 15 minutes from server time", task.Created.Format(time.RFC3339))
	}
	if !task.Deadline.After(now) {
		return apierror.InputError("deadline %s is in the past", task.Deadline.Format(time.RFC3339))
	}
	if task.Deadline.Sub(task.Created) > maxDeadlineWindow+maxClockSkew {
		return apierror.InputError("deadline cannot be more than 5 days after created")
	}
	if task.Expires.IsZero() {
		task.Expires = task.Deadline.Add(defaultExpiresAfterDeadline)
	}
	if task.Expires.Before(task.Deadline) {
		return apierror.InputError("expires %s cannot precede deadline %s",
			task.Expires.Format(time.RFC3339), task.Deadline.Format(time.RFC3339))
	}

	task.Priority = task.Priority.Normalize()
	if !task.Priority.Valid() {
		return apierror.InputError("priority %q is not a recognized level", task.Priority)
	}

	switch task.Requires {
	case "":
		task.Requires = store.RequiresAllCompleted
	case store.RequiresAllCompleted, store.RequiresAllResolved:
	default:
		return apierror.InputError("requires %q must be all-completed or all-resolved", task.Requires)
	}

	if task.Retries < 0 || task.Retries > 49 {
		return apierror.InputError("retries must be between 0 and 49")
	}

	if len(task.Dependencies) > maxDependencies {
		return apierror.InputError("a task cannot declare more than %d dependencies", maxDependencies)
	}
	for _, dep := range task.Dependencies {
		if !slugid.Valid(dep) {
			return apierror.InputError("dependency %q is not a valid slug identifier", dep)
		}
	}

	for _, scope := range task.Scopes {
		if strings.HasSuffix(scope, "**") {
			return apierror.InputError("scope %q ends with a double wildcard, which is never what you want", scope)
		}
	}
	return nil
}
