package events

import "strings"

// RoutingKey encodes the task coordinates an event consumer can bind on.
// Absent fields render as "_"; a trailing "_" segment is reserved so
// bindings ending in "#" keep matching if fields are appended later.
type RoutingKey struct {
	TaskID        string
	RunID         string // decimal run index or "" when not applicable
	WorkerGroup   string
	WorkerID      string
	ProvisionerID string
	WorkerType    string
	SchedulerID   string
	TaskGroupID   string
}

func orPlaceholder(s string) string {
	if s == "" {
		return "_"
	}
	return s
}

// String renders the primary routing key.
func (k RoutingKey) String() string {
	parts := []string{
		"primary",
		orPlaceholder(k.TaskID),
		orPlaceholder(k.RunID),
		orPlaceholder(k.WorkerGroup),
		orPlaceholder(k.WorkerID),
		orPlaceholder(k.ProvisionerID),
		orPlaceholder(k.WorkerType),
		orPlaceholder(k.SchedulerID),
		orPlaceholder(k.TaskGroupID),
		"_",
	}
	return strings.Join(parts, ".")
}

// RouteKeys returns the CC routing keys for a task's routes.
func RouteKeys(routes []string) []string {
	if len(routes) == 0 {
		return nil
	}
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, "route."+r)
	}
	return out
}
