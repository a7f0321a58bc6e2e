package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/taskforge/taskforge/queue_service/observability"
)

// MemoryStore implements Store with in-process maps. It is the backend for
// tests and single-node operation. Rows are stored and returned as copies
// so callers never alias internal state; writes go through the same
// version-check loop the Postgres backend uses.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	groups    map[string]*TaskGroup
	members   map[string]map[string]*TaskGroupMember
	active    map[string]map[string]*TaskGroupActiveMember
	forward   map[string]map[string]*TaskDependency // dependent -> required
	reverse   map[string]map[string]bool            // required -> dependents
	artifacts map[string]*Artifact
	provs     map[string]*Provisioner
	wtypes    map[string]*WorkerTypeRecord
	workers   map[string]*Worker
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*Task),
		groups:    make(map[string]*TaskGroup),
		members:   make(map[string]map[string]*TaskGroupMember),
		active:    make(map[string]map[string]*TaskGroupActiveMember),
		forward:   make(map[string]map[string]*TaskDependency),
		reverse:   make(map[string]map[string]bool),
		artifacts: make(map[string]*Artifact),
		provs:     make(map[string]*Provisioner),
		wtypes:    make(map[string]*WorkerTypeRecord),
		workers:   make(map[string]*Worker),
	}
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return ErrEntityExists
	}
	c := task.Clone()
	c.Version = 1
	s.tasks[task.TaskID] = c
	task.Version = 1
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ModifyTask(ctx context.Context, taskID string, mutator func(*Task) error) (*Task, error) {
	for {
		s.mu.RLock()
		cur, ok := s.tasks[taskID]
		if !ok {
			s.mu.RUnlock()
			return nil, ErrNotFound
		}
		candidate := cur.Clone()
		s.mu.RUnlock()

		if err := mutator(candidate); err != nil {
			if errors.Is(err, ErrNoChange) {
				return candidate, nil
			}
			return nil, err
		}

		s.mu.Lock()
		cur, ok = s.tasks[taskID]
		if !ok {
			s.mu.Unlock()
			return nil, ErrNotFound
		}
		if cur.Version != candidate.Version {
			// Lost the race; re-run the mutator on the fresh row.
			s.mu.Unlock()
			observability.StoreConflictRetries.Inc()
			continue
		}
		candidate.Version++
		s.tasks[taskID] = candidate.Clone()
		s.mu.Unlock()
		return candidate, nil
	}
}

func (s *MemoryStore) ListTaskGroupTasks(ctx context.Context, taskGroupID string, continuation string, limit int) ([]*Task, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.members[taskGroupID] {
		if id > continuation {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*Task
	next := ""
	for _, id := range ids {
		if limit > 0 && len(out) == limit {
			next = out[len(out)-1].TaskID
			break
		}
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, next, nil
}

// --- Task groups ---

func (s *MemoryStore) CreateTaskGroup(ctx context.Context, group *TaskGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group.TaskGroupID]; ok {
		return ErrEntityExists
	}
	g := *group
	g.Version = 1
	s.groups[group.TaskGroupID] = &g
	return nil
}

func (s *MemoryStore) GetTaskGroup(ctx context.Context, taskGroupID string) (*TaskGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[taskGroupID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *g
	return &c, nil
}

func (s *MemoryStore) ModifyTaskGroup(ctx context.Context, taskGroupID string, mutator func(*TaskGroup) error) (*TaskGroup, error) {
	for {
		s.mu.RLock()
		cur, ok := s.groups[taskGroupID]
		if !ok {
			s.mu.RUnlock()
			return nil, ErrNotFound
		}
		candidate := *cur
		s.mu.RUnlock()

		if err := mutator(&candidate); err != nil {
			if errors.Is(err, ErrNoChange) {
				return &candidate, nil
			}
			return nil, err
		}

		s.mu.Lock()
		cur, ok = s.groups[taskGroupID]
		if !ok {
			s.mu.Unlock()
			return nil, ErrNotFound
		}
		if cur.Version != candidate.Version {
			s.mu.Unlock()
			observability.StoreConflictRetries.Inc()
			continue
		}
		candidate.Version++
		stored := candidate
		s.groups[taskGroupID] = &stored
		s.mu.Unlock()
		return &candidate, nil
	}
}

// --- Group membership ---

func (s *MemoryStore) CreateGroupMember(ctx context.Context, member *TaskGroupMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask := s.members[member.TaskGroupID]
	if byTask == nil {
		byTask = make(map[string]*TaskGroupMember)
		s.members[member.TaskGroupID] = byTask
	}
	if _, ok := byTask[member.TaskID]; ok {
		return ErrEntityExists
	}
	m := *member
	byTask[member.TaskID] = &m
	return nil
}

func (s *MemoryStore) HasGroupMembers(ctx context.Context, taskGroupID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members[taskGroupID]) > 0, nil
}

func (s *MemoryStore) CreateActiveMember(ctx context.Context, member *TaskGroupActiveMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask := s.active[member.TaskGroupID]
	if byTask == nil {
		byTask = make(map[string]*TaskGroupActiveMember)
		s.active[member.TaskGroupID] = byTask
	}
	if _, ok := byTask[member.TaskID]; ok {
		return ErrEntityExists
	}
	m := *member
	byTask[member.TaskID] = &m
	return nil
}

func (s *MemoryStore) GetActiveMember(ctx context.Context, taskGroupID, taskID string) (*TaskGroupActiveMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.active[taskGroupID][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) DeleteActiveMember(ctx context.Context, taskGroupID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active[taskGroupID], taskID)
	return nil
}

func (s *MemoryStore) CountActiveMembers(ctx context.Context, taskGroupID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active[taskGroupID]), nil
}

// --- Dependencies ---

func (s *MemoryStore) CreateDependency(ctx context.Context, dep *TaskDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fwd := s.forward[dep.DependentTaskID]
	if fwd == nil {
		fwd = make(map[string]*TaskDependency)
		s.forward[dep.DependentTaskID] = fwd
	}
	if _, ok := fwd[dep.RequiredTaskID]; ok {
		return ErrEntityExists
	}
	d := *dep
	fwd[dep.RequiredTaskID] = &d

	rev := s.reverse[dep.RequiredTaskID]
	if rev == nil {
		rev = make(map[string]bool)
		s.reverse[dep.RequiredTaskID] = rev
	}
	rev[dep.DependentTaskID] = true
	return nil
}

func (s *MemoryStore) MarkDependencySatisfied(ctx context.Context, dependentTaskID, requiredTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.forward[dependentTaskID][requiredTaskID]
	if !ok {
		return ErrNotFound
	}
	d.Satisfied = true
	return nil
}

func (s *MemoryStore) CountUnsatisfiedDependencies(ctx context.Context, dependentTaskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.forward[dependentTaskID] {
		if !d.Satisfied {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListDependencies(ctx context.Context, dependentTaskID string) ([]*TaskDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskDependency
	for _, d := range s.forward[dependentTaskID] {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequiredTaskID < out[j].RequiredTaskID })
	return out, nil
}

func (s *MemoryStore) ListDependents(ctx context.Context, requiredTaskID string, continuation string, limit int) ([]*TaskDependency, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.reverse[requiredTaskID] {
		if id > continuation {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*TaskDependency
	next := ""
	for _, id := range ids {
		if limit > 0 && len(out) == limit {
			next = out[len(out)-1].DependentTaskID
			break
		}
		if d, ok := s.forward[id][requiredTaskID]; ok {
			c := *d
			out = append(out, &c)
		}
	}
	return out, next, nil
}

// --- Artifacts ---

func (s *MemoryStore) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ArtifactKey(artifact.TaskID, artifact.RunID, artifact.Name)
	if _, ok := s.artifacts[key]; ok {
		return ErrEntityExists
	}
	a := *artifact
	a.Version = 1
	s.artifacts[key] = &a
	return nil
}

func (s *MemoryStore) ModifyArtifact(ctx context.Context, taskID string, runID int, name string, mutator func(*Artifact) error) (*Artifact, error) {
	for {
		key := ArtifactKey(taskID, runID, name)
		s.mu.RLock()
		cur, ok := s.artifacts[key]
		if !ok {
			s.mu.RUnlock()
			return nil, ErrNotFound
		}
		candidate := *cur
		s.mu.RUnlock()

		if err := mutator(&candidate); err != nil {
			if errors.Is(err, ErrNoChange) {
				return &candidate, nil
			}
			return nil, err
		}

		s.mu.Lock()
		cur, ok = s.artifacts[key]
		if !ok {
			s.mu.Unlock()
			return nil, ErrNotFound
		}
		if cur.Version != candidate.Version {
			s.mu.Unlock()
			observability.StoreConflictRetries.Inc()
			continue
		}
		candidate.Version++
		stored := candidate
		s.artifacts[key] = &stored
		s.mu.Unlock()
		return &candidate, nil
	}
}

func (s *MemoryStore) GetArtifact(ctx context.Context, taskID string, runID int, name string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[ArtifactKey(taskID, runID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListRunArtifacts(ctx context.Context, taskID string, runID int) ([]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Artifact
	for _, a := range s.artifacts {
		if a.TaskID == taskID && a.RunID == runID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Worker registry rows ---

func (s *MemoryStore) UpsertProvisioner(ctx context.Context, p *Provisioner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	if existing, ok := s.provs[p.ProvisionerID]; ok && existing.Expires.After(c.Expires) {
		c.Expires = existing.Expires
	}
	s.provs[p.ProvisionerID] = &c
	return nil
}

func (s *MemoryStore) UpsertWorkerType(ctx context.Context, wt *WorkerTypeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := WorkerTypeKey(wt.ProvisionerID, wt.WorkerType)
	c := *wt
	if existing, ok := s.wtypes[key]; ok && existing.Expires.After(c.Expires) {
		c.Expires = existing.Expires
	}
	s.wtypes[key] = &c
	return nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[WorkerKey(provisionerID, workerType, workerGroup, workerID)]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// ModifyWorker upserts: when the row is missing, the mutator runs on a
// fresh row carrying only the key fields.
func (s *MemoryStore) ModifyWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, mutator func(*Worker) error) (*Worker, error) {
	key := WorkerKey(provisionerID, workerType, workerGroup, workerID)
	for {
		s.mu.RLock()
		cur, ok := s.workers[key]
		var candidate *Worker
		if ok {
			candidate = cur.Clone()
		} else {
			candidate = &Worker{
				ProvisionerID: provisionerID,
				WorkerType:    workerType,
				WorkerGroup:   workerGroup,
				WorkerID:      workerID,
			}
		}
		s.mu.RUnlock()

		if err := mutator(candidate); err != nil {
			if errors.Is(err, ErrNoChange) {
				return candidate, nil
			}
			return nil, err
		}

		s.mu.Lock()
		cur, ok = s.workers[key]
		curVersion := int64(0)
		if ok {
			curVersion = cur.Version
		}
		if curVersion != candidate.Version {
			s.mu.Unlock()
			observability.StoreConflictRetries.Inc()
			continue
		}
		candidate.Version++
		s.workers[key] = candidate.Clone()
		s.mu.Unlock()
		return candidate, nil
	}
}

func (s *MemoryStore) ListWorkers(ctx context.Context, provisionerID, workerType string) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := WorkerTypeKey(provisionerID, workerType) + "/"
	var out []*Worker
	for key, w := range s.workers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return WorkerKey(out[i].ProvisionerID, out[i].WorkerType, out[i].WorkerGroup, out[i].WorkerID) <
			WorkerKey(out[j].ProvisionerID, out[j].WorkerType, out[j].WorkerGroup, out[j].WorkerID)
	})
	return out, nil
}

// ExpireRows drops every row whose expires is before now: tasks, task
// groups and their member/active rows, dependency edges, artifacts, and
// the provisioner/worker-type/worker registry rows. Returns the number of
// rows removed. Used by the expiry sweep loop and tests.
func (s *MemoryStore) ExpireRows(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := func(expires time.Time) bool {
		return !expires.IsZero() && expires.Before(now)
	}
	n := 0
	for id, t := range s.tasks {
		if expired(t.Expires) {
			delete(s.tasks, id)
			n++
		}
	}
	for id, g := range s.groups {
		if expired(g.Expires) {
			delete(s.groups, id)
			n++
		}
	}
	for groupID, rows := range s.members {
		for taskID, m := range rows {
			if expired(m.Expires) {
				delete(rows, taskID)
				n++
			}
		}
		if len(rows) == 0 {
			delete(s.members, groupID)
		}
	}
	for groupID, rows := range s.active {
		for taskID, m := range rows {
			if expired(m.Expires) {
				delete(rows, taskID)
				n++
			}
		}
		if len(rows) == 0 {
			delete(s.active, groupID)
		}
	}
	for dependent, edges := range s.forward {
		for required, d := range edges {
			if expired(d.Expires) {
				delete(edges, required)
				if backs, ok := s.reverse[required]; ok {
					delete(backs, dependent)
					if len(backs) == 0 {
						delete(s.reverse, required)
					}
				}
				n++
			}
		}
		if len(edges) == 0 {
			delete(s.forward, dependent)
		}
	}
	for key, a := range s.artifacts {
		if expired(a.Expires) {
			delete(s.artifacts, key)
			n++
		}
	}
	for id, p := range s.provs {
		if expired(p.Expires) {
			delete(s.provs, id)
			n++
		}
	}
	for key, wt := range s.wtypes {
		if expired(wt.Expires) {
			delete(s.wtypes, key)
			n++
		}
	}
	for key, w := range s.workers {
		if expired(w.Expires) {
			delete(s.workers, key)
			n++
		}
	}
	return n, nil
}
