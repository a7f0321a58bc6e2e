package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskforge/taskforge/queue_service/observability"
)

// PostgresStore implements Store on a PostgreSQL pool. Task and worker
// rows keep their document as JSONB next to the indexed key columns; the
// version column is the optimistic-concurrency tag and every update is a
// compare-and-swap on it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Schema is the DDL applied by EnsureSchema. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id         TEXT PRIMARY KEY,
	task_group_id   TEXT NOT NULL,
	provisioner_id  TEXT NOT NULL,
	worker_type     TEXT NOT NULL,
	expires         TIMESTAMPTZ NOT NULL,
	doc             JSONB NOT NULL,
	version         BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS tasks_by_group ON tasks (task_group_id, task_id);

CREATE TABLE IF NOT EXISTS task_groups (
	task_group_id TEXT PRIMARY KEY,
	scheduler_id  TEXT NOT NULL,
	expires       TIMESTAMPTZ NOT NULL,
	version       BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS task_group_members (
	task_group_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	expires       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_group_id, task_id)
);

CREATE TABLE IF NOT EXISTS task_group_active (
	task_group_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	expires       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_group_id, task_id)
);

CREATE TABLE IF NOT EXISTS task_dependencies (
	dependent_task_id TEXT NOT NULL,
	required_task_id  TEXT NOT NULL,
	requires          TEXT NOT NULL,
	satisfied         BOOLEAN NOT NULL DEFAULT FALSE,
	expires           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (dependent_task_id, required_task_id)
);
CREATE INDEX IF NOT EXISTS deps_by_required ON task_dependencies (required_task_id, dependent_task_id);

CREATE TABLE IF NOT EXISTS artifacts (
	task_id      TEXT NOT NULL,
	run_id       INTEGER NOT NULL,
	name         TEXT NOT NULL,
	storage_type TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	present      BOOLEAN NOT NULL DEFAULT FALSE,
	expires      TIMESTAMPTZ NOT NULL,
	version      BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (task_id, run_id, name)
);

CREATE TABLE IF NOT EXISTS provisioners (
	provisioner_id TEXT PRIMARY KEY,
	last_seen      TIMESTAMPTZ NOT NULL,
	expires        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_types (
	provisioner_id TEXT NOT NULL,
	worker_type    TEXT NOT NULL,
	last_seen      TIMESTAMPTZ NOT NULL,
	expires        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provisioner_id, worker_type)
);

CREATE TABLE IF NOT EXISTS workers (
	provisioner_id TEXT NOT NULL,
	worker_type    TEXT NOT NULL,
	worker_group   TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	expires        TIMESTAMPTZ NOT NULL,
	doc            JSONB NOT NULL,
	version        BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (provisioner_id, worker_type, worker_group, worker_id)
);
`

// NewPostgresStore initializes a PostgresStore with a tuned pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies the DDL.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tasks (task_id, task_group_id, provisioner_id, worker_type, expires, doc, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (task_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		task.TaskID, task.TaskGroupID, task.ProvisionerID, task.WorkerType, task.Expires, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityExists
	}
	task.Version = 1
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	query := `SELECT doc, version FROM tasks WHERE task_id = $1`
	var doc []byte
	var version int64
	err := s.pool.QueryRow(ctx, query, taskID).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	t.Version = version
	return &t, nil
}

func (s *PostgresStore) ModifyTask(ctx context.Context, taskID string, mutator func(*Task) error) (*Task, error) {
	for {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		expected := task.Version
		if err := mutator(task); err != nil {
			if errors.Is(err, ErrNoChange) {
				return task, nil
			}
			return nil, err
		}
		doc, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}
		query := `
			UPDATE tasks SET doc = $2, expires = $3, version = version + 1
			WHERE task_id = $1 AND version = $4
		`
		tag, err := s.pool.Exec(ctx, query, taskID, doc, task.Expires, expected)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			// Optimistic lock failure: row changed underneath us, retry.
			observability.StoreConflictRetries.Inc()
			continue
		}
		task.Version = expected + 1
		return task, nil
	}
}

func (s *PostgresStore) ListTaskGroupTasks(ctx context.Context, taskGroupID string, continuation string, limit int) ([]*Task, string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT doc, version FROM tasks
		WHERE task_group_id = $1 AND task_id > $2
		ORDER BY task_id LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, taskGroupID, continuation, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, "", err
		}
		var t Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, "", err
		}
		t.Version = version
		out = append(out, &t)
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].TaskID
	}
	return out, next, nil
}

// --- Task groups ---

func (s *PostgresStore) CreateTaskGroup(ctx context.Context, group *TaskGroup) error {
	query := `
		INSERT INTO task_groups (task_group_id, scheduler_id, expires, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (task_group_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, group.TaskGroupID, group.SchedulerID, group.Expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityExists
	}
	group.Version = 1
	return nil
}

func (s *PostgresStore) GetTaskGroup(ctx context.Context, taskGroupID string) (*TaskGroup, error) {
	query := `SELECT task_group_id, scheduler_id, expires, version FROM task_groups WHERE task_group_id = $1`
	var g TaskGroup
	err := s.pool.QueryRow(ctx, query, taskGroupID).Scan(&g.TaskGroupID, &g.SchedulerID, &g.Expires, &g.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) ModifyTaskGroup(ctx context.Context, taskGroupID string, mutator func(*TaskGroup) error) (*TaskGroup, error) {
	for {
		group, err := s.GetTaskGroup(ctx, taskGroupID)
		if err != nil {
			return nil, err
		}
		expected := group.Version
		if err := mutator(group); err != nil {
			if errors.Is(err, ErrNoChange) {
				return group, nil
			}
			return nil, err
		}
		query := `
			UPDATE task_groups SET scheduler_id = $2, expires = $3, version = version + 1
			WHERE task_group_id = $1 AND version = $4
		`
		tag, err := s.pool.Exec(ctx, query, taskGroupID, group.SchedulerID, group.Expires, expected)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			observability.StoreConflictRetries.Inc()
			continue
		}
		group.Version = expected + 1
		return group, nil
	}
}

// --- Group membership ---

func (s *PostgresStore) CreateGroupMember(ctx context.Context, member *TaskGroupMember) error {
	query := `
		INSERT INTO task_group_members (task_group_id, task_id, expires)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_group_id, task_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, member.TaskGroupID, member.TaskID, member.Expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityExists
	}
	return nil
}

func (s *PostgresStore) HasGroupMembers(ctx context.Context, taskGroupID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM task_group_members WHERE task_group_id = $1)`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, taskGroupID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) CreateActiveMember(ctx context.Context, member *TaskGroupActiveMember) error {
	query := `
		INSERT INTO task_group_active (task_group_id, task_id, expires)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_group_id, task_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, member.TaskGroupID, member.TaskID, member.Expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityExists
	}
	return nil
}

func (s *PostgresStore) GetActiveMember(ctx context.Context, taskGroupID, taskID string) (*TaskGroupActiveMember, error) {
	query := `SELECT task_group_id, task_id, expires FROM task_group_active WHERE task_group_id = $1 AND task_id = $2`
	var m TaskGroupActiveMember
	err := s.pool.QueryRow(ctx, query, taskGroupID, taskID).Scan(&m.TaskGroupID, &m.TaskID, &m.Expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) DeleteActiveMember(ctx context.Context, taskGroupID, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM task_group_active WHERE task_group_id = $1 AND task_id = $2`,
		taskGroupID, taskID)
	return err
}

func (s *PostgresStore) CountActiveMembers(ctx context.Context, taskGroupID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_group_active WHERE task_group_id = $1`,
		taskGroupID).Scan(&count)
	return count, err
}

// --- Dependencies ---

func (s *PostgresStore) CreateDependency(ctx context.Context, dep *TaskDependency) error {
	query := `
		INSERT INTO task_dependencies (dependent_task_id, required_task_id, requires, satisfied, expires)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dependent_task_id, required_task_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		dep.DependentTaskID, dep.RequiredTaskID, dep.Requires, dep.Satisfied, dep.Expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityExists
	}
	return nil
}

func (s *PostgresStore) MarkDependencySatisfied(ctx context.Context, dependentTaskID, requiredTaskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_dependencies SET satisfied = TRUE WHERE dependent_task_id = $1 AND required_task_id = $2`,
		dependentTaskID, requiredTaskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountUnsatisfiedDependencies(ctx context.Context, dependentTaskID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_dependencies WHERE dependent_task_id = $1 AND NOT satisfied`,
		dependentTaskID).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListDependencies(ctx context.Context, dependentTaskID string) ([]*TaskDependency, error) {
	query := `
		SELECT dependent_task_id, required_task_id, requires, satisfied, expires
		FROM task_dependencies WHERE dependent_task_id = $1
		ORDER BY required_task_id
	`
	rows, err := s.pool.Query(ctx, query, dependentTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDependencies(rows)
}

func (s *PostgresStore) ListDependents(ctx context.Context, requiredTaskID string, continuation string, limit int) ([]*TaskDependency, string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT dependent_task_id, required_task_id, requires, satisfied, expires
		FROM task_dependencies
		WHERE required_task_id = $1 AND dependent_task_id > $2
		ORDER BY dependent_task_id LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, requiredTaskID, continuation, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out, err := scanDependencies(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].DependentTaskID
	}
	return out, next, nil
}

func scanDependencies(rows pgx.Rows) ([]*TaskDependency, error) {
	var out []*TaskDependency
	for rows.Next() {
		var d TaskDependency
		if err := rows.Scan(&d.DependentTaskID, &d.RequiredTaskID, &d.Requires, &d.Satisfied, &d.Expires); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func (s *PostgresStore) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	query := `
		INSERT INTO artifacts (task_id, run_id, name, storage_type, content_type, present, expires, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (task_id, run_id, name) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		artifact.TaskID, artifact.RunID, artifact.Name, artifact.StorageType,
		artifact.ContentType, artifact.Present, artifact.Expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityExists
	}
	artifact.Version = 1
	return nil
}

func (s *PostgresStore) ModifyArtifact(ctx context.Context, taskID string, runID int, name string, mutator func(*Artifact) error) (*Artifact, error) {
	for {
		artifact, err := s.GetArtifact(ctx, taskID, runID, name)
		if err != nil {
			return nil, err
		}
		expected := artifact.Version
		if err := mutator(artifact); err != nil {
			if errors.Is(err, ErrNoChange) {
				return artifact, nil
			}
			return nil, err
		}
		query := `
			UPDATE artifacts SET storage_type = $4, content_type = $5, present = $6, expires = $7, version = version + 1
			WHERE task_id = $1 AND run_id = $2 AND name = $3 AND version = $8
		`
		tag, err := s.pool.Exec(ctx, query, taskID, runID, name,
			artifact.StorageType, artifact.ContentType, artifact.Present, artifact.Expires, expected)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			observability.StoreConflictRetries.Inc()
			continue
		}
		artifact.Version = expected + 1
		return artifact, nil
	}
}

func (s *PostgresStore) GetArtifact(ctx context.Context, taskID string, runID int, name string) (*Artifact, error) {
	query := `
		SELECT task_id, run_id, name, storage_type, content_type, present, expires, version
		FROM artifacts WHERE task_id = $1 AND run_id = $2 AND name = $3
	`
	var a Artifact
	err := s.pool.QueryRow(ctx, query, taskID, runID, name).Scan(
		&a.TaskID, &a.RunID, &a.Name, &a.StorageType, &a.ContentType, &a.Present, &a.Expires, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListRunArtifacts(ctx context.Context, taskID string, runID int) ([]*Artifact, error) {
	query := `
		SELECT task_id, run_id, name, storage_type, content_type, present, expires, version
		FROM artifacts WHERE task_id = $1 AND run_id = $2 ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query, taskID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.TaskID, &a.RunID, &a.Name, &a.StorageType, &a.ContentType, &a.Present, &a.Expires, &a.Version); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Worker registry rows ---

func (s *PostgresStore) UpsertProvisioner(ctx context.Context, p *Provisioner) error {
	query := `
		INSERT INTO provisioners (provisioner_id, last_seen, expires)
		VALUES ($1, $2, $3)
		ON CONFLICT (provisioner_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			expires = GREATEST(provisioners.expires, EXCLUDED.expires)
	`
	_, err := s.pool.Exec(ctx, query, p.ProvisionerID, p.LastSeen, p.Expires)
	return err
}

func (s *PostgresStore) UpsertWorkerType(ctx context.Context, wt *WorkerTypeRecord) error {
	query := `
		INSERT INTO worker_types (provisioner_id, worker_type, last_seen, expires)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provisioner_id, worker_type) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			expires = GREATEST(worker_types.expires, EXCLUDED.expires)
	`
	_, err := s.pool.Exec(ctx, query, wt.ProvisionerID, wt.WorkerType, wt.LastSeen, wt.Expires)
	return err
}

func (s *PostgresStore) GetWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string) (*Worker, error) {
	query := `
		SELECT doc, version FROM workers
		WHERE provisioner_id = $1 AND worker_type = $2 AND worker_group = $3 AND worker_id = $4
	`
	var doc []byte
	var version int64
	err := s.pool.QueryRow(ctx, query, provisionerID, workerType, workerGroup, workerID).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w Worker
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, err
	}
	w.Version = version
	return &w, nil
}

func (s *PostgresStore) ModifyWorker(ctx context.Context, provisionerID, workerType, workerGroup, workerID string, mutator func(*Worker) error) (*Worker, error) {
	for {
		worker, err := s.GetWorker(ctx, provisionerID, workerType, workerGroup, workerID)
		if errors.Is(err, ErrNotFound) {
			worker = &Worker{
				ProvisionerID: provisionerID,
				WorkerType:    workerType,
				WorkerGroup:   workerGroup,
				WorkerID:      workerID,
			}
		} else if err != nil {
			return nil, err
		}
		expected := worker.Version
		if err := mutator(worker); err != nil {
			if errors.Is(err, ErrNoChange) {
				return worker, nil
			}
			return nil, err
		}
		doc, err := json.Marshal(worker)
		if err != nil {
			return nil, err
		}

		if expected == 0 {
			query := `
				INSERT INTO workers (provisioner_id, worker_type, worker_group, worker_id, expires, doc, version)
				VALUES ($1, $2, $3, $4, $5, $6, 1)
				ON CONFLICT (provisioner_id, worker_type, worker_group, worker_id) DO NOTHING
			`
			tag, err := s.pool.Exec(ctx, query,
				provisionerID, workerType, workerGroup, workerID, worker.Expires, doc)
			if err != nil {
				return nil, err
			}
			if tag.RowsAffected() == 0 {
				// Raced with another creator; retry as an update.
				continue
			}
			worker.Version = 1
			return worker, nil
		}

		query := `
			UPDATE workers SET doc = $5, expires = $6, version = version + 1
			WHERE provisioner_id = $1 AND worker_type = $2 AND worker_group = $3 AND worker_id = $4 AND version = $7
		`
		tag, err := s.pool.Exec(ctx, query,
			provisionerID, workerType, workerGroup, workerID, doc, worker.Expires, expected)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			observability.StoreConflictRetries.Inc()
			continue
		}
		worker.Version = expected + 1
		return worker, nil
	}
}

func (s *PostgresStore) ListWorkers(ctx context.Context, provisionerID, workerType string) ([]*Worker, error) {
	query := `
		SELECT doc, version FROM workers
		WHERE provisioner_id = $1 AND worker_type = $2
		ORDER BY worker_group, worker_id
	`
	rows, err := s.pool.Query(ctx, query, provisionerID, workerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		var w Worker
		if err := json.Unmarshal(doc, &w); err != nil {
			return nil, err
		}
		w.Version = version
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ExpireRows drops every row past its expires across all tables. Returns
// rows removed.
func (s *PostgresStore) ExpireRows(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, query := range []string{
		`DELETE FROM tasks WHERE expires < $1`,
		`DELETE FROM task_groups WHERE expires < $1`,
		`DELETE FROM task_group_members WHERE expires < $1`,
		`DELETE FROM task_group_active WHERE expires < $1`,
		`DELETE FROM task_dependencies WHERE expires < $1`,
		`DELETE FROM artifacts WHERE expires < $1`,
		`DELETE FROM provisioners WHERE expires < $1`,
		`DELETE FROM worker_types WHERE expires < $1`,
		`DELETE FROM workers WHERE expires < $1`,
	} {
		tag, err := s.pool.Exec(ctx, query, now)
		if err != nil {
			return total, err
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}
