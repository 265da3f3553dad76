package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/caio-sobreiro/dicomtransfer/models"
)

// DB implements Repositories on an embedded SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at path. Use ":memory:" for
// tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	name             TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	host             TEXT NOT NULL DEFAULT '',
	port             INTEGER NOT NULL DEFAULT 0,
	ae_title         TEXT NOT NULL DEFAULT '',
	capabilities     TEXT NOT NULL DEFAULT '',
	rest_root        TEXT NOT NULL DEFAULT '',
	path             TEXT NOT NULL DEFAULT '',
	quota            INTEGER NOT NULL DEFAULT 0,
	archive_password TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS jobs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	status     TEXT NOT NULL,
	urgent     INTEGER NOT NULL DEFAULT 0,
	owner      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	ended_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      INTEGER NOT NULL REFERENCES jobs(id),
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	retries     INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL DEFAULT '',
	log         TEXT NOT NULL DEFAULT '',
	source_node TEXT NOT NULL,
	dest_node   TEXT NOT NULL DEFAULT '',
	patient_id  TEXT NOT NULL,
	study_uid   TEXT NOT NULL,
	series_uids TEXT NOT NULL DEFAULT '',
	pseudonym   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	started_at  TIMESTAMP,
	ended_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    INTEGER NOT NULL UNIQUE REFERENCES tasks(id),
	task_kind  TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	eta        TIMESTAMP,
	locked     INTEGER NOT NULL DEFAULT 0,
	locked_at  TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue(locked, priority, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// --- nodes ---

// capability flag names, serialized comma-separated in the capabilities column.
const (
	capPatientRootFind = "prf"
	capPatientRootGet  = "prg"
	capPatientRootMove = "prm"
	capStudyRootFind   = "srf"
	capStudyRootGet    = "srg"
	capStudyRootMove   = "srm"
	capStore           = "st"
	capQIDO            = "qido"
	capWADO            = "wado"
	capSTOW            = "stow"
)

func encodeCapabilities(n *models.ServerNode) string {
	var caps []string
	add := func(flag bool, name string) {
		if flag {
			caps = append(caps, name)
		}
	}
	add(n.PatientRootFind, capPatientRootFind)
	add(n.PatientRootGet, capPatientRootGet)
	add(n.PatientRootMove, capPatientRootMove)
	add(n.StudyRootFind, capStudyRootFind)
	add(n.StudyRootGet, capStudyRootGet)
	add(n.StudyRootMove, capStudyRootMove)
	add(n.Store, capStore)
	add(n.QIDO, capQIDO)
	add(n.WADO, capWADO)
	add(n.STOW, capSTOW)
	return strings.Join(caps, ",")
}

func decodeCapabilities(encoded string, n *models.ServerNode) {
	for _, c := range strings.Split(encoded, ",") {
		switch c {
		case capPatientRootFind:
			n.PatientRootFind = true
		case capPatientRootGet:
			n.PatientRootGet = true
		case capPatientRootMove:
			n.PatientRootMove = true
		case capStudyRootFind:
			n.StudyRootFind = true
		case capStudyRootGet:
			n.StudyRootGet = true
		case capStudyRootMove:
			n.StudyRootMove = true
		case capStore:
			n.Store = true
		case capQIDO:
			n.QIDO = true
		case capWADO:
			n.WADO = true
		case capSTOW:
			n.STOW = true
		}
	}
}

// CreateNode inserts a node row.
func (s *DB) CreateNode(ctx context.Context, node *models.DicomNode) error {
	var (
		host, aet, caps, restRoot, path, password string
		port                                      int
		quota                                     int64
	)
	switch node.Kind {
	case models.NodeKindServer:
		if node.Server == nil {
			return fmt.Errorf("store: server node %q missing server fields", node.Name)
		}
		host = node.Server.Host
		port = node.Server.Port
		aet = node.Server.AETitle
		caps = encodeCapabilities(node.Server)
		restRoot = node.Server.RESTRoot
	case models.NodeKindFolder:
		if node.Folder == nil {
			return fmt.Errorf("store: folder node %q missing folder fields", node.Name)
		}
		path = node.Folder.Path
		quota = node.Folder.Quota
		password = node.Folder.ArchivePassword
	default:
		return fmt.Errorf("store: unknown node kind %q", node.Kind)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (name, kind, host, port, ae_title, capabilities, rest_root, path, quota, archive_password)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.Name, string(node.Kind), host, port, aet, caps, restRoot, path, quota, password)
	if err != nil {
		return fmt.Errorf("failed to create node %q: %w", node.Name, err)
	}
	return nil
}

func scanNode(row interface{ Scan(...any) error }) (*models.DicomNode, error) {
	var node models.DicomNode
	var kind, host, aet, caps, restRoot, path, password string
	var port int
	var quota int64
	err := row.Scan(&node.Name, &kind, &host, &port, &aet, &caps, &restRoot, &path, &quota, &password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	node.Kind = models.NodeKind(kind)
	switch node.Kind {
	case models.NodeKindServer:
		server := &models.ServerNode{Host: host, Port: port, AETitle: aet, RESTRoot: restRoot}
		decodeCapabilities(caps, server)
		node.Server = server
	case models.NodeKindFolder:
		node.Folder = &models.FolderNode{Path: path, Quota: quota, ArchivePassword: password}
	}
	return &node, nil
}

const nodeColumns = "name, kind, host, port, ae_title, capabilities, rest_root, path, quota, archive_password"

// GetNode fetches a node by name.
func (s *DB) GetNode(ctx context.Context, name string) (*models.DicomNode, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE name = ?", name)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get node %q: %w", name, err)
	}
	return node, nil
}

// ListNodes returns all nodes ordered by name.
func (s *DB) ListNodes(ctx context.Context) ([]*models.DicomNode, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+nodeColumns+" FROM nodes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.DicomNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// --- jobs ---

// CreateJob inserts a job row and fills in its ID.
func (s *DB) CreateJob(ctx context.Context, job *models.DicomJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (status, urgent, owner, message, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(job.Status), job.Urgent, job.Owner, job.Message, job.CreatedAt, job.StartedAt, job.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.ID, err = res.LastInsertId()
	return err
}

// GetJob fetches a job by id.
func (s *DB) GetJob(ctx context.Context, id int64) (*models.DicomJob, error) {
	var (
		job    models.DicomJob
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, urgent, owner, message, created_at, started_at, ended_at
		FROM jobs WHERE id = ?`, id).
		Scan(&job.ID, &status, &job.Urgent, &job.Owner, &job.Message,
			&job.CreatedAt, &job.StartedAt, &job.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}

// UpdateJob persists the mutable job fields.
func (s *DB) UpdateJob(ctx context.Context, job *models.DicomJob) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, urgent = ?, message = ?, started_at = ?, ended_at = ?
		WHERE id = ?`,
		string(job.Status), job.Urgent, job.Message, job.StartedAt, job.EndedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}
	return nil
}

// --- tasks ---

// CreateTask inserts a task row and fills in its ID.
func (s *DB) CreateTask(ctx context.Context, task *models.DicomTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Kind == "" {
		task.Kind = models.TaskKindTransfer
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (job_id, kind, status, retries, message, log, source_node, dest_node,
			patient_id, study_uid, series_uids, pseudonym, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.JobID, task.Kind, string(task.Status), task.Retries, task.Message, task.Log,
		task.SourceNode, task.DestNode, task.PatientID, task.StudyUID,
		strings.Join(task.SeriesUIDs, "\\"), task.Pseudonym,
		task.CreatedAt, task.StartedAt, task.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	task.ID, err = res.LastInsertId()
	return err
}

const taskColumns = `id, job_id, kind, status, retries, message, log, source_node, dest_node,
	patient_id, study_uid, series_uids, pseudonym, created_at, started_at, ended_at`

func scanTask(row interface{ Scan(...any) error }) (*models.DicomTask, error) {
	var (
		task       models.DicomTask
		status     string
		seriesUIDs string
	)
	err := row.Scan(&task.ID, &task.JobID, &task.Kind, &status, &task.Retries,
		&task.Message, &task.Log, &task.SourceNode, &task.DestNode,
		&task.PatientID, &task.StudyUID, &seriesUIDs, &task.Pseudonym,
		&task.CreatedAt, &task.StartedAt, &task.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	if seriesUIDs != "" {
		task.SeriesUIDs = strings.Split(seriesUIDs, "\\")
	}
	return &task, nil
}

// GetTask fetches a task by id.
func (s *DB) GetTask(ctx context.Context, id int64) (*models.DicomTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return task, nil
}

// UpdateTask persists the mutable task fields.
func (s *DB) UpdateTask(ctx context.Context, task *models.DicomTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, retries = ?, message = ?, log = ?, started_at = ?, ended_at = ?
		WHERE id = ?`,
		string(task.Status), task.Retries, task.Message, task.Log,
		task.StartedAt, task.EndedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}
	return nil
}

func (s *DB) queryTasks(ctx context.Context, where string, args ...any) ([]*models.DicomTask, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.DicomTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// TasksByJob returns all tasks of a job.
func (s *DB) TasksByJob(ctx context.Context, jobID int64) ([]*models.DicomTask, error) {
	return s.queryTasks(ctx, "job_id = ?", jobID)
}

// TasksByStatus returns all tasks in the given status.
func (s *DB) TasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.DicomTask, error) {
	return s.queryTasks(ctx, "status = ?", string(status))
}

// --- queue ---

// Enqueue creates the queue entry for a task.
func (s *DB) Enqueue(ctx context.Context, taskID int64, taskKind string, priority int, eta *time.Time) (*models.QueuedTask, error) {
	created := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (task_id, task_kind, priority, eta, locked, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		taskID, taskKind, priority, eta, created)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task %d: %w", taskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.QueuedTask{
		ID:        id,
		TaskID:    taskID,
		TaskKind:  taskKind,
		Priority:  priority,
		ETA:       eta,
		CreatedAt: created,
	}, nil
}

const queueColumns = "id, task_id, task_kind, priority, eta, locked, locked_at, created_at"

func scanQueued(row interface{ Scan(...any) error }) (*models.QueuedTask, error) {
	var q models.QueuedTask
	err := row.Scan(&q.ID, &q.TaskID, &q.TaskKind, &q.Priority, &q.ETA, &q.Locked, &q.LockedAt, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// FetchNext claims the next eligible entry with a compare-and-set update, so
// exactly one of any number of concurrent claim attempts succeeds.
func (s *DB) FetchNext(ctx context.Context, now time.Time) (*models.QueuedTask, error) {
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+queueColumns+` FROM queue
			WHERE locked = 0 AND (eta IS NULL OR eta <= ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, now)
		q, err := scanQueued(row)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch next queue entry: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			"UPDATE queue SET locked = 1, locked_at = ? WHERE id = ? AND locked = 0",
			now, q.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim queue entry %d: %w", q.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			q.Locked = true
			lockedAt := now
			q.LockedAt = &lockedAt
			return q, nil
		}
		// Lost the race; try the next candidate.
	}
}

// Unlock releases a claim and re-schedules the entry.
func (s *DB) Unlock(ctx context.Context, id int64, eta *time.Time, priority int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE queue SET locked = 0, locked_at = NULL, eta = ?, priority = ? WHERE id = ?",
		eta, priority, id)
	if err != nil {
		return fmt.Errorf("failed to unlock queue entry %d: %w", id, err)
	}
	return nil
}

// Delete removes a queue entry.
func (s *DB) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry %d: %w", id, err)
	}
	return nil
}

// GetByTask returns the queue entry referencing taskID.
func (s *DB) GetByTask(ctx context.Context, taskID int64) (*models.QueuedTask, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+queueColumns+" FROM queue WHERE task_id = ?", taskID)
	q, err := scanQueued(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get queue entry for task %d: %w", taskID, err)
	}
	return q, nil
}

// UnlockStale releases claims whose lock is older than lease.
func (s *DB) UnlockStale(ctx context.Context, now time.Time, lease time.Duration) (int, error) {
	cutoff := now.Add(-lease)
	res, err := s.db.ExecContext(ctx,
		"UPDATE queue SET locked = 0, locked_at = NULL WHERE locked = 1 AND locked_at <= ?",
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock stale claims: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}
