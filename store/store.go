// Package store defines the persistence boundary of the transfer engine and
// provides an embedded SQLite implementation. The engine only ever talks to
// the repository interfaces; nothing outside this package assumes SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/caio-sobreiro/dicomtransfer/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// NodeRepository manages DicomNode rows.
type NodeRepository interface {
	CreateNode(ctx context.Context, node *models.DicomNode) error
	GetNode(ctx context.Context, name string) (*models.DicomNode, error)
	ListNodes(ctx context.Context) ([]*models.DicomNode, error)
}

// JobRepository manages DicomJob rows.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.DicomJob) error
	GetJob(ctx context.Context, id int64) (*models.DicomJob, error)
	UpdateJob(ctx context.Context, job *models.DicomJob) error
}

// TaskRepository manages DicomTask rows.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *models.DicomTask) error
	GetTask(ctx context.Context, id int64) (*models.DicomTask, error)
	UpdateTask(ctx context.Context, task *models.DicomTask) error
	TasksByJob(ctx context.Context, jobID int64) ([]*models.DicomTask, error)
	TasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.DicomTask, error)
}

// QueueRepository manages the durable priority queue. Claiming is an atomic
// compare-and-set on the row, so any number of worker instances can poll the
// same queue.
type QueueRepository interface {
	// Enqueue creates the queue entry for a task. At most one entry may exist
	// per task; a second Enqueue for the same task is an error.
	Enqueue(ctx context.Context, taskID int64, taskKind string, priority int, eta *time.Time) (*models.QueuedTask, error)

	// FetchNext claims the oldest-created, highest-priority unlocked entry
	// whose eta is null or past, marking it locked. Returns nil when nothing
	// is eligible.
	FetchNext(ctx context.Context, now time.Time) (*models.QueuedTask, error)

	// Unlock releases a claim and re-schedules the entry.
	Unlock(ctx context.Context, id int64, eta *time.Time, priority int) error

	// Delete removes the entry once its task reached a terminal status.
	Delete(ctx context.Context, id int64) error

	// GetByTask returns the entry referencing taskID, if any.
	GetByTask(ctx context.Context, taskID int64) (*models.QueuedTask, error)

	// UnlockStale releases claims older than lease and returns how many were
	// released. Recovery for workers that crashed while holding a claim.
	UnlockStale(ctx context.Context, now time.Time, lease time.Duration) (int, error)
}

// Repositories bundles all repositories backed by the same database.
type Repositories interface {
	NodeRepository
	JobRepository
	TaskRepository
	QueueRepository
}
