// Package models defines the persistent rows the transfer engine works on:
// nodes, jobs, tasks and queue entries. The repositories in package store
// persist them; nothing here assumes a storage engine.
package models

import (
	"net"
	"strconv"
	"time"
)

// NodeKind discriminates the DicomNode variant.
type NodeKind string

const (
	NodeKindServer NodeKind = "server"
	NodeKindFolder NodeKind = "folder"
)

// DicomNode is a named transfer endpoint. Exactly one of Server or Folder is
// set, according to Kind. Name is the immutable identity, unique across both
// variants.
type DicomNode struct {
	Name   string
	Kind   NodeKind
	Server *ServerNode
	Folder *FolderNode
}

// ServerNode describes a DICOM archive reachable over the network.
type ServerNode struct {
	Host    string
	Port    int
	AETitle string

	// DIMSE capability flags, per SOP class.
	PatientRootFind bool
	PatientRootGet  bool
	PatientRootMove bool
	StudyRootFind   bool
	StudyRootGet    bool
	StudyRootMove   bool
	Store           bool

	// DICOMweb. RESTRoot empty means no DICOMweb endpoint.
	RESTRoot string
	QIDO     bool
	WADO     bool
	STOW     bool
}

// Addr returns the host:port dial address of the server.
func (s *ServerNode) Addr() string {
	if s.Port == 0 {
		return s.Host
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// FolderNode describes a filesystem archive destination.
type FolderNode struct {
	Path string
	// Quota limits the folder size in bytes; zero means unlimited.
	Quota int64
	// ArchivePassword, when set, makes uploads go into a password-protected
	// encrypted archive instead of plain files.
	ArchivePassword string
}

// JobStatus is the lifecycle state of a DicomJob.
type JobStatus string

const (
	JobUnverified JobStatus = "UV"
	JobPending    JobStatus = "PE"
	JobInProgress JobStatus = "IP"
	JobCanceling  JobStatus = "CI"
	JobCanceled   JobStatus = "CA"
	JobSuccess    JobStatus = "SU"
	JobWarning    JobStatus = "WA"
	JobFailure    JobStatus = "FA"
)

// TaskStatus is the lifecycle state of a DicomTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PE"
	TaskInProgress TaskStatus = "IP"
	TaskCanceled   TaskStatus = "CA"
	TaskSuccess    TaskStatus = "SU"
	TaskWarning    TaskStatus = "WA"
	TaskFailure    TaskStatus = "FA"
)

// IsTerminal reports whether no further transition can happen.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskWarning, TaskFailure, TaskCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSuccess, JobWarning, JobFailure, JobCanceled:
		return true
	}
	return false
}

// jobTransitions enumerates the legal job state machine edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobUnverified: {JobPending},
	JobPending:    {JobInProgress, JobCanceling},
	JobInProgress: {JobCanceling, JobSuccess, JobWarning, JobFailure},
	JobCanceling:  {JobCanceled},
	// Restart creates a fresh pending copy; retry/resume reuse the row.
	JobCanceled: {JobPending, JobInProgress},
	JobFailure:  {JobPending, JobInProgress},
	JobSuccess:  {},
	JobWarning:  {},
}

// taskTransitions enumerates the legal task state machine edges.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskCanceled},
	TaskInProgress: {TaskPending, TaskSuccess, TaskWarning, TaskFailure, TaskCanceled},
	TaskSuccess:    {},
	TaskWarning:    {},
	TaskFailure:    {TaskPending},
	TaskCanceled:   {TaskPending},
}

// CanTransitionJob reports whether the job state machine allows from → to.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether the task state machine allows from → to.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DicomJob is one user-initiated transfer request owning 1..N tasks.
type DicomJob struct {
	ID        int64
	Status    JobStatus
	Urgent    bool
	Owner     string
	Message   string
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// TaskKindTransfer is the task kind executed by the transfer executor.
// Queue entries carry the kind so the worker can resolve the executor through
// an explicit registry instead of dynamic dispatch.
const TaskKindTransfer = "transfer"

// DicomTask is one unit of work belonging to a job: one study, or an explicit
// series subset of it.
type DicomTask struct {
	ID      int64
	JobID   int64
	Kind    string
	Status  TaskStatus
	Retries int
	Message string
	Log     string

	SourceNode string
	DestNode   string

	PatientID  string
	StudyUID   string
	SeriesUIDs []string
	Pseudonym  string

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// QueuedTask is a durable priority-queue entry referencing exactly one task.
// At most one entry exists per pending task.
type QueuedTask struct {
	ID       int64
	TaskID   int64
	TaskKind string
	Priority int
	// ETA defers eligibility; nil means eligible now.
	ETA       *time.Time
	Locked    bool
	LockedAt  *time.Time
	CreatedAt time.Time
}

// Eligible reports whether the entry may be claimed at now.
func (q *QueuedTask) Eligible(now time.Time) bool {
	if q.Locked {
		return false
	}
	return q.ETA == nil || !q.ETA.After(now)
}

// Job aggregation messages.
const (
	MsgAllTasksSucceeded = "All tasks succeeded."
	MsgSomeTasksFailed   = "Some tasks failed."
	MsgAllTasksFailed    = "All tasks failed."
	MsgSomeTasksWarned   = "Some tasks have warnings."
	MsgAllTasksWarned    = "All tasks have warnings."
	MsgAllTasksCanceled  = "All tasks canceled."
	MsgJobCanceled       = "Job canceled."
)

// AggregateJobStatus derives a job's status and message as a pure function of
// the multiset of its tasks' statuses. It must only be called while holding
// the global claim lock so concurrent completions of the same job serialize.
func AggregateJobStatus(statuses []TaskStatus) (JobStatus, string) {
	var pending, inProgress, success, warning, failure, canceled int
	for _, s := range statuses {
		switch s {
		case TaskPending:
			pending++
		case TaskInProgress:
			inProgress++
		case TaskSuccess:
			success++
		case TaskWarning:
			warning++
		case TaskFailure:
			failure++
		case TaskCanceled:
			canceled++
		}
	}

	if inProgress > 0 || pending > 0 {
		return JobInProgress, ""
	}

	switch {
	case failure > 0 && success == 0 && warning == 0:
		return JobFailure, MsgAllTasksFailed
	case failure > 0:
		return JobFailure, MsgSomeTasksFailed
	case warning > 0 && success == 0:
		if canceled > 0 {
			return JobWarning, MsgSomeTasksWarned
		}
		return JobWarning, MsgAllTasksWarned
	case warning > 0:
		return JobWarning, MsgSomeTasksWarned
	case success > 0:
		return JobSuccess, MsgAllTasksSucceeded
	case canceled > 0:
		return JobCanceled, MsgAllTasksCanceled
	default:
		return JobInProgress, ""
	}
}
