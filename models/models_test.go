package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregateJobStatus(t *testing.T) {
	tests := []struct {
		name        string
		statuses    []TaskStatus
		wantStatus  JobStatus
		wantMessage string
	}{
		{
			name:        "all succeeded",
			statuses:    []TaskStatus{TaskSuccess, TaskSuccess},
			wantStatus:  JobSuccess,
			wantMessage: MsgAllTasksSucceeded,
		},
		{
			name:        "mixed success and failure",
			statuses:    []TaskStatus{TaskSuccess, TaskFailure, TaskSuccess},
			wantStatus:  JobFailure,
			wantMessage: MsgSomeTasksFailed,
		},
		{
			name:        "all failed",
			statuses:    []TaskStatus{TaskFailure, TaskFailure},
			wantStatus:  JobFailure,
			wantMessage: MsgAllTasksFailed,
		},
		{
			name:        "warnings only",
			statuses:    []TaskStatus{TaskWarning, TaskWarning},
			wantStatus:  JobWarning,
			wantMessage: MsgAllTasksWarned,
		},
		{
			name:        "success with warnings",
			statuses:    []TaskStatus{TaskSuccess, TaskWarning},
			wantStatus:  JobWarning,
			wantMessage: MsgSomeTasksWarned,
		},
		{
			name:        "warnings with canceled siblings",
			statuses:    []TaskStatus{TaskWarning, TaskCanceled},
			wantStatus:  JobWarning,
			wantMessage: MsgSomeTasksWarned,
		},
		{
			name:        "all canceled",
			statuses:    []TaskStatus{TaskCanceled, TaskCanceled},
			wantStatus:  JobCanceled,
			wantMessage: MsgAllTasksCanceled,
		},
		{
			name:        "canceled beside success",
			statuses:    []TaskStatus{TaskSuccess, TaskCanceled},
			wantStatus:  JobSuccess,
			wantMessage: MsgAllTasksSucceeded,
		},
		{
			name:       "pending keeps job in progress",
			statuses:   []TaskStatus{TaskSuccess, TaskPending},
			wantStatus: JobInProgress,
		},
		{
			name:       "in-progress keeps job in progress",
			statuses:   []TaskStatus{TaskFailure, TaskInProgress},
			wantStatus: JobInProgress,
		},
		{
			name:       "no tasks",
			statuses:   nil,
			wantStatus: JobInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, message := AggregateJobStatus(tt.statuses)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMessage, message)
		})
	}
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, CanTransitionJob(JobPending, JobInProgress))
	assert.True(t, CanTransitionJob(JobPending, JobCanceling))
	assert.True(t, CanTransitionJob(JobInProgress, JobFailure))
	assert.True(t, CanTransitionJob(JobCanceling, JobCanceled))
	assert.True(t, CanTransitionJob(JobFailure, JobPending))

	assert.False(t, CanTransitionJob(JobSuccess, JobPending))
	assert.False(t, CanTransitionJob(JobWarning, JobInProgress))
	assert.False(t, CanTransitionJob(JobPending, JobSuccess))
	assert.False(t, CanTransitionJob(JobCanceled, JobCanceling))
}

func TestTaskTransitions(t *testing.T) {
	assert.True(t, CanTransitionTask(TaskPending, TaskInProgress))
	assert.True(t, CanTransitionTask(TaskPending, TaskCanceled))
	assert.True(t, CanTransitionTask(TaskInProgress, TaskPending), "requeue after retriable failure")
	assert.True(t, CanTransitionTask(TaskFailure, TaskPending), "manual retry")

	assert.False(t, CanTransitionTask(TaskSuccess, TaskPending))
	assert.False(t, CanTransitionTask(TaskWarning, TaskPending))
	assert.False(t, CanTransitionTask(TaskPending, TaskSuccess))
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TaskStatus{TaskSuccess, TaskWarning, TaskFailure, TaskCanceled} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []TaskStatus{TaskPending, TaskInProgress} {
		assert.False(t, s.IsTerminal(), string(s))
	}

	for _, s := range []JobStatus{JobSuccess, JobWarning, JobFailure, JobCanceled} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []JobStatus{JobUnverified, JobPending, JobInProgress, JobCanceling} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestQueuedTaskEligible(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	assert.True(t, (&QueuedTask{}).Eligible(now))
	assert.True(t, (&QueuedTask{ETA: &earlier}).Eligible(now))
	assert.False(t, (&QueuedTask{ETA: &later}).Eligible(now))
	assert.False(t, (&QueuedTask{Locked: true}).Eligible(now))
}

func TestServerNodeAddr(t *testing.T) {
	assert.Equal(t, "pacs.example.org:11112", (&ServerNode{Host: "pacs.example.org", Port: 11112}).Addr())
	assert.Equal(t, "pacs.example.org", (&ServerNode{Host: "pacs.example.org"}).Addr())
}
