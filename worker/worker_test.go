package worker

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomtransfer/config"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/executor"
	"github.com/caio-sobreiro/dicomtransfer/models"
	"github.com/caio-sobreiro/dicomtransfer/store"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	kind string
	fn   func(ctx context.Context, task *models.DicomTask) (*executor.Result, error)
}

func (f *fakeExecutor) Kind() string { return f.kind }

func (f *fakeExecutor) Execute(ctx context.Context, task *models.DicomTask) (*executor.Result, error) {
	return f.fn(ctx, task)
}

type recordingNotifier struct {
	jobs []*models.DicomJob
}

func (n *recordingNotifier) NotifyJobFinished(_ context.Context, job *models.DicomJob) {
	n.jobs = append(n.jobs, job)
}

type fixture struct {
	db       *store.DB
	worker   *Worker
	notifier *recordingNotifier
}

func newFixture(t *testing.T, settings config.Settings, fn func(ctx context.Context, task *models.DicomTask) (*executor.Result, error)) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notifier := &recordingNotifier{}
	w := New(db, settings, NewProcessLocker(),
		WithNotifier(notifier),
		WithClock(func() time.Time { return fixedNow }))
	w.Register(&fakeExecutor{kind: models.TaskKindTransfer, fn: fn})

	return &fixture{db: db, worker: w, notifier: notifier}
}

func testSettings() config.Settings {
	s := config.Default()
	s.MaxRetries = 2
	return s
}

// seed creates one pending job, task and queue entry.
func (f *fixture) seed(t *testing.T, mutate func(job *models.DicomJob, task *models.DicomTask)) (*models.DicomJob, *models.DicomTask, *models.QueuedTask) {
	t.Helper()
	ctx := context.Background()

	job := &models.DicomJob{Status: models.JobPending, Owner: "alice"}
	task := &models.DicomTask{
		Status:     models.TaskPending,
		SourceNode: "pacs",
		DestNode:   "archive",
		PatientID:  "PAT001",
		StudyUID:   "1.2.3.4",
	}
	if mutate != nil {
		mutate(job, task)
	}
	require.NoError(t, f.db.CreateJob(ctx, job))
	task.JobID = job.ID
	require.NoError(t, f.db.CreateTask(ctx, task))

	_, err := f.db.Enqueue(ctx, task.ID, models.TaskKindTransfer, 0, nil)
	require.NoError(t, err)
	entry, err := f.db.FetchNext(ctx, fixedNow)
	require.NoError(t, err)
	require.NotNil(t, entry)
	return job, task, entry
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t, testSettings(), func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return &executor.Result{Status: models.TaskSuccess, Message: "Study transferred."}, nil
	})
	job, task, entry := f.seed(t, nil)
	ctx := context.Background()

	f.worker.process(ctx, entry)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, got.Status)
	assert.Equal(t, "Study transferred.", got.Message)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)

	_, err = f.db.GetByTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	gotJob, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, gotJob.Status)
	assert.Equal(t, models.MsgAllTasksSucceeded, gotJob.Message)
	require.NotNil(t, gotJob.EndedAt)
	require.Len(t, f.notifier.jobs, 1)
	assert.Equal(t, job.ID, f.notifier.jobs[0].ID)
}

func TestProcessRetriableRequeued(t *testing.T) {
	settings := testSettings()
	f := newFixture(t, settings, func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return nil, errors.NewRetriableError(errors.RetryTransient, "connection refused", nil)
	})
	job, task, entry := f.seed(t, nil)
	ctx := context.Background()

	f.worker.process(ctx, entry)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.Message, "connection refused")

	requeued, err := f.db.GetByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, requeued.Locked)
	assert.Equal(t, 1, requeued.Priority)
	require.NotNil(t, requeued.ETA)
	assert.True(t, requeued.ETA.Equal(fixedNow.Add(settings.RetryDelay)),
		"eta = %v, want %v", requeued.ETA, fixedNow.Add(settings.RetryDelay))

	// Still in progress from the job's point of view.
	gotJob, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobInProgress, gotJob.Status)
	assert.Empty(t, f.notifier.jobs)
}

func TestProcessResourceExhaustedUsesLongDelay(t *testing.T) {
	settings := testSettings()
	f := newFixture(t, settings, func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return nil, errors.NewRetriableError(errors.RetryResourceExhausted, "destination disk is full", nil)
	})
	_, task, entry := f.seed(t, nil)
	ctx := context.Background()

	f.worker.process(ctx, entry)

	requeued, err := f.db.GetByTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, requeued.ETA)
	assert.True(t, requeued.ETA.Equal(fixedNow.Add(settings.ResourceRetryDelay)),
		"eta = %v, want %v", requeued.ETA, fixedNow.Add(settings.ResourceRetryDelay))
}

func TestProcessPriorityBumpCapped(t *testing.T) {
	settings := testSettings()
	settings.MaxPriority = 1
	f := newFixture(t, settings, func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return nil, errors.NewRetriableError(errors.RetryTransient, "timeout", nil)
	})
	_, task, entry := f.seed(t, nil)
	ctx := context.Background()

	f.worker.process(ctx, entry)
	requeued, err := f.db.GetByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Priority)

	// A second failure must not push the priority past the cap.
	require.NoError(t, f.db.Unlock(ctx, requeued.ID, nil, requeued.Priority))
	entry, err = f.db.FetchNext(ctx, fixedNow)
	require.NoError(t, err)
	require.NotNil(t, entry)
	f.worker.process(ctx, entry)

	requeued, err = f.db.GetByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Priority)
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	settings := testSettings()
	f := newFixture(t, settings, func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return nil, errors.NewRetriableError(errors.RetryTransient, "timeout", nil)
	})
	job, task, entry := f.seed(t, func(_ *models.DicomJob, task *models.DicomTask) {
		task.Retries = settings.MaxRetries
	})
	ctx := context.Background()

	f.worker.process(ctx, entry)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, got.Status)
	assert.Equal(t, "Transfer failed after 2 retries.", got.Message)

	_, err = f.db.GetByTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	gotJob, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailure, gotJob.Status)
	assert.Equal(t, models.MsgAllTasksFailed, gotJob.Message)
}

func TestProcessValidationErrorIsTerminal(t *testing.T) {
	f := newFixture(t, testSettings(), func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return nil, errors.NewValidationError("query matched 2 patients, expected exactly one")
	})
	_, task, entry := f.seed(t, nil)
	ctx := context.Background()

	f.worker.process(ctx, entry)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, got.Status)
	assert.Contains(t, got.Message, "matched 2 patients")
	assert.Zero(t, got.Retries)
}

func TestProcessPermanentError(t *testing.T) {
	f := newFixture(t, testSettings(), func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return nil, stderrors.New("decoder blew up")
	})
	_, task, entry := f.seed(t, nil)
	ctx := context.Background()

	f.worker.process(ctx, entry)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, got.Status)
	assert.Equal(t, "Transfer failed.", got.Message)
	assert.Contains(t, got.Log, "decoder blew up")
}

func TestProcessCanceledAtPickup(t *testing.T) {
	executed := false
	f := newFixture(t, testSettings(), func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		executed = true
		return &executor.Result{Status: models.TaskSuccess}, nil
	})
	job, task, entry := f.seed(t, func(job *models.DicomJob, _ *models.DicomTask) {
		job.Status = models.JobCanceling
	})
	ctx := context.Background()

	f.worker.process(ctx, entry)

	assert.False(t, executed, "canceled task must not run")

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCanceled, got.Status)
	assert.Equal(t, "Canceled by user.", got.Message)

	gotJob, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, gotJob.Status)
	require.Len(t, f.notifier.jobs, 1)
}

func TestCancelingJobNeverEndsSuccessful(t *testing.T) {
	// A job canceled by the user after one task already succeeded must end
	// up CANCELED, not SUCCESS, once the remaining task drains.
	f := newFixture(t, testSettings(), func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return &executor.Result{Status: models.TaskSuccess}, nil
	})
	ctx := context.Background()

	job := &models.DicomJob{Status: models.JobCanceling, Owner: "alice"}
	require.NoError(t, f.db.CreateJob(ctx, job))

	done := &models.DicomTask{
		JobID:      job.ID,
		Status:     models.TaskSuccess,
		SourceNode: "pacs",
		PatientID:  "PAT001",
		StudyUID:   "1.2.3.4",
	}
	require.NoError(t, f.db.CreateTask(ctx, done))

	pending := &models.DicomTask{
		JobID:      job.ID,
		Status:     models.TaskPending,
		SourceNode: "pacs",
		PatientID:  "PAT001",
		StudyUID:   "1.2.3.5",
	}
	require.NoError(t, f.db.CreateTask(ctx, pending))
	_, err := f.db.Enqueue(ctx, pending.ID, models.TaskKindTransfer, 0, nil)
	require.NoError(t, err)

	entry, err := f.db.FetchNext(ctx, fixedNow)
	require.NoError(t, err)
	require.NotNil(t, entry)
	f.worker.process(ctx, entry)

	gotTask, err := f.db.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCanceled, gotTask.Status)

	gotJob, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, gotJob.Status)
	assert.Equal(t, models.MsgJobCanceled, gotJob.Message)
	require.NotNil(t, gotJob.EndedAt)
	require.Len(t, f.notifier.jobs, 1)
}

func TestProcessDeferredOutsideTimeSlot(t *testing.T) {
	settings := testSettings()
	settings.SlotBegin = config.TimeOfDay{Hour: 22}
	settings.SlotEnd = config.TimeOfDay{Hour: 6}

	executed := false
	f := newFixture(t, settings, func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		executed = true
		return &executor.Result{Status: models.TaskSuccess}, nil
	})
	_, task, entry := f.seed(t, nil)
	ctx := context.Background()

	// fixedNow is noon, outside the 22:00-06:00 window.
	f.worker.process(ctx, entry)

	assert.False(t, executed)
	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)

	deferred, err := f.db.GetByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, deferred.Locked)
	require.NotNil(t, deferred.ETA)
	windowStart := time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)
	assert.True(t, deferred.ETA.Equal(windowStart), "eta = %v, want %v", deferred.ETA, windowStart)
}

func TestProcessUrgentSkipsTimeSlot(t *testing.T) {
	settings := testSettings()
	settings.SlotBegin = config.TimeOfDay{Hour: 22}
	settings.SlotEnd = config.TimeOfDay{Hour: 6}

	f := newFixture(t, settings, func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return &executor.Result{Status: models.TaskSuccess}, nil
	})
	_, task, entry := f.seed(t, func(job *models.DicomJob, _ *models.DicomTask) {
		job.Urgent = true
	})
	ctx := context.Background()

	f.worker.process(ctx, entry)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, got.Status)
}

func TestProcessUnknownTaskKind(t *testing.T) {
	f := newFixture(t, testSettings(), func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return &executor.Result{Status: models.TaskSuccess}, nil
	})
	_, task, entry := f.seed(t, nil)
	ctx := context.Background()

	// A kind nothing is registered for.
	entry.TaskKind = "reindex"

	f.worker.process(ctx, entry)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailure, got.Status)
	assert.Contains(t, got.Message, "reindex")
}

func TestJobAggregationAcrossTasks(t *testing.T) {
	// One job, three tasks: success, failure, success. The job must end up
	// failed with the partial-failure message.
	fail := map[int64]bool{}
	f := newFixture(t, testSettings(), func(_ context.Context, task *models.DicomTask) (*executor.Result, error) {
		if fail[task.ID] {
			return nil, stderrors.New("unreachable")
		}
		return &executor.Result{Status: models.TaskSuccess}, nil
	})
	ctx := context.Background()

	job := &models.DicomJob{Status: models.JobPending, Owner: "alice"}
	require.NoError(t, f.db.CreateJob(ctx, job))

	var tasks []*models.DicomTask
	for i := 0; i < 3; i++ {
		task := &models.DicomTask{
			JobID:      job.ID,
			Status:     models.TaskPending,
			SourceNode: "pacs",
			PatientID:  "PAT001",
			StudyUID:   "1.2.3.4",
		}
		require.NoError(t, f.db.CreateTask(ctx, task))
		_, err := f.db.Enqueue(ctx, task.ID, models.TaskKindTransfer, 0, nil)
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	fail[tasks[1].ID] = true

	for i := 0; i < 3; i++ {
		entry, err := f.db.FetchNext(ctx, fixedNow)
		require.NoError(t, err)
		require.NotNil(t, entry)
		f.worker.process(ctx, entry)
	}

	gotJob, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailure, gotJob.Status)
	assert.Equal(t, models.MsgSomeTasksFailed, gotJob.Message)
	require.Len(t, f.notifier.jobs, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	settings := testSettings()
	settings.PollInterval = 10 * time.Millisecond

	f := newFixture(t, settings, func(_ context.Context, _ *models.DicomTask) (*executor.Result, error) {
		return &executor.Result{Status: models.TaskSuccess}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
