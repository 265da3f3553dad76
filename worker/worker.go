// Package worker runs the fetch-execute loop over the durable task queue.
// Claiming and job recomputation happen under a global lock; execution does
// not. The worker is the only component that mutates persisted task and job
// statuses, and the only one that decides retry versus terminal failure.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/caio-sobreiro/dicomtransfer/config"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/executor"
	"github.com/caio-sobreiro/dicomtransfer/models"
	"github.com/caio-sobreiro/dicomtransfer/store"
)

// TaskExecutor runs tasks of one kind. *executor.Executor satisfies it.
type TaskExecutor interface {
	Kind() string
	Execute(ctx context.Context, task *models.DicomTask) (*executor.Result, error)
}

// Notifier is told when a job reaches a terminal status.
type Notifier interface {
	NotifyJobFinished(ctx context.Context, job *models.DicomJob)
}

type nopNotifier struct{}

func (nopNotifier) NotifyJobFinished(context.Context, *models.DicomJob) {}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithNotifier sets the job-finished collaborator.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) {
		w.notifier = n
	}
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// Worker polls the queue, claims eligible entries under the global lock and
// executes them on a bounded pool.
type Worker struct {
	repos     store.Repositories
	settings  config.Settings
	locker    Locker
	sched     *Scheduler
	executors map[string]TaskExecutor
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a worker. Executors must be registered before Run.
func New(repos store.Repositories, settings config.Settings, locker Locker, opts ...Option) *Worker {
	w := &Worker{
		repos:     repos,
		settings:  settings,
		locker:    locker,
		sched:     NewScheduler(settings.SlotBegin, settings.SlotEnd),
		executors: make(map[string]TaskExecutor),
		notifier:  nopNotifier{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register adds an executor for its task kind.
func (w *Worker) Register(ex TaskExecutor) {
	w.executors[ex.Kind()] = ex
}

// Run polls until ctx ends. Claims happen one at a time; execution fans out
// up to the configured worker count.
func (w *Worker) Run(ctx context.Context) error {
	pool := semaphore.NewWeighted(int64(w.settings.WorkerCount))

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", w.settings.ClaimLease/2), func() {
		w.sweepStale(ctx)
	}); err != nil {
		return fmt.Errorf("schedule lease sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	w.logger.Info("worker running",
		"pool", w.settings.WorkerCount,
		"poll_interval", w.settings.PollInterval)

	for {
		// Suspension defers every pickup without touching any queue row.
		delay := w.settings.PollInterval
		if w.settings.Suspended {
			delay = w.settings.SuspendDelay
		}

		select {
		case <-ctx.Done():
			// Let in-flight tasks finish their current operation.
			_ = pool.Acquire(context.Background(), int64(w.settings.WorkerCount))
			return ctx.Err()
		case <-time.After(delay):
		}
		if w.settings.Suspended {
			continue
		}

		for pool.TryAcquire(1) {
			entry, err := w.claim(ctx)
			if err != nil || entry == nil {
				pool.Release(1)
				if err != nil && ctx.Err() == nil {
					w.logger.Error("claim failed", "error", err)
				}
				break
			}

			go func(entry *models.QueuedTask) {
				defer pool.Release(1)
				w.process(ctx, entry)
			}(entry)
		}
	}
}

// claim takes the global lock and fetches the next eligible entry.
func (w *Worker) claim(ctx context.Context) (*models.QueuedTask, error) {
	unlock, err := w.locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return w.repos.FetchNext(ctx, w.now())
}

// process drives one claimed entry to its next state.
func (w *Worker) process(ctx context.Context, entry *models.QueuedTask) {
	logger := w.logger.With("task", entry.TaskID, "queue_entry", entry.ID)

	task, err := w.repos.GetTask(ctx, entry.TaskID)
	if err != nil {
		logger.Error("claimed entry references no task, deleting", "error", err)
		_ = w.repos.Delete(ctx, entry.ID)
		return
	}
	job, err := w.repos.GetJob(ctx, task.JobID)
	if err != nil {
		logger.Error("task references no job", "error", err)
		w.finishTask(ctx, entry, task, models.TaskFailure, "Job record is missing.", err.Error())
		return
	}

	// Cooperative cancellation: a canceling job flips still-pending tasks
	// straight to canceled at pickup.
	if job.Status == models.JobCanceling && task.Status == models.TaskPending {
		logger.Info("task canceled at pickup")
		w.finishTask(ctx, entry, task, models.TaskCanceled, "Canceled by user.", "")
		return
	}

	// Outside the time slot, non-urgent work waits for the window start.
	now := w.now()
	if !job.Urgent && w.sched.MustBeScheduled(now) {
		eta := w.sched.NextWindowStart(now)
		logger.Info("deferring task to time slot", "eta", eta)
		if err := w.repos.Unlock(ctx, entry.ID, &eta, entry.Priority); err != nil {
			logger.Error("failed to defer task", "error", err)
		}
		return
	}

	ex, ok := w.executors[entry.TaskKind]
	if !ok {
		w.finishTask(ctx, entry, task, models.TaskFailure,
			fmt.Sprintf("No executor for task kind %q.", entry.TaskKind), "")
		return
	}

	w.markStarted(ctx, task, job)
	logger.Info("executing task", "kind", entry.TaskKind, "retries", task.Retries)

	result, execErr := ex.Execute(ctx, task)
	switch {
	case execErr == nil:
		w.finishTask(ctx, entry, task, result.Status, result.Message, result.Log)

	default:
		if re, ok := errors.AsRetriable(execErr); ok && task.Retries < w.settings.MaxRetries {
			w.requeue(ctx, entry, task, re)
			return
		}
		message := "Transfer failed."
		if task.Retries >= w.settings.MaxRetries {
			if _, ok := errors.AsRetriable(execErr); ok {
				message = fmt.Sprintf("Transfer failed after %d retries.", task.Retries)
			}
		}
		if errors.IsValidation(execErr) {
			message = execErr.Error()
		}
		w.finishTask(ctx, entry, task, models.TaskFailure, message, execErr.Error())
	}
}

// markStarted moves the task, and the job on its first task, to in-progress.
func (w *Worker) markStarted(ctx context.Context, task *models.DicomTask, job *models.DicomJob) {
	now := w.now()
	task.Status = models.TaskInProgress
	task.StartedAt = &now
	if err := w.repos.UpdateTask(ctx, task); err != nil {
		w.logger.Error("failed to mark task in progress", "task", task.ID, "error", err)
	}

	if job.Status == models.JobPending {
		job.Status = models.JobInProgress
		job.StartedAt = &now
		if err := w.repos.UpdateJob(ctx, job); err != nil {
			w.logger.Error("failed to mark job in progress", "job", job.ID, "error", err)
		}
	}
}

// requeue applies the retry policy: unlock the entry with a kind-dependent
// delay and a capped priority bump, and return the task to pending without
// a terminal status.
func (w *Worker) requeue(ctx context.Context, entry *models.QueuedTask, task *models.DicomTask, re *errors.RetriableError) {
	delay := re.Delay
	if delay == 0 {
		switch re.Kind {
		case errors.RetryResourceExhausted:
			delay = w.settings.ResourceRetryDelay
		default:
			delay = w.settings.RetryDelay
		}
	}
	eta := w.now().Add(delay)

	priority := entry.Priority + 1
	if priority > w.settings.MaxPriority {
		priority = w.settings.MaxPriority
	}

	task.Status = models.TaskPending
	task.Retries++
	task.Message = re.Error()
	if err := w.repos.UpdateTask(ctx, task); err != nil {
		w.logger.Error("failed to return task to pending", "task", task.ID, "error", err)
	}
	if err := w.repos.Unlock(ctx, entry.ID, &eta, priority); err != nil {
		w.logger.Error("failed to requeue entry", "entry", entry.ID, "error", err)
	}

	w.logger.Info("task requeued",
		"task", task.ID, "kind", re.Kind.String(), "eta", eta,
		"priority", priority, "retries", task.Retries)
}

// finishTask sets a terminal task status, removes the queue entry and
// recomputes the owning job.
func (w *Worker) finishTask(ctx context.Context, entry *models.QueuedTask, task *models.DicomTask, status models.TaskStatus, message, log string) {
	now := w.now()
	task.Status = status
	task.Message = message
	if log != "" {
		if task.Log != "" {
			task.Log += "\n"
		}
		task.Log += log
	}
	task.EndedAt = &now

	if err := w.repos.UpdateTask(ctx, task); err != nil {
		w.logger.Error("failed to finish task", "task", task.ID, "error", err)
	}
	if err := w.repos.Delete(ctx, entry.ID); err != nil {
		w.logger.Error("failed to delete queue entry", "entry", entry.ID, "error", err)
	}

	w.recomputeJob(ctx, task.JobID)
	w.logger.Info("task finished", "task", task.ID, "status", string(status), "message", message)
}

// recomputeJob derives the job status from the multiset of its tasks'
// statuses, under the global lock so concurrent completions of the same job
// serialize.
func (w *Worker) recomputeJob(ctx context.Context, jobID int64) {
	unlock, err := w.locker.Lock(ctx)
	if err != nil {
		w.logger.Error("failed to take lock for job recomputation", "job", jobID, "error", err)
		return
	}
	defer unlock()

	job, err := w.repos.GetJob(ctx, jobID)
	if err != nil {
		w.logger.Error("failed to load job for recomputation", "job", jobID, "error", err)
		return
	}
	tasks, err := w.repos.TasksByJob(ctx, jobID)
	if err != nil {
		w.logger.Error("failed to load tasks for recomputation", "job", jobID, "error", err)
		return
	}

	statuses := make([]models.TaskStatus, len(tasks))
	for i, t := range tasks {
		statuses[i] = t.Status
	}

	status, message := models.AggregateJobStatus(statuses)

	// Cancellation wins: a CANCELING job can only end up CANCELED, no matter
	// what its already-running tasks reported. Non-terminal aggregates leave
	// it in CANCELING until the remaining tasks drain.
	if job.Status == models.JobCanceling {
		if !status.IsTerminal() {
			return
		}
		status, message = models.JobCanceled, models.MsgJobCanceled
	}

	if status == job.Status {
		return
	}
	if status == models.JobCanceled && job.Status != models.JobCanceling {
		// All tasks canceled individually; the job still follows its own
		// state machine.
		return
	}
	if !models.CanTransitionJob(job.Status, status) {
		w.logger.Warn("job recomputation produced an illegal transition",
			"job", jobID, "from", string(job.Status), "to", string(status))
		return
	}

	job.Status = status
	job.Message = message
	if status.IsTerminal() {
		now := w.now()
		job.EndedAt = &now
	}
	if err := w.repos.UpdateJob(ctx, job); err != nil {
		w.logger.Error("failed to update job", "job", jobID, "error", err)
		return
	}

	w.logger.Info("job recomputed", "job", jobID, "status", string(status), "message", message)
	if status.IsTerminal() {
		w.notifier.NotifyJobFinished(ctx, job)
	}
}

// sweepStale releases claims held longer than the lease, recovering from
// workers that died mid-task.
func (w *Worker) sweepStale(ctx context.Context) {
	released, err := w.repos.UnlockStale(ctx, w.now(), w.settings.ClaimLease)
	if err != nil {
		w.logger.Error("lease sweep failed", "error", err)
		return
	}
	if released > 0 {
		w.logger.Warn("released stale claims", "count", released)
	}
}
