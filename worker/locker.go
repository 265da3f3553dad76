package worker

import "context"

// Locker serializes the claim and job-recomputation critical sections across
// worker instances. Implementations must be safe for concurrent use; the
// critical sections are short and never span network I/O.
type Locker interface {
	// Lock blocks until the lock is held or ctx ends. The returned function
	// releases the lock.
	Lock(ctx context.Context) (func(), error)
}

// ProcessLocker is the single-process Locker, sufficient while all workers
// share one process. It is a 1-slot semaphore rather than a sync.Mutex so
// acquisition can honor context cancellation.
type ProcessLocker struct {
	slot chan struct{}
}

// NewProcessLocker builds a process-local locker.
func NewProcessLocker() *ProcessLocker {
	return &ProcessLocker{slot: make(chan struct{}, 1)}
}

func (l *ProcessLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.slot <- struct{}{}:
		return func() { <-l.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
