// Package limiter implements a bounded concurrency limiter: a semaphore
// with an FIFO wait queue and a per-wait timeout.
//
// The bounded-acquire-with-FIFO-waiters primitive is golang.org/x/sync's
// semaphore.Weighted, used here as a direct dependency. Reimplementing
// FIFO-fair, context-cancellable acquisition by hand would just be a worse
// copy of what that package gives for free; this wrapper adds
// queue-timeout-as-derived-context and an active/queued observability
// snapshot, neither of which semaphore.Weighted exposes on its own.
package limiter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/certen/verifactu-client/pkg/vferrors"
)

// Unlimited, passed as maxConcurrency, bypasses all limiting.
const Unlimited = 0

// Snapshot is the limiter's observable state, readable without blocking.
type Snapshot struct {
	Active       int64
	Queued       int64
	Max          int64
	IsAtCapacity bool
}

// Limiter is a bounded semaphore with an FIFO wait queue and per-wait
// timeout.
type Limiter struct {
	max          int64
	queueTimeout time.Duration
	unlimited    bool

	sem *semaphore.Weighted

	active int64 // accessed only via sync/atomic
	queued int64 // accessed only via sync/atomic
}

// New constructs a Limiter. maxConcurrency is sanitized to at least 1 unless
// it is Unlimited (0), in which case limiting is bypassed entirely.
// queueTimeout is the per-waiter deadline; it must be >= 0.
func New(maxConcurrency int, queueTimeout time.Duration) *Limiter {
	if queueTimeout < 0 {
		queueTimeout = 0
	}
	if maxConcurrency == Unlimited {
		return &Limiter{unlimited: true, queueTimeout: queueTimeout}
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Limiter{
		max:          int64(maxConcurrency),
		queueTimeout: queueTimeout,
		sem:          semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// Execute runs thunk, blocking until a concurrency slot is available or the
// queue timeout fires. If ctx is cancelled while waiting, the wait aborts
// with vferrors.ErrCancelled. If a slot never frees within queueTimeout, it
// aborts with vferrors.ErrQueueTimeout carrying the queue length at the
// moment of failure.
//
// thunk itself receives ctx unmodified — the queue wait's deadline and the
// thunk's own deadline (e.g. a transport request timeout) are never derived
// from one another — the two are independent deadlines.
func (l *Limiter) Execute(ctx context.Context, thunk func(context.Context) (string, error)) (string, error) {
	if l.unlimited {
		return thunk(ctx)
	}

	atomic.AddInt64(&l.queued, 1)
	waitCtx := ctx
	var cancel context.CancelFunc
	if l.queueTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, l.queueTimeout)
		defer cancel()
	}

	err := l.sem.Acquire(waitCtx, 1)
	atomic.AddInt64(&l.queued, -1)
	if err != nil {
		if ctx.Err() != nil {
			return "", vferrors.ErrCancelled
		}
		queueLen := atomic.LoadInt64(&l.queued)
		return "", queueTimeoutError(queueLen, l.queueTimeout)
	}

	atomic.AddInt64(&l.active, 1)
	defer func() {
		atomic.AddInt64(&l.active, -1)
		l.sem.Release(1)
	}()

	return thunk(ctx)
}

// queueTimeoutError builds the "queue timeout" error carrying the timeout
// value and the queue length at the moment of failure. Not
// retryable: it signals saturation, not a transient condition.
func queueTimeoutError(queueLength int64, timeout time.Duration) *vferrors.Error {
	msg := fmt.Sprintf("queue wait exceeded timeout of %s (queue length at failure: %d)", timeout, queueLength)
	return vferrors.New(vferrors.KindTimeout, vferrors.ErrQueueTimeout.Code, msg).WithRetryHint(false, 0)
}

// Snapshot returns the limiter's current {active, queued, max, isAtCapacity}
// without blocking.
func (l *Limiter) Snapshot() Snapshot {
	if l.unlimited {
		return Snapshot{}
	}
	active := atomic.LoadInt64(&l.active)
	queued := atomic.LoadInt64(&l.queued)
	return Snapshot{
		Active:       active,
		Queued:       queued,
		Max:          l.max,
		IsAtCapacity: active >= l.max,
	}
}
