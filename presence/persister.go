package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codehive/roomsync/internal"
)

// Task is a handle on one asynchronous durable write. It is the write's own completion channel:
// nothing on the live path waits for it.
type Task struct {
	Name string
	done chan struct{}
	err  error
}

// Done is closed once the write has succeeded or finally failed, and after its callback ran.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the final error of the write. Only valid once Done is closed.
func (t *Task) Err() error {
	return t.err
}

// Wait blocks until the task completes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Default limits of a Persister.
const (
	DefaultBacklogPerWorker = 256
	DefaultAttemptTimeout   = 10 * time.Second
	DefaultDrainTimeout     = 30 * time.Second
)

// Persister runs durable writes off the dispatch path on a bounded worker pool. Writes run under
// the persister's own context, never the session's, so a connection closing does not cancel a
// write it issued. Failed writes are retried with exponential backoff before being reported.
//
// Submit never waits for the store. When the backlog is full the write fails at once with
// ErrPersisterBusy and goes through the same failure path as a write the store rejected.
type Persister struct {
	Gateway PersistenceGateway

	// Retries is the number of additional attempts made after a failed write.
	Retries int
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
	// AttemptTimeout bounds every single attempt.
	AttemptTimeout time.Duration
	// DrainTimeout is how long Stop lets queued writes run before cancelling them.
	DrainTimeout time.Duration

	pool    *internal.WorkerPool
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *Metrics
}

// NewPersister makes a persister with room for DefaultBacklogPerWorker queued writes per worker.
func NewPersister(gw PersistenceGateway, workers, retries int) *Persister {
	return newPersister(gw, workers, 0, retries)
}

func newPersister(gw PersistenceGateway, workers, backlog, retries int) *Persister {
	if workers < 1 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = workers * DefaultBacklogPerWorker
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		Gateway:        gw,
		Retries:        retries,
		RetryInterval:  100 * time.Millisecond,
		AttemptTimeout: DefaultAttemptTimeout,
		DrainTimeout:   DefaultDrainTimeout,
		pool:           internal.NewWorkerPoolWithBacklog(workers, backlog),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (p *Persister) Start() {
	p.pool.Start()
}

// Stop lets queued writes run for up to DrainTimeout, then cancels whatever is left and waits
// for the workers to exit. Writes cancelled this way fail with ErrPersisterStopped.
func (p *Persister) Stop() {
	if !p.pool.StopWithin(p.DrainTimeout) {
		logger.Warn().Dur("timeout", p.DrainTimeout).Msg("durable writes did not drain in time, cancelling them")
		p.cancel()
		p.pool.Wait()
	}
	p.cancel()
}

// Submit queues fn without blocking. logCtx only decorates logs and error reports; fn receives
// a context derived from the persister's, bounded by AttemptTimeout. then, if non-nil, is called
// with the final error before Done closes: on a worker, or on the caller when the write could not
// be queued at all.
func (p *Persister) Submit(logCtx context.Context, name string, fn func(ctx context.Context) error, then func(err error)) *Task {
	task := &Task{
		Name: name,
		done: make(chan struct{}),
	}
	err := p.pool.TryQueue(func() {
		p.run(logCtx, task, fn, then)
	})
	switch err {
	case nil:
	case internal.ErrPoolFull:
		p.fail(logCtx, task, 0, ErrPersisterBusy)
		p.finish(task, ErrPersisterBusy, then)
	default:
		p.finish(task, ErrPersisterStopped, then)
	}
	return task
}

func (p *Persister) run(logCtx context.Context, task *Task, fn func(ctx context.Context) error, then func(err error)) {
	if p.ctx.Err() != nil {
		// cancelled by Stop before it got a worker
		p.fail(logCtx, task, 0, ErrPersisterStopped)
		p.finish(task, ErrPersisterStopped, then)
		return
	}
	ctx, t := internal.StartTask(p.ctx, "persist."+task.Name)
	defer t.End()
	start := time.Now()

	attempt := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RetryInterval
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
		err := fn(attemptCtx)
		if err != nil && attempt <= p.Retries && ctx.Err() == nil {
			internal.DecorateLogger(logCtx, logger.Warn()).Err(err).Str("task", task.Name).Int("attempt", attempt).Msg("durable write failed, retrying")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Retries)), ctx))
	if err != nil && p.ctx.Err() != nil {
		err = fmt.Errorf("%w: %s", ErrPersisterStopped, err)
	}

	p.metrics.persisted(task.Name, time.Since(start), err)
	if err != nil {
		t.SetError(err)
		p.fail(logCtx, task, attempt, err)
	}
	p.finish(task, err, then)
}

// fail reports a write that will never happen. Live viewers keep what they saw, but the record
// will be absent from history.
func (p *Persister) fail(logCtx context.Context, task *Task, attempts int, err error) {
	if attempts == 0 {
		// never reached the store
		p.metrics.persisted(task.Name, 0, err)
	}
	if errors.Is(err, ErrPersisterBusy) {
		internal.DecorateLogger(logCtx, logger.Warn()).Err(err).Str("task", task.Name).Msg("durable write dropped")
		return
	}
	internal.DecorateLogger(logCtx, logger.Error()).Err(err).Str("task", task.Name).Int("attempts", attempts).Msg("durable write failed")
	internal.CaptureException(logCtx, err)
}

func (p *Persister) finish(task *Task, err error, then func(err error)) {
	task.err = err
	if then != nil {
		then(err)
	}
	close(task.done)
}
