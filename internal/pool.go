package internal

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolStopped = errors.New("worker pool is stopped")
	ErrPoolFull    = errors.New("worker pool backlog is full")
)

type WorkerPool struct {
	N  int
	ch chan func()

	wg        sync.WaitGroup
	startOnce sync.Once
	mu        sync.RWMutex
	stopped   bool
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// The size of N depends on the expected frequency of work and contention for
// shared resources: for durable writes this should be a fraction of the database
// connection limit rather than an arbitrary number. If more than N work is requested,
// eventually WorkerPool.Queue will block until some work is done.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	return &WorkerPool{
		N: n,
		// The amount of in-flight work is N, so allow up to N work to be queued up before
		// applying backpressure to the producer.
		ch: make(chan func(), n),
	}
}

// NewWorkerPoolWithBacklog is NewWorkerPool with room for backlog pieces of queued work. Use
// TryQueue with it when producers must never wait.
func NewWorkerPoolWithBacklog(n, backlog int) *WorkerPool {
	wp := NewWorkerPool(n)
	if backlog > n {
		wp.ch = make(chan func(), backlog)
	}
	return wp
}

// Start the workers. Calling this more than once is a no-op.
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.wg.Add(wp.N)
		for i := 0; i < wp.N; i++ {
			go wp.worker()
		}
	})
}

// Stop the worker pool and block until every piece of queued work has run. Work queued before
// Start is still run. Queue returns false after Stop.
func (wp *WorkerPool) Stop() {
	wp.close()
	wp.wg.Wait()
}

// StopWithin stops the pool like Stop but waits at most d for queued work to run. Returns false
// if work was still running when d elapsed; call Wait to keep waiting for it.
func (wp *WorkerPool) StopWithin(d time.Duration) bool {
	wp.close()
	drained := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(drained)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

// Wait blocks until every worker has exited. Only returns after Stop or StopWithin.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *WorkerPool) close() {
	wp.mu.Lock()
	if !wp.stopped {
		wp.stopped = true
		close(wp.ch)
	}
	wp.mu.Unlock()
	wp.Start()
}

// Queue some work on the pool. May or may not block until some work is processed.
// Returns false if the pool has been stopped, in which case fn will never run.
func (wp *WorkerPool) Queue(fn func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	wp.ch <- fn
	return true
}

// TryQueue is Queue without the backpressure: it returns ErrPoolFull instead of blocking when
// the backlog is full, and ErrPoolStopped after Stop.
func (wp *WorkerPool) TryQueue(fn func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.ch <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// worker impl
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for fn := range wp.ch {
		fn()
	}
}
