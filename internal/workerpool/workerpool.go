// Package workerpool implements the bounded, dual-ended worker pool that
// backs both the Auto-Scheduler and the Function Builder: a fixed number of
// workers service a FIFO+LIFO job deque, each job runs under a wall-clock
// cap, and submitters get back an awaitable Handle.
//
// Grounded on gomlx's internal/workerspool, generalized from a bare
// semaphore-gated goroutine launcher into a deque with priority insertion,
// typed handles, and per-job timeouts, since callers here need results
// reported back, not just fire-and-forget execution.
package workerpool

import (
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrPoolShutdown is returned by Handle.Wait when a job is submitted to, or
// was still queued in, a pool that has been shut down (for a submission to a
// closed pool, PushBack/PushFront return a handle already resolved with it).
var ErrPoolShutdown = errors.New("workerpool: pool is shut down")

// ErrTimeout is returned by Handle.Wait when the job's wall-clock cap was
// exceeded before it completed.
var ErrTimeout = errors.New("workerpool: job timed out")

// DefaultTimeout is the per-job wall-clock cap used when a caller doesn't
// specify one.
const DefaultTimeout = 300 * time.Millisecond

// Handle is an awaitable reference to a submitted job's outcome.
type Handle[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newHandle[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

func (h *Handle[T]) resolve(val T, err error) {
	h.val = val
	h.err = err
	close(h.done)
}

// Wait blocks until the job completes (successfully, with an error, or by
// timing out) and returns its result.
func (h *Handle[T]) Wait() (T, error) {
	<-h.done
	return h.val, h.err
}

// Done returns a channel closed once the job has resolved, for use in a
// select alongside other signals (e.g. a task's finish flag).
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// job is the type-erased unit of work stored in the deque; it captures the
// generic result type via closures over a typed Handle.
type job struct {
	timeout time.Duration
	run     func() (any, error)
	resolve func(any, error)
}

// Pool is a fixed-size pool of workers draining a double-ended job deque.
// Submissions at the tail (PushBack) are normal priority; submissions at
// the head (PushFront) are emergency priority and are serviced next.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	deque  []*job
	closed bool
	wg     sync.WaitGroup

	defaultTimeout time.Duration
}

// New returns a running Pool with numWorkers workers (runtime.NumCPU() if
// numWorkers <= 0) and the given default per-job timeout (DefaultTimeout if
// <= 0).
func New(numWorkers int, defaultTimeout time.Duration) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	p := &Pool{defaultTimeout: defaultTimeout}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.workerLoop()
	}
	return p
}

// submit is shared by PushBack/PushFront. front controls insertion side.
func submit[T any](p *Pool, timeout time.Duration, front bool, fn func() (T, error)) *Handle[T] {
	h := newHandle[T]()
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	j := &job{
		timeout: timeout,
		run: func() (any, error) {
			v, err := fn()
			return v, err
		},
		resolve: func(v any, err error) {
			if err != nil {
				h.resolve(*new(T), err)
				return
			}
			h.resolve(v.(T), nil)
		},
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.resolve(*new(T), ErrPoolShutdown)
		return h
	}
	if front {
		p.deque = append([]*job{j}, p.deque...)
	} else {
		p.deque = append(p.deque, j)
	}
	p.cond.Signal()
	p.mu.Unlock()
	return h
}

// PushBack enqueues fn at the tail of the deque (normal priority) and
// returns a handle for its eventual result.
func PushBack[T any](p *Pool, timeout time.Duration, fn func() (T, error)) *Handle[T] {
	return submit(p, timeout, false, fn)
}

// PushFront enqueues fn at the head of the deque (emergency priority) and
// returns a handle for its eventual result.
func PushFront[T any](p *Pool, timeout time.Duration, fn func() (T, error)) *Handle[T] {
	return submit(p, timeout, true, fn)
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.deque) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.deque) == 0 {
			// closed, and drained.
			p.mu.Unlock()
			return
		}
		j := p.deque[0]
		p.deque = p.deque[1:]
		p.mu.Unlock()

		runJobWithTimeout(j)
	}
}

// runJobWithTimeout isolates j.run on its own goroutine so that a job which
// overruns its wall-clock cap doesn't block the worker forever -- the
// worker abandons it and moves on; the orphaned goroutine is left to
// finish (or never does). Raw cancellation of the job function itself is
// not attempted.
func runJobWithTimeout(j *job) {
	done := make(chan struct{})
	var val any
	var err error
	go func() {
		defer close(done)
		val, err = j.run()
	}()

	select {
	case <-done:
		j.resolve(val, err)
	case <-time.After(j.timeout):
		klog.V(2).Infof("workerpool: job exceeded %s timeout, abandoning", j.timeout)
		j.resolve(nil, ErrTimeout)
	}
}

// Shutdown signals all workers to stop after draining no further jobs,
// resolves every job still queued with ErrPoolShutdown (so no handle is
// ever left unresolved), and joins the worker goroutines.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.deque
	p.deque = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, j := range pending {
		j.resolve(nil, ErrPoolShutdown)
	}
	p.wg.Wait()
}

// QueueLen reports the number of jobs currently queued (not counting jobs
// actively running on a worker). Intended for diagnostics/tests.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deque)
}
