// Package jobqueue runs asynchronous jobs serially per key and lets callers
// block until all jobs of a key have completed.
package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/decred/slog"
)

var (
	ErrQueueFull    = errors.New("job queue is full")
	ErrQueueStopped = errors.New("job queue stopped")
)

// Job is a unit of work. Jobs with the same Key run in the order they were
// enqueued, one at a time. Jobs of different keys run concurrently.
type Job struct {
	Key  string
	Work func(ctx context.Context) error

	// Done is called with the result of Work, or with the error that
	// prevented Work from being called at all.
	Done func(error)
}

type keyQueue struct {
	jobs    *list.List[Job]
	running bool

	// drained is closed once jobs is empty and the last job completed.
	drained chan struct{}
}

// Config is the configuration for a new Queue.
type Config struct {
	// MaxPending limits the number of jobs waiting to run across all keys.
	// Zero means no limit.
	MaxPending int

	Log slog.Logger
}

// Queue is the downstream processing queue. Jobs are only executed while
// Run is running.
type Queue struct {
	cfg Config
	log slog.Logger

	mtx     sync.Mutex
	keys    map[string]*keyQueue
	pending int
	runCtx  context.Context
	stopped bool
	wg      sync.WaitGroup
}

// New creates a new queue.
func New(cfg Config) *Queue {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Queue{
		cfg:  cfg,
		log:  log,
		keys: make(map[string]*keyQueue),
	}
}

// Enqueue adds a job to the queue of its key.
func (q *Queue) Enqueue(job Job) error {
	if job.Work == nil {
		return errors.New("job without work")
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if q.cfg.MaxPending > 0 && q.pending >= q.cfg.MaxPending {
		return ErrQueueFull
	}

	kq := q.keys[job.Key]
	if kq == nil {
		kq = &keyQueue{
			jobs:    list.New[Job](),
			drained: make(chan struct{}),
		}
		q.keys[job.Key] = kq
	}
	kq.jobs.PushBack(job)
	q.pending++
	q.startKeyLocked(job.Key, kq)
	return nil
}

// startKeyLocked must be called with mtx held.
func (q *Queue) startKeyLocked(key string, kq *keyQueue) {
	if q.runCtx == nil || kq.running {
		return
	}
	kq.running = true
	q.wg.Add(1)
	go q.runKey(q.runCtx, key, kq)
}

func (q *Queue) runKey(ctx context.Context, key string, kq *keyQueue) {
	defer q.wg.Done()
	for {
		q.mtx.Lock()
		e := kq.jobs.Front()
		if e == nil {
			kq.running = false
			delete(q.keys, key)
			close(kq.drained)
			q.mtx.Unlock()
			return
		}
		job := kq.jobs.Remove(e)
		q.pending--
		q.mtx.Unlock()

		err := ctx.Err()
		if err == nil {
			err = job.Work(ctx)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			q.log.Debugf("Job on queue %q failed: %v", key, err)
		}
		if job.Done != nil {
			job.Done(err)
		}
	}
}

// Pending returns the number of jobs of key that have not completed yet.
func (q *Queue) Pending(key string) int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	kq := q.keys[key]
	if kq == nil {
		return 0
	}
	n := kq.jobs.Len()
	if kq.running {
		n++
	}
	return n
}

// BlockUntilQueueDrained blocks until every job of key enqueued before the
// call completed or until timeout elapses. It returns how much of timeout
// remains, which is zero if the queue did not drain in time.
func (q *Queue) BlockUntilQueueDrained(key string, timeout time.Duration) time.Duration {
	q.mtx.Lock()
	kq := q.keys[key]
	q.mtx.Unlock()
	if kq == nil {
		return timeout
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-kq.drained:
		if remaining := timeout - time.Since(start); remaining > 0 {
			return remaining
		}
		return 0
	case <-timer.C:
		return 0
	}
}

// Run executes jobs until ctx is done. Jobs still queued at that point are
// completed with the context error and later Enqueue calls fail with
// ErrQueueStopped.
func (q *Queue) Run(ctx context.Context) error {
	q.mtx.Lock()
	if q.runCtx != nil || q.stopped {
		q.mtx.Unlock()
		return errors.New("job queue already running")
	}
	q.runCtx = ctx
	for key, kq := range q.keys {
		q.startKeyLocked(key, kq)
	}
	q.mtx.Unlock()

	<-ctx.Done()

	q.mtx.Lock()
	q.stopped = true
	q.mtx.Unlock()
	q.wg.Wait()
	return ctx.Err()
}
