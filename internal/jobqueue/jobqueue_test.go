package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
)

func runQueue(t *testing.T, cfg Config) (*Queue, context.CancelFunc) {
	t.Helper()
	cfg.Log = testutils.TestLoggerSys(t, "JOBQ")
	q := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
	})
	return q, cancel
}

// TestPerKeyOrder asserts jobs of the same key run serially and in order.
func TestPerKeyOrder(t *testing.T) {
	t.Parallel()

	q, _ := runQueue(t, Config{})
	var mtx sync.Mutex
	var got []int
	running := 0
	for i := 0; i < 10; i++ {
		i := i
		err := q.Enqueue(Job{
			Key: "process:alice",
			Work: func(ctx context.Context) error {
				mtx.Lock()
				running++
				if running > 1 {
					t.Errorf("concurrent jobs on the same key")
				}
				got = append(got, i)
				mtx.Unlock()
				time.Sleep(time.Millisecond)
				mtx.Lock()
				running--
				mtx.Unlock()
				return nil
			},
		})
		assert.NilErr(t, err)
	}

	remaining := q.BlockUntilQueueDrained("process:alice", 5*time.Second)
	if remaining <= 0 {
		t.Fatalf("queue did not drain")
	}
	assert.DeepEqual(t, got, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.DeepEqual(t, q.Pending("process:alice"), 0)
}

func TestDrainTimeout(t *testing.T) {
	t.Parallel()

	q, _ := runQueue(t, Config{})
	release := make(chan struct{})
	done := make(chan error, 1)
	err := q.Enqueue(Job{
		Key:  "k",
		Work: func(ctx context.Context) error { <-release; return nil },
		Done: func(err error) { done <- err },
	})
	assert.NilErr(t, err)
	assert.DeepEqual(t, q.Pending("k"), 1)

	remaining := q.BlockUntilQueueDrained("k", 20*time.Millisecond)
	assert.DeepEqual(t, remaining, time.Duration(0))

	// Other keys are unaffected.
	assert.DeepEqual(t, q.BlockUntilQueueDrained("other", time.Second), time.Second)

	close(release)
	assert.NilErr(t, assert.ChanWritten(t, done))
}

func TestCompletionTokenGetsError(t *testing.T) {
	t.Parallel()

	q, _ := runQueue(t, Config{})
	errTest := errors.New("test")
	done := make(chan error, 1)
	err := q.Enqueue(Job{
		Key:  "k",
		Work: func(ctx context.Context) error { return errTest },
		Done: func(err error) { done <- err },
	})
	assert.NilErr(t, err)
	assert.ErrorIs(t, assert.ChanWritten(t, done), errTest)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	// Not running, so jobs accumulate.
	q := New(Config{MaxPending: 2})
	work := func(ctx context.Context) error { return nil }
	assert.NilErr(t, q.Enqueue(Job{Key: "a", Work: work}))
	assert.NilErr(t, q.Enqueue(Job{Key: "b", Work: work}))
	assert.ErrorIs(t, q.Enqueue(Job{Key: "c", Work: work}), ErrQueueFull)

	// Starting the queue runs the backlog.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	if q.BlockUntilQueueDrained("a", 5*time.Second) == 0 {
		t.Fatalf("queue a did not drain")
	}
	if q.BlockUntilQueueDrained("b", 5*time.Second) == 0 {
		t.Fatalf("queue b did not drain")
	}
}

func TestStopped(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)

	err := q.Enqueue(Job{Key: "k", Work: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueStopped)
}
