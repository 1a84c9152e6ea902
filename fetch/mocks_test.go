package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/msgpull/internal/jobqueue"
	"github.com/companyzero/msgpull/internal/jobsched"
	"github.com/companyzero/msgpull/msgcipher"
	"github.com/companyzero/msgpull/rpc"
	"github.com/decred/slog"
)

var errMock = errors.New("mock error")

type mockFlags struct {
	mtx  sync.Mutex
	v    bool
	sets []bool
}

func (f *mockFlags) SetNeedsMessagePull(v bool) error {
	f.mtx.Lock()
	f.v = v
	f.sets = append(f.sets, v)
	f.mtx.Unlock()
	return nil
}

func (f *mockFlags) NeedsMessagePull() (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.v, nil
}

func (f *mockFlags) history() []bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]bool(nil), f.sets...)
}

type mockStrategy struct {
	name  string
	err   error
	calls atomic.Int32

	// exec, if set, runs before returning err.
	exec func(ctx context.Context)
}

func (s *mockStrategy) Name() string { return s.name }

func (s *mockStrategy) Execute(ctx context.Context, log slog.Logger) error {
	s.calls.Add(1)
	if s.exec != nil {
		s.exec(ctx)
	}
	return s.err
}

type mockSocket struct {
	envs    []*rpc.Envelope
	openErr error
	recvErr error

	mtx     sync.Mutex
	opened  int
	closed  int
	acked   []*rpc.Envelope
	timeout time.Duration
}

func (s *mockSocket) Open(ctx context.Context) error {
	s.mtx.Lock()
	s.opened++
	s.mtx.Unlock()
	return s.openErr
}

func (s *mockSocket) ReceiveEnvelopesUntilTimeout(ctx context.Context, timeout time.Duration,
	onEnvelope func(*rpc.Envelope) error) error {

	s.mtx.Lock()
	s.timeout = timeout
	s.mtx.Unlock()
	for _, env := range s.envs {
		if err := onEnvelope(env); err != nil {
			return err
		}
		s.mtx.Lock()
		s.acked = append(s.acked, env)
		s.mtx.Unlock()
	}
	return s.recvErr
}

func (s *mockSocket) Close() error {
	s.mtx.Lock()
	s.closed++
	s.mtx.Unlock()
	return nil
}

// recordingQueue records drain calls made to a real job queue.
type recordingQueue struct {
	*jobqueue.Queue

	mtx    sync.Mutex
	drains []string
}

func (q *recordingQueue) BlockUntilQueueDrained(key string, timeout time.Duration) time.Duration {
	q.mtx.Lock()
	q.drains = append(q.drains, key)
	q.mtx.Unlock()
	return q.Queue.BlockUntilQueueDrained(key, timeout)
}

func (q *recordingQueue) drainKeys() []string {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]string(nil), q.drains...)
}

type mockFetcher struct {
	batches [][]*rpc.Envelope
	err     error

	mtx   sync.Mutex
	acked []*rpc.Envelope
}

func (f *mockFetcher) FetchPendingEnvelopes(ctx context.Context) ([]*rpc.Envelope, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.batches) == 0 {
		return nil, false, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, len(f.batches) > 0, nil
}

func (f *mockFetcher) AckEnvelope(ctx context.Context, env *rpc.Envelope) error {
	f.mtx.Lock()
	f.acked = append(f.acked, env)
	f.mtx.Unlock()
	return nil
}

type mockDecrypter struct {
	fail map[string]bool
}

func (d *mockDecrypter) Decrypt(env *rpc.Envelope) (*msgcipher.Message, error) {
	if d.fail[env.ServerGUID] {
		return nil, msgcipher.ErrInvalidMetadata
	}
	return &msgcipher.Message{
		Metadata: msgcipher.Metadata{Timestamp: env.Timestamp, ServerGUID: env.ServerGUID},
		Content:  &msgcipher.DataMessage{Timestamp: uint64(env.Timestamp)},
	}, nil
}

type mockScheduler struct {
	supported bool
	err       error
	scheduled chan string
}

func newMockScheduler(supported bool) *mockScheduler {
	return &mockScheduler{supported: supported, scheduled: make(chan string, 10)}
}

func (s *mockScheduler) Supported() bool { return s.supported }

func (s *mockScheduler) Schedule(jobID string, c jobsched.Constraints) error {
	if s.err != nil {
		return s.err
	}
	s.scheduled <- jobID
	return nil
}

// mockQueue captures enqueued jobs without running them.
type mockQueue struct {
	mtx  sync.Mutex
	jobs []jobqueue.Job
}

func (q *mockQueue) Enqueue(job jobqueue.Job) error {
	q.mtx.Lock()
	q.jobs = append(q.jobs, job)
	q.mtx.Unlock()
	return nil
}

func (q *mockQueue) BlockUntilQueueDrained(key string, timeout time.Duration) time.Duration {
	return timeout
}

func (q *mockQueue) enqueued() []jobqueue.Job {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]jobqueue.Job(nil), q.jobs...)
}
