package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
)

type dispatcherTest struct {
	d          *Dispatcher
	rt         *retrieverTest
	socket     *mockStrategy
	rest       *mockStrategy
	sched      *mockScheduler
	retryQueue *mockQueue
	fg, bg     *ServiceVehicle

	mtx sync.Mutex
	now time.Time
}

type dispatcherTestOpts struct {
	caps        Capabilities
	schedulerOk bool
	noScheduler bool
	gate        LaunchGate
	socketErr   error
}

func newDispatcherTest(t *testing.T, opts dispatcherTestOpts) *dispatcherTest {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := testutils.TestLoggerSys(t, "DISP")
	dt := &dispatcherTest{
		rt:         newRetrieverTest(t),
		socket:     &mockStrategy{name: "socket", err: opts.socketErr},
		rest:       &mockStrategy{name: "rest"},
		retryQueue: &mockQueue{},
		now:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	dt.fg = NewServiceVehicle(ctx, ServiceVehicleConfig{
		Kind:     VehicleForeground,
		Gate:     opts.gate,
		WakeLock: dt.rt.coord.WakeLock,
		Log:      log,
	})
	dt.bg = NewServiceVehicle(ctx, ServiceVehicleConfig{
		Kind:     VehicleBackground,
		Gate:     opts.gate,
		WakeLock: dt.rt.coord.WakeLock,
		Log:      log,
	})
	cfg := DispatcherConfig{
		Retriever:    dt.rt.r,
		Socket:       dt.socket,
		Rest:         dt.rest,
		Vehicles:     []Vehicle{dt.fg, dt.bg},
		RetryQueue:   dt.retryQueue,
		RetryDelay:   time.Millisecond,
		Flags:        dt.rt.flags,
		Capabilities: opts.caps,
		Now:          dt.clock,
		Stats:        dt.rt.stats,
		Log:          log,
	}
	if !opts.noScheduler {
		dt.sched = newMockScheduler(opts.schedulerOk)
		cfg.Scheduler = dt.sched
	}
	dt.d = NewDispatcher(cfg)
	return dt
}

func (dt *dispatcherTest) clock() time.Time {
	dt.mtx.Lock()
	defer dt.mtx.Unlock()
	return dt.now
}

func (dt *dispatcherTest) advance(d time.Duration) {
	dt.mtx.Lock()
	dt.now = dt.now.Add(d)
	dt.mtx.Unlock()
}

// TestDispatchPolicy asserts the decision of each policy rule.
func TestDispatchPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		caps        Capabilities
		schedulerOk bool
		priority    Priority
		want        VehicleKind
	}{{
		name:        "high priority with foreground always allowed",
		caps:        Capabilities{ForegroundForHighPriority: true},
		schedulerOk: true,
		priority:    PriorityHigh,
		want:        VehicleForeground,
	}, {
		name:        "high priority with rate limited foreground",
		caps:        Capabilities{ForegroundVehicle: true},
		schedulerOk: true,
		priority:    PriorityHigh,
		want:        VehicleForeground,
	}, {
		name:        "high priority without foreground",
		schedulerOk: true,
		priority:    PriorityHigh,
		want:        VehicleBackground,
	}, {
		name:        "unknown priority",
		caps:        Capabilities{ForegroundForHighPriority: true, ForegroundVehicle: true},
		schedulerOk: true,
		priority:    PriorityUnknown,
		want:        VehicleBackground,
	}, {
		name:     "normal priority without scheduler",
		priority: PriorityNormal,
		want:     VehicleBackground,
	}, {
		name:        "normal priority with scheduler",
		caps:        Capabilities{ForegroundForHighPriority: true, ForegroundVehicle: true},
		schedulerOk: true,
		priority:    PriorityNormal,
		want:        VehicleScheduled,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dt := newDispatcherTest(t, dispatcherTestOpts{
				caps:        tc.caps,
				schedulerOk: tc.schedulerOk,
			})
			got, _ := dt.d.Decide(WakeUp{Priority: tc.priority})
			assert.DeepEqual(t, got, tc.want)
		})
	}
}

// TestForegroundRateLimit asserts the foreground vehicle is used at most
// once per minimum interval unless always allowed.
func TestForegroundRateLimit(t *testing.T) {
	t.Parallel()

	dt := newDispatcherTest(t, dispatcherTestOpts{
		caps:        Capabilities{ForegroundVehicle: true},
		schedulerOk: true,
	})
	ctx := context.Background()
	high := WakeUp{Priority: PriorityHigh, Reason: "push"}

	kind, h := dt.d.OnPush(ctx, high)
	assert.DeepEqual(t, kind, VehicleForeground)
	ok, err := h.Wait(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)

	dt.advance(time.Minute)
	kind, h = dt.d.OnPush(ctx, high)
	assert.DeepEqual(t, kind, VehicleBackground)
	_, err = h.Wait(ctx)
	assert.NilErr(t, err)

	dt.advance(DefaultMinForegroundInterval)
	kind, h = dt.d.OnPush(ctx, high)
	assert.DeepEqual(t, kind, VehicleForeground)
	_, err = h.Wait(ctx)
	assert.NilErr(t, err)
}

// TestServiceVehicleCoalesces asserts at most one unit of work runs and at
// most one waits, with newer work replacing the waiting one.
func TestServiceVehicleCoalesces(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wl := newWakeLock(testutils.TestLoggerSys(t, "WAKE"), nil)
	v := NewServiceVehicle(ctx, ServiceVehicleConfig{
		Kind:     VehicleBackground,
		WakeLock: wl,
		Log:      testutils.TestLoggerSys(t, "VHCL"),
	})

	started := make(chan string, 5)
	release := make(chan struct{})
	work := func(name string) Work {
		return func(ctx context.Context) bool {
			started <- name
			<-release
			return true
		}
	}

	h1, err := v.Launch(work("first"))
	assert.NilErr(t, err)
	assert.ChanWrittenWithVal(t, started, "first")
	assert.BoolIs(t, wl.Held(), true)

	h2, err := v.Launch(work("second"))
	assert.NilErr(t, err)
	h3, err := v.Launch(work("third"))
	assert.NilErr(t, err)

	// Second never runs.
	ok, err := h2.Wait(ctx)
	assert.ErrorIs(t, err, ErrReplaced)
	assert.BoolIs(t, ok, false)

	// The running one is not interrupted and third runs after it.
	assert.ChanNotWritten(t, started, 20*time.Millisecond)
	close(release)
	ok, err = h1.Wait(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
	assert.ChanWrittenWithVal(t, started, "third")
	ok, err = h3.Wait(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)

	v.Wait()
	assert.BoolIs(t, wl.Held(), false)
}

// TestLaunchFailureFetchesSynchronously asserts a vehicle that cannot be
// launched degrades to a fetch on the calling goroutine.
func TestLaunchFailureFetchesSynchronously(t *testing.T) {
	t.Parallel()

	gateErr := errors.New("background start not allowed")
	dt := newDispatcherTest(t, dispatcherTestOpts{
		gate: func(VehicleKind) error { return gateErr },
	})
	kind, h := dt.d.OnPush(context.Background(), WakeUp{Priority: PriorityHigh})
	assert.DeepEqual(t, kind, VehicleBackground)

	// Already done when OnPush returns.
	select {
	case <-h.Done():
	default:
		t.Fatal("handle not done")
	}
	ok, err := h.Wait(context.Background())
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, dt.socket.calls.Load(), int32(1))
}

// TestFailedFetchSchedulesJob asserts a failed immediate fetch falls back to
// the job scheduler.
func TestFailedFetchSchedulesJob(t *testing.T) {
	t.Parallel()

	dt := newDispatcherTest(t, dispatcherTestOpts{
		schedulerOk: true,
		socketErr:   errMock,
	})
	ctx := context.Background()
	_, h := dt.d.OnPush(ctx, WakeUp{Priority: PriorityHigh})
	ok, err := h.Wait(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)
	assert.ChanWrittenWithVal(t, dt.sched.scheduled, FetchJobID)
	assert.DeepEqual(t, len(dt.retryQueue.enqueued()), 0)

	// The scheduled job runs the socket strategy and reports its result
	// so the scheduler retries it.
	assert.BoolIs(t, dt.d.OnScheduledJob(ctx, FetchJobID), false)
	assert.DeepEqual(t, dt.socket.calls.Load(), int32(2))
	assert.BoolIs(t, dt.d.OnScheduledJob(ctx, "other-job"), true)
	assert.DeepEqual(t, dt.socket.calls.Load(), int32(2))
}

// TestFailedFetchRetriesLater asserts a failed fetch without a job scheduler
// enqueues a single retry-later fetch using the REST strategy.
func TestFailedFetchRetriesLater(t *testing.T) {
	t.Parallel()

	dt := newDispatcherTest(t, dispatcherTestOpts{
		noScheduler: true,
		socketErr:   errMock,
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, h := dt.d.OnPush(ctx, WakeUp{Priority: PriorityNormal})
		_, err := h.Wait(ctx)
		assert.NilErr(t, err)
	}

	jobs := dt.retryQueue.enqueued()
	assert.DeepEqual(t, len(jobs), 1)
	assert.DeepEqual(t, jobs[0].Key, retryQueueKey)

	assert.NilErr(t, jobs[0].Work(ctx))
	assert.DeepEqual(t, dt.rest.calls.Load(), int32(1))

	// Once the retry started, a new failure enqueues a new retry.
	_, h := dt.d.OnPush(ctx, WakeUp{Priority: PriorityNormal})
	_, err := h.Wait(ctx)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(dt.retryQueue.enqueued()), 2)
}

// TestNormalPriorityDefersToScheduler asserts normal priority wake-ups do
// not launch anything immediately when the scheduler is supported.
func TestNormalPriorityDefersToScheduler(t *testing.T) {
	t.Parallel()

	dt := newDispatcherTest(t, dispatcherTestOpts{schedulerOk: true})
	kind, h := dt.d.OnPush(context.Background(), WakeUp{Priority: PriorityNormal})
	assert.DeepEqual(t, kind, VehicleScheduled)
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeferred)
	assert.ChanWrittenWithVal(t, dt.sched.scheduled, FetchJobID)
	assert.DeepEqual(t, dt.socket.calls.Load(), int32(0))
}

func TestRecoverInterruptedFetch(t *testing.T) {
	t.Parallel()

	dt := newDispatcherTest(t, dispatcherTestOpts{schedulerOk: true})
	ctx := context.Background()

	started, h := dt.d.RecoverInterruptedFetch(ctx)
	assert.BoolIs(t, started, false)
	if h != nil {
		t.Fatal("unexpected handle")
	}

	assert.NilErr(t, dt.rt.flags.SetNeedsMessagePull(true))
	started, h = dt.d.RecoverInterruptedFetch(ctx)
	assert.BoolIs(t, started, true)
	ok, err := h.Wait(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, dt.socket.calls.Load(), int32(1))

	needs, err := dt.rt.flags.NeedsMessagePull()
	assert.NilErr(t, err)
	assert.BoolIs(t, needs, false)
}

func TestAppStateNetworkHandlers(t *testing.T) {
	t.Parallel()

	var app AppState
	assert.BoolIs(t, app.IsNetworkAvailable(), true)
	changes := make(chan bool, 5)
	app.OnNetworkChange(func(v bool) { changes <- v })

	app.SetNetworkAvailable(true)
	assert.ChanNotWritten(t, changes, 10*time.Millisecond)
	app.SetNetworkAvailable(false)
	assert.ChanWrittenWithVal(t, changes, false)
	app.SetNetworkAvailable(false)
	assert.ChanNotWritten(t, changes, 10*time.Millisecond)
	app.SetNetworkAvailable(true)
	assert.ChanWrittenWithVal(t, changes, true)
}
