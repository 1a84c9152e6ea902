package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type retrieverTest struct {
	r     *Retriever
	coord *Coordinator
	flags *mockFlags
	app   *AppState
	stats *Stats
}

func newRetrieverTest(t *testing.T) *retrieverTest {
	log := testutils.TestLoggerSys(t, "RETR")
	stats := NewStats()
	coord := NewCoordinator(log, stats)
	flags := &mockFlags{}
	app := &AppState{}
	r := NewRetriever(RetrieverConfig{
		Coordinator: coord,
		Flags:       flags,
		Visibility:  app,
		Stats:       stats,
		Log:         log,
	})
	return &retrieverTest{r: r, coord: coord, flags: flags, app: app, stats: stats}
}

func (rt *retrieverTest) fetchCount(result string) float64 {
	return testutil.ToFloat64(rt.stats.fetches.With(prometheus.Labels{"result": result}))
}

// TestFirstSuccessfulStrategyEndsFetch asserts strategies run in order and
// the ones after the first success are never run.
func TestFirstSuccessfulStrategyEndsFetch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errs      []error
		wantOk    bool
		wantCalls []int32
	}{{
		name:      "first succeeds",
		errs:      []error{nil, nil, nil},
		wantOk:    true,
		wantCalls: []int32{1, 0, 0},
	}, {
		name:      "second succeeds",
		errs:      []error{errMock, nil, nil},
		wantOk:    true,
		wantCalls: []int32{1, 1, 0},
	}, {
		name:      "last succeeds",
		errs:      []error{errMock, errMock, nil},
		wantOk:    true,
		wantCalls: []int32{1, 1, 1},
	}, {
		name:      "all fail",
		errs:      []error{errMock, errMock, errMock},
		wantOk:    false,
		wantCalls: []int32{1, 1, 1},
	}, {
		name:      "no strategies",
		wantOk:    false,
		wantCalls: []int32{},
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rt := newRetrieverTest(t)

			var order []string
			var mtx sync.Mutex
			strategies := make([]Strategy, len(tc.errs))
			mocks := make([]*mockStrategy, len(tc.errs))
			for i, err := range tc.errs {
				s := &mockStrategy{name: string(rune('a' + i)), err: err}
				s.exec = func(context.Context) {
					mtx.Lock()
					order = append(order, s.name)
					mtx.Unlock()
				}
				mocks[i], strategies[i] = s, s
			}

			ok := rt.r.RetrieveMessages(context.Background(), strategies...)
			assert.BoolIs(t, ok, tc.wantOk)

			calls := make([]int32, len(mocks))
			for i, s := range mocks {
				calls[i] = s.calls.Load()
			}
			assert.DeepEqual(t, calls, tc.wantCalls)
			for i := 1; i < len(order); i++ {
				if order[i] < order[i-1] {
					t.Fatalf("strategies ran out of order: %v", order)
				}
			}

			// The flag is set at the start and only cleared on
			// success.
			needs, _ := rt.flags.NeedsMessagePull()
			assert.BoolIs(t, needs, !tc.wantOk)
			if tc.wantOk {
				assert.DeepEqual(t, rt.flags.history(), []bool{true, false})
			} else {
				assert.DeepEqual(t, rt.flags.history(), []bool{true})
			}

			assert.BoolIs(t, rt.coord.WakeLock.Held(), false)
			assert.DeepEqual(t, rt.coord.WakeLock.Acquisitions(), uint64(1))
		})
	}
}

// TestFullAdmissionReturnsSuccess asserts a fetch requested while both
// permits are taken returns success without running any strategy.
func TestFullAdmissionReturnsSuccess(t *testing.T) {
	t.Parallel()
	rt := newRetrieverTest(t)

	running := make(chan struct{})
	release := make(chan struct{})
	blocking := &mockStrategy{name: "blocking", exec: func(context.Context) {
		running <- struct{}{}
		<-release
	}}

	// First fetch takes a permit and runs.
	done1 := make(chan bool, 1)
	go func() { done1 <- rt.r.RetrieveMessages(context.Background(), blocking) }()
	assert.ChanWritten(t, running)

	// Second takes the other permit and waits for the critical section.
	second := &mockStrategy{name: "second"}
	done2 := make(chan bool, 1)
	go func() { done2 <- rt.r.RetrieveMessages(context.Background(), second) }()
	assert.ChanNotWritten(t, done2, 50*time.Millisecond)

	// Third finds no permits.
	third := &mockStrategy{name: "third", err: errMock}
	ok := rt.r.RetrieveMessages(context.Background(), third)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, third.calls.Load(), int32(0))
	assert.DeepEqual(t, rt.fetchCount("in_flight"), float64(1))

	close(release)
	assert.ChanWrittenWithVal(t, done1, true)
	assert.ChanWrittenWithVal(t, done2, true)
	assert.DeepEqual(t, second.calls.Load(), int32(1))
}

// TestForegroundSkipsFetch asserts a foreground, uncensored app does not
// run strategies nor touch the wake lock.
func TestForegroundSkipsFetch(t *testing.T) {
	t.Parallel()
	rt := newRetrieverTest(t)
	rt.app.SetForeground(true)

	s := &mockStrategy{name: "socket", err: errMock}
	ok := rt.r.RetrieveMessages(context.Background(), s)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, s.calls.Load(), int32(0))
	assert.DeepEqual(t, rt.coord.WakeLock.Acquisitions(), uint64(0))
	assert.DeepEqual(t, len(rt.flags.history()), 0)
	assert.DeepEqual(t, rt.fetchCount("skipped_foreground"), float64(1))

	// When censored, the fetch runs even in foreground.
	rt.app.SetNetworkCensored(true)
	ok = rt.r.RetrieveMessages(context.Background(), s)
	assert.BoolIs(t, ok, false)
	assert.DeepEqual(t, s.calls.Load(), int32(1))
}

// TestForegroundMidFetchEndsWithSuccess asserts the app becoming visible
// between strategies ends the fetch successfully.
func TestForegroundMidFetchEndsWithSuccess(t *testing.T) {
	t.Parallel()
	rt := newRetrieverTest(t)

	first := &mockStrategy{name: "first", err: errMock, exec: func(context.Context) {
		rt.app.SetForeground(true)
	}}
	second := &mockStrategy{name: "second", err: errMock}
	ok := rt.r.RetrieveMessages(context.Background(), first, second)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, second.calls.Load(), int32(0))
	needs, _ := rt.flags.NeedsMessagePull()
	assert.BoolIs(t, needs, false)
}

// TestSingleActiveFetch asserts concurrent fetches never run their critical
// sections at the same time.
func TestSingleActiveFetch(t *testing.T) {
	t.Parallel()
	rt := newRetrieverTest(t)

	var mtx sync.Mutex
	active, maxActive := 0, 0
	s := &mockStrategy{name: "s", exec: func(context.Context) {
		mtx.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mtx.Unlock()
		time.Sleep(5 * time.Millisecond)
		mtx.Lock()
		active--
		mtx.Unlock()
	}}

	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() { results <- rt.r.RetrieveMessages(context.Background(), s) }()
	}
	for i := 0; i < 10; i++ {
		assert.ChanWrittenWithVal(t, results, true)
	}
	assert.DeepEqual(t, maxActive, 1)
	if n := s.calls.Load(); n < 1 || n > 10 {
		t.Fatalf("unexpected number of strategy runs: %d", n)
	}
}

func TestWakeLockExpires(t *testing.T) {
	t.Parallel()

	wl := newWakeLock(testutils.TestLoggerSys(t, "WAKE"), nil)
	release := wl.Acquire("test", 10*time.Millisecond)
	assert.BoolIs(t, wl.Held(), true)
	time.Sleep(50 * time.Millisecond)
	assert.BoolIs(t, wl.Held(), false)

	// Releasing after expiry and releasing twice is harmless.
	release()
	release()

	r1 := wl.Acquire("a", time.Minute)
	r2 := wl.Acquire("b", time.Minute)
	r1()
	assert.BoolIs(t, wl.Held(), true)
	r2()
	assert.BoolIs(t, wl.Held(), false)
	assert.DeepEqual(t, wl.Acquisitions(), uint64(3))
}
