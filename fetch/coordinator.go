package fetch

import (
	"sync"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/semaphore"
)

// maxFetchPermits is one running fetch plus one waiting to replace it.
const maxFetchPermits = 2

// WakeLock keeps the host process from being suspended while held. Each
// holder is released when its release func is called or when its timeout
// elapses, whichever comes first.
type WakeLock struct {
	log   slog.Logger
	stats *Stats

	mtx          sync.Mutex
	holders      map[uint64]string
	nextID       uint64
	acquisitions uint64
}

func newWakeLock(log slog.Logger, stats *Stats) *WakeLock {
	return &WakeLock{
		log:     log,
		stats:   stats,
		holders: make(map[uint64]string),
	}
}

// Acquire adds a holder for at most timeout. The returned func releases it
// and may be called multiple times.
func (wl *WakeLock) Acquire(tag string, timeout time.Duration) func() {
	wl.mtx.Lock()
	wl.nextID++
	id := wl.nextID
	wl.holders[id] = tag
	wl.acquisitions++
	wl.mtx.Unlock()
	wl.stats.wakeLock(1)
	wl.log.Tracef("Wake lock acquired by %s", tag)

	release := func(expired bool) {
		wl.mtx.Lock()
		_, ok := wl.holders[id]
		delete(wl.holders, id)
		wl.mtx.Unlock()
		if !ok {
			return
		}
		wl.stats.wakeLock(-1)
		if expired {
			wl.log.Warnf("Wake lock held by %s expired after %s", tag, timeout)
		} else {
			wl.log.Tracef("Wake lock released by %s", tag)
		}
	}
	timer := time.AfterFunc(timeout, func() { release(true) })
	return func() {
		timer.Stop()
		release(false)
	}
}

// Held returns true if there is at least one holder.
func (wl *WakeLock) Held() bool {
	wl.mtx.Lock()
	defer wl.mtx.Unlock()
	return len(wl.holders) > 0
}

// Acquisitions returns how many times the lock was ever acquired.
func (wl *WakeLock) Acquisitions() uint64 {
	wl.mtx.Lock()
	defer wl.mtx.Unlock()
	return wl.acquisitions
}

// Coordinator holds the process-wide resources that serialize fetches. A
// single Coordinator must be shared by every retriever and dispatcher of the
// process.
type Coordinator struct {
	// admission bounds how many fetch requests may be in flight. Requests
	// beyond that are merged into the in-flight ones.
	admission *semaphore.Weighted

	// fetchMtx is what actually enforces a single active fetch.
	fetchMtx sync.Mutex

	WakeLock *WakeLock
}

// NewCoordinator creates a new coordinator. stats may be nil.
func NewCoordinator(log slog.Logger, stats *Stats) *Coordinator {
	if log == nil {
		log = slog.Disabled
	}
	return &Coordinator{
		admission: semaphore.NewWeighted(maxFetchPermits),
		WakeLock:  newWakeLock(log, stats),
	}
}

// tryAdmit takes one admission permit without blocking.
func (c *Coordinator) tryAdmit() (release func(), ok bool) {
	if !c.admission.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { c.admission.Release(1) }) }, true
}
