package fetch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/companyzero/msgpull/internal/logutil"
	"github.com/companyzero/msgpull/internal/timestats"
	"github.com/decred/slog"
	"github.com/pbnjay/memory"
)

// DefaultWakeLockTimeout bounds how long a single fetch holds the wake lock.
const DefaultWakeLockTimeout = 60 * time.Second

// Conditions is optionally implemented by the Visibility passed to the
// retriever to report conditions that commonly slow down a fetch.
type Conditions interface {
	IsNetworkAvailable() bool
	IsIdle() bool
}

// RetrieverConfig is the configuration for a Retriever.
type RetrieverConfig struct {
	Coordinator *Coordinator
	Flags       FlagStore
	Visibility  Visibility

	WakeLockTimeout time.Duration
	Stats           *Stats
	Log             slog.Logger
}

// Retriever runs fetch strategies under the single-flight rules of its
// Coordinator.
type Retriever struct {
	cfg     RetrieverConfig
	log     slog.Logger
	timings *timestats.Tracker
	fetchID atomic.Uint64
}

// NewRetriever creates a new retriever.
func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.WakeLockTimeout <= 0 {
		cfg.WakeLockTimeout = DefaultWakeLockTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Retriever{
		cfg:     cfg,
		log:     log,
		timings: timestats.NewTracker(100),
	}
}

// socketCoversDelivery is true when the foreground app's own socket already
// receives every message.
func (r *Retriever) socketCoversDelivery() bool {
	return r.cfg.Visibility.IsAppForeground() && !r.cfg.Visibility.IsNetworkCensored()
}

func (r *Retriever) logConditions(log slog.Logger) {
	if log.Level() > slog.LevelDebug {
		return
	}
	if c, ok := r.cfg.Visibility.(Conditions); ok {
		if c.IsIdle() {
			log.Debugf("Host is idle, fetch may be slow")
		}
		if !c.IsNetworkAvailable() {
			log.Debugf("Network reported as unavailable")
		}
	}
	log.Debugf("Free memory at fetch start: %d MiB", memory.FreeMemory()/(1<<20))
}

// RetrieveMessages runs strategies in order until one succeeds. It returns
// false only if every strategy failed, in which case the caller is expected
// to retry through another mechanism.
//
// A call made while the app is foreground (and not censored) or while
// another fetch is already queued returns true without running anything.
// Only one fetch runs at a time; callers block while another one runs.
func (r *Retriever) RetrieveMessages(ctx context.Context, strategies ...Strategy) bool {
	if r.socketCoversDelivery() {
		r.log.Debugf("Skipping fetch: app is foreground")
		r.cfg.Stats.fetch("skipped_foreground")
		return true
	}

	releaseAdmission, ok := r.cfg.Coordinator.tryAdmit()
	if !ok {
		// Someone else will fetch. Reported as success so callers do
		// not schedule redundant retries.
		r.log.Debugf("Skipping fetch: fetches already in flight")
		r.cfg.Stats.fetch("in_flight")
		return true
	}
	defer releaseAdmission()

	c := r.cfg.Coordinator
	c.fetchMtx.Lock()
	defer c.fetchMtx.Unlock()

	releaseWakeLock := c.WakeLock.Acquire("fetch", r.cfg.WakeLockTimeout)
	defer releaseWakeLock()

	id := r.fetchID.Add(1)
	log := logutil.FetchLogger(r.log, id, "")

	if err := r.cfg.Flags.SetNeedsMessagePull(true); err != nil {
		log.Errorf("Unable to set needs message pull flag: %v", err)
	}

	start := time.Now()
	r.logConditions(log)

	success := false
	for _, s := range strategies {
		if r.socketCoversDelivery() {
			log.Infof("App became foreground, ending fetch")
			success = true
			break
		}

		stratLog := logutil.FetchLogger(r.log, id, s.Name())
		stratStart := time.Now()
		err := s.Execute(ctx, stratLog)
		r.cfg.Stats.strategyRun(s.Name(), err == nil)
		if err != nil {
			stratLog.Warnf("Strategy failed after %s: %v",
				time.Since(stratStart).Truncate(time.Millisecond), err)
			continue
		}
		stratLog.Debugf("Strategy succeeded in %s",
			time.Since(stratStart).Truncate(time.Millisecond))
		success = true
		break
	}

	elapsed := time.Since(start)
	r.timings.Add(elapsed)
	r.cfg.Stats.fetchTime(elapsed)

	if success {
		if err := r.cfg.Flags.SetNeedsMessagePull(false); err != nil {
			log.Errorf("Unable to clear needs message pull flag: %v", err)
		}
		r.cfg.Stats.fetch("success")
		log.Infof("Fetch completed in %s", elapsed.Truncate(time.Millisecond))
	} else {
		r.cfg.Stats.fetch("failure")
		log.Warnf("All %d strategies failed after %s", len(strategies),
			elapsed.Truncate(time.Millisecond))
	}
	log.Debugf("Fetch durations: %s", r.timings)
	return success
}
