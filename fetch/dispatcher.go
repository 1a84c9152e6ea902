package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/msgpull/internal/jobqueue"
	"github.com/decred/slog"
)

const (
	// FetchJobID is the job scheduler id of scheduled fetches.
	FetchJobID = "fetch-messages"

	// DefaultMinForegroundInterval rate limits the foreground vehicle.
	DefaultMinForegroundInterval = 3 * time.Minute

	// DefaultRetryDelay is how long a retry-later fetch waits before
	// running.
	DefaultRetryDelay = 30 * time.Second

	retryQueueKey = "fetch:retry"
)

var errRetryFailed = errors.New("retry fetch failed")

// Priority of a push wake-up.
type Priority int

const (
	// PriorityUnknown is used when the trigger carries no priority
	// information.
	PriorityUnknown Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityUnknown:
		return "unknown"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// WakeUp is a request to fetch pending messages.
type WakeUp struct {
	Priority Priority
	Reason   string
}

// Capabilities gate the use of the foreground vehicle.
type Capabilities struct {
	// ForegroundForHighPriority uses the foreground vehicle for every
	// high priority wake-up.
	ForegroundForHighPriority bool

	// ForegroundVehicle allows the foreground vehicle for high priority
	// wake-ups at most once per MinForegroundInterval.
	ForegroundVehicle     bool
	MinForegroundInterval time.Duration
}

// policyRule maps wake-ups to a vehicle kind.
type policyRule struct {
	name  string
	kind  VehicleKind
	match func(d *Dispatcher, w WakeUp, now time.Time) bool
}

// dispatchPolicy is evaluated in order. The first matching rule wins.
var dispatchPolicy = []policyRule{{
	name: "high priority, foreground always allowed",
	kind: VehicleForeground,
	match: func(d *Dispatcher, w WakeUp, now time.Time) bool {
		return w.Priority == PriorityHigh && d.cfg.ForegroundForHighPriority &&
			d.vehicleSupported(VehicleForeground)
	},
}, {
	name: "high priority, foreground interval elapsed",
	kind: VehicleForeground,
	match: func(d *Dispatcher, w WakeUp, now time.Time) bool {
		return w.Priority == PriorityHigh && d.cfg.ForegroundVehicle &&
			d.vehicleSupported(VehicleForeground) &&
			d.foregroundIntervalElapsed(now)
	},
}, {
	name: "high or unknown priority, or no job scheduler",
	kind: VehicleBackground,
	match: func(d *Dispatcher, w WakeUp, now time.Time) bool {
		return w.Priority == PriorityHigh || w.Priority == PriorityUnknown ||
			!d.schedulerSupported()
	},
}, {
	name:  "default",
	kind:  VehicleScheduled,
	match: func(*Dispatcher, WakeUp, time.Time) bool { return true },
}}

// DispatcherConfig is the configuration for a Dispatcher.
type DispatcherConfig struct {
	Retriever *Retriever

	// Socket runs on immediate and scheduled fetches. Rest runs on
	// retry-later fetches.
	Socket Strategy
	Rest   Strategy

	// Vehicles for immediate fetches, by kind. A ScheduledVehicle is
	// added automatically when Scheduler is set.
	Vehicles  []Vehicle
	Scheduler JobScheduler

	// RetryQueue receives retry-later fetches when the job scheduler is
	// not available.
	RetryQueue ProcessingQueue
	RetryDelay time.Duration

	Flags FlagStore
	Capabilities

	// Now defaults to time.Now.
	Now func() time.Time

	Stats *Stats
	Log   slog.Logger
}

// Dispatcher turns wake-ups into fetches run by an execution vehicle.
type Dispatcher struct {
	cfg      DispatcherConfig
	log      slog.Logger
	vehicles map[VehicleKind]Vehicle

	mtx            sync.Mutex
	lastForeground time.Time

	retryPending atomic.Bool
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MinForegroundInterval <= 0 {
		cfg.MinForegroundInterval = DefaultMinForegroundInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	vehicles := make(map[VehicleKind]Vehicle, len(cfg.Vehicles)+1)
	for _, v := range cfg.Vehicles {
		vehicles[v.Kind()] = v
	}
	if cfg.Scheduler != nil {
		if _, ok := vehicles[VehicleScheduled]; !ok {
			vehicles[VehicleScheduled] = NewScheduledVehicle(cfg.Scheduler)
		}
	}
	return &Dispatcher{cfg: cfg, log: log, vehicles: vehicles}
}

func (d *Dispatcher) vehicleSupported(kind VehicleKind) bool {
	v := d.vehicles[kind]
	return v != nil && v.Supported()
}

func (d *Dispatcher) schedulerSupported() bool {
	return d.cfg.Scheduler != nil && d.cfg.Scheduler.Supported()
}

func (d *Dispatcher) foregroundIntervalElapsed(now time.Time) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.lastForeground.IsZero() ||
		now.Sub(d.lastForeground) >= d.cfg.MinForegroundInterval
}

// Decide returns the vehicle kind for w and the name of the policy rule
// that selected it.
func (d *Dispatcher) Decide(w WakeUp) (VehicleKind, string) {
	now := d.cfg.Now()
	for _, rule := range dispatchPolicy {
		if rule.match(d, w, now) {
			return rule.kind, rule.name
		}
	}
	// Unreachable: the last rule always matches.
	return VehicleScheduled, "default"
}

// fetchWork is the work launched by immediate vehicles.
func (d *Dispatcher) fetchWork(reason string) Work {
	return func(ctx context.Context) bool {
		if d.cfg.Retriever.RetrieveMessages(ctx, d.cfg.Socket) {
			return true
		}
		d.log.Infof("Fetch for %s failed. Falling back", reason)
		d.fallback()
		return false
	}
}

// OnPush handles a push wake-up. The returned handle tracks the launched
// work. If no vehicle could be launched, the fetch runs synchronously before
// OnPush returns.
func (d *Dispatcher) OnPush(ctx context.Context, w WakeUp) (VehicleKind, *Handle) {
	kind, rule := d.Decide(w)
	d.log.Debugf("Wake-up %q (%s priority) dispatched to %s vehicle (%s)",
		w.Reason, w.Priority, kind, rule)

	var h *Handle
	var err error
	if v := d.vehicles[kind]; v == nil {
		err = fmt.Errorf("%w: no %s vehicle", ErrVehicleUnavailable, kind)
	} else {
		h, err = v.Launch(d.fetchWork(w.Reason))
	}
	if err == nil {
		if kind == VehicleForeground {
			d.mtx.Lock()
			d.lastForeground = d.cfg.Now()
			d.mtx.Unlock()
		}
		d.cfg.Stats.dispatch(kind.String())
		return kind, h
	}

	d.log.Warnf("Unable to launch %s vehicle: %v. Fetching synchronously",
		kind, err)
	d.cfg.Stats.dispatch("sync")
	ok := d.fetchWork(w.Reason)(ctx)
	return kind, finishedHandle(ok, nil)
}

// OnScheduledJob is the job scheduler handler. It returns false when the job
// should be retried.
func (d *Dispatcher) OnScheduledJob(ctx context.Context, jobID string) bool {
	if jobID != FetchJobID {
		d.log.Warnf("Ignoring unknown scheduled job %q", jobID)
		return true
	}
	d.cfg.Stats.dispatch("scheduled_run")
	return d.cfg.Retriever.RetrieveMessages(ctx, d.cfg.Socket)
}

// RecoverInterruptedFetch starts a best-effort fetch when the previous
// process ended in the middle of a fetch.
func (d *Dispatcher) RecoverInterruptedFetch(ctx context.Context) (bool, *Handle) {
	needs, err := d.cfg.Flags.NeedsMessagePull()
	if err != nil {
		d.log.Errorf("Unable to read needs message pull flag: %v", err)
		return false, nil
	}
	if !needs {
		return false, nil
	}
	d.log.Infof("Previous fetch was interrupted. Fetching again")
	_, h := d.OnPush(ctx, WakeUp{Priority: PriorityUnknown, Reason: "interrupted fetch"})
	return true, h
}

// fallback schedules the fetch job or, when that is not possible, a
// retry-later fetch.
func (d *Dispatcher) fallback() {
	if d.schedulerSupported() {
		err := d.cfg.Scheduler.Schedule(FetchJobID, jobschedConstraints())
		if err == nil {
			d.cfg.Stats.dispatch("fallback_scheduled")
			return
		}
		d.log.Warnf("Unable to schedule fetch job: %v", err)
	}
	d.retryLater()
}

func (d *Dispatcher) retryLater() {
	if d.cfg.RetryQueue == nil || d.cfg.Rest == nil {
		d.log.Warnf("No retry mechanism available. Waiting for the next wake-up")
		return
	}
	if !d.retryPending.CompareAndSwap(false, true) {
		d.log.Debugf("Retry fetch already pending")
		return
	}

	job := jobqueue.Job{
		Key: retryQueueKey,
		Work: func(ctx context.Context) error {
			d.retryPending.Store(false)
			t := time.NewTimer(d.cfg.RetryDelay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
			if !d.cfg.Retriever.RetrieveMessages(ctx, d.cfg.Rest) {
				return errRetryFailed
			}
			return nil
		},
	}
	if err := d.cfg.RetryQueue.Enqueue(job); err != nil {
		d.retryPending.Store(false)
		d.log.Errorf("Unable to enqueue retry fetch: %v", err)
		return
	}
	d.cfg.Stats.dispatch("fallback_retry")
}
