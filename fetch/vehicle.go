package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/companyzero/msgpull/internal/jobsched"
	"github.com/decred/slog"
)

// VehicleKind identifies the class of an execution vehicle.
type VehicleKind int

const (
	// VehicleForeground is a heavier vehicle that the host keeps alive
	// with priority. Its use is rate limited.
	VehicleForeground VehicleKind = iota

	// VehicleBackground is a best-effort vehicle.
	VehicleBackground

	// VehicleScheduled defers the fetch to the job scheduler.
	VehicleScheduled
)

func (k VehicleKind) String() string {
	switch k {
	case VehicleForeground:
		return "foreground"
	case VehicleBackground:
		return "background"
	case VehicleScheduled:
		return "scheduled"
	default:
		return fmt.Sprintf("vehicle(%d)", int(k))
	}
}

// Work is a unit of work run by a vehicle. It returns true on success.
type Work func(ctx context.Context) bool

// Handle tracks launched work.
type Handle struct {
	done chan struct{}
	ok   bool
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func finishedHandle(ok bool, err error) *Handle {
	h := newHandle()
	h.finish(ok, err)
	return h
}

func (h *Handle) finish(ok bool, err error) {
	h.ok, h.err = ok, err
	close(h.done)
}

// Done is closed once the work completed or was replaced.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the work completes. It returns ErrReplaced if the work
// never ran because newer work replaced it and ErrDeferred if it was handed
// to the job scheduler.
func (h *Handle) Wait(ctx context.Context) (bool, error) {
	select {
	case <-h.done:
		return h.ok, h.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Vehicle runs work in a context that outlives the caller.
type Vehicle interface {
	Kind() VehicleKind
	Supported() bool
	Launch(work Work) (*Handle, error)
}

// LaunchGate decides if a vehicle may be launched right now. A non nil
// error causes Launch to fail with ErrVehicleUnavailable.
type LaunchGate func(kind VehicleKind) error

// ServiceVehicleConfig is the configuration for a ServiceVehicle.
type ServiceVehicleConfig struct {
	Kind     VehicleKind
	Disabled bool
	Gate     LaunchGate

	// WakeLock is held while work runs, for at most KeepAliveTimeout.
	WakeLock         *WakeLock
	KeepAliveTimeout time.Duration

	Log slog.Logger
}

type pendingWork struct {
	work   Work
	handle *Handle
}

// ServiceVehicle runs at most one unit of work at a time, with at most one
// more waiting. Launching while work is already waiting replaces the
// waiting work. Running work is never interrupted.
type ServiceVehicle struct {
	cfg ServiceVehicleConfig
	ctx context.Context
	log slog.Logger

	mtx     sync.Mutex
	running bool
	pending *pendingWork

	wg sync.WaitGroup
}

// NewServiceVehicle creates a vehicle whose work runs with ctx.
func NewServiceVehicle(ctx context.Context, cfg ServiceVehicleConfig) *ServiceVehicle {
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = 3 * DefaultWakeLockTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &ServiceVehicle{cfg: cfg, ctx: ctx, log: log}
}

func (v *ServiceVehicle) Kind() VehicleKind { return v.cfg.Kind }

func (v *ServiceVehicle) Supported() bool { return !v.cfg.Disabled }

func (v *ServiceVehicle) Launch(work Work) (*Handle, error) {
	if v.cfg.Disabled {
		return nil, fmt.Errorf("%w: %s vehicle disabled", ErrVehicleUnavailable, v.cfg.Kind)
	}
	if err := v.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVehicleUnavailable, err)
	}
	if v.cfg.Gate != nil {
		if err := v.cfg.Gate(v.cfg.Kind); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVehicleUnavailable, err)
		}
	}

	pw := &pendingWork{work: work, handle: newHandle()}
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.running {
		if v.pending != nil {
			v.log.Debugf("Replacing pending %s work", v.cfg.Kind)
			v.pending.handle.finish(false, ErrReplaced)
		}
		v.pending = pw
		return pw.handle, nil
	}
	v.running = true
	v.wg.Add(1)
	go v.run(pw)
	return pw.handle, nil
}

func (v *ServiceVehicle) run(pw *pendingWork) {
	defer v.wg.Done()
	if v.cfg.WakeLock != nil {
		release := v.cfg.WakeLock.Acquire("vehicle:"+v.cfg.Kind.String(),
			v.cfg.KeepAliveTimeout)
		defer release()
	}

	for pw != nil {
		ok := pw.work(v.ctx)
		pw.handle.finish(ok, nil)

		v.mtx.Lock()
		pw, v.pending = v.pending, nil
		if pw == nil {
			v.running = false
		}
		v.mtx.Unlock()
	}
}

// Wait blocks until no work is running.
func (v *ServiceVehicle) Wait() {
	v.wg.Wait()
}

// jobschedConstraints are the constraints of the FetchJobID job.
func jobschedConstraints() jobsched.Constraints {
	return jobsched.Constraints{RequiresNetwork: true}
}

// ScheduledVehicle hands fetches to the job scheduler as the FetchJobID job.
// The scheduler runs the job through Dispatcher.OnScheduledJob.
type ScheduledVehicle struct {
	sched JobScheduler
}

// NewScheduledVehicle creates a vehicle backed by sched, which may be nil.
func NewScheduledVehicle(sched JobScheduler) *ScheduledVehicle {
	return &ScheduledVehicle{sched: sched}
}

func (v *ScheduledVehicle) Kind() VehicleKind { return VehicleScheduled }

func (v *ScheduledVehicle) Supported() bool {
	return v.sched != nil && v.sched.Supported()
}

func (v *ScheduledVehicle) schedule() error {
	if !v.Supported() {
		return fmt.Errorf("%w: job scheduling not supported", ErrVehicleUnavailable)
	}
	return v.sched.Schedule(FetchJobID, jobschedConstraints())
}

// Launch schedules the fetch job. work is not used: scheduled jobs always
// run the dispatcher's scheduled fetch.
func (v *ScheduledVehicle) Launch(work Work) (*Handle, error) {
	if err := v.schedule(); err != nil {
		return nil, err
	}
	return finishedHandle(false, ErrDeferred), nil
}
