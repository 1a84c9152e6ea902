// Package jobsched schedules persisted background jobs that run once their
// constraints are met and are retried with backoff until they succeed.
package jobsched

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/msgpull/internal/jsonfile"
	"github.com/decred/slog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const jobsFilename = "jobs.json"

// ErrUnsupported is returned by Schedule when the scheduler is disabled.
var ErrUnsupported = errors.New("job scheduling is not supported")

// Constraints define when a job may run.
type Constraints struct {
	// RequiresNetwork defers the job until the network is available.
	RequiresNetwork bool `json:"requires_network"`

	// Delay is the minimum time from scheduling to running.
	Delay time.Duration `json:"delay"`
}

// Handler runs a job. Returning false reschedules it with backoff.
type Handler func(ctx context.Context, jobID string) bool

type job struct {
	ID          string      `json:"id"`
	Constraints Constraints `json:"constraints"`
	Due         time.Time   `json:"due"`
	Attempts    int         `json:"attempts"`
}

// Config is the configuration for a Scheduler.
type Config struct {
	// Dir is where scheduled jobs are persisted. When empty, jobs do not
	// survive a restart.
	Dir string

	// Disabled makes Supported return false and Schedule fail.
	Disabled bool

	Handler Handler

	// NetworkAvailable is consulted for jobs that require the network.
	// Nil means the network is always available.
	NetworkAvailable func() bool

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Log slog.Logger
}

// Scheduler runs one job at a time, in due order.
type Scheduler struct {
	cfg Config
	log slog.Logger

	mtx  sync.Mutex
	jobs map[string]*job

	wake chan struct{}
}

// New creates a scheduler, loading any jobs persisted in cfg.Dir.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 10 * time.Minute
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}

	s := &Scheduler{
		cfg:  cfg,
		log:  log,
		jobs: make(map[string]*job),
		wake: make(chan struct{}, 1),
	}
	if cfg.Dir != "" {
		var jobs []*job
		err := jsonfile.Read(s.fname(), &jobs)
		if err != nil && !errors.Is(err, jsonfile.ErrNotFound) {
			return nil, fmt.Errorf("unable to load scheduled jobs: %w", err)
		}
		for _, j := range jobs {
			s.jobs[j.ID] = j
		}
		if len(jobs) > 0 {
			log.Infof("Loaded %d persisted scheduled jobs", len(jobs))
		}
	}
	return s, nil
}

func (s *Scheduler) fname() string {
	return filepath.Join(s.cfg.Dir, jobsFilename)
}

// persistLocked must be called with mtx held.
func (s *Scheduler) persistLocked() error {
	if s.cfg.Dir == "" {
		return nil
	}
	jobs := maps.Values(s.jobs)
	slices.SortFunc(jobs, func(a, b *job) int { return a.Due.Compare(b.Due) })
	return jsonfile.Write(s.fname(), jobs, s.log)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Supported returns whether jobs can be scheduled.
func (s *Scheduler) Supported() bool {
	return !s.cfg.Disabled
}

// Schedule adds a job. A pending job with the same id is replaced.
func (s *Scheduler) Schedule(jobID string, c Constraints) error {
	if s.cfg.Disabled {
		return ErrUnsupported
	}

	s.mtx.Lock()
	s.jobs[jobID] = &job{
		ID:          jobID,
		Constraints: c,
		Due:         time.Now().Add(c.Delay),
	}
	err := s.persistLocked()
	s.mtx.Unlock()
	if err != nil {
		return fmt.Errorf("unable to persist job %s: %w", jobID, err)
	}

	s.log.Debugf("Scheduled job %s (network %v, delay %s)", jobID,
		c.RequiresNetwork, c.Delay)
	s.signal()
	return nil
}

// Pending returns the ids of the jobs that have not completed yet.
func (s *Scheduler) Pending() []string {
	s.mtx.Lock()
	ids := maps.Keys(s.jobs)
	s.mtx.Unlock()
	slices.Sort(ids)
	return ids
}

// NetworkChanged must be called when the network availability changes so
// that jobs waiting on it are reconsidered.
func (s *Scheduler) NetworkChanged() {
	s.signal()
}

func (s *Scheduler) networkAvailable() bool {
	return s.cfg.NetworkAvailable == nil || s.cfg.NetworkAvailable()
}

// nextJob returns the next runnable job (if any) and how long to wait
// before checking again.
func (s *Scheduler) nextJob(now time.Time) (*job, time.Duration) {
	netOk := s.networkAvailable()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	var next *job
	for _, j := range s.jobs {
		if j.Constraints.RequiresNetwork && !netOk {
			continue
		}
		if next == nil || j.Due.Before(next.Due) {
			next = j
		}
	}
	if next == nil {
		return nil, -1
	}
	if wait := next.Due.Sub(now); wait > 0 {
		return nil, wait
	}
	cp := *next
	return &cp, 0
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 1; i < attempts && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

// finished updates the job table after j ran.
func (s *Scheduler) finished(j *job, ok bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	cur := s.jobs[j.ID]
	if cur == nil || !cur.Due.Equal(j.Due) {
		// Rescheduled while running. The new schedule stands.
		return
	}
	if ok {
		delete(s.jobs, j.ID)
	} else {
		cur.Attempts++
		cur.Due = time.Now().Add(s.backoff(cur.Attempts))
		s.log.Debugf("Job %s failed (attempt %d). Retrying at %s",
			j.ID, cur.Attempts, cur.Due.Format(time.RFC3339))
	}
	if err := s.persistLocked(); err != nil {
		s.log.Errorf("Unable to persist scheduled jobs: %v", err)
	}
}

// Run executes jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		j, wait := s.nextJob(time.Now())
		if j != nil {
			s.log.Debugf("Running job %s", j.ID)
			ok := s.cfg.Handler(ctx, j.ID)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.finished(j, ok)
			continue
		}

		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-timerC:
		case <-s.wake:
			if !timer.Stop() && timerC != nil {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
