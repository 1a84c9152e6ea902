package fetch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats holds the fetch pipeline metrics. A nil *Stats is valid and records
// nothing.
type Stats struct {
	reg *prometheus.Registry

	fetches       *prometheus.CounterVec
	strategyRuns  *prometheus.CounterVec
	envelopes     *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	dispatches    *prometheus.CounterVec
	wakeLockHeld  prometheus.Gauge
}

// NewStats creates the metrics on a new registry that also exports process
// and Go runtime metrics.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Stats{
		reg: reg,

		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgpull_fetches",
			Help: "Fetch attempts by result (success, failure, skipped_foreground, in_flight)",
		}, []string{"result"}),
		strategyRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgpull_strategy_runs",
			Help: "Strategy executions by strategy and result",
		}, []string{"strategy", "result"}),
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgpull_envelopes",
			Help: "Envelopes processed by result (queued, dropped)",
		}, []string{"result"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "msgpull_fetch_duration_seconds",
			Help:    "Duration of the fetch critical section",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgpull_dispatches",
			Help: "Wake-up dispatch decisions by vehicle",
		}, []string{"vehicle"}),
		wakeLockHeld: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgpull_wakelock_holders",
			Help: "Number of current wake lock holders",
		}),
	}
}

// Registry returns the registry where metrics are registered.
func (s *Stats) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.reg
}

func (s *Stats) fetch(result string) {
	if s == nil {
		return
	}
	s.fetches.With(prometheus.Labels{"result": result}).Inc()
}

func (s *Stats) strategyRun(strategy string, ok bool) {
	if s == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	s.strategyRuns.With(prometheus.Labels{"strategy": strategy, "result": result}).Inc()
}

func (s *Stats) envelope(result string) {
	if s == nil {
		return
	}
	s.envelopes.With(prometheus.Labels{"result": result}).Inc()
}

func (s *Stats) fetchTime(d time.Duration) {
	if s == nil {
		return
	}
	s.fetchDuration.Observe(d.Seconds())
}

func (s *Stats) dispatch(vehicle string) {
	if s == nil {
		return
	}
	s.dispatches.With(prometheus.Labels{"vehicle": vehicle}).Inc()
}

func (s *Stats) wakeLock(delta float64) {
	if s == nil {
		return
	}
	s.wakeLockHeld.Add(delta)
}
