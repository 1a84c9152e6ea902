// Package timestats keeps a ring of recent durations and reports their
// quantiles.
package timestats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Tracker records the last N durations of an event source at millisecond
// resolution. It is safe for concurrent use and meant for low event rates.
type Tracker struct {
	mtx    sync.Mutex
	next   int
	total  int
	events []int64
}

// NewTracker returns a tracker that keeps the last n events.
func NewTracker(n int) *Tracker {
	if n < 1 {
		n = 1
	}
	return &Tracker{events: make([]int64, n)}
}

// Add records a new event duration.
func (t *Tracker) Add(d time.Duration) {
	t.mtx.Lock()
	t.events[t.next] = d.Milliseconds()
	t.next = (t.next + 1) % len(t.events)
	t.total++
	t.mtx.Unlock()
}

// Total is the number of events ever added.
func (t *Tracker) Total() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.total
}

// Quantile is the max duration (in ms) of the fastest N events.
type Quantile struct {
	Rel string
	N   int
	Max int64
}

var quantiles = []struct {
	num, den int
	rel      string
}{
	{1, 4, "25%"},
	{1, 2, "50%"},
	{3, 4, "75%"},
	{9, 10, "90%"},
	{99, 100, "99%"},
}

// Quantiles returns the quantiles of the tracked events, in increasing
// order. Quantiles that would repeat the previous max are omitted. The last
// entry is always the 100% quantile.
func (t *Tracker) Quantiles() []Quantile {
	t.mtx.Lock()
	n := t.total
	if n > len(t.events) {
		n = len(t.events)
	}
	sorted := slices.Clone(t.events[:n])
	t.mtx.Unlock()

	if n == 0 {
		return nil
	}
	slices.Sort(sorted)

	res := make([]Quantile, 0, len(quantiles)+1)
	for _, q := range quantiles {
		idx := n * q.num / q.den
		if idx >= n-1 {
			break
		}
		if len(res) > 0 && res[len(res)-1].Max == sorted[idx] {
			continue
		}
		res = append(res, Quantile{Rel: q.rel, N: idx + 1, Max: sorted[idx]})
	}
	return append(res, Quantile{Rel: "100%", N: n, Max: sorted[n-1]})
}

// String formats the quantiles for logging.
func (t *Tracker) String() string {
	qs := t.Quantiles()
	if len(qs) == 0 {
		return "no events"
	}
	var b strings.Builder
	for i, q := range qs {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s<=%dms", q.Rel, q.Max)
	}
	return b.String()
}
