package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/companyzero/msgpull/fetch"
)

func parsePriority(s string) (fetch.Priority, error) {
	switch s {
	case "", "unknown":
		return fetch.PriorityUnknown, nil
	case "normal":
		return fetch.PriorityNormal, nil
	case "high":
		return fetch.PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// boolParam parses an optional bool query param.
func boolParam(r *http.Request, name string) (v, ok bool, err error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, false, nil
	}
	v, err = strconv.ParseBool(s)
	if err != nil {
		return false, false, fmt.Errorf("invalid %s: %v", name, err)
	}
	return v, true, nil
}

// handlePush receives wake-ups: POST /push?priority=high&reason=...
func (d *daemon) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	prio, err := parsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "push"
	}

	// The fetch outlives the request.
	kind, _ := d.dispatcher.OnPush(d.runCtx, fetch.WakeUp{Priority: prio, Reason: reason})
	writeJSON(w, struct {
		Vehicle string `json:"vehicle"`
	}{kind.String()})
}

// handleState updates app visibility and network conditions:
// POST /state?foreground=1&network=0&idle=1. Omitted params are unchanged.
func (d *daemon) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		params := []struct {
			name string
			set  func(bool)
		}{
			{"foreground", d.app.SetForeground},
			{"network", d.app.SetNetworkAvailable},
			{"idle", d.app.SetIdle},
		}
		for _, p := range params {
			v, ok, err := boolParam(r, p.name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if ok {
				p.set(v)
			}
		}
	} else if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, struct {
		Foreground bool     `json:"foreground"`
		Censored   bool     `json:"censored"`
		Network    bool     `json:"network"`
		Idle       bool     `json:"idle"`
		Scheduled  []string `json:"scheduled"`
	}{
		Foreground: d.app.IsAppForeground(),
		Censored:   d.app.IsNetworkCensored(),
		Network:    d.app.IsNetworkAvailable(),
		Idle:       d.app.IsIdle(),
		Scheduled:  d.sched.Pending(),
	})
}

func (d *daemon) wakeUpMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/push", d.handlePush)
	mux.HandleFunc("/state", d.handleState)
	return mux
}
