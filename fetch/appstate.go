package fetch

import (
	"sync"
	"sync/atomic"
)

// AppState tracks the visibility and network state of the app. The zero
// value is a background app with the network available.
type AppState struct {
	foreground     atomic.Bool
	censored       atomic.Bool
	networkMissing atomic.Bool
	idle           atomic.Bool

	mtx             sync.Mutex
	networkHandlers []func(available bool)
}

func (s *AppState) IsAppForeground() bool   { return s.foreground.Load() }
func (s *AppState) IsNetworkCensored() bool { return s.censored.Load() }
func (s *AppState) IsNetworkAvailable() bool {
	return !s.networkMissing.Load()
}
func (s *AppState) IsIdle() bool { return s.idle.Load() }

func (s *AppState) SetForeground(v bool)      { s.foreground.Store(v) }
func (s *AppState) SetNetworkCensored(v bool) { s.censored.Store(v) }
func (s *AppState) SetIdle(v bool)            { s.idle.Store(v) }

// SetNetworkAvailable updates the network state and calls the registered
// handlers if it changed.
func (s *AppState) SetNetworkAvailable(v bool) {
	if s.networkMissing.Swap(!v) == !v {
		return
	}
	s.mtx.Lock()
	handlers := append([]func(bool){}, s.networkHandlers...)
	s.mtx.Unlock()
	for _, h := range handlers {
		h(v)
	}
}

// OnNetworkChange registers a handler for network availability changes.
func (s *AppState) OnNetworkChange(h func(available bool)) {
	s.mtx.Lock()
	s.networkHandlers = append(s.networkHandlers, h)
	s.mtx.Unlock()
}
