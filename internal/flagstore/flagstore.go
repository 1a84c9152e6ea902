// Package flagstore persists the process-wide fetch flags that must survive
// a restart.
package flagstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/msgpull/internal/jsonfile"
	"github.com/decred/slog"
)

const flagsFilename = "fetchflags.json"

type flags struct {
	NeedsMessagePull bool      `json:"needs_message_pull"`
	SetAt            time.Time `json:"set_at,omitempty"`
	LastSuccess      time.Time `json:"last_success,omitempty"`
}

// Store is a file backed flag store. The zero value is not usable; use New.
type Store struct {
	fname string
	log   slog.Logger

	mtx    sync.Mutex
	cached *flags
}

// New returns a store that keeps its flags inside dir.
func New(dir string, log slog.Logger) *Store {
	if log == nil {
		log = slog.Disabled
	}
	return &Store{fname: filepath.Join(dir, flagsFilename), log: log}
}

// load must be called with mtx held.
func (s *Store) load() (*flags, error) {
	if s.cached != nil {
		return s.cached, nil
	}
	f := new(flags)
	err := jsonfile.Read(s.fname, f)
	if err != nil && !errors.Is(err, jsonfile.ErrNotFound) {
		return nil, fmt.Errorf("unable to load fetch flags: %w", err)
	}
	s.cached = f
	return f, nil
}

// SetNeedsMessagePull persists the flag that signals a fetch is in progress.
// The write is durable before this returns.
func (s *Store) SetNeedsMessagePull(v bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	old, err := s.load()
	if err != nil {
		return err
	}
	f := *old
	f.NeedsMessagePull = v
	if v {
		f.SetAt = time.Now()
	} else {
		f.LastSuccess = time.Now()
	}
	if err := jsonfile.Write(s.fname, &f, s.log); err != nil {
		return fmt.Errorf("unable to store fetch flags: %w", err)
	}
	s.cached = &f
	return nil
}

// NeedsMessagePull returns the persisted flag.
func (s *Store) NeedsMessagePull() (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	f, err := s.load()
	if err != nil {
		return false, err
	}
	return f.NeedsMessagePull, nil
}

// LastSuccess returns the time the flag was last cleared, which is the end
// of the last successful fetch.
func (s *Store) LastSuccess() (time.Time, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	f, err := s.load()
	if err != nil {
		return time.Time{}, err
	}
	return f.LastSuccess, nil
}
