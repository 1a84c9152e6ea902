// Package protostore implements the ratchet ProtocolStore on top of a
// simple key-value store.
package protostore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/companyzero/msgpull/ratchet"
	"github.com/companyzero/msgpull/ratchet/disk"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
)

var errNotFound = fmt.Errorf("kv key %w", ratchet.ErrNotFound)

const keyLocalIdentity = "local/identity"

type localIdentity struct {
	Identity       *disk.IdentityKeyPair `json:"identity"`
	RegistrationID uint32                `json:"registrationID"`
}

// Config is the configuration for a Store.
type Config struct {
	// KV is where records are persisted.
	KV KV

	// LocalName is the name of the local user. Only the local identity
	// key is trusted for it.
	LocalName string

	Log slog.Logger

	// Now is used to timestamp identity changes. Defaults to time.Now.
	Now func() time.Time
}

// Store is a ratchet.ProtocolStore.
type Store struct {
	kv        KV
	localName string
	log       slog.Logger
	now       func() time.Time

	locks *xsync.MapOf[string, *sync.Mutex]

	// identityMtx serializes read-modify-write of identity records.
	identityMtx sync.Mutex

	localMtx sync.Mutex
	local    *ratchet.IdentityKeyPair
	regID    uint32
}

var _ ratchet.ProtocolStore = (*Store)(nil)

// New returns a new store.
func New(cfg Config) *Store {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:        cfg.KV,
		localName: cfg.LocalName,
		log:       log,
		now:       now,
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// LockAddress locks session operations for every device of the named user.
func (s *Store) LockAddress(name string) func() {
	mtx, _ := s.locks.LoadOrCompute(name, func() *sync.Mutex {
		return new(sync.Mutex)
	})
	mtx.Lock()
	return mtx.Unlock
}

func (s *Store) getJSON(key string, v interface{}) error {
	b, err := s.kv.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unable to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) putJSON(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(key, b)
}

// SetLocalIdentity stores the local identity and registration id.
func (s *Store) SetLocalIdentity(id *ratchet.IdentityKeyPair, regID uint32) error {
	s.localMtx.Lock()
	defer s.localMtx.Unlock()
	li := localIdentity{Identity: id.DiskState(), RegistrationID: regID}
	if err := s.putJSON(keyLocalIdentity, li); err != nil {
		return err
	}
	s.local, s.regID = id, regID
	s.log.Infof("Stored local identity %s (registration id %d)",
		id.Public.Fingerprint(), regID)
	return nil
}

// HasLocalIdentity returns true if a local identity was stored.
func (s *Store) HasLocalIdentity() (bool, error) {
	_, err := s.loadLocal()
	if errors.Is(err, ratchet.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) loadLocal() (*ratchet.IdentityKeyPair, error) {
	s.localMtx.Lock()
	defer s.localMtx.Unlock()
	if s.local != nil {
		return s.local, nil
	}
	var li localIdentity
	if err := s.getJSON(keyLocalIdentity, &li); err != nil {
		return nil, err
	}
	if li.Identity == nil {
		return nil, fmt.Errorf("local identity %w", ratchet.ErrNotFound)
	}
	id, err := ratchet.IdentityKeyPairFromDisk(li.Identity)
	if err != nil {
		return nil, err
	}
	s.local, s.regID = id, li.RegistrationID
	return id, nil
}

func (s *Store) IdentityKeyPair() (*ratchet.IdentityKeyPair, error) {
	return s.loadLocal()
}

func (s *Store) LocalRegistrationID() (uint32, error) {
	if _, err := s.loadLocal(); err != nil {
		return 0, err
	}
	s.localMtx.Lock()
	defer s.localMtx.Unlock()
	return s.regID, nil
}

// Close closes the underlying KV.
func (s *Store) Close() error {
	return s.kv.Close()
}
