package protostore

import (
	"errors"
	"time"

	"github.com/companyzero/msgpull/ratchet"
)

// NonBlockingApprovalThreshold is how long after an identity change sending
// to the user requires approval.
const NonBlockingApprovalThreshold = 5 * time.Second

// VerifiedStatus is the user-facing verification state of an identity.
type VerifiedStatus int

const (
	VerifiedDefault VerifiedStatus = iota
	VerifiedVerified
	VerifiedUnverified
)

func (v VerifiedStatus) String() string {
	switch v {
	case VerifiedDefault:
		return "default"
	case VerifiedVerified:
		return "verified"
	case VerifiedUnverified:
		return "unverified"
	default:
		return "unknown"
	}
}

// IdentityRecord is the stored identity of a remote user.
type IdentityRecord struct {
	Name                string
	IdentityKey         ratchet.IdentityKey
	FirstUse            bool
	Timestamp           time.Time
	Verified            VerifiedStatus
	NonBlockingApproval bool
}

type identityJSON struct {
	Key                 []byte         `json:"key"`
	FirstUse            bool           `json:"firstUse"`
	Timestamp           int64          `json:"timestamp"`
	Verified            VerifiedStatus `json:"verified"`
	NonBlockingApproval bool           `json:"nonBlockingApproval"`
}

func identityKey(name string) string {
	return "identity/" + name
}

// IdentityRecord returns the stored record for the user or nil.
func (s *Store) IdentityRecord(name string) (*IdentityRecord, error) {
	var ij identityJSON
	err := s.getJSON(identityKey(name), &ij)
	if errors.Is(err, ratchet.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key, err := ratchet.IdentityKeyFromBytes(ij.Key)
	if err != nil {
		return nil, err
	}
	return &IdentityRecord{
		Name:                name,
		IdentityKey:         key,
		FirstUse:            ij.FirstUse,
		Timestamp:           time.UnixMilli(ij.Timestamp),
		Verified:            ij.Verified,
		NonBlockingApproval: ij.NonBlockingApproval,
	}, nil
}

func (s *Store) putIdentityRecord(r *IdentityRecord) error {
	return s.putJSON(identityKey(r.Name), identityJSON{
		Key:                 r.IdentityKey.Bytes(),
		FirstUse:            r.FirstUse,
		Timestamp:           r.Timestamp.UnixMilli(),
		Verified:            r.Verified,
		NonBlockingApproval: r.NonBlockingApproval,
	})
}

func (s *Store) nonBlockingApprovalRequired(r *IdentityRecord) bool {
	return !r.FirstUse && !r.NonBlockingApproval &&
		s.now().Sub(r.Timestamp) < NonBlockingApprovalThreshold
}

func (s *Store) Identity(addr ratchet.Address) (*ratchet.IdentityKey, error) {
	r, err := s.IdentityRecord(addr.Name)
	if err != nil || r == nil {
		return nil, err
	}
	return &r.IdentityKey, nil
}

// SaveIdentity stores the identity of the user of addr. When this replaces
// a different key, the sessions with every other device of the user are
// archived and true is returned.
//
// Callers that use sessions hold the address lock for addr.Name.
func (s *Store) SaveIdentity(addr ratchet.Address, key ratchet.IdentityKey) (bool, error) {
	s.identityMtx.Lock()
	defer s.identityMtx.Unlock()

	r, err := s.IdentityRecord(addr.Name)
	if err != nil {
		return false, err
	}

	now := s.now()
	switch {
	case r == nil:
		s.log.Debugf("Saving first use identity for %s (%s)", addr.Name,
			key.Fingerprint())
		return false, s.putIdentityRecord(&IdentityRecord{
			Name:        addr.Name,
			IdentityKey: key,
			FirstUse:    true,
			Timestamp:   now,
			Verified:    VerifiedDefault,
		})

	case !r.IdentityKey.Equal(key):
		verified := VerifiedDefault
		if r.Verified == VerifiedVerified || r.Verified == VerifiedUnverified {
			verified = VerifiedUnverified
		}
		s.log.Infof("Identity of %s changed from %s to %s", addr.Name,
			r.IdentityKey.Fingerprint(), key.Fingerprint())
		err := s.putIdentityRecord(&IdentityRecord{
			Name:        addr.Name,
			IdentityKey: key,
			Timestamp:   now,
			Verified:    verified,
		})
		if err != nil {
			return false, err
		}
		if err := s.ArchiveSiblingSessions(addr); err != nil {
			return true, err
		}
		return true, nil

	case s.nonBlockingApprovalRequired(r):
		r.NonBlockingApproval = true
		return false, s.putIdentityRecord(r)
	}

	return false, nil
}

// SetVerified sets the verification status of the user's identity. It is a
// no-op when key is not the stored identity.
func (s *Store) SetVerified(name string, key ratchet.IdentityKey, status VerifiedStatus) error {
	s.identityMtx.Lock()
	defer s.identityMtx.Unlock()

	r, err := s.IdentityRecord(name)
	if err != nil {
		return err
	}
	if r == nil || !r.IdentityKey.Equal(key) {
		return nil
	}
	r.Verified = status
	return s.putIdentityRecord(r)
}

// SetApproval sets whether sending to a recently changed identity was
// approved without blocking.
func (s *Store) SetApproval(name string, nonBlocking bool) error {
	s.identityMtx.Lock()
	defer s.identityMtx.Unlock()

	r, err := s.IdentityRecord(name)
	if err != nil || r == nil {
		return err
	}
	r.NonBlockingApproval = nonBlocking
	return s.putIdentityRecord(r)
}

// IsTrustedIdentity returns whether key is trusted for the user of addr.
// The local user only trusts the local identity. Received messages are
// always trusted; sending requires a known (or first use), not unverified
// and not freshly changed identity.
func (s *Store) IsTrustedIdentity(addr ratchet.Address, key ratchet.IdentityKey, dir ratchet.Direction) (bool, error) {
	if addr.Name == s.localName {
		local, err := s.IdentityKeyPair()
		if err != nil {
			return false, err
		}
		return local.Public.Equal(key), nil
	}

	switch dir {
	case ratchet.DirectionReceiving:
		return true, nil

	case ratchet.DirectionSending:
		s.identityMtx.Lock()
		defer s.identityMtx.Unlock()

		r, err := s.IdentityRecord(addr.Name)
		if err != nil {
			return false, err
		}
		switch {
		case r == nil:
			return true, nil
		case !r.IdentityKey.Equal(key):
			s.log.Debugf("Identity key for %s differs from stored key", addr.Name)
			return false, nil
		case r.Verified == VerifiedUnverified:
			s.log.Debugf("Identity key for %s is unverified", addr.Name)
			return false, nil
		case s.nonBlockingApprovalRequired(r):
			s.log.Debugf("Identity key for %s changed too recently", addr.Name)
			return false, nil
		}
		return true, nil
	}

	return false, nil
}
