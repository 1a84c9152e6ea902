package protostore

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/companyzero/msgpull/ratchet"
	"github.com/companyzero/msgpull/ratchet/disk"
)

func sessionPrefix(name string) string {
	return "session/" + url.PathEscape(name) + "/"
}

func sessionKey(addr ratchet.Address) string {
	return sessionPrefix(addr.Name) + strconv.FormatUint(uint64(addr.DeviceID), 10)
}

func (s *Store) LoadSession(addr ratchet.Address) (*ratchet.SessionRecord, error) {
	var d disk.SessionRecord
	err := s.getJSON(sessionKey(addr), &d)
	if errors.Is(err, ratchet.ErrNotFound) {
		return ratchet.NewSessionRecord(), nil
	}
	if err != nil {
		return nil, err
	}
	return ratchet.SessionRecordFromDisk(&d)
}

func (s *Store) StoreSession(addr ratchet.Address, rec *ratchet.SessionRecord) error {
	return s.putJSON(sessionKey(addr), rec.DiskState())
}

// ContainsSession returns true if there is a session with addr that can be
// used to encrypt.
func (s *Store) ContainsSession(addr ratchet.Address) (bool, error) {
	_, err := s.kv.Get(sessionKey(addr))
	if errors.Is(err, ratchet.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec, err := s.LoadSession(addr)
	if err != nil {
		return false, err
	}
	state := rec.SessionState()
	return state.HasSenderChain() && state.Version() == ratchet.CurrentVersion, nil
}

func (s *Store) DeleteSession(addr ratchet.Address) error {
	return s.kv.Delete(sessionKey(addr))
}

func (s *Store) DeleteAllSessions(name string) error {
	devices, err := s.devices(name)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if err := s.DeleteSession(ratchet.NewAddress(name, dev)); err != nil {
			return err
		}
	}
	return nil
}

// devices returns the ids of every device of the user with a stored session.
func (s *Store) devices(name string) ([]uint32, error) {
	prefix := sessionPrefix(name)
	keys, err := s.kv.Keys(prefix)
	if err != nil {
		return nil, err
	}
	res := make([]uint32, 0, len(keys))
	for _, k := range keys {
		suffix := strings.TrimPrefix(k, prefix)
		dev, err := strconv.ParseUint(suffix, 10, 32)
		if err != nil {
			continue
		}
		res = append(res, uint32(dev))
	}
	return res, nil
}

// SubDeviceSessions returns the devices of the user with sessions, other
// than the primary device 1.
func (s *Store) SubDeviceSessions(name string) ([]uint32, error) {
	devices, err := s.devices(name)
	if err != nil {
		return nil, err
	}
	res := devices[:0]
	for _, dev := range devices {
		if dev != 1 {
			res = append(res, dev)
		}
	}
	return res, nil
}

// ArchiveSiblingSessions archives the current session state of every device
// of addr's user other than addr itself.
//
// Called with the address lock for addr.Name held.
func (s *Store) ArchiveSiblingSessions(addr ratchet.Address) error {
	devices, err := s.devices(addr.Name)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if dev == addr.DeviceID {
			continue
		}
		sibling := ratchet.NewAddress(addr.Name, dev)
		rec, err := s.LoadSession(sibling)
		if err != nil {
			return err
		}
		rec.ArchiveCurrentState()
		if err := s.StoreSession(sibling, rec); err != nil {
			return err
		}
		s.log.Debugf("Archived session with sibling %s", sibling)
	}
	return nil
}
