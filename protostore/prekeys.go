package protostore

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/companyzero/msgpull/ratchet"
	"github.com/companyzero/msgpull/ratchet/disk"
)

func preKeyKey(id uint32) string {
	return fmt.Sprintf("prekey/%08x", id)
}

func signedPreKeyKey(id uint32) string {
	return fmt.Sprintf("signedprekey/%08x", id)
}

func (s *Store) LoadPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	var d disk.PreKeyRecord
	err := s.getJSON(preKeyKey(id), &d)
	if errors.Is(err, ratchet.ErrNotFound) {
		return nil, fmt.Errorf("%w: no pre-key %d", ratchet.ErrInvalidKeyID, id)
	}
	if err != nil {
		return nil, err
	}
	return ratchet.PreKeyRecordFromDisk(&d)
}

func (s *Store) StorePreKey(id uint32, rec *ratchet.PreKeyRecord) error {
	return s.putJSON(preKeyKey(id), rec.DiskState())
}

func (s *Store) ContainsPreKey(id uint32) (bool, error) {
	_, err := s.kv.Get(preKeyKey(id))
	if errors.Is(err, ratchet.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) RemovePreKey(id uint32) error {
	return s.kv.Delete(preKeyKey(id))
}

// PreKeyCount returns the number of stored one-time pre-keys.
func (s *Store) PreKeyCount() (int, error) {
	keys, err := s.kv.Keys("prekey/")
	return len(keys), err
}

func (s *Store) LoadSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	var d disk.SignedPreKeyRecord
	err := s.getJSON(signedPreKeyKey(id), &d)
	if errors.Is(err, ratchet.ErrNotFound) {
		return nil, fmt.Errorf("%w: no signed pre-key %d", ratchet.ErrInvalidKeyID, id)
	}
	if err != nil {
		return nil, err
	}
	return ratchet.SignedPreKeyRecordFromDisk(&d)
}

func (s *Store) LoadSignedPreKeys() ([]*ratchet.SignedPreKeyRecord, error) {
	keys, err := s.kv.Keys("signedprekey/")
	if err != nil {
		return nil, err
	}
	res := make([]*ratchet.SignedPreKeyRecord, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseUint(k[len("signedprekey/"):], 16, 32)
		if err != nil {
			s.log.Warnf("Skipping signed pre-key with invalid key %q", k)
			continue
		}
		rec, err := s.LoadSignedPreKey(uint32(id))
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func (s *Store) StoreSignedPreKey(id uint32, rec *ratchet.SignedPreKeyRecord) error {
	return s.putJSON(signedPreKeyKey(id), rec.DiskState())
}

func (s *Store) ContainsSignedPreKey(id uint32) (bool, error) {
	_, err := s.kv.Get(signedPreKeyKey(id))
	if errors.Is(err, ratchet.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) RemoveSignedPreKey(id uint32) error {
	return s.kv.Delete(signedPreKeyKey(id))
}
