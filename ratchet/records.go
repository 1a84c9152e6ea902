package ratchet

import (
	"fmt"
	"io"
	"time"

	"github.com/companyzero/msgpull/ratchet/disk"
	"golang.org/x/crypto/ed25519"
)

// MaxPreKeyID is the largest pre-key id. Ids wrap around after it.
const MaxPreKeyID = 0xFFFFFE

// PreKeyRecord is a one-time pre-key.
type PreKeyRecord struct {
	ID      uint32
	KeyPair KeyPair
}

// GeneratePreKeys generates count one-time pre-keys with sequential ids
// starting at start.
func GeneratePreKeys(rand io.Reader, start, count uint32) ([]*PreKeyRecord, error) {
	res := make([]*PreKeyRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		kp, err := GenerateKeyPair(rand)
		if err != nil {
			return nil, err
		}
		id := ((start + i - 1) % MaxPreKeyID) + 1
		res = append(res, &PreKeyRecord{ID: id, KeyPair: *kp})
	}
	return res, nil
}

func (r *PreKeyRecord) DiskState() *disk.PreKeyRecord {
	return &disk.PreKeyRecord{
		ID:      r.ID,
		Public:  append([]byte(nil), r.KeyPair.Public[:]...),
		Private: append([]byte(nil), r.KeyPair.Private[:]...),
	}
}

// PreKeyRecordFromDisk decodes a pre-key stored with DiskState.
func PreKeyRecordFromDisk(d *disk.PreKeyRecord) (*PreKeyRecord, error) {
	pub, err := publicKeyFromBytes(d.Public)
	if err != nil {
		return nil, err
	}
	priv, err := privateKeyFromBytes(d.Private)
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: d.ID, KeyPair: KeyPair{Public: pub, Private: priv}}, nil
}

// SignedPreKeyRecord is a medium term pre-key signed by the identity key.
type SignedPreKeyRecord struct {
	ID        uint32
	Timestamp time.Time
	KeyPair   KeyPair
	Signature []byte
}

// GenerateSignedPreKey generates a new signed pre-key with the given id.
func GenerateSignedPreKey(rand io.Reader, identity *IdentityKeyPair, id uint32) (*SignedPreKeyRecord, error) {
	kp, err := GenerateKeyPair(rand)
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		ID:        id,
		Timestamp: time.Now(),
		KeyPair:   *kp,
		Signature: identity.Sign(kp.Public[:]),
	}, nil
}

func (r *SignedPreKeyRecord) DiskState() *disk.SignedPreKeyRecord {
	return &disk.SignedPreKeyRecord{
		ID:        r.ID,
		Timestamp: r.Timestamp.UnixMilli(),
		Public:    append([]byte(nil), r.KeyPair.Public[:]...),
		Private:   append([]byte(nil), r.KeyPair.Private[:]...),
		Signature: append([]byte(nil), r.Signature...),
	}
}

// SignedPreKeyRecordFromDisk decodes a signed pre-key stored with DiskState.
func SignedPreKeyRecordFromDisk(d *disk.SignedPreKeyRecord) (*SignedPreKeyRecord, error) {
	pub, err := publicKeyFromBytes(d.Public)
	if err != nil {
		return nil, err
	}
	priv, err := privateKeyFromBytes(d.Private)
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		ID:        d.ID,
		Timestamp: time.UnixMilli(d.Timestamp),
		KeyPair:   KeyPair{Public: pub, Private: priv},
		Signature: d.Signature,
	}, nil
}

func (p *IdentityKeyPair) DiskState() *disk.IdentityKeyPair {
	return &disk.IdentityKeyPair{
		Public:      p.Public.Bytes(),
		DHPrivate:   append([]byte(nil), p.DHPrivate[:]...),
		SignPrivate: append([]byte(nil), p.SignPrivate...),
	}
}

// IdentityKeyPairFromDisk decodes an identity stored with DiskState.
func IdentityKeyPairFromDisk(d *disk.IdentityKeyPair) (*IdentityKeyPair, error) {
	pub, err := IdentityKeyFromBytes(d.Public)
	if err != nil {
		return nil, err
	}
	priv, err := privateKeyFromBytes(d.DHPrivate)
	if err != nil {
		return nil, err
	}
	if len(d.SignPrivate) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: signing key has %d bytes", ErrInvalidKey,
			len(d.SignPrivate))
	}
	return &IdentityKeyPair{
		Public:      pub,
		DHPrivate:   priv,
		SignPrivate: ed25519.PrivateKey(d.SignPrivate),
	}, nil
}

// PreKeyBundle is the set of public keys published by a remote device,
// used to start a session with it.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       uint32

	// PreKey is nil when the server ran out of one-time pre-keys for the
	// device.
	PreKeyID uint32
	PreKey   *PublicKey

	SignedPreKeyID        uint32
	SignedPreKey          PublicKey
	SignedPreKeySignature []byte

	IdentityKey IdentityKey
}
