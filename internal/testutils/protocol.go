package testutils

import (
	"crypto/rand"
	"testing"

	"github.com/companyzero/msgpull/protostore"
	"github.com/companyzero/msgpull/ratchet"
)

// ProtocolUser is a local user with a fully set up protocol store.
type ProtocolUser struct {
	Addr         ratchet.Address
	Store        *protostore.Store
	Identity     *ratchet.IdentityKeyPair
	RegID        uint32
	SignedPreKey *ratchet.SignedPreKeyRecord
	PreKeys      []*ratchet.PreKeyRecord
}

// NewProtocolUser creates a user with an in-memory store, an identity, a
// signed pre-key (id 1) and 10 one-time pre-keys (ids 1-10).
func NewProtocolUser(t testing.TB, name string, deviceID uint32) *ProtocolUser {
	t.Helper()
	id, err := ratchet.GenerateIdentityKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return newProtocolUser(t, name, deviceID, id)
}

// NewProtocolDevice creates another device of u's user, sharing its
// identity but with its own store and pre-keys.
func NewProtocolDevice(t testing.TB, u *ProtocolUser, deviceID uint32) *ProtocolUser {
	t.Helper()
	return newProtocolUser(t, u.Addr.Name, deviceID, u.Identity)
}

func newProtocolUser(t testing.TB, name string, deviceID uint32, id *ratchet.IdentityKeyPair) *ProtocolUser {
	store := protostore.New(protostore.Config{
		KV:        protostore.NewMemKV(),
		LocalName: name,
		Log:       TestLoggerSys(t, "STOR"),
	})
	regID := uint32(1000 + deviceID)
	if err := store.SetLocalIdentity(id, regID); err != nil {
		t.Fatal(err)
	}
	spk, err := ratchet.GenerateSignedPreKey(rand.Reader, id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.StoreSignedPreKey(spk.ID, spk); err != nil {
		t.Fatal(err)
	}
	pks, err := ratchet.GeneratePreKeys(rand.Reader, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, pk := range pks {
		if err := store.StorePreKey(pk.ID, pk); err != nil {
			t.Fatal(err)
		}
	}
	return &ProtocolUser{
		Addr:         ratchet.NewAddress(name, deviceID),
		Store:        store,
		Identity:     id,
		RegID:        regID,
		SignedPreKey: spk,
		PreKeys:      pks,
	}
}

// Bundle returns the user's pre-key bundle using the one-time pre-key at
// index i of PreKeys, or no one-time pre-key when i < 0.
func (u *ProtocolUser) Bundle(i int) *ratchet.PreKeyBundle {
	b := &ratchet.PreKeyBundle{
		RegistrationID:        u.RegID,
		DeviceID:              u.Addr.DeviceID,
		SignedPreKeyID:        u.SignedPreKey.ID,
		SignedPreKey:          u.SignedPreKey.KeyPair.Public,
		SignedPreKeySignature: u.SignedPreKey.Signature,
		IdentityKey:           u.Identity.Public,
	}
	if i >= 0 {
		pub := u.PreKeys[i].KeyPair.Public
		b.PreKeyID = u.PreKeys[i].ID
		b.PreKey = &pub
	}
	return b
}

// StartSession builds a session from u to other using other's bundle with
// one-time pre-key index i.
func (u *ProtocolUser) StartSession(t testing.TB, other *ProtocolUser, i int) {
	t.Helper()
	b := ratchet.NewSessionBuilder(u.Store, other.Addr)
	if err := b.ProcessBundle(other.Bundle(i)); err != nil {
		t.Fatal(err)
	}
}

// Encrypt encrypts plaintext for other with the existing session.
func (u *ProtocolUser) Encrypt(t testing.TB, other *ProtocolUser, plaintext []byte) ratchet.CiphertextMessage {
	t.Helper()
	msg, err := ratchet.NewSessionCipher(u.Store, other.Addr).Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}
