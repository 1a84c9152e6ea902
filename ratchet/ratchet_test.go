// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
	"github.com/companyzero/msgpull/ratchet"
)

// deliver decrypts msg (serialized and parsed back) at the receiver.
func deliver(t testing.TB, to, from *testutils.ProtocolUser, msg ratchet.CiphertextMessage) ([]byte, error) {
	t.Helper()
	cipher := ratchet.NewSessionCipher(to.Store, from.Addr)
	switch msg.Type() {
	case ratchet.PreKeyType:
		pkm, err := ratchet.ParsePreKeySignalMessage(msg.Serialize())
		if err != nil {
			t.Fatal(err)
		}
		return cipher.DecryptPreKey(pkm)
	case ratchet.WhisperType:
		sm, err := ratchet.ParseSignalMessage(msg.Serialize())
		if err != nil {
			t.Fatal(err)
		}
		return cipher.Decrypt(sm)
	default:
		t.Fatalf("unknown message type %d", msg.Type())
		return nil, nil
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice.StartSession(t, bob, 0)

	// Messages are pre-key messages until bob replies.
	for i := 0; i < 3; i++ {
		msg := alice.Encrypt(t, bob, []byte("hello bob"))
		assert.DeepEqual(t, msg.Type(), ratchet.PreKeyType)
		got, err := deliver(t, bob, alice, msg)
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, []byte("hello bob"))
	}

	// The one-time pre-key was consumed.
	has, err := bob.Store.ContainsPreKey(bob.PreKeys[0].ID)
	assert.NilErr(t, err)
	assert.BoolIs(t, has, false)

	reply := bob.Encrypt(t, alice, []byte("hello alice"))
	assert.DeepEqual(t, reply.Type(), ratchet.WhisperType)
	got, err := deliver(t, alice, bob, reply)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, []byte("hello alice"))

	// Several ratchet steps in both directions.
	for i := 0; i < 5; i++ {
		msg := alice.Encrypt(t, bob, []byte{byte(i)})
		assert.DeepEqual(t, msg.Type(), ratchet.WhisperType)
		got, err := deliver(t, bob, alice, msg)
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, []byte{byte(i)})

		msg = bob.Encrypt(t, alice, []byte{byte(i + 100)})
		got, err = deliver(t, alice, bob, msg)
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, []byte{byte(i + 100)})
	}
}

func TestSessionWithoutOneTimePreKey(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice.StartSession(t, bob, -1)

	got, err := deliver(t, bob, alice, alice.Encrypt(t, bob, []byte("no prekey")))
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, []byte("no prekey"))

	n, err := bob.Store.PreKeyCount()
	assert.NilErr(t, err)
	assert.DeepEqual(t, n, len(bob.PreKeys))
}

func TestOutOfOrderAndDuplicate(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice.StartSession(t, bob, 0)
	_, err := deliver(t, bob, alice, alice.Encrypt(t, bob, []byte("init")))
	assert.NilErr(t, err)
	_, err = deliver(t, alice, bob, bob.Encrypt(t, alice, []byte("ack")))
	assert.NilErr(t, err)

	msgs := make([]ratchet.CiphertextMessage, 3)
	for i := range msgs {
		msgs[i] = alice.Encrypt(t, bob, []byte{byte(i)})
	}
	for _, i := range []int{2, 0, 1} {
		got, err := deliver(t, bob, alice, msgs[i])
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, []byte{byte(i)})
	}

	_, err = deliver(t, bob, alice, msgs[0])
	assert.ErrorIs(t, err, ratchet.ErrDuplicateMessage)
}

func TestPreKeyMessageReplay(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice.StartSession(t, bob, 0)
	msg := alice.Encrypt(t, bob, []byte("once"))
	_, err := deliver(t, bob, alice, msg)
	assert.NilErr(t, err)

	_, err = deliver(t, bob, alice, msg)
	assert.ErrorIs(t, err, ratchet.ErrDuplicateMessage)
}

func TestMissingPreKey(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice.StartSession(t, bob, 3)
	assert.NilErr(t, bob.Store.RemovePreKey(bob.PreKeys[3].ID))

	_, err := deliver(t, bob, alice, alice.Encrypt(t, bob, []byte("lost")))
	assert.ErrorIs(t, err, ratchet.ErrInvalidKeyID)

	// No session was stored.
	has, err := bob.Store.ContainsSession(alice.Addr)
	assert.NilErr(t, err)
	assert.BoolIs(t, has, false)
}

func TestNoSession(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	_, err := ratchet.NewSessionCipher(alice.Store, bob.Addr).Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ratchet.ErrNoSession)

	_, err = ratchet.NewSessionCipher(bob.Store, alice.Addr).Decrypt(&ratchet.SignalMessage{})
	assert.ErrorIs(t, err, ratchet.ErrNoSession)
}

func TestUnrelatedSessionFails(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice.StartSession(t, bob, 0)
	_, err := deliver(t, bob, alice, alice.Encrypt(t, bob, []byte("init")))
	assert.NilErr(t, err)

	// mallory uses the same name as alice but a different identity.
	mallory := testutils.NewProtocolUser(t, "alice", 1)
	mallory.StartSession(t, bob, -1)
	pkm := mallory.Encrypt(t, bob, []byte("evil")).(*ratchet.PreKeySignalMessage)

	before, err := bob.Store.IdentityRecord("alice")
	assert.NilErr(t, err)

	_, err = deliver(t, bob, alice, pkm.Message)
	assert.ErrorIs(t, err, ratchet.ErrInvalidMessage)

	after, err := bob.Store.IdentityRecord("alice")
	assert.NilErr(t, err)
	assert.DeepEqual(t, after, before)

	// The real session still works.
	got, err := deliver(t, bob, alice, alice.Encrypt(t, bob, []byte("still here")))
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, []byte("still here"))
}

func TestArchivedStateDecrypts(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice.StartSession(t, bob, 0)
	m1 := alice.Encrypt(t, bob, []byte("m1"))
	m2 := alice.Encrypt(t, bob, []byte("m2"))
	_, err := deliver(t, bob, alice, m1)
	assert.NilErr(t, err)

	// Alice restarts the session.
	alice.StartSession(t, bob, 1)
	_, err = deliver(t, bob, alice, alice.Encrypt(t, bob, []byte("m3")))
	assert.NilErr(t, err)

	rec, err := bob.Store.LoadSession(alice.Addr)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(rec.PreviousStates()), 1)

	// The delayed message from the first session still decrypts.
	got, err := deliver(t, bob, alice, m2)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, []byte("m2"))
}

func TestArchiveLimit(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	for i := 0; i < ratchet.MaxArchivedStates+5; i++ {
		alice.StartSession(t, bob, -1)
	}
	rec, err := alice.Store.LoadSession(bob.Addr)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(rec.PreviousStates()), ratchet.MaxArchivedStates)
	assert.BoolIs(t, rec.HasSenderChain(), true)
}

func TestBundleBadSignature(t *testing.T) {
	t.Parallel()

	alice := testutils.NewProtocolUser(t, "alice", 1)
	bob := testutils.NewProtocolUser(t, "bob", 1)
	bundle := bob.Bundle(0)
	bundle.SignedPreKeySignature = bytes.Repeat([]byte{1}, 64)
	err := ratchet.NewSessionBuilder(alice.Store, bob.Addr).ProcessBundle(bundle)
	assert.ErrorIs(t, err, ratchet.ErrInvalidKey)
}

func TestMessageVersions(t *testing.T) {
	t.Parallel()

	_, err := ratchet.ParseSignalMessage([]byte{0x22, 0x00})
	assert.ErrorIs(t, err, ratchet.ErrLegacyMessage)
	_, err = ratchet.ParseSignalMessage([]byte{0x44, 0x00})
	assert.ErrorIs(t, err, ratchet.ErrInvalidVersion)
	_, err = ratchet.ParsePreKeySignalMessage([]byte{0x33})
	if !errors.Is(err, ratchet.ErrInvalidMessage) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddressString(t *testing.T) {
	t.Parallel()

	addr := ratchet.NewAddress("+14151231234", 7)
	got, err := ratchet.ParseAddress(addr.String())
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, addr)
}
