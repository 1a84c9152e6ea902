package protostore_test

import (
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
	"github.com/companyzero/msgpull/protostore"
	"github.com/companyzero/msgpull/ratchet"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, clock *testClock) *protostore.Store {
	t.Helper()
	s := protostore.New(protostore.Config{
		KV:        protostore.NewMemKV(),
		LocalName: "local",
		Log:       testutils.TestLoggerSys(t, "STOR"),
		Now:       clock.Now,
	})
	id, err := ratchet.GenerateIdentityKeyPair(rand.Reader)
	assert.NilErr(t, err)
	assert.NilErr(t, s.SetLocalIdentity(id, 42))
	return s
}

func newIdentity(t *testing.T) ratchet.IdentityKey {
	t.Helper()
	id, err := ratchet.GenerateIdentityKeyPair(rand.Reader)
	assert.NilErr(t, err)
	return id.Public
}

func TestTrustOnFirstUse(t *testing.T) {
	t.Parallel()

	clock := &testClock{now: time.Now()}
	s := newTestStore(t, clock)
	addr := ratchet.NewAddress("alice", 1)
	k1, k2 := newIdentity(t), newIdentity(t)

	// No record: trusted in both directions.
	ok, err := s.IsTrustedIdentity(addr, k1, ratchet.DirectionSending)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)

	changed, err := s.SaveIdentity(addr, k1)
	assert.NilErr(t, err)
	assert.BoolIs(t, changed, false)
	rec, err := s.IdentityRecord("alice")
	assert.NilErr(t, err)
	assert.BoolIs(t, rec.FirstUse, true)

	ok, err = s.IsTrustedIdentity(addr, k1, ratchet.DirectionSending)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)

	// A different key is not trusted for sending, but is for receiving.
	ok, err = s.IsTrustedIdentity(addr, k2, ratchet.DirectionSending)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)
	ok, err = s.IsTrustedIdentity(addr, k2, ratchet.DirectionReceiving)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)

	// Saving the same key again is not a change.
	changed, err = s.SaveIdentity(addr, k1)
	assert.NilErr(t, err)
	assert.BoolIs(t, changed, false)
}

func TestIdentityChangeRequiresApproval(t *testing.T) {
	t.Parallel()

	clock := &testClock{now: time.Now()}
	s := newTestStore(t, clock)
	addr := ratchet.NewAddress("alice", 1)
	k1, k2 := newIdentity(t), newIdentity(t)

	_, err := s.SaveIdentity(addr, k1)
	assert.NilErr(t, err)
	changed, err := s.SaveIdentity(addr, k2)
	assert.NilErr(t, err)
	assert.BoolIs(t, changed, true)

	// Freshly changed key is not trusted for sending.
	ok, err := s.IsTrustedIdentity(addr, k2, ratchet.DirectionSending)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)

	// Once the threshold elapses it is.
	clock.now = clock.now.Add(protostore.NonBlockingApprovalThreshold + time.Second)
	ok, err = s.IsTrustedIdentity(addr, k2, ratchet.DirectionSending)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
}

func TestIdentityChangeSaveGrantsApproval(t *testing.T) {
	t.Parallel()

	clock := &testClock{now: time.Now()}
	s := newTestStore(t, clock)
	addr := ratchet.NewAddress("alice", 1)
	k1, k2 := newIdentity(t), newIdentity(t)

	_, err := s.SaveIdentity(addr, k1)
	assert.NilErr(t, err)
	_, err = s.SaveIdentity(addr, k2)
	assert.NilErr(t, err)

	// Saving the same changed key within the threshold records the
	// non-blocking approval.
	changed, err := s.SaveIdentity(addr, k2)
	assert.NilErr(t, err)
	assert.BoolIs(t, changed, false)
	rec, err := s.IdentityRecord("alice")
	assert.NilErr(t, err)
	assert.BoolIs(t, rec.NonBlockingApproval, true)

	ok, err := s.IsTrustedIdentity(addr, k2, ratchet.DirectionSending)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
}

func TestVerifiedCarryOver(t *testing.T) {
	t.Parallel()

	clock := &testClock{now: time.Now()}
	s := newTestStore(t, clock)
	addr := ratchet.NewAddress("alice", 1)
	k1, k2 := newIdentity(t), newIdentity(t)

	_, err := s.SaveIdentity(addr, k1)
	assert.NilErr(t, err)
	assert.NilErr(t, s.SetVerified("alice", k1, protostore.VerifiedVerified))
	_, err = s.SaveIdentity(addr, k2)
	assert.NilErr(t, err)

	rec, err := s.IdentityRecord("alice")
	assert.NilErr(t, err)
	assert.DeepEqual(t, rec.Verified, protostore.VerifiedUnverified)

	// Unverified keys are never trusted for sending.
	clock.now = clock.now.Add(time.Hour)
	ok, err := s.IsTrustedIdentity(addr, k2, ratchet.DirectionSending)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)
}

func TestOwnIdentityTrust(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &testClock{now: time.Now()})
	local, err := s.IdentityKeyPair()
	assert.NilErr(t, err)
	addr := ratchet.NewAddress("local", 2)

	ok, err := s.IsTrustedIdentity(addr, local.Public, ratchet.DirectionReceiving)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
	ok, err = s.IsTrustedIdentity(addr, newIdentity(t), ratchet.DirectionReceiving)
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)

	regID, err := s.LocalRegistrationID()
	assert.NilErr(t, err)
	assert.DeepEqual(t, regID, uint32(42))
}

func TestIdentityChangeArchivesSiblings(t *testing.T) {
	t.Parallel()

	bob := testutils.NewProtocolUser(t, "bob", 1)
	alice1 := testutils.NewProtocolUser(t, "alice", 1)
	alice2 := testutils.NewProtocolDevice(t, alice1, 2)

	bob.StartSession(t, alice1, 0)
	bob.StartSession(t, alice2, 0)
	for _, a := range []*testutils.ProtocolUser{alice1, alice2} {
		has, err := bob.Store.ContainsSession(a.Addr)
		assert.NilErr(t, err)
		assert.BoolIs(t, has, true)
	}

	// A new identity for alice seen through device 1 archives device 2.
	unlock := bob.Store.LockAddress("alice")
	changed, err := bob.Store.SaveIdentity(alice1.Addr, newIdentity(t))
	unlock()
	assert.NilErr(t, err)
	assert.BoolIs(t, changed, true)

	rec, err := bob.Store.LoadSession(alice2.Addr)
	assert.NilErr(t, err)
	assert.BoolIs(t, rec.HasSenderChain(), false)
	assert.DeepEqual(t, len(rec.PreviousStates()), 1)

	rec, err = bob.Store.LoadSession(alice1.Addr)
	assert.NilErr(t, err)
	assert.BoolIs(t, rec.HasSenderChain(), true)

	subs, err := bob.Store.SubDeviceSessions("alice")
	assert.NilErr(t, err)
	assert.DeepEqual(t, subs, []uint32{2})

	assert.NilErr(t, bob.Store.DeleteAllSessions("alice"))
	has, err := bob.Store.ContainsSession(alice1.Addr)
	assert.NilErr(t, err)
	assert.BoolIs(t, has, false)
}

func TestPreKeys(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &testClock{now: time.Now()})
	_, err := s.LoadPreKey(5)
	assert.ErrorIs(t, err, ratchet.ErrInvalidKeyID)

	pks, err := ratchet.GeneratePreKeys(rand.Reader, 5, 2)
	assert.NilErr(t, err)
	for _, pk := range pks {
		assert.NilErr(t, s.StorePreKey(pk.ID, pk))
	}
	got, err := s.LoadPreKey(6)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, pks[1])

	assert.NilErr(t, s.RemovePreKey(5))
	has, err := s.ContainsPreKey(5)
	assert.NilErr(t, err)
	assert.BoolIs(t, has, false)

	id, err := s.IdentityKeyPair()
	assert.NilErr(t, err)
	spk, err := ratchet.GenerateSignedPreKey(rand.Reader, id, 3)
	assert.NilErr(t, err)
	assert.NilErr(t, s.StoreSignedPreKey(3, spk))
	all, err := s.LoadSignedPreKeys()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(all), 1)
	assert.DeepEqual(t, all[0].KeyPair, spk.KeyPair)
}

func TestLevelKVPersists(t *testing.T) {
	t.Parallel()

	dir := testutils.TempTestDir(t, "protostore")
	path := filepath.Join(dir, "db")
	kv, err := protostore.OpenLevelKV(path)
	assert.NilErr(t, err)
	s := protostore.New(protostore.Config{KV: kv, LocalName: "local"})
	id, err := ratchet.GenerateIdentityKeyPair(rand.Reader)
	assert.NilErr(t, err)
	assert.NilErr(t, s.SetLocalIdentity(id, 7))
	_, err = s.SaveIdentity(ratchet.NewAddress("alice", 1), id.Public)
	assert.NilErr(t, err)
	assert.NilErr(t, s.Close())

	kv, err = protostore.OpenLevelKV(path)
	assert.NilErr(t, err)
	s = protostore.New(protostore.Config{KV: kv, LocalName: "local"})
	defer s.Close()
	got, err := s.IdentityKeyPair()
	assert.NilErr(t, err)
	assert.BoolIs(t, got.Public.Equal(id.Public), true)
	rec, err := s.IdentityRecord("alice")
	assert.NilErr(t, err)
	assert.BoolIs(t, rec.IdentityKey.Equal(id.Public), true)

	keys, err := kv.Keys("identity/")
	assert.NilErr(t, err)
	assert.DeepEqual(t, keys, []string{"identity/alice"})
}
