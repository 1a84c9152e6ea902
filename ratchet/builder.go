// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

// discontinuity is prepended to the agreement secrets when deriving the
// initial root key.
var discontinuity = bytes.Repeat([]byte{0xff}, 32)

// SessionBuilder starts sessions with a remote device.
type SessionBuilder struct {
	store ProtocolStore
	addr  Address
}

// NewSessionBuilder returns a builder for sessions with addr.
func NewSessionBuilder(store ProtocolStore, addr Address) *SessionBuilder {
	return &SessionBuilder{store: store, addr: addr}
}

// ProcessBundle builds a new session from a remote device's pre-key bundle.
// The next message encrypted for the device will be a PreKeySignalMessage.
func (b *SessionBuilder) ProcessBundle(bundle *PreKeyBundle) error {
	unlock := b.store.LockAddress(b.addr.Name)
	defer unlock()

	if !bundle.IdentityKey.Verify(bundle.SignedPreKey[:], bundle.SignedPreKeySignature) {
		return fmt.Errorf("%w: invalid signature on signed pre-key", ErrInvalidKey)
	}
	trusted, err := b.store.IsTrustedIdentity(b.addr, bundle.IdentityKey, DirectionSending)
	if err != nil {
		return err
	}
	if !trusted {
		return UntrustedIdentityError{Name: b.addr.Name, Key: bundle.IdentityKey}
	}

	ourIdentity, err := b.store.IdentityKeyPair()
	if err != nil {
		return err
	}
	regID, err := b.store.LocalRegistrationID()
	if err != nil {
		return err
	}
	record, err := b.store.LoadSession(b.addr)
	if err != nil {
		return err
	}
	baseKey, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return err
	}
	sendingRatchet, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return err
	}

	secrets := append([]byte(nil), discontinuity...)
	for _, agreement := range []struct {
		priv *PrivateKey
		pub  PublicKey
	}{
		{&ourIdentity.DHPrivate, bundle.SignedPreKey},
		{&baseKey.Private, bundle.IdentityKey.DH},
		{&baseKey.Private, bundle.SignedPreKey},
	} {
		shared, err := dh(agreement.priv, &agreement.pub)
		if err != nil {
			return err
		}
		secrets = append(secrets, shared...)
	}
	if bundle.PreKey != nil {
		shared, err := dh(&baseKey.Private, bundle.PreKey)
		if err != nil {
			return err
		}
		secrets = append(secrets, shared...)
	}
	derived := deriveSecrets(secrets, nil, infoText, 64)

	state := &SessionState{
		version:              CurrentVersion,
		localIdentity:        ourIdentity.Public,
		remoteIdentity:       bundle.IdentityKey,
		remoteRegistrationID: bundle.RegistrationID,
		localRegistrationID:  regID,
		aliceBaseKey:         bytes.Clone(baseKey.Public[:]),
	}
	state.addReceiverChain(bundle.SignedPreKey, chainKey{key: derived[32:]})
	rootKey, sendChain, err := createChain(derived[:32], bundle.SignedPreKey, sendingRatchet)
	if err != nil {
		return err
	}
	state.rootKey = rootKey
	state.sender = &senderChain{ratchet: *sendingRatchet, chainKey: sendChain}
	state.pending = &pendingPreKey{
		preKeyID:       bundle.PreKeyID,
		hasPreKey:      bundle.PreKey != nil,
		signedPreKeyID: bundle.SignedPreKeyID,
		baseKey:        baseKey.Public,
	}

	if !record.IsFresh() {
		record.ArchiveCurrentState()
	}
	record.current = state

	if _, err := b.store.SaveIdentity(b.addr, bundle.IdentityKey); err != nil {
		return err
	}
	log.Debugf("Built session with %s from bundle (identity %s)", b.addr,
		bundle.IdentityKey.Fingerprint())
	return b.store.StoreSession(b.addr, record)
}

// processPreKeyMessage builds the receiving side of a session from an
// incoming pre-key message, storing it as the record's current state. It
// returns the id of the one-time pre-key that was consumed, which the caller
// removes once the message decrypts.
//
// Called with the address lock held.
func (b *SessionBuilder) processPreKeyMessage(record *SessionRecord, msg *PreKeySignalMessage) (uint32, bool, error) {
	trusted, err := b.store.IsTrustedIdentity(b.addr, msg.IdentityKey, DirectionReceiving)
	if err != nil {
		return 0, false, err
	}
	if !trusted {
		return 0, false, UntrustedIdentityError{Name: b.addr.Name, Key: msg.IdentityKey}
	}

	if record.HasSessionState(CurrentVersion, msg.BaseKey[:]) {
		log.Tracef("Session for base key already built with %s", b.addr)
		return 0, false, nil
	}

	signed, err := b.store.LoadSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return 0, false, err
	}
	var oneTime *PreKeyRecord
	if msg.HasPreKeyID {
		oneTime, err = b.store.LoadPreKey(msg.PreKeyID)
		if err != nil {
			return 0, false, err
		}
	}

	ourIdentity, err := b.store.IdentityKeyPair()
	if err != nil {
		return 0, false, err
	}
	regID, err := b.store.LocalRegistrationID()
	if err != nil {
		return 0, false, err
	}

	secrets := append([]byte(nil), discontinuity...)
	for _, agreement := range []struct {
		priv *PrivateKey
		pub  PublicKey
	}{
		{&signed.KeyPair.Private, msg.IdentityKey.DH},
		{&ourIdentity.DHPrivate, msg.BaseKey},
		{&signed.KeyPair.Private, msg.BaseKey},
	} {
		shared, err := dh(agreement.priv, &agreement.pub)
		if err != nil {
			return 0, false, err
		}
		secrets = append(secrets, shared...)
	}
	if oneTime != nil {
		shared, err := dh(&oneTime.KeyPair.Private, &msg.BaseKey)
		if err != nil {
			return 0, false, err
		}
		secrets = append(secrets, shared...)
	}
	derived := deriveSecrets(secrets, nil, infoText, 64)

	if !record.IsFresh() {
		record.ArchiveCurrentState()
	}
	record.current = &SessionState{
		version:              CurrentVersion,
		localIdentity:        ourIdentity.Public,
		remoteIdentity:       msg.IdentityKey,
		rootKey:              derived[:32],
		sender:               &senderChain{ratchet: signed.KeyPair, chainKey: chainKey{key: derived[32:]}},
		remoteRegistrationID: msg.RegistrationID,
		localRegistrationID:  regID,
		aliceBaseKey:         bytes.Clone(msg.BaseKey[:]),
	}

	if _, err := b.store.SaveIdentity(b.addr, msg.IdentityKey); err != nil {
		return 0, false, err
	}
	log.Debugf("Built session with %s from pre-key message (identity %s)",
		b.addr, msg.IdentityKey.Fingerprint())
	return msg.PreKeyID, msg.HasPreKeyID, nil
}
