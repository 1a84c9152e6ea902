// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// SessionCipher encrypts and decrypts messages for one remote device.
type SessionCipher struct {
	store   ProtocolStore
	addr    Address
	builder *SessionBuilder
}

// NewSessionCipher returns a cipher for messages exchanged with addr.
func NewSessionCipher(store ProtocolStore, addr Address) *SessionCipher {
	return &SessionCipher{
		store:   store,
		addr:    addr,
		builder: NewSessionBuilder(store, addr),
	}
}

// associatedData binds both identities and the message header to the
// ciphertext.
func associatedData(sender, receiver IdentityKey, msg *SignalMessage) []byte {
	ad := append(sender.Bytes(), receiver.Bytes()...)
	return append(ad, msg.header()...)
}

// Encrypt encrypts plaintext with the current session. It returns a
// PreKeySignalMessage until the remote side has replied.
func (c *SessionCipher) Encrypt(plaintext []byte) (CiphertextMessage, error) {
	unlock := c.store.LockAddress(c.addr.Name)
	defer unlock()

	record, err := c.store.LoadSession(c.addr)
	if err != nil {
		return nil, err
	}
	state := record.current
	if !state.HasSenderChain() {
		return nil, fmt.Errorf("%w: no sender chain with %s", ErrNoSession, c.addr)
	}

	trusted, err := c.store.IsTrustedIdentity(c.addr, state.remoteIdentity, DirectionSending)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, UntrustedIdentityError{Name: c.addr.Name, Key: state.remoteIdentity}
	}

	ck := state.sender.chainKey
	mk := ck.messageKeys()
	msg := &SignalMessage{
		RatchetKey:      state.sender.ratchet.Public,
		Counter:         ck.index,
		PreviousCounter: state.previousCounter,
	}
	ad := associatedData(state.localIdentity, state.remoteIdentity, msg)
	if msg.Ciphertext, err = sealMessage(mk, plaintext, ad); err != nil {
		return nil, err
	}
	state.sender.chainKey = ck.next()

	var res CiphertextMessage = msg
	if p := state.pending; p != nil {
		res = &PreKeySignalMessage{
			RegistrationID: state.localRegistrationID,
			PreKeyID:       p.preKeyID,
			HasPreKeyID:    p.hasPreKey,
			SignedPreKeyID: p.signedPreKeyID,
			BaseKey:        p.baseKey,
			IdentityKey:    state.localIdentity,
			Message:        msg,
		}
	}

	if _, err := c.store.SaveIdentity(c.addr, state.remoteIdentity); err != nil {
		return nil, err
	}
	if err := c.store.StoreSession(c.addr, record); err != nil {
		return nil, err
	}
	return res, nil
}

// DecryptPreKey decrypts a message that may start a new session. The
// consumed one-time pre-key is removed from the store once the message
// decrypts.
func (c *SessionCipher) DecryptPreKey(msg *PreKeySignalMessage) ([]byte, error) {
	unlock := c.store.LockAddress(c.addr.Name)
	defer unlock()

	record, err := c.store.LoadSession(c.addr)
	if err != nil {
		return nil, err
	}
	preKeyID, hasPreKey, err := c.builder.processPreKeyMessage(record, msg)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.decryptWithRecord(record, msg.Message)
	if err != nil {
		return nil, err
	}
	if err := c.store.StoreSession(c.addr, record); err != nil {
		return nil, err
	}
	if hasPreKey {
		if err := c.store.RemovePreKey(preKeyID); err != nil {
			return nil, err
		}
		log.Debugf("Removed used pre-key %d (from %s)", preKeyID, c.addr)
	}
	return plaintext, nil
}

// Decrypt decrypts a message from an established session.
func (c *SessionCipher) Decrypt(msg *SignalMessage) ([]byte, error) {
	unlock := c.store.LockAddress(c.addr.Name)
	defer unlock()

	has, err := c.store.ContainsSession(c.addr)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("%w: no session for %s", ErrNoSession, c.addr)
	}
	record, err := c.store.LoadSession(c.addr)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.decryptWithRecord(record, msg)
	if err != nil {
		return nil, err
	}

	remote := record.current.remoteIdentity
	trusted, err := c.store.IsTrustedIdentity(c.addr, remote, DirectionReceiving)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, UntrustedIdentityError{Name: c.addr.Name, Key: remote}
	}
	if _, err := c.store.SaveIdentity(c.addr, remote); err != nil {
		return nil, err
	}
	if err := c.store.StoreSession(c.addr, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// SessionVersion returns the version of the current session with the
// remote device.
func (c *SessionCipher) SessionVersion() (uint32, error) {
	unlock := c.store.LockAddress(c.addr.Name)
	defer unlock()

	record, err := c.store.LoadSession(c.addr)
	if err != nil {
		return 0, err
	}
	return record.current.version, nil
}

// decryptWithRecord tries the current state and then every archived state.
// A state that decrypts the message becomes the current state. Failed
// attempts leave the record untouched.
func (c *SessionCipher) decryptWithRecord(record *SessionRecord, msg *SignalMessage) ([]byte, error) {
	var errs []error

	state := record.current.clone()
	plaintext, err := c.decryptWithState(state, msg)
	switch {
	case err == nil:
		record.current = state
		return plaintext, nil
	case errors.Is(err, ErrDuplicateMessage):
		return nil, err
	default:
		errs = append(errs, err)
	}

	for i, prev := range record.previous {
		state := prev.clone()
		plaintext, err := c.decryptWithState(state, msg)
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		record.previous = append(record.previous[:i], record.previous[i+1:]...)
		record.promoteState(state)
		log.Debugf("Decrypted message from %s with archived state %d", c.addr, i)
		return plaintext, nil
	}

	return nil, fmt.Errorf("%w: no valid sessions with %s (%d tried): %v",
		ErrInvalidMessage, c.addr, len(errs), errs[0])
}

func (c *SessionCipher) decryptWithState(state *SessionState, msg *SignalMessage) ([]byte, error) {
	if !state.HasSenderChain() {
		return nil, invalidMessage("uninitialized session")
	}
	if state.version != CurrentVersion {
		return nil, invalidMessage("session version %d", state.version)
	}

	ck, err := c.receiverChainKey(state, msg.RatchetKey)
	if err != nil {
		return nil, err
	}
	mk, err := c.messageKeys(state, msg.RatchetKey, ck, msg.Counter)
	if err != nil {
		return nil, err
	}
	ad := associatedData(state.remoteIdentity, state.localIdentity, msg)
	plaintext, err := openMessage(mk, msg.Ciphertext, ad)
	if err != nil {
		return nil, err
	}
	state.pending = nil
	return plaintext, nil
}

// receiverChainKey returns the chain key for the remote ratchet key, taking a
// step of the root ratchet if this is a new key.
func (c *SessionCipher) receiverChainKey(state *SessionState, theirRatchet PublicKey) (chainKey, error) {
	if rc := state.receiverChain(theirRatchet); rc != nil {
		return rc.chainKey, nil
	}

	rootKey, recvChain, err := createChain(state.rootKey, theirRatchet, &state.sender.ratchet)
	if err != nil {
		return chainKey{}, err
	}
	ourRatchet, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return chainKey{}, err
	}
	rootKey, sendChain, err := createChain(rootKey, theirRatchet, ourRatchet)
	if err != nil {
		return chainKey{}, err
	}

	state.rootKey = rootKey
	state.addReceiverChain(theirRatchet, recvChain)
	state.previousCounter = 0
	if idx := state.sender.chainKey.index; idx > 0 {
		state.previousCounter = idx - 1
	}
	state.sender = &senderChain{ratchet: *ourRatchet, chainKey: sendChain}
	return recvChain, nil
}

func (c *SessionCipher) messageKeys(state *SessionState, theirRatchet PublicKey, ck chainKey, counter uint32) (messageKeys, error) {
	if ck.index > counter {
		if mk, ok := state.popMessageKeys(theirRatchet, counter); ok {
			return mk, nil
		}
		return messageKeys{}, fmt.Errorf("%w: received message with old counter %d (chain at %d)",
			ErrDuplicateMessage, counter, ck.index)
	}
	if counter-ck.index > maxFutureMessages {
		return messageKeys{}, invalidMessage("over %d messages into the future", maxFutureMessages)
	}

	for ck.index < counter {
		state.saveMessageKeys(theirRatchet, ck.messageKeys())
		ck = ck.next()
	}
	rc := state.receiverChain(theirRatchet)
	rc.chainKey = ck.next()
	return ck.messageKeys(), nil
}
