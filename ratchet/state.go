// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"

	"github.com/companyzero/msgpull/ratchet/disk"
)

const (
	// CurrentVersion is the session protocol version produced by this
	// package.
	CurrentVersion = 3

	// MaxArchivedStates is the maximum number of previous session states
	// kept in a record.
	MaxArchivedStates = 40

	maxReceiverChains = 5
	maxMessageKeys    = 2000
	maxFutureMessages = 2000
)

type senderChain struct {
	ratchet  KeyPair
	chainKey chainKey
}

type receiverChain struct {
	ratchet     PublicKey
	chainKey    chainKey
	messageKeys []messageKeys
}

type pendingPreKey struct {
	preKeyID       uint32
	hasPreKey      bool
	signedPreKeyID uint32
	baseKey        PublicKey
}

// SessionState is one ratchet session with a remote device.
type SessionState struct {
	version              uint32
	localIdentity        IdentityKey
	remoteIdentity       IdentityKey
	rootKey              []byte
	previousCounter      uint32
	sender               *senderChain
	receivers            []*receiverChain
	pending              *pendingPreKey
	remoteRegistrationID uint32
	localRegistrationID  uint32
	aliceBaseKey         []byte
}

// Version returns the protocol version of the session, or zero for an empty
// state.
func (s *SessionState) Version() uint32 {
	return s.version
}

// RemoteIdentity returns the identity key of the remote party.
func (s *SessionState) RemoteIdentity() IdentityKey {
	return s.remoteIdentity
}

// RemoteRegistrationID returns the registration id of the remote device.
func (s *SessionState) RemoteRegistrationID() uint32 {
	return s.remoteRegistrationID
}

// HasSenderChain returns true if the state can be used to encrypt messages.
func (s *SessionState) HasSenderChain() bool {
	return s.sender != nil
}

// HasUnacknowledgedPreKey returns true while the session was started locally
// and no reply was received yet.
func (s *SessionState) HasUnacknowledgedPreKey() bool {
	return s.pending != nil
}

func (s *SessionState) receiverChain(ratchet PublicKey) *receiverChain {
	for _, rc := range s.receivers {
		if rc.ratchet == ratchet {
			return rc
		}
	}
	return nil
}

func (s *SessionState) addReceiverChain(ratchet PublicKey, ck chainKey) {
	s.receivers = append(s.receivers, &receiverChain{ratchet: ratchet, chainKey: ck})
	if len(s.receivers) > maxReceiverChains {
		s.receivers = s.receivers[1:]
	}
}

func (s *SessionState) popMessageKeys(ratchet PublicKey, counter uint32) (messageKeys, bool) {
	rc := s.receiverChain(ratchet)
	if rc == nil {
		return messageKeys{}, false
	}
	for i, mk := range rc.messageKeys {
		if mk.index == counter {
			rc.messageKeys = append(rc.messageKeys[:i], rc.messageKeys[i+1:]...)
			return mk, true
		}
	}
	return messageKeys{}, false
}

func (s *SessionState) saveMessageKeys(ratchet PublicKey, mk messageKeys) {
	rc := s.receiverChain(ratchet)
	if rc == nil {
		return
	}
	rc.messageKeys = append(rc.messageKeys, mk)
	if len(rc.messageKeys) > maxMessageKeys {
		rc.messageKeys = rc.messageKeys[1:]
	}
}

func (s *SessionState) clone() *SessionState {
	c := *s
	c.rootKey = bytes.Clone(s.rootKey)
	c.aliceBaseKey = bytes.Clone(s.aliceBaseKey)
	if s.sender != nil {
		sc := *s.sender
		sc.chainKey.key = bytes.Clone(s.sender.chainKey.key)
		c.sender = &sc
	}
	if s.pending != nil {
		p := *s.pending
		c.pending = &p
	}
	c.receivers = make([]*receiverChain, len(s.receivers))
	for i, rc := range s.receivers {
		n := *rc
		n.chainKey.key = bytes.Clone(rc.chainKey.key)
		n.messageKeys = append([]messageKeys(nil), rc.messageKeys...)
		c.receivers[i] = &n
	}
	return &c
}

func (s *SessionState) diskState() *disk.SessionState {
	d := &disk.SessionState{
		Version:              s.version,
		LocalIdentity:        s.localIdentity.Bytes(),
		RootKey:              bytes.Clone(s.rootKey),
		PreviousCounter:      s.previousCounter,
		RemoteRegistrationID: s.remoteRegistrationID,
		LocalRegistrationID:  s.localRegistrationID,
		AliceBaseKey:         bytes.Clone(s.aliceBaseKey),
	}
	if !s.remoteIdentity.IsZero() {
		d.RemoteIdentity = s.remoteIdentity.Bytes()
	}
	if s.sender != nil {
		d.SenderChain = &disk.SenderChain{
			RatchetPublic:  bytes.Clone(s.sender.ratchet.Public[:]),
			RatchetPrivate: bytes.Clone(s.sender.ratchet.Private[:]),
			ChainKey:       bytes.Clone(s.sender.chainKey.key),
			Index:          s.sender.chainKey.index,
		}
	}
	for _, rc := range s.receivers {
		drc := disk.ReceiverChain{
			RatchetPublic: bytes.Clone(rc.ratchet[:]),
			ChainKey:      bytes.Clone(rc.chainKey.key),
			Index:         rc.chainKey.index,
		}
		for _, mk := range rc.messageKeys {
			drc.MessageKeys = append(drc.MessageKeys, disk.MessageKey{
				Index:     mk.index,
				CipherKey: bytes.Clone(mk.cipherKey),
				Nonce:     bytes.Clone(mk.nonce),
			})
		}
		d.ReceiverChains = append(d.ReceiverChains, drc)
	}
	if s.pending != nil {
		d.PendingPreKey = &disk.PendingPreKey{
			PreKeyID:       s.pending.preKeyID,
			HasPreKey:      s.pending.hasPreKey,
			SignedPreKeyID: s.pending.signedPreKeyID,
			BaseKey:        bytes.Clone(s.pending.baseKey[:]),
		}
	}
	return d
}

func sessionStateFromDisk(d *disk.SessionState) (*SessionState, error) {
	s := &SessionState{
		version:              d.Version,
		rootKey:              d.RootKey,
		previousCounter:      d.PreviousCounter,
		remoteRegistrationID: d.RemoteRegistrationID,
		localRegistrationID:  d.LocalRegistrationID,
		aliceBaseKey:         d.AliceBaseKey,
	}
	var err error
	if len(d.LocalIdentity) > 0 {
		if s.localIdentity, err = IdentityKeyFromBytes(d.LocalIdentity); err != nil {
			return nil, err
		}
	}
	if len(d.RemoteIdentity) > 0 {
		if s.remoteIdentity, err = IdentityKeyFromBytes(d.RemoteIdentity); err != nil {
			return nil, err
		}
	}
	if d.SenderChain != nil {
		sc := &senderChain{chainKey: chainKey{key: d.SenderChain.ChainKey, index: d.SenderChain.Index}}
		if sc.ratchet.Public, err = publicKeyFromBytes(d.SenderChain.RatchetPublic); err != nil {
			return nil, err
		}
		if sc.ratchet.Private, err = privateKeyFromBytes(d.SenderChain.RatchetPrivate); err != nil {
			return nil, err
		}
		s.sender = sc
	}
	for _, drc := range d.ReceiverChains {
		rc := &receiverChain{chainKey: chainKey{key: drc.ChainKey, index: drc.Index}}
		if rc.ratchet, err = publicKeyFromBytes(drc.RatchetPublic); err != nil {
			return nil, err
		}
		for _, mk := range drc.MessageKeys {
			rc.messageKeys = append(rc.messageKeys, messageKeys{
				cipherKey: mk.CipherKey,
				nonce:     mk.Nonce,
				index:     mk.Index,
			})
		}
		s.receivers = append(s.receivers, rc)
	}
	if d.PendingPreKey != nil {
		p := &pendingPreKey{
			preKeyID:       d.PendingPreKey.PreKeyID,
			hasPreKey:      d.PendingPreKey.HasPreKey,
			signedPreKeyID: d.PendingPreKey.SignedPreKeyID,
		}
		if p.baseKey, err = publicKeyFromBytes(d.PendingPreKey.BaseKey); err != nil {
			return nil, err
		}
		s.pending = p
	}
	return s, nil
}

// SessionRecord holds the current session state with a remote device plus
// up to MaxArchivedStates previous ones. Messages that fail to decrypt with
// the current state are tried against the previous states.
type SessionRecord struct {
	current  *SessionState
	previous []*SessionState
	fresh    bool
}

// NewSessionRecord returns an empty record.
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{current: &SessionState{}, fresh: true}
}

// IsFresh returns true if the record was never persisted.
func (r *SessionRecord) IsFresh() bool {
	return r.fresh
}

// SessionState returns the current state.
func (r *SessionRecord) SessionState() *SessionState {
	return r.current
}

// PreviousStates returns the archived states, most recent first.
func (r *SessionRecord) PreviousStates() []*SessionState {
	return r.previous
}

// HasSenderChain returns true if the current state can encrypt.
func (r *SessionRecord) HasSenderChain() bool {
	return r.current.HasSenderChain()
}

// HasSessionState returns true if the current or any archived state was
// established with the given version and base key.
func (r *SessionRecord) HasSessionState(version uint32, aliceBaseKey []byte) bool {
	if r.current.version == version && bytes.Equal(r.current.aliceBaseKey, aliceBaseKey) {
		return true
	}
	for _, s := range r.previous {
		if s.version == version && bytes.Equal(s.aliceBaseKey, aliceBaseKey) {
			return true
		}
	}
	return false
}

// ArchiveCurrentState moves the current state to the archive and replaces it
// with an empty one.
func (r *SessionRecord) ArchiveCurrentState() {
	r.promoteState(&SessionState{})
}

// promoteState makes s the current state, archiving the existing one.
func (r *SessionRecord) promoteState(s *SessionState) {
	if r.current != nil && r.current.version != 0 {
		r.previous = append([]*SessionState{r.current}, r.previous...)
		if len(r.previous) > MaxArchivedStates {
			r.previous = r.previous[:MaxArchivedStates]
		}
	}
	r.current = s
}

func (r *SessionRecord) DiskState() *disk.SessionRecord {
	d := &disk.SessionRecord{Current: r.current.diskState()}
	for _, s := range r.previous {
		d.Previous = append(d.Previous, s.diskState())
	}
	return d
}

// SessionRecordFromDisk decodes a record stored with DiskState.
func SessionRecordFromDisk(d *disk.SessionRecord) (*SessionRecord, error) {
	r := &SessionRecord{current: &SessionState{}}
	var err error
	if d.Current != nil {
		if r.current, err = sessionStateFromDisk(d.Current); err != nil {
			return nil, err
		}
	}
	for _, ds := range d.Previous {
		s, err := sessionStateFromDisk(ds)
		if err != nil {
			return nil, err
		}
		r.previous = append(r.previous, s)
	}
	return r, nil
}
