// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package disk holds the on-disk (JSON) representation of ratchet records.
package disk

type SessionRecord struct {
	Current  *SessionState   `json:"current"`
	Previous []*SessionState `json:"previous,omitempty"`
}

type SessionState struct {
	Version              uint32          `json:"version"`
	LocalIdentity        []byte          `json:"localIdentity"`
	RemoteIdentity       []byte          `json:"remoteIdentity,omitempty"`
	RootKey              []byte          `json:"rootKey"`
	PreviousCounter      uint32          `json:"previousCounter"`
	SenderChain          *SenderChain    `json:"senderChain,omitempty"`
	ReceiverChains       []ReceiverChain `json:"receiverChains,omitempty"`
	PendingPreKey        *PendingPreKey  `json:"pendingPreKey,omitempty"`
	RemoteRegistrationID uint32          `json:"remoteRegistrationID"`
	LocalRegistrationID  uint32          `json:"localRegistrationID"`
	AliceBaseKey         []byte          `json:"aliceBaseKey,omitempty"`
}

type SenderChain struct {
	RatchetPublic  []byte `json:"ratchetPublic"`
	RatchetPrivate []byte `json:"ratchetPrivate"`
	ChainKey       []byte `json:"chainKey"`
	Index          uint32 `json:"index"`
}

type ReceiverChain struct {
	RatchetPublic []byte       `json:"ratchetPublic"`
	ChainKey      []byte       `json:"chainKey"`
	Index         uint32       `json:"index"`
	MessageKeys   []MessageKey `json:"messageKeys,omitempty"`
}

type MessageKey struct {
	Index     uint32 `json:"index"`
	CipherKey []byte `json:"cipherKey"`
	Nonce     []byte `json:"nonce"`
}

type PendingPreKey struct {
	PreKeyID       uint32 `json:"preKeyID"`
	HasPreKey      bool   `json:"hasPreKey"`
	SignedPreKeyID uint32 `json:"signedPreKeyID"`
	BaseKey        []byte `json:"baseKey"`
}

type PreKeyRecord struct {
	ID      uint32 `json:"id"`
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

type SignedPreKeyRecord struct {
	ID        uint32 `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Public    []byte `json:"public"`
	Private   []byte `json:"private"`
	Signature []byte `json:"signature"`
}

type IdentityKeyPair struct {
	Public      []byte `json:"public"`
	DHPrivate   []byte `json:"dhPrivate"`
	SignPrivate []byte `json:"signPrivate"`
}
