package ratchet

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ciphertext message types.
const (
	WhisperType = 2
	PreKeyType  = 3
)

// CiphertextMessage is an encrypted message produced by SessionCipher.
type CiphertextMessage interface {
	Serialize() []byte
	Type() int
}

func versionByte() byte {
	return CurrentVersion<<4 | CurrentVersion
}

func checkVersion(b []byte) error {
	if len(b) < 1 {
		return invalidMessage("empty message")
	}
	v := b[0] >> 4
	switch {
	case v < CurrentVersion:
		return fmt.Errorf("%w: version %d", ErrLegacyMessage, v)
	case v > CurrentVersion:
		return fmt.Errorf("%w: version %d", ErrInvalidVersion, v)
	}
	return nil
}

// SignalMessage is a message encrypted with an established session.
type SignalMessage struct {
	RatchetKey      PublicKey
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

func (m *SignalMessage) Type() int { return WhisperType }

// header returns the serialized message without the ciphertext. It is
// authenticated as associated data.
func (m *SignalMessage) header() []byte {
	b := []byte{versionByte()}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.RatchetKey[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Counter))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PreviousCounter))
	return b
}

func (m *SignalMessage) Serialize() []byte {
	b := m.header()
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	return protowire.AppendBytes(b, m.Ciphertext)
}

// ParseSignalMessage decodes a serialized SignalMessage.
func ParseSignalMessage(b []byte) (*SignalMessage, error) {
	if err := checkVersion(b); err != nil {
		return nil, err
	}
	m := new(SignalMessage)
	var hasKey, hasCiphertext bool
	err := walkFields(b[1:], func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			pk, err := publicKeyFromBytes(v.bytes)
			if err != nil {
				return err
			}
			m.RatchetKey, hasKey = pk, true
		case 2:
			m.Counter = uint32(v.varint)
		case 3:
			m.PreviousCounter = uint32(v.varint)
		case 4:
			m.Ciphertext, hasCiphertext = v.bytes, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasKey || !hasCiphertext {
		return nil, invalidMessage("incomplete message")
	}
	return m, nil
}

// PreKeySignalMessage is the first message(s) sent on a session started
// from a pre-key bundle. It carries what the receiver needs to build the
// same session.
type PreKeySignalMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	HasPreKeyID    bool
	SignedPreKeyID uint32
	BaseKey        PublicKey
	IdentityKey    IdentityKey
	Message        *SignalMessage
}

func (m *PreKeySignalMessage) Type() int { return PreKeyType }

func (m *PreKeySignalMessage) Serialize() []byte {
	b := []byte{versionByte()}
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RegistrationID))
	if m.HasPreKeyID {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.PreKeyID))
	}
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey[:])
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.IdentityKey.Bytes())
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	return protowire.AppendBytes(b, m.Message.Serialize())
}

// ParsePreKeySignalMessage decodes a serialized PreKeySignalMessage.
func ParsePreKeySignalMessage(b []byte) (*PreKeySignalMessage, error) {
	if err := checkVersion(b); err != nil {
		return nil, err
	}
	m := new(PreKeySignalMessage)
	var hasBase, hasIdentity, hasSigned bool
	err := walkFields(b[1:], func(num protowire.Number, v fieldValue) error {
		var err error
		switch num {
		case 5:
			m.RegistrationID = uint32(v.varint)
		case 1:
			m.PreKeyID, m.HasPreKeyID = uint32(v.varint), true
		case 6:
			m.SignedPreKeyID, hasSigned = uint32(v.varint), true
		case 2:
			m.BaseKey, err = publicKeyFromBytes(v.bytes)
			hasBase = true
		case 3:
			m.IdentityKey, err = IdentityKeyFromBytes(v.bytes)
			hasIdentity = true
		case 4:
			m.Message, err = ParseSignalMessage(v.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !hasBase || !hasIdentity || !hasSigned || m.Message == nil {
		return nil, invalidMessage("incomplete pre-key message")
	}
	return m, nil
}

type fieldValue struct {
	varint uint64
	bytes  []byte
}

// walkFields calls f for every varint and length delimited field in b.
// Fields with other wire types are skipped.
func walkFields(b []byte, f func(protowire.Number, fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return invalidMessage("%v", protowire.ParseError(n))
		}
		b = b[n:]
		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return invalidMessage("%v", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return invalidMessage("%v", protowire.ParseError(n))
		}
		b = b[n:]
		if err := f(num, v); err != nil {
			return err
		}
	}
	return nil
}
