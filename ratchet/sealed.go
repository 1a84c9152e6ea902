package ratchet

import (
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"google.golang.org/protobuf/encoding/protowire"
)

const sealedVersion = 1

var sealedSalt = []byte("UnidentifiedDelivery")

// SealedResult is a decrypted sealed sender message.
type SealedResult struct {
	Sender  Address
	Version uint32

	// Plaintext is still padded.
	Plaintext []byte
}

// SealedSessionCipher encrypts and decrypts sealed sender messages, where
// the sender's identity is hidden from the server inside the ciphertext.
type SealedSessionCipher struct {
	store     ProtocolStore
	local     Address
	validator CertificateValidator
}

// NewSealedSessionCipher returns a sealed sender cipher for the local
// address.
func NewSealedSessionCipher(store ProtocolStore, local Address, validator CertificateValidator) *SealedSessionCipher {
	return &SealedSessionCipher{store: store, local: local, validator: validator}
}

type sealedKeys struct {
	chainKey  []byte
	cipherKey [32]byte
}

func ephemeralKeys(shared []byte, recipient, ephemeral PublicKey) sealedKeys {
	salt := append(append(append([]byte(nil), sealedSalt...), recipient[:]...), ephemeral[:]...)
	b := deriveSecrets(shared, salt, nil, 64)
	k := sealedKeys{chainKey: b[:32]}
	copy(k.cipherKey[:], b[32:])
	return k
}

func staticKeys(shared, chainKey, encryptedStatic []byte) sealedKeys {
	salt := append(append([]byte(nil), chainKey...), encryptedStatic...)
	b := deriveSecrets(shared, salt, nil, 32)
	var k sealedKeys
	copy(k.cipherKey[:], b)
	return k
}

// Each sealed key is used for a single box.
var zeroNonce [24]byte

// Encrypt encrypts paddedPlaintext for dest with the existing session and
// wraps it so that only dest learns who sent it.
func (c *SealedSessionCipher) Encrypt(dest Address, senderCert *SenderCertificate, paddedPlaintext []byte) ([]byte, error) {
	inner, err := NewSessionCipher(c.store, dest).Encrypt(paddedPlaintext)
	if err != nil {
		return nil, err
	}

	ourIdentity, err := c.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	theirIdentity, err := c.store.Identity(dest)
	if err != nil {
		return nil, err
	}
	if theirIdentity == nil {
		return nil, fmt.Errorf("%w: no identity for %s", ErrNoSession, dest)
	}

	ephemeral, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.DH(theirIdentity.DH)
	if err != nil {
		return nil, err
	}
	eKeys := ephemeralKeys(shared, theirIdentity.DH, ephemeral.Public)
	encryptedStatic := secretbox.Seal(nil, ourIdentity.Public.Bytes(), &zeroNonce, &eKeys.cipherKey)

	shared, err = dh(&ourIdentity.DHPrivate, &theirIdentity.DH)
	if err != nil {
		return nil, err
	}
	sKeys := staticKeys(shared, eKeys.chainKey, encryptedStatic)

	var content []byte
	content = protowire.AppendTag(content, 1, protowire.VarintType)
	content = protowire.AppendVarint(content, uint64(inner.Type()))
	content = protowire.AppendTag(content, 2, protowire.BytesType)
	content = protowire.AppendBytes(content, senderCert.Serialize())
	content = protowire.AppendTag(content, 3, protowire.BytesType)
	content = protowire.AppendBytes(content, inner.Serialize())
	encryptedMessage := secretbox.Seal(nil, content, &zeroNonce, &sKeys.cipherKey)

	b := []byte{sealedVersion<<4 | sealedVersion}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, ephemeral.Public[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, encryptedStatic)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, encryptedMessage), nil
}

func metadataError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMetadata, fmt.Sprintf(format, args...))
}

// Decrypt opens a sealed sender message sent at timestamp. Errors that
// happen after the sender is known are returned as SenderError.
func (c *SealedSessionCipher) Decrypt(ciphertext []byte, timestamp time.Time) (*SealedResult, error) {
	if len(ciphertext) < 1 || ciphertext[0]>>4 != sealedVersion {
		return nil, metadataError("unknown sealed version")
	}
	var ephemeralPub, encryptedStatic, encryptedMessage []byte
	err := walkFields(ciphertext[1:], func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			ephemeralPub = v.bytes
		case 2:
			encryptedStatic = v.bytes
		case 3:
			encryptedMessage = v.bytes
		}
		return nil
	})
	if err != nil {
		return nil, metadataError("%v", err)
	}
	ephemeral, err := publicKeyFromBytes(ephemeralPub)
	if err != nil {
		return nil, metadataError("%v", err)
	}

	ourIdentity, err := c.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := dh(&ourIdentity.DHPrivate, &ephemeral)
	if err != nil {
		return nil, metadataError("%v", err)
	}
	eKeys := ephemeralKeys(shared, ourIdentity.Public.DH, ephemeral)
	staticBytes, ok := secretbox.Open(nil, encryptedStatic, &zeroNonce, &eKeys.cipherKey)
	if !ok {
		return nil, metadataError("unable to open static key")
	}
	staticKey, err := IdentityKeyFromBytes(staticBytes)
	if err != nil {
		return nil, metadataError("%v", err)
	}

	shared, err = dh(&ourIdentity.DHPrivate, &staticKey.DH)
	if err != nil {
		return nil, metadataError("%v", err)
	}
	sKeys := staticKeys(shared, eKeys.chainKey, encryptedStatic)
	content, ok := secretbox.Open(nil, encryptedMessage, &zeroNonce, &sKeys.cipherKey)
	if !ok {
		return nil, metadataError("unable to open message")
	}

	var msgType uint64
	var certBytes, innerBytes []byte
	err = walkFields(content, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			msgType = v.varint
		case 2:
			certBytes = v.bytes
		case 3:
			innerBytes = v.bytes
		}
		return nil
	})
	if err != nil {
		return nil, metadataError("%v", err)
	}
	cert, err := ParseSenderCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	if err := c.validator.Validate(cert, timestamp); err != nil {
		return nil, err
	}
	if !cert.IdentityKey.Equal(staticKey) {
		return nil, metadataError("sender certificate key does not match message key")
	}

	sender := cert.Address()
	if sender == c.local {
		return nil, ErrSelfSend
	}

	plaintext, version, err := c.decryptInner(sender, int(msgType), innerBytes)
	if err != nil {
		return nil, SenderError{Sender: sender, Err: err}
	}
	return &SealedResult{Sender: sender, Version: version, Plaintext: plaintext}, nil
}

func (c *SealedSessionCipher) decryptInner(sender Address, msgType int, b []byte) ([]byte, uint32, error) {
	cipher := NewSessionCipher(c.store, sender)
	var plaintext []byte
	switch msgType {
	case WhisperType:
		msg, err := ParseSignalMessage(b)
		if err != nil {
			return nil, 0, err
		}
		if plaintext, err = cipher.Decrypt(msg); err != nil {
			return nil, 0, err
		}
	case PreKeyType:
		msg, err := ParsePreKeySignalMessage(b)
		if err != nil {
			return nil, 0, err
		}
		if plaintext, err = cipher.DecryptPreKey(msg); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, metadataError("unknown inner message type %d", msgType)
	}
	version, err := cipher.SessionVersion()
	if err != nil {
		return nil, 0, err
	}
	return plaintext, version, nil
}
