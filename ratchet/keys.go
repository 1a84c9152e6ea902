// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ed25519"
	"lukechampine.com/blake3"
)

// KeySize is the size of curve25519 public and private keys.
const KeySize = 32

// identityKeySize is the size of a serialized IdentityKey.
const identityKeySize = KeySize + ed25519.PublicKeySize

// Address identifies one device of a remote user.
type Address struct {
	Name     string
	DeviceID uint32
}

// NewAddress returns the address for the given name and device.
func NewAddress(name string, deviceID uint32) Address {
	return Address{Name: name, DeviceID: deviceID}
}

func (a Address) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// ParseAddress parses the output of Address.String.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i < 1 {
		return Address{}, fmt.Errorf("address %q has no device", s)
	}
	dev, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("address %q has invalid device: %v", s, err)
	}
	return Address{Name: s[:i], DeviceID: uint32(dev)}, nil
}

type PublicKey [KeySize]byte
type PrivateKey [KeySize]byte

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

func publicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != KeySize {
		return pk, fmt.Errorf("%w: public key has %d bytes", ErrInvalidKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func privateKeyFromBytes(b []byte) (PrivateKey, error) {
	var pk PrivateKey
	if len(b) != KeySize {
		return pk, fmt.Errorf("%w: private key has %d bytes", ErrInvalidKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// KeyPair is a curve25519 key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateKeyPair generates a new curve25519 key pair.
func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand, kp.Private[:]); err != nil {
		return nil, err
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// DH performs the curve25519 agreement between this pair's private key and
// the given public key.
func (kp *KeyPair) DH(pub PublicKey) ([]byte, error) {
	return dh(&kp.Private, &pub)
}

func dh(priv *PrivateKey, pub *PublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// IdentityKey is the long term public identity of a user. It carries both
// the agreement key used in session setup and the key used to sign pre-keys.
type IdentityKey struct {
	DH   PublicKey
	Sign [ed25519.PublicKeySize]byte
}

// Bytes returns the serialized key.
func (k IdentityKey) Bytes() []byte {
	b := make([]byte, 0, identityKeySize)
	b = append(b, k.DH[:]...)
	return append(b, k.Sign[:]...)
}

// IsZero returns true if this is the zero value.
func (k IdentityKey) IsZero() bool {
	return k == IdentityKey{}
}

// Equal returns true if both keys are the same.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return subtle.ConstantTimeCompare(k.Bytes(), other.Bytes()) == 1
}

// Verify checks that sig is a signature of msg made by this identity.
func (k IdentityKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k.Sign[:]), msg, sig)
}

// Fingerprint returns a short identifier of the key suitable for logging.
func (k IdentityKey) Fingerprint() string {
	h := blake3.Sum256(k.Bytes())
	return hex.EncodeToString(h[:8])
}

// IdentityKeyFromBytes decodes a serialized identity key.
func IdentityKeyFromBytes(b []byte) (IdentityKey, error) {
	var k IdentityKey
	if len(b) != identityKeySize {
		return k, fmt.Errorf("%w: identity key has %d bytes", ErrInvalidKey, len(b))
	}
	copy(k.DH[:], b)
	copy(k.Sign[:], b[KeySize:])
	return k, nil
}

// IdentityKeyPair is the local user's long term identity.
type IdentityKeyPair struct {
	Public      IdentityKey
	DHPrivate   PrivateKey
	SignPrivate ed25519.PrivateKey
}

// GenerateIdentityKeyPair generates a new identity.
func GenerateIdentityKeyPair(rand io.Reader) (*IdentityKeyPair, error) {
	kp, err := GenerateKeyPair(rand)
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	id := &IdentityKeyPair{
		DHPrivate:   kp.Private,
		SignPrivate: signPriv,
	}
	id.Public.DH = kp.Public
	copy(id.Public.Sign[:], signPub)
	return id, nil
}

// Sign signs msg with the identity's signing key.
func (p *IdentityKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(p.SignPrivate, msg)
}

func (p *IdentityKeyPair) dhPair() *KeyPair {
	return &KeyPair{Public: p.Public.DH, Private: p.DHPrivate}
}
