package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	chainKeySeed   = []byte{0x02}
	messageKeySeed = []byte{0x01}

	infoText        = []byte("WhisperText")
	infoRatchet     = []byte("WhisperRatchet")
	infoMessageKeys = []byte("WhisperMessageKeys")
)

func deriveSecrets(ikm, salt, info []byte, n int) []byte {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only fails when reading more than 255*hash size.
		panic(err)
	}
	return out
}

type chainKey struct {
	key   []byte
	index uint32
}

func (ck chainKey) next() chainKey {
	return chainKey{key: ck.hmac(chainKeySeed), index: ck.index + 1}
}

func (ck chainKey) hmac(seed []byte) []byte {
	h := hmac.New(sha256.New, ck.key)
	h.Write(seed)
	return h.Sum(nil)
}

type messageKeys struct {
	cipherKey []byte
	nonce     []byte
	index     uint32
}

func (ck chainKey) messageKeys() messageKeys {
	b := deriveSecrets(ck.hmac(messageKeySeed), nil, infoMessageKeys,
		chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	return messageKeys{
		cipherKey: b[:chacha20poly1305.KeySize],
		nonce:     b[chacha20poly1305.KeySize:],
		index:     ck.index,
	}
}

// createChain performs one step of the root ratchet, returning the new root
// key and a fresh chain key.
func createChain(rootKey []byte, theirRatchet PublicKey, ours *KeyPair) ([]byte, chainKey, error) {
	shared, err := ours.DH(theirRatchet)
	if err != nil {
		return nil, chainKey{}, err
	}
	b := deriveSecrets(shared, rootKey, infoRatchet, 64)
	return b[:32], chainKey{key: b[32:]}, nil
}

func sealMessage(mk messageKeys, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.cipherKey)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, mk.nonce, plaintext, ad), nil
}

func openMessage(mk messageKeys, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.cipherKey)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, mk.nonce, ciphertext, ad)
	if err != nil {
		return nil, invalidMessage("bad mac")
	}
	return pt, nil
}
