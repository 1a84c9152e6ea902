// Package msgcipher turns encrypted envelopes received from the server into
// typed messages.
package msgcipher

import (
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/msgpull/ratchet"
	"github.com/companyzero/msgpull/rpc"
	"github.com/decred/slog"
	"golang.org/x/crypto/ed25519"
)

// Metadata describes where a message came from.
type Metadata struct {
	Sender          ratchet.Address
	Timestamp       int64
	ServerTimestamp int64
	ServerGUID      string

	// NeedsReceipt is set for sealed sender messages, which the server
	// does not acknowledge to the sender on its own.
	NeedsReceipt bool
}

// Message is a decrypted envelope.
type Message struct {
	Metadata Metadata
	Content  Content
	Profile  *ProfileUpdate
}

// Config is the configuration for a Cipher.
type Config struct {
	Store        ratchet.ProtocolStore
	LocalAddress ratchet.Address

	// TrustRoot validates sender certificates of sealed sender messages.
	TrustRoot ed25519.PublicKey

	Log slog.Logger
}

// Cipher decrypts envelopes.
type Cipher struct {
	store  ratchet.ProtocolStore
	local  ratchet.Address
	sealed *ratchet.SealedSessionCipher
	log    slog.Logger
}

// New returns a new cipher.
func New(cfg Config) *Cipher {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	validator := ratchet.CertificateValidator{TrustRoot: cfg.TrustRoot}
	return &Cipher{
		store:  cfg.Store,
		local:  cfg.LocalAddress,
		sealed: ratchet.NewSealedSessionCipher(cfg.Store, cfg.LocalAddress, validator),
		log:    log,
	}
}

func metadata(env *rpc.Envelope) Metadata {
	return Metadata{
		Sender:          ratchet.NewAddress(env.Source, env.SourceDevice),
		Timestamp:       env.Timestamp,
		ServerTimestamp: env.ServerTimestamp,
		ServerGUID:      env.ServerGUID,
	}
}

// Decrypt decrypts and decodes an envelope.
//
// Failures with a known sender are returned as ProtocolError. Failures to
// open a sealed sender envelope wrap ErrInvalidMetadata. A sealed sender
// envelope sent by the local address returns ErrSelfSend.
func (c *Cipher) Decrypt(env *rpc.Envelope) (*Message, error) {
	meta := metadata(env)

	if env.IsReceipt() {
		// Server generated receipts are not encrypted.
		return &Message{
			Metadata: meta,
			Content: &ReceiptMessage{
				Type:       ReceiptTypeDelivery,
				Timestamps: []uint64{uint64(env.Timestamp)},
			},
		}, nil
	}

	if len(env.Content) == 0 {
		return nil, fmt.Errorf("%w: envelope %s has no content", ErrInvalidMetadata, env.ServerGUID)
	}

	var padded []byte
	var version uint32
	switch env.Type {
	case rpc.EnvelopeTypeCiphertext, rpc.EnvelopeTypePreKeyBundle, rpc.EnvelopeTypeKeyExchange:
		if !env.HasSource() {
			return nil, fmt.Errorf("%w: %s envelope without source", ErrInvalidMetadata, env.Type)
		}
		var err error
		padded, version, err = c.decryptIdentified(env, meta.Sender)
		if err != nil {
			return nil, protocolError(err, meta.Sender)
		}

	case rpc.EnvelopeTypeUnidentifiedSender:
		res, err := c.sealed.Decrypt(env.Content, time.UnixMilli(env.Timestamp))
		var senderErr ratchet.SenderError
		switch {
		case errors.As(err, &senderErr):
			return nil, protocolError(senderErr.Err, senderErr.Sender)
		case errors.Is(err, ratchet.ErrSelfSend):
			return nil, ErrSelfSend
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		meta.Sender = res.Sender
		meta.NeedsReceipt = true
		padded, version = res.Plaintext, res.Version

	default:
		return nil, fmt.Errorf("%w: unknown envelope type %s", ErrInvalidMetadata, env.Type)
	}

	plaintext := Unpad(padded, version)
	dec, err := decodeContent(plaintext)
	if err != nil {
		return nil, protocolError(err, meta.Sender)
	}
	if dec.content == nil {
		return nil, protocolError(errors.New("message has no supported content"), meta.Sender)
	}

	switch m := dec.content.(type) {
	case *DataMessage:
		if !m.hasTimestamp || m.Timestamp != uint64(env.Timestamp) {
			return nil, protocolError(fmt.Errorf("%w: data message %d, envelope %d",
				ErrTimestampMismatch, m.Timestamp, env.Timestamp), meta.Sender)
		}
	case *TypingMessage:
		if !m.hasTimestamp || m.Timestamp != uint64(env.Timestamp) {
			return nil, protocolError(fmt.Errorf("%w: typing message %d, envelope %d",
				ErrTimestampMismatch, m.Timestamp, env.Timestamp), meta.Sender)
		}
	case *ConfigurationMessage:
		if meta.Sender.Name != c.local.Name {
			return nil, protocolError(errors.New("configuration message from another user"), meta.Sender)
		}
	}

	c.log.Tracef("Decrypted %T from %s (version %d)", dec.content, meta.Sender, version)
	return &Message{Metadata: meta, Content: dec.content, Profile: dec.profile}, nil
}

func (c *Cipher) decryptIdentified(env *rpc.Envelope, sender ratchet.Address) ([]byte, uint32, error) {
	cipher := ratchet.NewSessionCipher(c.store, sender)
	var padded []byte
	switch env.Type {
	case rpc.EnvelopeTypePreKeyBundle:
		msg, err := ratchet.ParsePreKeySignalMessage(env.Content)
		if err != nil {
			return nil, 0, err
		}
		if padded, err = cipher.DecryptPreKey(msg); err != nil {
			return nil, 0, err
		}
	case rpc.EnvelopeTypeCiphertext:
		msg, err := ratchet.ParseSignalMessage(env.Content)
		if err != nil {
			return nil, 0, err
		}
		if padded, err = cipher.Decrypt(msg); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("%w: key exchange envelopes are not supported",
			ratchet.ErrLegacyMessage)
	}
	version, err := cipher.SessionVersion()
	if err != nil {
		return nil, 0, err
	}
	return padded, version, nil
}

// EncryptEnvelope encrypts content for dest with the existing session. When
// senderCert is not nil the result is a sealed sender envelope.
func (c *Cipher) EncryptEnvelope(dest ratchet.Address, content Content, profile *ProfileUpdate,
	timestamp int64, senderCert *ratchet.SenderCertificate) (*rpc.Envelope, error) {

	b := EncodeContent(content, profile)
	if b == nil {
		return nil, fmt.Errorf("unsupported content %T", content)
	}
	padded := Pad(b)

	env := &rpc.Envelope{Timestamp: timestamp}
	if senderCert != nil {
		ct, err := c.sealed.Encrypt(dest, senderCert, padded)
		if err != nil {
			return nil, err
		}
		env.Type = rpc.EnvelopeTypeUnidentifiedSender
		env.Content = ct
		return env, nil
	}

	msg, err := ratchet.NewSessionCipher(c.store, dest).Encrypt(padded)
	if err != nil {
		return nil, err
	}
	env.Source, env.SourceDevice = c.local.Name, c.local.DeviceID
	env.Content = msg.Serialize()
	env.Type = rpc.EnvelopeTypeCiphertext
	if msg.Type() == ratchet.PreKeyType {
		env.Type = rpc.EnvelopeTypePreKeyBundle
	}
	return env, nil
}
