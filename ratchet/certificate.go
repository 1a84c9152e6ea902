package ratchet

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ed25519"
	"google.golang.org/protobuf/encoding/protowire"
)

// ServerCertificate binds a server signing key to the trust root.
type ServerCertificate struct {
	KeyID     uint32
	Key       ed25519.PublicKey
	Signature []byte

	certificate []byte
}

func serverCertificateBody(keyID uint32, key ed25519.PublicKey) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(keyID))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, key)
}

// NewServerCertificate creates a server certificate signed by the trust root.
func NewServerCertificate(trustRoot ed25519.PrivateKey, keyID uint32, key ed25519.PublicKey) *ServerCertificate {
	body := serverCertificateBody(keyID, key)
	return &ServerCertificate{
		KeyID:       keyID,
		Key:         key,
		Signature:   ed25519.Sign(trustRoot, body),
		certificate: body,
	}
}

func (c *ServerCertificate) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, c.certificate)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, c.Signature)
}

func parseServerCertificate(b []byte) (*ServerCertificate, error) {
	c := new(ServerCertificate)
	err := walkFields(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			c.certificate = v.bytes
		case 2:
			c.Signature = v.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = walkFields(c.certificate, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			c.KeyID = uint32(v.varint)
		case 2:
			c.Key = ed25519.PublicKey(v.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(c.Key) != ed25519.PublicKeySize || len(c.Signature) == 0 {
		return nil, fmt.Errorf("%w: incomplete server certificate", ErrInvalidCertificate)
	}
	return c, nil
}

// SenderCertificate is issued by the server to a device and vouches for the
// identity that sends sealed sender messages.
type SenderCertificate struct {
	Sender       string
	SenderDevice uint32
	Expires      time.Time
	IdentityKey  IdentityKey
	Signer       *ServerCertificate
	Signature    []byte

	certificate []byte
}

// Address returns the address of the certified sender.
func (c *SenderCertificate) Address() Address {
	return Address{Name: c.Sender, DeviceID: c.SenderDevice}
}

// NewSenderCertificate creates a sender certificate signed by the server key.
func NewSenderCertificate(serverKey ed25519.PrivateKey, signer *ServerCertificate,
	sender Address, identity IdentityKey, expires time.Time) *SenderCertificate {

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, sender.Name)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(sender.DeviceID))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(expires.UnixMilli()))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, identity.Bytes())
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, signer.Serialize())

	return &SenderCertificate{
		Sender:       sender.Name,
		SenderDevice: sender.DeviceID,
		Expires:      time.UnixMilli(expires.UnixMilli()),
		IdentityKey:  identity,
		Signer:       signer,
		Signature:    ed25519.Sign(serverKey, b),
		certificate:  b,
	}
}

func (c *SenderCertificate) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, c.certificate)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, c.Signature)
}

// ParseSenderCertificate decodes a serialized sender certificate. It does not
// validate it.
func ParseSenderCertificate(b []byte) (*SenderCertificate, error) {
	c := new(SenderCertificate)
	err := walkFields(b, func(num protowire.Number, v fieldValue) error {
		switch num {
		case 1:
			c.certificate = v.bytes
		case 2:
			c.Signature = v.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	body := c.certificate
	var hasIdentity bool
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, protowire.ParseError(n))
		}
		body = body[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			var s []byte
			s, n = protowire.ConsumeBytes(body)
			c.Sender = string(s)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(body)
			c.SenderDevice = uint32(v)
		case num == 3 && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(body)
			c.Expires = time.UnixMilli(int64(v))
		case num == 4 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(body)
			if n >= 0 {
				if c.IdentityKey, err = IdentityKeyFromBytes(v); err != nil {
					return nil, err
				}
				hasIdentity = true
			}
		case num == 5 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(body)
			if n >= 0 {
				if c.Signer, err = parseServerCertificate(v); err != nil {
					return nil, err
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, body)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, protowire.ParseError(n))
		}
		body = body[n:]
	}
	if c.Sender == "" || !hasIdentity || c.Signer == nil {
		return nil, fmt.Errorf("%w: incomplete sender certificate", ErrInvalidCertificate)
	}
	return c, nil
}

// CertificateValidator validates sender certificates against a trust root.
type CertificateValidator struct {
	TrustRoot ed25519.PublicKey
}

// Validate checks the certificate chain and that the certificate has not
// expired at validationTime.
func (v CertificateValidator) Validate(cert *SenderCertificate, validationTime time.Time) error {
	if len(v.TrustRoot) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: no trust root", ErrInvalidCertificate)
	}
	signer := cert.Signer
	if !ed25519.Verify(v.TrustRoot, signer.certificate, signer.Signature) {
		return fmt.Errorf("%w: bad server certificate signature", ErrInvalidCertificate)
	}
	if !ed25519.Verify(signer.Key, cert.certificate, cert.Signature) {
		return fmt.Errorf("%w: bad sender certificate signature", ErrInvalidCertificate)
	}
	if validationTime.After(cert.Expires) {
		return fmt.Errorf("%w: certificate expired at %s", ErrInvalidCertificate,
			cert.Expires.Format(time.RFC3339))
	}
	return nil
}
