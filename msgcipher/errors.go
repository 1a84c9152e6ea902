package msgcipher

import (
	"errors"
	"fmt"

	"github.com/companyzero/msgpull/ratchet"
)

// Error kinds. Every decryption failure is a ProtocolError whose Kind is one
// of these, except for ErrInvalidMetadata and ErrSelfSend which are returned
// when the sender is unknown.
var (
	ErrInvalidMetadata           = errors.New("invalid metadata")
	ErrSelfSend                  = errors.New("self send")
	ErrProtocolInvalidMessage    = errors.New("protocol invalid message")
	ErrProtocolInvalidVersion    = errors.New("protocol invalid version")
	ErrProtocolInvalidKey        = errors.New("protocol invalid key")
	ErrProtocolInvalidKeyID      = errors.New("protocol invalid key id")
	ErrProtocolNoSession         = errors.New("protocol no session")
	ErrProtocolLegacyMessage     = errors.New("protocol legacy message")
	ErrProtocolDuplicateMessage  = errors.New("protocol duplicate message")
	ErrProtocolUntrustedIdentity = errors.New("protocol untrusted identity")
)

// ErrTimestampMismatch is wrapped in the ProtocolError returned when the
// timestamp declared inside a message differs from the envelope timestamp.
var ErrTimestampMismatch = errors.New("timestamps don't match")

// ProtocolError is a failure to decrypt or decode a message from a known
// sender.
type ProtocolError struct {
	Kind   error
	Sender string
	Device uint32
	Err    error
}

func (err ProtocolError) Error() string {
	return fmt.Sprintf("%v from %s.%d: %v", err.Kind, err.Sender, err.Device, err.Err)
}

// Unwrap allows matching both the kind and the underlying cause with
// errors.Is.
func (err ProtocolError) Unwrap() []error {
	return []error{err.Kind, err.Err}
}

// kindOf maps errors from the ratchet layer to error kinds.
func kindOf(err error) error {
	switch {
	case errors.Is(err, ratchet.ErrDuplicateMessage):
		return ErrProtocolDuplicateMessage
	case errors.Is(err, ratchet.ErrNoSession):
		return ErrProtocolNoSession
	case errors.Is(err, ratchet.ErrInvalidKeyID):
		return ErrProtocolInvalidKeyID
	case errors.Is(err, ratchet.ErrInvalidKey):
		return ErrProtocolInvalidKey
	case errors.Is(err, ratchet.ErrUntrustedIdentity):
		return ErrProtocolUntrustedIdentity
	case errors.Is(err, ratchet.ErrLegacyMessage):
		return ErrProtocolLegacyMessage
	case errors.Is(err, ratchet.ErrInvalidVersion):
		return ErrProtocolInvalidVersion
	default:
		return ErrProtocolInvalidMessage
	}
}

func protocolError(err error, sender ratchet.Address) error {
	return ProtocolError{
		Kind:   kindOf(err),
		Sender: sender.Name,
		Device: sender.DeviceID,
		Err:    err,
	}
}
