// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned when a message cannot be parsed or
	// authenticated with any known session state.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidVersion is returned for messages with an unknown (newer)
	// protocol version.
	ErrInvalidVersion = errors.New("invalid message version")

	// ErrLegacyMessage is returned for messages with an obsolete protocol
	// version.
	ErrLegacyMessage = errors.New("legacy message version")

	// ErrInvalidKey is returned when a key or key signature is malformed.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidKeyID is returned when a message references a pre-key or
	// signed pre-key that is not in the store.
	ErrInvalidKeyID = errors.New("invalid key id")

	// ErrNoSession is returned when decrypting a message for an address
	// without a usable session.
	ErrNoSession = errors.New("no session")

	// ErrDuplicateMessage is returned when the keys for a message were
	// already used.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrUntrustedIdentity is the sentinel for UntrustedIdentityError.
	ErrUntrustedIdentity = errors.New("untrusted identity")

	// ErrInvalidMetadata is returned when the outer layer of a sealed
	// sender message cannot be opened.
	ErrInvalidMetadata = errors.New("invalid sealed sender metadata")

	// ErrInvalidCertificate is returned when a sender certificate fails
	// validation.
	ErrInvalidCertificate = errors.New("invalid sender certificate")

	// ErrSelfSend is returned when a sealed sender message decrypts to a
	// sender that is the local address.
	ErrSelfSend = errors.New("sealed sender message sent by ourselves")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// UntrustedIdentityError is returned when the identity key of a remote
// address is not trusted for the requested direction.
type UntrustedIdentityError struct {
	Name string
	Key  IdentityKey
}

func (err UntrustedIdentityError) Error() string {
	return fmt.Sprintf("untrusted identity for %s (%s)", err.Name,
		err.Key.Fingerprint())
}

func (err UntrustedIdentityError) Is(target error) bool {
	return target == ErrUntrustedIdentity
}

// SenderError wraps an error that happened after a sealed sender message
// revealed who sent it.
type SenderError struct {
	Sender Address
	Err    error
}

func (err SenderError) Error() string {
	return fmt.Sprintf("message from %s: %v", err.Sender, err.Err)
}

func (err SenderError) Unwrap() error {
	return err.Err
}

func invalidMessage(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}
