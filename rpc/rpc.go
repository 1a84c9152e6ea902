// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE file.

// Package rpc defines the structures exchanged with the message server, both
// over the persistent websocket and over the one-shot REST fetch endpoint.
package rpc

import (
	"fmt"
	"time"
)

const (
	// ProtocolVersion is the version of the socket framing.
	ProtocolVersion = 1

	// MaxFrameSize is the maximum size of a single websocket frame
	// (header plus payload) accepted from the server.
	MaxFrameSize = 256 * 1024

	// MaxEnvelopeContentSize is the maximum size of the encrypted content
	// of a single envelope.
	MaxEnvelopeContentSize = 128 * 1024

	// DefaultSocketTimeout is how long a socket read waits for the next
	// frame before the server is considered unresponsive.
	DefaultSocketTimeout = 10 * time.Second

	// FetchEndpoint is the REST path used to list pending envelopes.
	FetchEndpoint = "/v1/messages"

	// AckEndpoint is the REST path prefix used to acknowledge (delete) an
	// envelope by its server GUID.
	AckEndpoint = "/v1/messages/uuid/"

	// WebsocketEndpoint is the path of the persistent message socket.
	WebsocketEndpoint = "/v1/websocket"
)

// EnvelopeType identifies how the content of an envelope is encrypted.
type EnvelopeType int32

const (
	EnvelopeTypeUnknown            EnvelopeType = 0
	EnvelopeTypeCiphertext         EnvelopeType = 1
	EnvelopeTypeKeyExchange        EnvelopeType = 2
	EnvelopeTypePreKeyBundle       EnvelopeType = 3
	EnvelopeTypeReceipt            EnvelopeType = 5
	EnvelopeTypeUnidentifiedSender EnvelopeType = 6
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeTypeUnknown:
		return "unknown"
	case EnvelopeTypeCiphertext:
		return "ciphertext"
	case EnvelopeTypeKeyExchange:
		return "keyexchange"
	case EnvelopeTypePreKeyBundle:
		return "prekeybundle"
	case EnvelopeTypeReceipt:
		return "receipt"
	case EnvelopeTypeUnidentifiedSender:
		return "unidentifiedsender"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// Envelope is a single encrypted message as delivered by the server.
//
// Timestamp is the sender-declared send time in milliseconds. Source and
// SourceDevice are empty for sealed sender envelopes, where the sender is
// only revealed after decryption.
type Envelope struct {
	Type            EnvelopeType `json:"type"`
	Source          string       `json:"source,omitempty"`
	SourceDevice    uint32       `json:"sourceDevice,omitempty"`
	Timestamp       int64        `json:"timestamp"`
	Content         []byte       `json:"content,omitempty"`
	ServerGUID      string       `json:"guid,omitempty"`
	ServerTimestamp int64        `json:"serverTimestamp,omitempty"`
}

// HasSource returns true if the envelope carries an identified sender.
func (env *Envelope) HasSource() bool {
	return env.Source != "" && env.SourceDevice > 0
}

// IsUnidentifiedSender returns true if this is a sealed sender envelope.
func (env *Envelope) IsUnidentifiedSender() bool {
	return env.Type == EnvelopeTypeUnidentifiedSender
}

// IsReceipt returns true for server generated delivery receipts, which carry
// no encrypted content.
func (env *Envelope) IsReceipt() bool {
	return env.Type == EnvelopeTypeReceipt
}

// String returns a short description suitable for logging. It never includes
// the content.
func (env *Envelope) String() string {
	src := "sealed"
	if env.HasSource() {
		src = fmt.Sprintf("%s.%d", env.Source, env.SourceDevice)
	}
	return fmt.Sprintf("%s from %s ts %d guid %s", env.Type, src,
		env.Timestamp, env.ServerGUID)
}

// Socket commands.
const (
	// CmdEnvelope is sent by the server and carries an Envelope payload.
	CmdEnvelope = "envelope"

	// CmdQueueEmpty is sent by the server once every queued envelope has
	// been delivered on the socket. It carries no payload.
	CmdQueueEmpty = "queueempty"

	// CmdAck is sent by the client after an envelope has been handled and
	// carries an Ack payload.
	CmdAck = "ack"
)

// Message is the header of every socket frame. The frame is encoded as the
// JSON Message immediately followed by the JSON payload for the command (if
// any).
type Message struct {
	Command   string `json:"command"`
	Tag       uint32 `json:"tag"`
	TimeStamp int64  `json:"timestamp,omitempty"`
}

// Ack acknowledges delivery of the envelope sent with the same tag.
type Ack struct {
	GUID  string `json:"guid"`
	Error string `json:"error,omitempty"`
}

// FetchReply is the body returned by the REST fetch endpoint.
type FetchReply struct {
	Messages []Envelope `json:"messages"`
	More     bool       `json:"more"`
}
