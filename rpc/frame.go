package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EncodeFrame encodes the header msg followed by the optional payload.
func EncodeFrame(msg Message, payload interface{}) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("unable to encode header: %w", err)
	}
	if payload != nil {
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("unable to encode %s payload: %w",
				msg.Command, err)
		}
	}
	if b.Len() > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return b.Bytes(), nil
}

// Frame is a decoded socket frame.
type Frame struct {
	Message
	Envelope *Envelope
	Ack      *Ack
}

// DecodeFrame decodes a single frame from r, reading at most maxSize bytes.
func DecodeFrame(r io.Reader, maxSize uint) (*Frame, error) {
	lr := &limitedReader{R: r, N: maxSize}
	dec := json.NewDecoder(lr)

	f := new(Frame)
	if err := dec.Decode(&f.Message); err != nil {
		if errors.Is(err, errLimitedReaderExhausted) {
			return nil, ErrFrameTooLarge
		}
		return nil, makeUnmarshalError("header", err)
	}

	var target interface{}
	switch f.Command {
	case CmdEnvelope:
		f.Envelope = new(Envelope)
		target = f.Envelope
	case CmdAck:
		f.Ack = new(Ack)
		target = f.Ack
	case CmdQueueEmpty:
		return f, nil
	default:
		return nil, ErrUnknownCommand(f.Command)
	}

	if err := dec.Decode(target); err != nil {
		if errors.Is(err, errLimitedReaderExhausted) {
			return nil, ErrFrameTooLarge
		}
		return nil, makeUnmarshalError(f.Command, err)
	}
	if f.Envelope != nil && len(f.Envelope.Content) > MaxEnvelopeContentSize {
		return nil, ErrFrameTooLarge
	}
	log.Tracef("Decoded frame %s tag %d", f.Command, f.Tag)
	return f, nil
}
