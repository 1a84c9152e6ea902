package rpc

import (
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when a frame exceeds the maximum size allowed
// for it.
var ErrFrameTooLarge = errors.New("frame too large")

// ErrUnknownCommand is returned when decoding a frame with a command that is
// not known.
type ErrUnknownCommand string

func (err ErrUnknownCommand) Error() string {
	return fmt.Sprintf("unknown command %q", string(err))
}

func (err ErrUnknownCommand) Is(target error) bool {
	_, ok := target.(ErrUnknownCommand)
	return ok
}

// UnmarshalError is returned when the payload of a frame cannot be decoded.
type UnmarshalError struct {
	What string
	Err  error
}

func (err UnmarshalError) Error() string {
	return fmt.Sprintf("unable to unmarshal %s: %v", err.What, err.Err)
}

func (err UnmarshalError) Unwrap() error {
	return err.Err
}

func makeUnmarshalError(what string, err error) error {
	return UnmarshalError{What: what, Err: err}
}
