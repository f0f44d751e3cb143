package hostfunc

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotFound         = errors.New("not found")
	ErrUnknownFunction  = errors.New("unknown function")
	ErrInvalidArgs      = errors.New("invalid arguments")
	ErrKeyTooLarge      = errors.New("key too large")
	ErrValueTooLarge    = errors.New("value too large")
)

// Wire codes carried next to callback errors so the child side can raise
// the matching error.
const (
	CodeCapacityExceeded = "capacity_exceeded"
	CodeNotFound         = "not_found"
	CodeUnknownFunction  = "unknown_function"
	CodeInvalidArgs      = "invalid_args"
	CodeInternal         = "internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeCapacityExceeded, ErrCapacityExceeded},
	{CodeNotFound, ErrNotFound},
	{CodeUnknownFunction, ErrUnknownFunction},
	{CodeInvalidArgs, ErrInvalidArgs},
	{CodeInvalidArgs, ErrKeyTooLarge},
	{CodeInvalidArgs, ErrValueTooLarge},
}

// CodeOf returns the wire code for err.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds an error from a wire code and message. The result
// matches the sentinel for the code with errors.Is.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			if msg == "" || msg == c.err.Error() {
				return c.err
			}
			return &remoteError{msg: msg, err: c.err}
		}
	}
	return errors.New(msg)
}

type remoteError struct {
	msg string
	err error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.err }

// CapacityError describes a rejected insertion into a full State.
type CapacityError struct {
	Key      string
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: store holds %d entries, cannot add %q", e.Capacity, e.Key)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }
