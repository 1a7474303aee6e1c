// Package apperr defines the error taxonomy shared by every component so the
// HTTP front can classify a failure into a status code without string-matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into the fixed taxonomy the HTTP boundary maps
// to status codes.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindBadRequest     Kind = "bad_request"
	KindInvalidState   Kind = "invalid_state"
	KindAllocation     Kind = "allocation"
	KindVmLaunch       Kind = "vm_launch"
	KindRelayHandshake Kind = "relay_handshake"
	KindStorage        Kind = "storage"
	KindInternal       Kind = "internal"
)

// Error carries a Kind alongside the usual wrapped detail.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap annotates err with kind if it isn't already an *Error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(kind, op, err)
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
