/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
)

// Sentinel precondition failures. Use errors.Is to test for them.
var (
	ErrWebphoneNotConfigured    = errors.New("webphone is not configured")
	ErrWebphoneNotRegistered    = errors.New("webphone is not registered")
	ErrCallControlNotConfigured = errors.New("call control is not configured")
	ErrSessionNotFound          = errors.New("session not found")
	ErrSessionHasWebphone       = errors.New("session already has a webphone session")
	ErrNoTransport              = errors.New("no transport available for action")
	ErrInvalidCallType          = errors.New("invalid call type")
	ErrDisposed                 = errors.New("client is disposed")
)

// errNotSupported is returned by a leg that cannot serve an action so the
// next leg is tried.
var errNotSupported = errors.New("action not supported by transport")

// PreconditionError is returned when an operation is refused before any
// transport is contacted. It is never retried.
type PreconditionError struct {
	// Op is the refused operation, e.g. "MakeCall".
	Op string

	// TelephonySessionID is set when the operation targeted a session.
	TelephonySessionID string

	// Err is one of the sentinel errors above.
	Err error
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	if e.TelephonySessionID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.TelephonySessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the sentinel error.
func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure reported by the webphone or call control.
type TransportError struct {
	// Op is the action that failed, e.g. "Hold".
	Op string

	// Transport is "webphone" or "callControl".
	Transport string

	// Err is the error returned by the transport.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s via %s: %v", e.Op, e.Transport, e.Err)
}

// Unwrap returns the transport error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

func precondition(op string, err error) error {
	return &PreconditionError{Op: op, Err: err}
}
