// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a kind of backend error.
type ErrorKind int

// These constants classify every error a Backend can return.
const (
	// ErrTransport indicates the backend was unreachable or the
	// connection failed mid-call.  Transient; the caller may retry.
	ErrTransport ErrorKind = iota

	// ErrProtocol indicates the backend returned malformed or
	// inconsistent data: batch result lengths that do not match the
	// request, transactions that do not decode, headers at the wrong
	// height.  This points at backend corruption or misbehavior rather
	// than an outage and should not be retried blindly.
	ErrProtocol

	// ErrRPC indicates a well-formed error reported by the server, such
	// as an unknown transaction id or a rejected broadcast.
	ErrRPC

	// ErrUnsupported indicates the backend cannot serve the requested
	// operation at all, such as script histories on an elementsd node
	// without an address index.
	ErrUnsupported
)

// Map of ErrorKind values back to their constant names for pretty printing.
var errorKindStrings = map[ErrorKind]string{
	ErrTransport:   "ErrTransport",
	ErrProtocol:    "ErrProtocol",
	ErrRPC:         "ErrRPC",
	ErrUnsupported: "ErrUnsupported",
}

// String returns the ErrorKind as a human-readable name.
func (k ErrorKind) String() string {
	if s := errorKindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorKind (%d)", int(k))
}

// Error provides a single type for errors that can happen during backend
// operation.
type Error struct {
	Kind        ErrorKind // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// backendError creates an Error given a set of arguments.
func backendError(kind ErrorKind, desc string, err error) *Error {
	return &Error{Kind: kind, Description: desc, Err: err}
}

// IsKind reports whether err is a backend Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
