// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import "fmt"

// ErrorCode identifies a category of error.
type ErrorCode uint8

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates an underlying database error when fetching or
	// storing data.  The wrapped error will be the driver error.
	ErrDatabase ErrorCode = iota

	// ErrData describes an error where data stored in the database is
	// incorrect.  This may be due to missing values, values of wrong
	// sizes, or data from different buckets that is inconsistent with
	// itself.  Recovering from this code requires rebuilding the store
	// from the chain.
	ErrData

	// ErrVersion is returned when the on-disk store was written by a
	// different, incompatible version of this package.
	ErrVersion

	// ErrPoisoned is returned by Read and Update after a previous Update
	// failed while flushing: the in-memory snapshot and the database can
	// no longer be assumed to agree.  The store instance is unusable and
	// must be reopened.
	ErrPoisoned

	// ErrInvariant is returned by Update when the staged state violates a
	// store invariant, for example a recorded height without a
	// transaction body.  Nothing is committed.
	ErrInvariant

	// ErrInput describes bad caller input, such as reserving an index
	// that would move LastIndex backwards.
	ErrInput
)

var errStrs = [...]string{
	ErrDatabase:  "ErrDatabase",
	ErrData:      "ErrData",
	ErrVersion:   "ErrVersion",
	ErrPoisoned:  "ErrPoisoned",
	ErrInvariant: "ErrInvariant",
	ErrInput:     "ErrInput",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if int(e) < len(errStrs) {
		return errStrs[e]
	}
	return fmt.Sprintf("ErrorCode(%d)", e)
}

// Error provides a single type for errors that can occur in the store.
type Error struct {
	Code ErrorCode // Describes the kind of error
	Desc string    // Human readable description of the issue
	Err  error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}
	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

func storeError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// IsCode reports whether err is a store Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	serr, ok := err.(Error)
	return ok && serr.Code == code
}
