// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrInvalidPubKey indicates a key that is not a valid compressed
	// secp256k1 public key.
	ErrInvalidPubKey ErrorCode = iota

	// ErrDuplicateKey indicates that an authority already contributed a
	// key, or that the key is already part of the vault.
	ErrDuplicateKey

	// ErrNotPending indicates a key insertion into a generated vault.
	ErrNotPending

	// ErrInvalidThreshold indicates an m-of-n pair outside
	// 1 <= m <= n <= MaxKeys.
	ErrInvalidThreshold

	// ErrInvalidDescriptor indicates a descriptor that is not a canonical
	// checksummed sorted multisig descriptor.
	ErrInvalidDescriptor

	// ErrScriptCreation indicates a failure deriving the witness script or
	// address.
	ErrScriptCreation

	// ErrUnknownAuthority indicates a replacement for an authority that
	// holds no key in the vault.
	ErrUnknownAuthority
)

var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidPubKey:     "ErrInvalidPubKey",
	ErrDuplicateKey:      "ErrDuplicateKey",
	ErrNotPending:        "ErrNotPending",
	ErrInvalidThreshold:  "ErrInvalidThreshold",
	ErrInvalidDescriptor: "ErrInvalidDescriptor",
	ErrScriptCreation:    "ErrScriptCreation",
	ErrUnknownAuthority:  "ErrUnknownAuthority",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising from vault construction.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Err
}

// newError creates a new Error.
func newError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.ErrorCode == code
}
