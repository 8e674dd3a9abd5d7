// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registration

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btccustody/authority"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrDatabase indicates an error with the underlying database.
	ErrDatabase ErrorCode = iota

	// ErrInvalidSignature indicates a signature that does not recover to
	// the claimed submitter.
	ErrInvalidSignature

	// ErrNotAuthority indicates a submission from an account that is not
	// in the current authority set.
	ErrNotAuthority

	// ErrRoundMismatch indicates a submission for a round other than the
	// one being registered.
	ErrRoundMismatch

	// ErrServiceUnavailable indicates an operation that the current
	// bridge service state does not permit.
	ErrServiceUnavailable

	// ErrInvalidAddress indicates a refund address that does not decode
	// for the configured network.
	ErrInvalidAddress

	// ErrAlreadyRegistered indicates a user, refund address, vault
	// address or system vault that is already bonded.
	ErrAlreadyRegistered

	// ErrUserNotFound indicates a user with no registered vault.
	ErrUserNotFound

	// ErrNotPending indicates a key submission for a generated vault.
	ErrNotPending

	// ErrDuplicateKey indicates a public key that is already bonded, or
	// an authority that already contributed a key to the vault.
	ErrDuplicateKey

	// ErrPreSubmissionLimit indicates a pre-submission that would grow an
	// authority's queue past the configured limit.
	ErrPreSubmissionLimit

	// ErrSystemVaultNotFound indicates a round with no system vault.
	ErrSystemVaultNotFound

	// ErrVaultNotFound indicates an address that is not a vault of the
	// round.
	ErrVaultNotFound

	// ErrDuplicateQuery indicates a batch query naming an entry twice.
	ErrDuplicateQuery

	// ErrRoundActive indicates an attempt to prune the current or a
	// future round.
	ErrRoundActive

	// ErrInvalidVault indicates vault parameters that cannot form a
	// multisig, such as an empty authority set.
	ErrInvalidVault
)

var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:            "ErrDatabase",
	ErrInvalidSignature:    "ErrInvalidSignature",
	ErrNotAuthority:        "ErrNotAuthority",
	ErrRoundMismatch:       "ErrRoundMismatch",
	ErrServiceUnavailable:  "ErrServiceUnavailable",
	ErrInvalidAddress:      "ErrInvalidAddress",
	ErrAlreadyRegistered:   "ErrAlreadyRegistered",
	ErrUserNotFound:        "ErrUserNotFound",
	ErrNotPending:          "ErrNotPending",
	ErrDuplicateKey:        "ErrDuplicateKey",
	ErrPreSubmissionLimit:  "ErrPreSubmissionLimit",
	ErrSystemVaultNotFound: "ErrSystemVaultNotFound",
	ErrVaultNotFound:       "ErrVaultNotFound",
	ErrDuplicateQuery:      "ErrDuplicateQuery",
	ErrRoundActive:         "ErrRoundActive",
	ErrInvalidVault:        "ErrInvalidVault",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Kind maps the code onto the shared error taxonomy.
func (e ErrorCode) Kind() authority.ErrorKind {
	switch e {
	case ErrInvalidSignature, ErrNotAuthority:
		return authority.KindAuthorization

	case ErrPreSubmissionLimit:
		return authority.KindResource

	case ErrDuplicateQuery:
		return authority.KindConsistency

	case ErrDatabase, ErrInvalidVault:
		return authority.KindInternal

	default:
		return authority.KindState
	}
}

// Error is a typed error for all errors arising from vault registration.
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

// dbError wraps failures that did not originate in this package.
func dbError(err error) error {
	if err == nil {
		return nil
	}
	var e Error
	if errors.As(err, &e) {
		return err
	}
	return newError(ErrDatabase, "registration database failure", err)
}
