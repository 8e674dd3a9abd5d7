// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

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
	// current one.
	ErrRoundMismatch

	// ErrNotActivated indicates an attestation while the ledger is
	// deactivated.
	ErrNotActivated

	// ErrUnknownVault indicates an output owned by an address that is not
	// a vault of the round.
	ErrUnknownVault

	// ErrAlreadySubmitted indicates a submission that adds no new vote.
	ErrAlreadySubmitted

	// ErrInconsistentBatch indicates a batch that is empty or names an
	// output twice.
	ErrInconsistentBatch

	// ErrUtxoNotFound indicates an unknown output hash.
	ErrUtxoNotFound

	// ErrUtxoNotAvailable indicates a lock on an output that is not
	// Available.
	ErrUtxoNotAvailable

	// ErrAlreadyLocked indicates a second lock under the same txid.
	ErrAlreadyLocked

	// ErrLockNotFound indicates an unlock or spend of a txid holding no
	// lock.
	ErrLockNotFound

	// ErrInsufficientFunds indicates that no selection covers the
	// payment.
	ErrInsufficientFunds

	// ErrSelectionThrottled indicates that consecutive selection failures
	// reached the tolerance and selection is paused.
	ErrSelectionThrottled

	// ErrFeeRateExpired indicates a fee-rate submission past its
	// deadline.
	ErrFeeRateExpired

	// ErrInvalidFeeRate indicates a zero fee rate.
	ErrInvalidFeeRate

	// ErrFeeRateNotFinalized indicates a round with no agreed fee rate.
	ErrFeeRateNotFinalized
)

var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:            "ErrDatabase",
	ErrInvalidSignature:    "ErrInvalidSignature",
	ErrNotAuthority:        "ErrNotAuthority",
	ErrRoundMismatch:       "ErrRoundMismatch",
	ErrNotActivated:        "ErrNotActivated",
	ErrUnknownVault:        "ErrUnknownVault",
	ErrAlreadySubmitted:    "ErrAlreadySubmitted",
	ErrInconsistentBatch:   "ErrInconsistentBatch",
	ErrUtxoNotFound:        "ErrUtxoNotFound",
	ErrUtxoNotAvailable:    "ErrUtxoNotAvailable",
	ErrAlreadyLocked:       "ErrAlreadyLocked",
	ErrLockNotFound:        "ErrLockNotFound",
	ErrInsufficientFunds:   "ErrInsufficientFunds",
	ErrSelectionThrottled:  "ErrSelectionThrottled",
	ErrFeeRateExpired:      "ErrFeeRateExpired",
	ErrInvalidFeeRate:      "ErrInvalidFeeRate",
	ErrFeeRateNotFinalized: "ErrFeeRateNotFinalized",
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
	case ErrInvalidSignature, ErrNotAuthority, ErrAlreadySubmitted:
		return authority.KindAuthorization

	case ErrInsufficientFunds, ErrSelectionThrottled:
		return authority.KindResource

	case ErrInconsistentBatch, ErrUnknownVault, ErrInvalidFeeRate:
		return authority.KindConsistency

	case ErrDatabase:
		return authority.KindInternal

	default:
		return authority.KindState
	}
}

// Error is a typed error for all errors arising from the UTXO ledger.
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

// dbError wraps failures that did not originate in this package. Errors of
// the collaborating packages pass through unchanged.
func dbError(err error) error {
	if err == nil {
		return nil
	}
	var e Error
	if errors.As(err, &e) {
		return err
	}
	return newError(ErrDatabase, "ledger database failure", err)
}
