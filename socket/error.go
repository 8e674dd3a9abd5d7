// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

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

	// ErrServiceUnavailable indicates an operation that the current
	// bridge service state does not permit.
	ErrServiceUnavailable

	// ErrDuplicateSequence indicates an outbound message whose sequence
	// is already queued, bound to a request or executed.
	ErrDuplicateSequence

	// ErrDuplicateRequest indicates a request id already used in the
	// round.
	ErrDuplicateRequest

	// ErrInvalidOutput indicates a payment that cannot be paid, such as
	// a foreign address or a dust amount.
	ErrInvalidOutput

	// ErrSystemVaultNotReady indicates a round whose system vault, which
	// receives change, has not been generated.
	ErrSystemVaultNotReady

	// ErrFeeRateNotFinalized indicates a round without an agreed fee
	// rate.
	ErrFeeRateNotFinalized

	// ErrCoinSelection indicates that no inputs could fund a request.
	ErrCoinSelection

	// ErrPsbtComposition indicates a failure to build or finalize a
	// PSBT after inputs were selected.
	ErrPsbtComposition

	// ErrEmptyPool indicates a pool compose with nothing to pay.
	ErrEmptyPool

	// ErrUnknownRequest indicates a txid with no request in the expected
	// state.
	ErrUnknownRequest

	// ErrAlreadySubmitted indicates a second signature or broadcast
	// attestation from the same authority.
	ErrAlreadySubmitted

	// ErrPsbtMismatch indicates a PSBT or transaction for a different
	// unsigned transaction than the request's.
	ErrPsbtMismatch

	// ErrInvalidPartialSig indicates a missing or invalid partial
	// signature from the authority's vault key.
	ErrInvalidPartialSig

	// ErrInvalidRollback indicates rollback parameters that do not match
	// the rolled back transaction.
	ErrInvalidRollback

	// ErrRollbackExists indicates a rollback already open for the txid.
	ErrRollbackExists

	// ErrRollbackNotFound indicates a vote for a txid with no rollback.
	ErrRollbackNotFound

	// ErrAlreadyVoted indicates a second rollback vote from the same
	// authority.
	ErrAlreadyVoted

	// ErrRollbackClosed indicates a vote on an approved rollback.
	ErrRollbackClosed

	// ErrSequenceNotFound indicates a sequence that is neither bound nor
	// executed.
	ErrSequenceNotFound

	// ErrDuplicateQuery indicates a batch query naming an entry twice.
	ErrDuplicateQuery

	// ErrRoundActive indicates an attempt to prune the current or a
	// future round.
	ErrRoundActive
)

var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:            "ErrDatabase",
	ErrInvalidSignature:    "ErrInvalidSignature",
	ErrNotAuthority:        "ErrNotAuthority",
	ErrServiceUnavailable:  "ErrServiceUnavailable",
	ErrDuplicateSequence:   "ErrDuplicateSequence",
	ErrDuplicateRequest:    "ErrDuplicateRequest",
	ErrInvalidOutput:       "ErrInvalidOutput",
	ErrSystemVaultNotReady: "ErrSystemVaultNotReady",
	ErrFeeRateNotFinalized: "ErrFeeRateNotFinalized",
	ErrCoinSelection:       "ErrCoinSelection",
	ErrPsbtComposition:     "ErrPsbtComposition",
	ErrEmptyPool:           "ErrEmptyPool",
	ErrUnknownRequest:      "ErrUnknownRequest",
	ErrAlreadySubmitted:    "ErrAlreadySubmitted",
	ErrPsbtMismatch:        "ErrPsbtMismatch",
	ErrInvalidPartialSig:   "ErrInvalidPartialSig",
	ErrInvalidRollback:     "ErrInvalidRollback",
	ErrRollbackExists:      "ErrRollbackExists",
	ErrRollbackNotFound:    "ErrRollbackNotFound",
	ErrAlreadyVoted:        "ErrAlreadyVoted",
	ErrRollbackClosed:      "ErrRollbackClosed",
	ErrSequenceNotFound:    "ErrSequenceNotFound",
	ErrDuplicateQuery:      "ErrDuplicateQuery",
	ErrRoundActive:         "ErrRoundActive",
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
	case ErrInvalidSignature, ErrNotAuthority, ErrAlreadySubmitted,
		ErrAlreadyVoted, ErrInvalidPartialSig:

		return authority.KindAuthorization

	case ErrCoinSelection:
		return authority.KindResource

	case ErrDuplicateQuery:
		return authority.KindConsistency

	case ErrDatabase, ErrPsbtComposition:
		return authority.KindInternal

	default:
		return authority.KindState
	}
}

// Error is a typed error for all errors arising from the socket queue.
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
	return newError(ErrDatabase, "socket database failure", err)
}
