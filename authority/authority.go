// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package authority describes the permissioned set of executives that
// co-operate to custody bridged bitcoin, along with the canonical message
// encoding and the recoverable signatures they attach to every submission.
package authority

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// IDSize is the size of a ledger account identifier.
const IDSize = 20

// ID identifies a ledger account. Authorities and end users share the same
// account space, an account being the HASH160 of its compressed public key.
type ID [IDSize]byte

// IDFromPubKey returns the account controlled by the given public key.
func IDFromPubKey(pub *btcec.PublicKey) ID {
	var id ID
	copy(id[:], btcutil.Hash160(pub.SerializeCompressed()))
	return id
}

// ParseID decodes a hex encoded account identifier.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("account id must be %d bytes, got %d",
			IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex encoding of the account identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Round identifies a custody epoch. Every piece of round-scoped state is
// stored under the round it belongs to so that vault migration can drop an
// entire epoch in one operation.
type Round uint32

// Set is the view of the authority/liveness subsystem the custody components
// consume.
type Set interface {
	// CurrentRound returns the active pool round.
	CurrentRound() Round

	// IsAuthority returns whether id is a member of the current set.
	IsAuthority(id ID) bool

	// Majority returns the number of distinct authorities that make a
	// quorum.
	Majority() uint32

	// Members returns the current authorities in ascending order.
	Members() []ID
}

// MigrationSequence is the bridge service state. Only Normal permits user
// facing registration and payment composition.
type MigrationSequence uint8

const (
	// Normal is regular operation.
	Normal MigrationSequence = iota

	// SetExecutiveMembers pauses the bridge while the authority set
	// changes.
	SetExecutiveMembers

	// PrepareNextSystemVault pauses the bridge while the next round's
	// system vault is generated.
	PrepareNextSystemVault

	// UTXOTransfer pauses the bridge while funds move to the next system
	// vault.
	UTXOTransfer
)

// String returns the MigrationSequence as a human-readable name.
func (s MigrationSequence) String() string {
	switch s {
	case Normal:
		return "Normal"
	case SetExecutiveMembers:
		return "SetExecutiveMembers"
	case PrepareNextSystemVault:
		return "PrepareNextSystemVault"
	case UTXOTransfer:
		return "UTXOTransfer"
	default:
		return fmt.Sprintf("Unknown MigrationSequence (%d)", uint8(s))
	}
}

// ServiceState is the view of the bridge/service-state collaborator.
type ServiceState interface {
	ServiceState() MigrationSequence
}

// ErrorKind classifies component errors so callers can tell rejected
// submissions apart from stale state or exhausted resources.
type ErrorKind uint8

const (
	// KindInternal is a storage or programming failure.
	KindInternal ErrorKind = iota

	// KindAuthorization covers unknown, duplicate or invalid signatures
	// and non-authority submitters. Never retried automatically.
	KindAuthorization

	// KindState covers requests that do not match the current state. The
	// caller must re-derive the state before retrying.
	KindState

	// KindResource covers insufficient funds and exceeded limits.
	KindResource

	// KindConsistency covers malformed batches that are rejected
	// wholesale.
	KindConsistency
)

// String returns the ErrorKind as a human-readable name.
func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "InternalError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindState:
		return "StateError"
	case KindResource:
		return "ResourceExhaustion"
	case KindConsistency:
		return "ConsistencyError"
	default:
		return fmt.Sprintf("Unknown ErrorKind (%d)", uint8(k))
	}
}
