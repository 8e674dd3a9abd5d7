// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UtxoStatus is the lifecycle state of an attested output.
type UtxoStatus uint8

const (
	// Unconfirmed outputs have fewer than a majority of attestations.
	Unconfirmed UtxoStatus = iota

	// Available outputs may be selected.
	Available

	// Locked outputs are inputs of an in-flight spend.
	Locked

	// Used outputs were spent by a broadcast transaction.
	Used
)

// String returns the UtxoStatus as a human-readable name.
func (s UtxoStatus) String() string {
	switch s {
	case Unconfirmed:
		return "Unconfirmed"
	case Available:
		return "Available"
	case Locked:
		return "Locked"
	case Used:
		return "Used"
	default:
		return fmt.Sprintf("Unknown UtxoStatus (%d)", uint8(s))
	}
}

// UtxoInfo is an output as reported by an authority.
type UtxoInfo struct {
	Txid    chainhash.Hash
	Vout    uint32
	Amount  btcutil.Amount
	Address string
}

// Hash returns the output's ledger identity.
func (u *UtxoInfo) Hash() chainhash.Hash {
	return UtxoHash(u.Txid, u.Vout, u.Amount)
}

// UtxoHash is sha256d(txid || vout || amount), the identity authorities
// attest to. Two reports only match when they agree on the amount too.
func UtxoHash(txid chainhash.Hash, vout uint32,
	amount btcutil.Amount) chainhash.Hash {

	var b [chainhash.HashSize + 4 + 8]byte
	copy(b[:], txid[:])
	binary.BigEndian.PutUint32(b[chainhash.HashSize:], vout)
	binary.BigEndian.PutUint64(b[chainhash.HashSize+4:], uint64(amount))
	return chainhash.DoubleHashH(b[:])
}

// Utxo is the ledger's record of an attested output.
type Utxo struct {
	UtxoInfo
	Status UtxoStatus

	// Voters are the authorities that attested the output, in ascending
	// order.
	Voters []authority.ID

	// LockedBy is the unsigned txid of the spend holding the lock.
	LockedBy chainhash.Hash
}

// OutPoint returns the output's outpoint.
func (u *Utxo) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: u.Txid, Index: u.Vout}
}

// HasVoter returns whether id attested the output.
func (u *Utxo) HasVoter(id authority.ID) bool {
	i := sort.Search(len(u.Voters), func(i int) bool {
		return bytes.Compare(u.Voters[i][:], id[:]) >= 0
	})
	return i < len(u.Voters) && u.Voters[i] == id
}

// attest records a vote by id. It returns whether the vote was new and
// whether it promoted the output to Available. Votes on outputs that left
// the Unconfirmed state are recorded but never change the status.
func (u *Utxo) attest(id authority.ID, quorum uint32) (bool, bool) {
	i := sort.Search(len(u.Voters), func(i int) bool {
		return bytes.Compare(u.Voters[i][:], id[:]) >= 0
	})
	if i < len(u.Voters) && u.Voters[i] == id {
		return false, false
	}
	u.Voters = append(u.Voters, authority.ID{})
	copy(u.Voters[i+1:], u.Voters[i:])
	u.Voters[i] = id

	if u.Status == Unconfirmed && uint32(len(u.Voters)) >= quorum {
		u.Status = Available
		return true, true
	}
	return true, false
}

// Balance sums the ledger's outputs by status.
type Balance struct {
	Unconfirmed btcutil.Amount
	Available   btcutil.Amount
	Locked      btcutil.Amount
	Used        btcutil.Amount
}

func (b *Balance) add(u *Utxo) {
	switch u.Status {
	case Unconfirmed:
		b.Unconfirmed += u.Amount
	case Available:
		b.Available += u.Amount
	case Locked:
		b.Locked += u.Amount
	case Used:
		b.Used += u.Amount
	}
}
