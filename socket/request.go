// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Payment is an output paid by a request.
type Payment struct {
	Address string
	Amount  btcutil.Amount
}

// OutboundMessage is a cross-chain instruction waiting to be paid. Its
// payload travels inside the unsigned PSBT of the request that binds it.
type OutboundMessage struct {
	Sequence    uint64
	Destination string
	Amount      btcutil.Amount
	Payload     []byte
}

// Payment returns the output that executes the message.
func (m *OutboundMessage) Payment() Payment {
	return Payment{Address: m.Destination, Amount: m.Amount}
}

// Redirect is a payment released by an approved rollback. It is keyed by
// the rolled back output.
type Redirect struct {
	Txid chainhash.Hash
	Vout uint32
	Payment
}

// RequestState tells pending requests from finalized ones.
type RequestState uint8

const (
	// StatePending requests are collecting partial signatures.
	StatePending RequestState = iota

	// StateFinalized requests hold a signed transaction and collect
	// broadcast attestations.
	StateFinalized
)

// String returns the RequestState as a human-readable name.
func (s RequestState) String() string {
	if s == StateFinalized {
		return "Finalized"
	}
	return "Pending"
}

// Request is a PSBT in flight.
type Request struct {
	RequestID uint64
	Txid      chainhash.Hash
	Round     authority.Round
	State     RequestState

	// Psbt is the serialized unsigned packet authorities sign.
	Psbt []byte

	// Inputs are the ledger hashes of the spent outputs, in transaction
	// input order.
	Inputs []chainhash.Hash

	Messages  []OutboundMessage
	Redirects []Redirect

	// Signatures holds each submitter's partial signature per input.
	// Inputs of vaults the submitter holds no key for are nil.
	Signatures map[authority.ID][][]byte

	// Tx is the serialized signed transaction of a finalized request.
	Tx []byte

	// Attestations are the authorities that reported the finalized
	// transaction confirmed.
	Attestations []authority.ID

	ComposedAt time.Time
}

// Packet decodes the unsigned PSBT.
func (r *Request) Packet() (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(r.Psbt), false)
}

// SignedTx decodes the signed transaction of a finalized request.
func (r *Request) SignedTx() (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(r.Tx)); err != nil {
		return nil, err
	}
	return tx, nil
}

// Signers returns the authorities that submitted partial signatures in
// ascending order.
func (r *Request) Signers() []authority.ID {
	ids := make([]authority.ID, 0, len(r.Signatures))
	for id := range r.Signatures {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Sequences returns the sequences of the bound messages.
func (r *Request) Sequences() []uint64 {
	seqs := make([]uint64, len(r.Messages))
	for i := range r.Messages {
		seqs[i] = r.Messages[i].Sequence
	}
	return seqs
}

func (r *Request) hasAttestation(id authority.ID) bool {
	for _, a := range r.Attestations {
		if a == id {
			return true
		}
	}
	return false
}

// RollbackRequest is a vote to abandon a request.
type RollbackRequest struct {
	Txid        chainhash.Hash
	Round       authority.Round
	Who         authority.ID
	Vout        uint32
	Destination string
	Amount      btcutil.Amount

	// Psbt is the unsigned packet of the rolled back request.
	Psbt []byte

	Votes    map[authority.ID]bool
	Approved bool
}

// Approvals returns the number of approving votes.
func (r *RollbackRequest) Approvals() uint32 {
	var n uint32
	for _, v := range r.Votes {
		if v {
			n++
		}
	}
	return n
}

func sortIDs(ids []authority.ID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
