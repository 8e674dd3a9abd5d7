// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// SignedPsbtSubmission carries an authority's partial signatures for a
// pending request.
type SignedPsbtSubmission struct {
	Authority authority.ID
	Round     authority.Round
	Txid      chainhash.Hash
	Psbt      []byte
}

// Encode returns the signed encoding of the submission.
func (s *SignedPsbtSubmission) Encode() ([]byte, error) {
	txid := [32]byte(s.Txid)
	packet := s.Psbt
	return authority.Encode("socket/signed-psbt",
		authority.IDRecord(1, s.Authority),
		authority.RoundRecord(2, s.Round),
		tlv.MakePrimitiveRecord(3, &txid),
		tlv.MakePrimitiveRecord(4, &packet),
	)
}

// BroadcastAttestation is an authority's report that a finalized request
// confirmed on chain.
type BroadcastAttestation struct {
	Authority authority.ID
	Round     authority.Round
	Txid      chainhash.Hash
}

// Encode returns the signed encoding of the attestation.
func (a *BroadcastAttestation) Encode() ([]byte, error) {
	txid := [32]byte(a.Txid)
	return authority.Encode("socket/broadcast",
		authority.IDRecord(1, a.Authority),
		authority.RoundRecord(2, a.Round),
		tlv.MakePrimitiveRecord(3, &txid),
	)
}

// RollbackOpen asks to roll back a pending or finalized request. A non-zero
// Amount redirects that much of output Vout to Destination in a later
// compose.
type RollbackOpen struct {
	Who         authority.ID
	Round       authority.Round
	Txid        chainhash.Hash
	Vout        uint32
	Destination string
	Amount      btcutil.Amount
}

// Encode returns the signed encoding of the request.
func (r *RollbackOpen) Encode() ([]byte, error) {
	txid := [32]byte(r.Txid)
	vout := r.Vout
	dest := []byte(r.Destination)
	amount := uint64(r.Amount)
	return authority.Encode("socket/rollback",
		authority.IDRecord(1, r.Who),
		authority.RoundRecord(2, r.Round),
		tlv.MakePrimitiveRecord(3, &txid),
		tlv.MakePrimitiveRecord(4, &vout),
		tlv.MakePrimitiveRecord(5, &dest),
		tlv.MakePrimitiveRecord(6, &amount),
	)
}

// RollbackVote is an authority's vote on an open rollback.
type RollbackVote struct {
	Authority authority.ID
	Round     authority.Round
	Txid      chainhash.Hash
	Approve   bool
}

// Encode returns the signed encoding of the vote.
func (v *RollbackVote) Encode() ([]byte, error) {
	txid := [32]byte(v.Txid)
	var approve uint8
	if v.Approve {
		approve = 1
	}
	return authority.Encode("socket/rollback-vote",
		authority.IDRecord(1, v.Authority),
		authority.RoundRecord(2, v.Round),
		tlv.MakePrimitiveRecord(3, &txid),
		tlv.MakePrimitiveRecord(4, &approve),
	)
}
