// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/tlv"
)

// UtxoSubmission is an authority's attestation of vault outputs.
type UtxoSubmission struct {
	Authority authority.ID
	Round     authority.Round
	Utxos     []UtxoInfo
}

// Encode returns the signed encoding of the submission.
func (s *UtxoSubmission) Encode() ([]byte, error) {
	var e roundstore.Encoder
	e.Count(len(s.Utxos))
	for _, u := range s.Utxos {
		e.Hash(u.Txid)
		e.Uint32(u.Vout)
		e.Int64(int64(u.Amount))
		e.String(u.Address)
	}
	utxos, err := e.Bytes()
	if err != nil {
		return nil, err
	}

	return authority.Encode("blaze/utxos",
		authority.IDRecord(1, s.Authority),
		authority.RoundRecord(2, s.Round),
		tlv.MakePrimitiveRecord(3, &utxos),
	)
}

// FeeRateSubmission is an authority's fee-rate observation, in sat/vbyte.
// Deadline is a unix timestamp after which the submission is stale.
type FeeRateSubmission struct {
	Authority       authority.ID
	Round           authority.Round
	LongTermFeeRate btcutil.Amount
	FeeRate         btcutil.Amount
	Deadline        int64
}

// Encode returns the signed encoding of the submission.
func (s *FeeRateSubmission) Encode() ([]byte, error) {
	longTerm := uint64(s.LongTermFeeRate)
	rate := uint64(s.FeeRate)
	deadline := uint64(s.Deadline)
	return authority.Encode("blaze/fee-rate",
		authority.IDRecord(1, s.Authority),
		authority.RoundRecord(2, s.Round),
		tlv.MakePrimitiveRecord(3, &longTerm),
		tlv.MakePrimitiveRecord(4, &rate),
		tlv.MakePrimitiveRecord(5, &deadline),
	)
}
