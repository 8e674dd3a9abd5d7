// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registration

import (
	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/vault"
	"github.com/lightningnetwork/lnd/tlv"
)

// VaultKeySubmission carries an authority's key for a user's vault.
type VaultKeySubmission struct {
	Authority authority.ID
	User      authority.ID
	PubKey    vault.PublicKey
	Round     authority.Round
}

// Encode returns the signed encoding of the submission.
func (s *VaultKeySubmission) Encode() ([]byte, error) {
	key := [vault.PublicKeySize]byte(s.PubKey)
	return authority.Encode("registration/vault-key",
		authority.IDRecord(1, s.Authority),
		authority.IDRecord(2, s.User),
		tlv.MakePrimitiveRecord(3, &key),
		authority.RoundRecord(4, s.Round),
	)
}

// SystemVaultKeySubmission carries an authority's key for the system vault
// of a round.
type SystemVaultKeySubmission struct {
	Authority authority.ID
	PubKey    vault.PublicKey
	Round     authority.Round
}

// Encode returns the signed encoding of the submission.
func (s *SystemVaultKeySubmission) Encode() ([]byte, error) {
	key := [vault.PublicKeySize]byte(s.PubKey)
	return authority.Encode("registration/system-vault-key",
		authority.IDRecord(1, s.Authority),
		tlv.MakePrimitiveRecord(2, &key),
		authority.RoundRecord(3, s.Round),
	)
}

// PreSubmission queues keys an authority contributes to vaults requested
// later in the round.
type PreSubmission struct {
	Authority authority.ID
	PubKeys   []vault.PublicKey
	Round     authority.Round
}

// Encode returns the signed encoding of the submission.
func (s *PreSubmission) Encode() ([]byte, error) {
	keys := make([]byte, 0, len(s.PubKeys)*vault.PublicKeySize)
	for _, k := range s.PubKeys {
		keys = append(keys, k[:]...)
	}
	return authority.Encode("registration/pre-submission",
		authority.IDRecord(1, s.Authority),
		tlv.MakePrimitiveRecord(2, &keys),
		authority.RoundRecord(3, s.Round),
	)
}
