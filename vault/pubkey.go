// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PublicKeySize is the size of a compressed secp256k1 public key.
const PublicKeySize = btcec.PubKeyBytesLenCompressed

// PublicKey is a compressed secp256k1 public key. Keys are totally ordered by
// their raw bytes, the order sortedmulti uses.
type PublicKey [PublicKeySize]byte

// ParsePublicKey validates and copies a compressed public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var key PublicKey
	if len(b) != PublicKeySize {
		str := fmt.Sprintf("public key must be %d bytes, got %d",
			PublicKeySize, len(b))
		return key, newError(ErrInvalidPubKey, str, nil)
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return key, newError(ErrInvalidPubKey, "invalid public key", err)
	}
	copy(key[:], b)
	return key, nil
}

// ParsePublicKeyHex decodes a hex encoded compressed public key.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, newError(ErrInvalidPubKey,
			"invalid public key encoding", err)
	}
	return ParsePublicKey(b)
}

// String returns the hex encoding of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Less reports whether k sorts before o.
func (k PublicKey) Less(o PublicKey) bool {
	return bytes.Compare(k[:], o[:]) < 0
}

// ECPubKey parses the key into its curve point.
func (k PublicKey) ECPubKey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(k[:])
}

// SortKeys returns a sorted copy of keys.
func SortKeys(keys []PublicKey) []PublicKey {
	sorted := make([]PublicKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})
	return sorted
}
