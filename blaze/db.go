// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// byteOrder is the preferred byte order for keys and integers.
var byteOrder = binary.BigEndian

var (
	// namespaceKey is the top-level bucket of the ledger.
	namespaceKey = []byte("blaze")

	// metaBucketName holds round independent state.
	metaBucketName = []byte("meta")
	activeKey      = []byte("active")
	toleranceKey   = []byte("tolerance")

	// Round scoped buckets.
	utxosBucketName    = []byte("utxos")
	locksBucketName    = []byte("locks")
	feeRatesBucketName = []byte("feerates")
	feeCycleBucketName = []byte("feecycle")
	agreedBucketName   = []byte("agreed")

	deadlineKey = []byte("deadline")
	agreedKey   = []byte("rate")
)

func serializeUtxo(u *Utxo) ([]byte, error) {
	var e roundstore.Encoder
	e.Hash(u.Txid)
	e.Uint32(u.Vout)
	e.Int64(int64(u.Amount))
	e.String(u.Address)
	e.Uint8(uint8(u.Status))
	e.Hash(u.LockedBy)
	e.Count(len(u.Voters))
	for _, v := range u.Voters {
		e.Fixed(v[:])
	}
	return e.Bytes()
}

func deserializeUtxo(b []byte) (*Utxo, error) {
	d := roundstore.NewDecoder(b)
	u := &Utxo{}
	u.Txid = d.Hash()
	u.Vout = d.Uint32()
	u.Amount = btcutil.Amount(d.Int64())
	u.Address = d.String("address")
	u.Status = UtxoStatus(d.Uint8())
	u.LockedBy = d.Hash()
	n := d.Count()
	u.Voters = make([]authority.ID, n)
	for i := range u.Voters {
		d.Fixed(u.Voters[i][:])
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return u, nil
}

func fetchUtxo(utxos walletdb.ReadBucket, hash chainhash.Hash) (*Utxo, error) {
	if utxos == nil {
		return nil, nil
	}
	b := utxos.Get(hash[:])
	if b == nil {
		return nil, nil
	}
	u, err := deserializeUtxo(b)
	if err != nil {
		return nil, fmt.Errorf("utxo %v: %w", hash, err)
	}
	return u, nil
}

func putUtxo(utxos walletdb.ReadWriteBucket, u *Utxo) error {
	b, err := serializeUtxo(u)
	if err != nil {
		return err
	}
	h := u.Hash()
	return utxos.Put(h[:], b)
}

func forEachUtxo(utxos walletdb.ReadBucket, f func(*Utxo) error) error {
	if utxos == nil {
		return nil
	}
	return utxos.ForEach(func(k, v []byte) error {
		u, err := deserializeUtxo(v)
		if err != nil {
			return err
		}
		return f(u)
	})
}

func serializeHashes(hashes []chainhash.Hash) []byte {
	b := make([]byte, 0, len(hashes)*chainhash.HashSize)
	for _, h := range hashes {
		b = append(b, h[:]...)
	}
	return b
}

func deserializeHashes(b []byte) ([]chainhash.Hash, error) {
	if len(b)%chainhash.HashSize != 0 {
		return nil, fmt.Errorf("malformed hash list of %d bytes", len(b))
	}
	hashes := make([]chainhash.Hash, len(b)/chainhash.HashSize)
	for i := range hashes {
		copy(hashes[i][:], b[i*chainhash.HashSize:])
	}
	return hashes, nil
}

func serializeFeeRate(s *FeeRateSubmission) ([]byte, error) {
	var e roundstore.Encoder
	e.Int64(int64(s.LongTermFeeRate))
	e.Int64(int64(s.FeeRate))
	e.Int64(s.Deadline)
	return e.Bytes()
}

func deserializeFeeRate(id authority.ID, b []byte) (*FeeRateSubmission,
	error) {

	d := roundstore.NewDecoder(b)
	s := &FeeRateSubmission{Authority: id}
	s.LongTermFeeRate = btcutil.Amount(d.Int64())
	s.FeeRate = btcutil.Amount(d.Int64())
	s.Deadline = d.Int64()
	return s, d.Err()
}

func serializeAgreed(r FeeRate) ([]byte, error) {
	var e roundstore.Encoder
	e.Int64(int64(r.LongTerm))
	e.Int64(int64(r.Current))
	return e.Bytes()
}

func deserializeAgreed(b []byte) (FeeRate, error) {
	d := roundstore.NewDecoder(b)
	r := FeeRate{
		LongTerm: btcutil.Amount(d.Int64()),
		Current:  btcutil.Amount(d.Int64()),
	}
	return r, d.Err()
}

func fetchTolerance(meta walletdb.ReadBucket) uint32 {
	if meta == nil {
		return 0
	}
	b := meta.Get(toleranceKey)
	if len(b) != 4 {
		return 0
	}
	return byteOrder.Uint32(b)
}

func putTolerance(meta walletdb.ReadWriteBucket, v uint32) error {
	return meta.Put(toleranceKey, roundstore.Uint32Key(v))
}
