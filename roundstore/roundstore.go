// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package roundstore provides the round keyed layout shared by the custody
// components. Each component owns a top-level walletdb bucket and keeps its
// round scoped state in a nested bucket per pool round, so an entire epoch
// can be dropped with a single bucket deletion.
package roundstore

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btcwallet/walletdb"
)

// byteOrder is the preferred byte order for keys and integers.
var byteOrder = binary.BigEndian

// roundPrefix distinguishes round buckets from other nested buckets of a
// namespace.
const roundPrefix = 'r'

// RoundKey returns the bucket key of a round.
func RoundKey(round authority.Round) []byte {
	k := make([]byte, 5)
	k[0] = roundPrefix
	byteOrder.PutUint32(k[1:], uint32(round))
	return k
}

// Uint32Key returns a big-endian key.
func Uint32Key(v uint32) []byte {
	k := make([]byte, 4)
	byteOrder.PutUint32(k, v)
	return k
}

// Uint64Key returns a big-endian key.
func Uint64Key(v uint64) []byte {
	k := make([]byte, 8)
	byteOrder.PutUint64(k, v)
	return k
}

// CreateNamespace creates the top-level bucket of a component if it does
// not exist.
func CreateNamespace(db walletdb.DB, ns []byte) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if tx.ReadWriteBucket(ns) != nil {
			return nil
		}
		_, err := tx.CreateTopLevelBucket(ns)
		return err
	})
}

// Namespace returns the component's top-level bucket.
func Namespace(tx walletdb.ReadWriteTx, ns []byte) (walletdb.ReadWriteBucket,
	error) {

	b := tx.ReadWriteBucket(ns)
	if b == nil {
		return nil, fmt.Errorf("namespace %q not found", ns)
	}
	return b, nil
}

// ReadNamespace returns the component's top-level bucket for reading.
func ReadNamespace(tx walletdb.ReadTx, ns []byte) (walletdb.ReadBucket,
	error) {

	b := tx.ReadBucket(ns)
	if b == nil {
		return nil, fmt.Errorf("namespace %q not found", ns)
	}
	return b, nil
}

// Bucket returns the named bucket of round under ns, creating both the
// round bucket and the named bucket as needed.
func Bucket(ns walletdb.ReadWriteBucket, round authority.Round,
	name []byte) (walletdb.ReadWriteBucket, error) {

	rb, err := ns.CreateBucketIfNotExists(RoundKey(round))
	if err != nil {
		return nil, err
	}
	return rb.CreateBucketIfNotExists(name)
}

// ReadBucket returns the named bucket of round under ns, or nil when the
// round holds no such bucket.
func ReadBucket(ns walletdb.ReadBucket, round authority.Round,
	name []byte) walletdb.ReadBucket {

	rb := ns.NestedReadBucket(RoundKey(round))
	if rb == nil {
		return nil
	}
	return rb.NestedReadBucket(name)
}

// DeleteRound removes all state of round. Deleting a round that holds no
// state is not an error.
func DeleteRound(ns walletdb.ReadWriteBucket, round authority.Round) error {
	key := RoundKey(round)
	if ns.NestedReadWriteBucket(key) == nil {
		return nil
	}
	return ns.DeleteNestedBucket(key)
}

// Rounds returns the rounds that hold state under ns in ascending order.
func Rounds(ns walletdb.ReadBucket) ([]authority.Round, error) {
	var rounds []authority.Round
	err := ns.ForEach(func(k, v []byte) error {
		// Only nested buckets have nil values.
		if v != nil || len(k) != 5 || k[0] != roundPrefix {
			return nil
		}
		rounds = append(rounds, authority.Round(byteOrder.Uint32(k[1:])))
		return nil
	})
	return rounds, err
}

// ClearBucket deletes every key of a bucket that holds no nested buckets.
func ClearBucket(b walletdb.ReadWriteBucket) error {
	var keys [][]byte
	err := b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
