// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package roundstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

var testNS = []byte("test")

func setupDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "custody.db")
	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, CreateNamespace(db, testNS))
	// Creating an existing namespace is a no-op.
	require.NoError(t, CreateNamespace(db, testNS))
	return db
}

func TestRoundBuckets(t *testing.T) {
	t.Parallel()

	db := setupDB(t)
	name := []byte("items")

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := Namespace(tx, testNS)
		if err != nil {
			return err
		}
		for _, round := range []authority.Round{3, 1, 2} {
			b, err := Bucket(ns, round, name)
			if err != nil {
				return err
			}
			err = b.Put(Uint32Key(uint32(round)), []byte{1})
			if err != nil {
				return err
			}
		}
		// Plain values in the namespace are not rounds.
		return ns.Put([]byte("meta"), []byte{1})
	})
	require.NoError(t, err)

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := Namespace(tx, testNS)
		if err != nil {
			return err
		}
		rounds, err := Rounds(ns)
		require.NoError(t, err)
		require.Equal(t, []authority.Round{1, 2, 3}, rounds)

		require.NoError(t, DeleteRound(ns, 2))
		require.NoError(t, DeleteRound(ns, 9))

		require.Nil(t, ReadBucket(ns, 2, name))
		require.NotNil(t, ReadBucket(ns, 3, name))
		require.Nil(t, ReadBucket(ns, 3, []byte("other")))

		rounds, err = Rounds(ns)
		require.NoError(t, err)
		require.Equal(t, []authority.Round{1, 3}, rounds)
		return nil
	})
	require.NoError(t, err)

	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		_, err := ReadNamespace(tx, []byte("missing"))
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestClearBucket(t *testing.T) {
	t.Parallel()

	db := setupDB(t)
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := Namespace(tx, testNS)
		require.NoError(t, err)
		b, err := Bucket(ns, 1, []byte("x"))
		require.NoError(t, err)
		for i := uint64(0); i < 10; i++ {
			require.NoError(t, b.Put(Uint64Key(i), []byte{1}))
		}
		require.NoError(t, ClearBucket(b))

		n := 0
		require.NoError(t, b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		}))
		require.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
}

func TestCodec(t *testing.T) {
	t.Parallel()

	hash := chainhash.DoubleHashH([]byte("codec"))

	var e Encoder
	e.Uint8(7)
	e.Bool(true)
	e.Uint32(1 << 30)
	e.Uint64(1 << 60)
	e.Int64(-5)
	e.Count(3)
	e.VarBytes([]byte{1, 2, 3})
	e.String("tb1q")
	e.Hash(hash)
	b, err := e.Bytes()
	require.NoError(t, err)

	d := NewDecoder(b)
	require.Equal(t, uint8(7), d.Uint8())
	require.True(t, d.Bool())
	require.Equal(t, uint32(1<<30), d.Uint32())
	require.Equal(t, uint64(1<<60), d.Uint64())
	require.Equal(t, int64(-5), d.Int64())
	require.Equal(t, 3, d.Count())
	require.Equal(t, []byte{1, 2, 3}, d.VarBytes("bytes"))
	require.Equal(t, "tb1q", d.String("string"))
	require.Equal(t, hash, d.Hash())
	require.NoError(t, d.Err())

	// Truncated input surfaces as an error rather than a panic.
	d = NewDecoder(b[:len(b)-4])
	d.Uint8()
	d.Bool()
	d.Uint32()
	d.Uint64()
	d.Int64()
	d.Count()
	d.VarBytes("bytes")
	d.String("string")
	d.Hash()
	require.Error(t, d.Err())

	// Trailing bytes are an error.
	d = NewDecoder([]byte{1, 2})
	d.Uint8()
	require.Error(t, d.Err())
}
