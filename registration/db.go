// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registration

import (
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btccustody/vault"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// namespaceKey is the top-level bucket of the registration pool.
	namespaceKey = []byte("registration")

	// Round scoped buckets.
	membersBucketName      = []byte("members")
	refundsBucketName      = []byte("refunds")
	vaultsBucketName       = []byte("vaults")
	pubKeysBucketName      = []byte("pubkeys")
	systemBucketName       = []byte("system")
	presubmittedBucketName = []byte("presubmitted")

	systemVaultKey = []byte("vault")
)

// ownerKind records what a bonded public key belongs to.
type ownerKind uint8

const (
	ownerUser ownerKind = iota + 1
	ownerSystem
	ownerQueued
)

// keyOwner is the value of a bonded public key. For queued keys the owner
// is the authority that pre-submitted it.
type keyOwner struct {
	kind ownerKind
	id   authority.ID
}

func serializeKeyOwner(o keyOwner) []byte {
	b := make([]byte, 1+authority.IDSize)
	b[0] = byte(o.kind)
	copy(b[1:], o.id[:])
	return b
}

func deserializeKeyOwner(b []byte) (keyOwner, error) {
	var o keyOwner
	if len(b) != 1+authority.IDSize {
		return o, fmt.Errorf("malformed key owner of %d bytes", len(b))
	}
	o.kind = ownerKind(b[0])
	copy(o.id[:], b[1:])
	return o, nil
}

func serializeVault(v *vault.MultiSigVault) ([]byte, error) {
	var e roundstore.Encoder
	e.Uint32(v.M)
	e.Uint32(v.N)
	e.String(v.Address)
	e.String(v.Descriptor)

	ids := v.Authorities()
	e.Count(len(ids))
	for _, id := range ids {
		key := v.PubKeys[id]
		e.Fixed(id[:])
		e.Fixed(key[:])
	}
	return e.Bytes()
}

func deserializeVault(b []byte) (*vault.MultiSigVault, error) {
	d := roundstore.NewDecoder(b)
	v := &vault.MultiSigVault{
		M: d.Uint32(),
		N: d.Uint32(),
	}
	v.Address = d.String("address")
	v.Descriptor = d.String("descriptor")

	n := d.Count()
	v.PubKeys = make(map[authority.ID]vault.PublicKey, n)
	for i := 0; i < n; i++ {
		var (
			id  authority.ID
			key vault.PublicKey
		)
		d.Fixed(id[:])
		d.Fixed(key[:])
		v.PubKeys[id] = key
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return v, nil
}

func serializeMember(m *PoolMember) ([]byte, error) {
	vb, err := serializeVault(m.Vault)
	if err != nil {
		return nil, err
	}
	var e roundstore.Encoder
	e.String(m.RefundAddress)
	e.VarBytes(vb)
	return e.Bytes()
}

func deserializeMember(user authority.ID, b []byte) (*PoolMember, error) {
	d := roundstore.NewDecoder(b)
	refund := d.String("refund")
	vb := d.VarBytes("vault")
	if err := d.Err(); err != nil {
		return nil, err
	}
	v, err := deserializeVault(vb)
	if err != nil {
		return nil, err
	}
	return &PoolMember{User: user, RefundAddress: refund, Vault: v}, nil
}

func serializeKeys(keys []vault.PublicKey) []byte {
	b := make([]byte, 0, len(keys)*vault.PublicKeySize)
	for _, k := range keys {
		b = append(b, k[:]...)
	}
	return b
}

func deserializeKeys(b []byte) ([]vault.PublicKey, error) {
	if len(b)%vault.PublicKeySize != 0 {
		return nil, fmt.Errorf("malformed key list of %d bytes", len(b))
	}
	keys := make([]vault.PublicKey, len(b)/vault.PublicKeySize)
	for i := range keys {
		copy(keys[i][:], b[i*vault.PublicKeySize:])
	}
	return keys, nil
}

// roundBuckets are the writable buckets of one round.
type roundBuckets struct {
	members      walletdb.ReadWriteBucket
	refunds      walletdb.ReadWriteBucket
	vaults       walletdb.ReadWriteBucket
	pubKeys      walletdb.ReadWriteBucket
	system       walletdb.ReadWriteBucket
	presubmitted walletdb.ReadWriteBucket
}

func openRound(ns walletdb.ReadWriteBucket,
	round authority.Round) (*roundBuckets, error) {

	var (
		rb  roundBuckets
		err error
	)
	buckets := []struct {
		name []byte
		dst  *walletdb.ReadWriteBucket
	}{
		{membersBucketName, &rb.members},
		{refundsBucketName, &rb.refunds},
		{vaultsBucketName, &rb.vaults},
		{pubKeysBucketName, &rb.pubKeys},
		{systemBucketName, &rb.system},
		{presubmittedBucketName, &rb.presubmitted},
	}
	for _, b := range buckets {
		*b.dst, err = roundstore.Bucket(ns, round, b.name)
		if err != nil {
			return nil, err
		}
	}
	return &rb, nil
}

func fetchMember(members walletdb.ReadBucket,
	user authority.ID) (*PoolMember, error) {

	if members == nil {
		return nil, nil
	}
	b := members.Get(user[:])
	if b == nil {
		return nil, nil
	}
	return deserializeMember(user, b)
}

func putMember(members walletdb.ReadWriteBucket, m *PoolMember) error {
	b, err := serializeMember(m)
	if err != nil {
		return err
	}
	return members.Put(m.User[:], b)
}

func fetchSystemVault(system walletdb.ReadBucket) (*vault.MultiSigVault,
	error) {

	if system == nil {
		return nil, nil
	}
	b := system.Get(systemVaultKey)
	if b == nil {
		return nil, nil
	}
	return deserializeVault(b)
}

func putSystemVault(system walletdb.ReadWriteBucket,
	v *vault.MultiSigVault) error {

	b, err := serializeVault(v)
	if err != nil {
		return err
	}
	return system.Put(systemVaultKey, b)
}

func fetchQueue(presubmitted walletdb.ReadBucket,
	id authority.ID) ([]vault.PublicKey, error) {

	if presubmitted == nil {
		return nil, nil
	}
	b := presubmitted.Get(id[:])
	if b == nil {
		return nil, nil
	}
	return deserializeKeys(b)
}

func putQueue(presubmitted walletdb.ReadWriteBucket, id authority.ID,
	keys []vault.PublicKey) error {

	if len(keys) == 0 {
		return presubmitted.Delete(id[:])
	}
	return presubmitted.Put(id[:], serializeKeys(keys))
}

func bondKey(pubKeys walletdb.ReadWriteBucket, key vault.PublicKey,
	owner keyOwner) error {

	return pubKeys.Put(key[:], serializeKeyOwner(owner))
}

func unbondKeys(pubKeys walletdb.ReadWriteBucket,
	v *vault.MultiSigVault) error {

	for _, key := range v.PubKeys {
		if err := pubKeys.Delete(key[:]); err != nil {
			return err
		}
	}
	return nil
}
