// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vault builds the m-of-n P2WSH multisig vaults that hold bridged
// funds. A vault collects one public key per authority while it is pending;
// once all N keys are present it derives a canonical sorted multisig
// descriptor, the witness script and the P2WSH address, after which the key
// set is frozen.
package vault

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressState is the derived generation state of a vault.
type AddressState uint8

const (
	// Pending vaults are still collecting keys.
	Pending AddressState = iota

	// Generated vaults have a frozen key set and an address.
	Generated
)

// String returns the AddressState as a human-readable name.
func (s AddressState) String() string {
	if s == Generated {
		return "Generated"
	}
	return "Pending"
}

// MultiSigVault is an m-of-n multisig vault. Address and Descriptor are
// empty until N keys have been inserted.
type MultiSigVault struct {
	Address    string
	Descriptor string
	PubKeys    map[authority.ID]PublicKey
	M          uint32
	N          uint32
}

// New returns an empty pending m-of-n vault.
func New(m, n uint32) (*MultiSigVault, error) {
	if err := checkThreshold(int(m), int(n)); err != nil {
		return nil, err
	}
	return &MultiSigVault{
		PubKeys: make(map[authority.ID]PublicKey, n),
		M:       m,
		N:       n,
	}, nil
}

// RequiredSignatures returns ceil(n*ratio/100) clamped to [1, n].
func RequiredSignatures(ratioPercent, n uint32) uint32 {
	m := (n*ratioPercent + 99) / 100
	switch {
	case m < 1:
		return 1
	case m > n:
		return n
	}
	return m
}

// AddressState returns Generated once the vault has an address.
func (v *MultiSigVault) AddressState() AddressState {
	if v.Address == "" {
		return Pending
	}
	return Generated
}

// KeyOwner returns the authority that contributed key.
func (v *MultiSigVault) KeyOwner(key PublicKey) (authority.ID, bool) {
	for id, k := range v.PubKeys {
		if k == key {
			return id, true
		}
	}
	return authority.ID{}, false
}

// InsertKey adds the key contributed by id. It returns true when this key
// completed the vault and the address was generated.
func (v *MultiSigVault) InsertKey(id authority.ID, key PublicKey,
	params *chaincfg.Params) (bool, error) {

	if v.AddressState() != Pending {
		return false, newError(ErrNotPending, "vault already generated",
			nil)
	}
	if _, ok := v.PubKeys[id]; ok {
		str := fmt.Sprintf("authority %v already submitted a key", id)
		return false, newError(ErrDuplicateKey, str, nil)
	}
	if _, ok := v.KeyOwner(key); ok {
		str := fmt.Sprintf("key %v already in vault", key)
		return false, newError(ErrDuplicateKey, str, nil)
	}
	if uint32(len(v.PubKeys)) >= v.N {
		return false, newError(ErrNotPending, "vault key set is full",
			nil)
	}

	v.PubKeys[id] = key
	if uint32(len(v.PubKeys)) < v.N {
		return false, nil
	}

	if err := v.generate(params); err != nil {
		delete(v.PubKeys, id)
		return false, err
	}
	return true, nil
}

func (v *MultiSigVault) generate(params *chaincfg.Params) error {
	keys := v.SortedKeys()
	desc, err := SortedMultiDescriptor(int(v.M), keys)
	if err != nil {
		return err
	}

	// The descriptor must round trip before it is committed.
	m, parsed, err := ParseDescriptor(desc)
	if err != nil {
		return err
	}
	if m != int(v.M) || len(parsed) != len(keys) {
		return newError(ErrInvalidDescriptor,
			"descriptor does not describe the vault", nil)
	}

	addr, err := DeriveAddress(int(v.M), keys, params)
	if err != nil {
		return err
	}

	v.Descriptor = desc
	v.Address = addr.EncodeAddress()
	return nil
}

// ReplaceAuthority re-keys the key contributed by old under new. The key
// itself, and therefore the descriptor and address, are unchanged.
func (v *MultiSigVault) ReplaceAuthority(old, new authority.ID) error {
	key, ok := v.PubKeys[old]
	if !ok {
		str := fmt.Sprintf("authority %v holds no key", old)
		return newError(ErrUnknownAuthority, str, nil)
	}
	if _, ok := v.PubKeys[new]; ok {
		str := fmt.Sprintf("authority %v already holds a key", new)
		return newError(ErrDuplicateKey, str, nil)
	}
	delete(v.PubKeys, old)
	v.PubKeys[new] = key
	return nil
}

// SortedKeys returns the vault's keys in canonical order.
func (v *MultiSigVault) SortedKeys() []PublicKey {
	keys := make([]PublicKey, 0, len(v.PubKeys))
	for _, k := range v.PubKeys {
		keys = append(keys, k)
	}
	return SortKeys(keys)
}

// Authorities returns the authorities holding a key, in ascending order.
func (v *MultiSigVault) Authorities() []authority.ID {
	ids := make([]authority.ID, 0, len(v.PubKeys))
	for id := range v.PubKeys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// WitnessScript returns the multisig witness script of a generated vault.
func (v *MultiSigVault) WitnessScript(params *chaincfg.Params) ([]byte, error) {
	if v.AddressState() != Generated {
		return nil, newError(ErrNotPending, "vault is not generated",
			nil)
	}
	return MultiSigScript(int(v.M), v.SortedKeys(), params)
}

// PkScript returns the P2WSH output script paying to the vault.
func (v *MultiSigVault) PkScript(params *chaincfg.Params) ([]byte, error) {
	if v.AddressState() != Generated {
		return nil, newError(ErrNotPending, "vault is not generated",
			nil)
	}
	addr, err := btcutil.DecodeAddress(v.Address, params)
	if err != nil {
		return nil, newError(ErrScriptCreation, "invalid address", err)
	}
	return txscript.PayToAddrScript(addr)
}

// Copy returns a deep copy of the vault.
func (v *MultiSigVault) Copy() *MultiSigVault {
	c := *v
	c.PubKeys = make(map[authority.ID]PublicKey, len(v.PubKeys))
	for id, k := range v.PubKeys {
		c.PubKeys[id] = k
	}
	return &c
}

// MultiSigScript returns the m-of-n multisig script over keys, which must
// already be in canonical order.
func MultiSigScript(m int, keys []PublicKey,
	params *chaincfg.Params) ([]byte, error) {

	pks := make([]*btcutil.AddressPubKey, len(keys))
	for i, k := range keys {
		pk, err := btcutil.NewAddressPubKey(k[:], params)
		if err != nil {
			return nil, newError(ErrScriptCreation,
				"invalid public key", err)
		}
		pks[i] = pk
	}
	script, err := txscript.MultiSigScript(pks, m)
	if err != nil {
		return nil, newError(ErrScriptCreation,
			"unable to build multisig script", err)
	}
	return script, nil
}

// DeriveAddress returns the P2WSH address of the canonical m-of-n multisig
// over keys.
func DeriveAddress(m int, keys []PublicKey,
	params *chaincfg.Params) (*btcutil.AddressWitnessScriptHash, error) {

	script, err := MultiSigScript(m, SortKeys(keys), params)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], params)
	if err != nil {
		return nil, newError(ErrScriptCreation,
			"unable to derive address", err)
	}
	return addr, nil
}
