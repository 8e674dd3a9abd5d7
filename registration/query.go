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

// The Tx variants below run inside a caller's transaction so that the
// ledger and the socket queue can consult registrations atomically with
// their own updates.

// SystemVaultTx returns the system vault of round.
func (p *Pool) SystemVaultTx(tx walletdb.ReadTx,
	round authority.Round) (*vault.MultiSigVault, error) {

	ns, err := roundstore.ReadNamespace(tx, namespaceKey)
	if err != nil {
		return nil, dbError(err)
	}
	sys, err := fetchSystemVault(
		roundstore.ReadBucket(ns, round, systemBucketName),
	)
	if err != nil {
		return nil, dbError(err)
	}
	if sys == nil {
		str := fmt.Sprintf("round %d has no system vault", round)
		return nil, newError(ErrSystemVaultNotFound, str, nil)
	}
	return sys, nil
}

// VaultByAddressTx returns the user or system vault of round at address.
func (p *Pool) VaultByAddressTx(tx walletdb.ReadTx, round authority.Round,
	address string) (*vault.MultiSigVault, error) {

	ns, err := roundstore.ReadNamespace(tx, namespaceKey)
	if err != nil {
		return nil, dbError(err)
	}

	sys, err := fetchSystemVault(
		roundstore.ReadBucket(ns, round, systemBucketName),
	)
	if err != nil {
		return nil, dbError(err)
	}
	if sys != nil && sys.Address != "" && sys.Address == address {
		return sys, nil
	}

	notFound := newError(ErrVaultNotFound,
		fmt.Sprintf("%v is not a vault of round %d", address, round),
		nil)

	vaults := roundstore.ReadBucket(ns, round, vaultsBucketName)
	if vaults == nil {
		return nil, notFound
	}
	owner := vaults.Get([]byte(address))
	if owner == nil {
		return nil, notFound
	}
	var user authority.ID
	copy(user[:], owner)

	member, err := fetchMember(
		roundstore.ReadBucket(ns, round, membersBucketName), user,
	)
	if err != nil {
		return nil, dbError(err)
	}
	if member == nil {
		return nil, notFound
	}
	return member.Vault, nil
}

// IsVaultAddressTx returns whether address is a generated vault of round.
func (p *Pool) IsVaultAddressTx(tx walletdb.ReadTx, round authority.Round,
	address string) (bool, error) {

	_, err := p.VaultByAddressTx(tx, round, address)
	switch {
	case IsError(err, ErrVaultNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// SystemVault returns the system vault of round.
func (p *Pool) SystemVault(round authority.Round) (*vault.MultiSigVault,
	error) {

	var sys *vault.MultiSigVault
	err := walletdb.View(p.db, func(tx walletdb.ReadTx) error {
		var err error
		sys, err = p.SystemVaultTx(tx, round)
		return err
	})
	return sys, dbError(err)
}

// VaultByAddress returns the user or system vault of round at address.
func (p *Pool) VaultByAddress(round authority.Round,
	address string) (*vault.MultiSigVault, error) {

	var v *vault.MultiSigVault
	err := walletdb.View(p.db, func(tx walletdb.ReadTx) error {
		var err error
		v, err = p.VaultByAddressTx(tx, round, address)
		return err
	})
	return v, dbError(err)
}

// IsVaultAddress returns whether address is a generated vault of round.
func (p *Pool) IsVaultAddress(round authority.Round, address string) (bool,
	error) {

	var ok bool
	err := walletdb.View(p.db, func(tx walletdb.ReadTx) error {
		var err error
		ok, err = p.IsVaultAddressTx(tx, round, address)
		return err
	})
	return ok, dbError(err)
}

// Member returns the registration of user in the current round.
func (p *Pool) Member(user authority.ID) (*PoolMember, error) {
	round := p.set.CurrentRound()
	var member *PoolMember
	err := p.view(func(ns walletdb.ReadBucket) error {
		var err error
		member, err = fetchMember(
			roundstore.ReadBucket(ns, round, membersBucketName),
			user,
		)
		if err != nil {
			return err
		}
		if member == nil {
			str := fmt.Sprintf("user %v has no vault", user)
			return newError(ErrUserNotFound, str, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// VaultAddress returns the vault address of user in the current round. The
// address is empty while the vault is pending.
func (p *Pool) VaultAddress(user authority.ID) (string, error) {
	member, err := p.Member(user)
	if err != nil {
		return "", err
	}
	return member.Vault.Address, nil
}

// VaultAddresses returns the vault address of each user in the current
// round, empty for users without a generated vault.
func (p *Pool) VaultAddresses(users []authority.ID) ([]string, error) {
	seen := make(map[authority.ID]struct{}, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			str := fmt.Sprintf("user %v queried twice", u)
			return nil, newError(ErrDuplicateQuery, str, nil)
		}
		seen[u] = struct{}{}
	}

	round := p.set.CurrentRound()
	addrs := make([]string, len(users))
	err := p.view(func(ns walletdb.ReadBucket) error {
		members := roundstore.ReadBucket(ns, round, membersBucketName)
		for i, u := range users {
			m, err := fetchMember(members, u)
			if err != nil {
				return err
			}
			if m != nil {
				addrs[i] = m.Vault.Address
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// PreSubmittedCount returns the number of keys queued by an authority in
// the current round.
func (p *Pool) PreSubmittedCount(id authority.ID) (int, error) {
	round := p.set.CurrentRound()
	var n int
	err := p.view(func(ns walletdb.ReadBucket) error {
		queue, err := fetchQueue(
			roundstore.ReadBucket(ns, round, presubmittedBucketName),
			id,
		)
		n = len(queue)
		return err
	})
	return n, err
}
