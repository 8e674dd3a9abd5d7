// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package registration maintains the registration pool: the per-round set
// of user vaults and the system vault, the threshold key submissions that
// generate them, and the bonds that keep users, refund addresses, vault
// addresses and public keys unique within a round.
package registration

import (
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btccustody/vault"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
)

// Config holds the registration pool parameters.
type Config struct {
	// ChainParams selects the network addresses are derived for.
	ChainParams *chaincfg.Params

	// MultiSigRatio is the share of authorities, in percent, whose
	// signatures a vault requires.
	MultiSigRatio uint32

	// MaxPreSubmission bounds each authority's queue of pre-submitted
	// keys.
	MaxPreSubmission uint32
}

// DefaultConfig returns the default mainnet configuration.
func DefaultConfig() Config {
	return Config{
		ChainParams:      &chaincfg.MainNetParams,
		MultiSigRatio:    51,
		MaxPreSubmission: 100,
	}
}

// PoolMember is a user registered in a round together with their vault.
type PoolMember struct {
	User          authority.ID
	RefundAddress string
	Vault         *vault.MultiSigVault
}

// Pool is the registration pool.
type Pool struct {
	db    walletdb.DB
	set   authority.Set
	state authority.ServiceState
	cfg   Config
}

// New opens the registration pool stored in db, creating its namespace if
// needed.
func New(db walletdb.DB, set authority.Set, state authority.ServiceState,
	cfg Config) (*Pool, error) {

	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}
	if err := roundstore.CreateNamespace(db, namespaceKey); err != nil {
		return nil, dbError(err)
	}
	initPrometheusMetrics()

	return &Pool{db: db, set: set, state: state, cfg: cfg}, nil
}

// update runs f in a read-write transaction over the pool namespace.
func (p *Pool) update(f func(ns walletdb.ReadWriteBucket) error) error {
	err := walletdb.Update(p.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := roundstore.Namespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		return f(ns)
	})
	return dbError(err)
}

// view runs f in a read-only transaction over the pool namespace.
func (p *Pool) view(f func(ns walletdb.ReadBucket) error) error {
	err := walletdb.View(p.db, func(tx walletdb.ReadTx) error {
		ns, err := roundstore.ReadNamespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		return f(ns)
	})
	return dbError(err)
}

// authenticate checks the signature of a submission and that its signer is
// a current authority.
func (p *Pool) authenticate(id authority.ID, payload authority.Payload,
	sig []byte) error {

	if err := authority.Verify(id, payload, sig); err != nil {
		return newError(ErrInvalidSignature, "invalid signature", err)
	}
	if !p.set.IsAuthority(id) {
		str := fmt.Sprintf("%v is not an authority", id)
		return newError(ErrNotAuthority, str, nil)
	}
	return nil
}

func (p *Pool) requireNormal() error {
	if st := p.state.ServiceState(); st != authority.Normal {
		str := fmt.Sprintf("registration unavailable in state %v", st)
		return newError(ErrServiceUnavailable, str, nil)
	}
	return nil
}

// checkCurrentRound rejects submissions for any round but the current one.
func (p *Pool) checkCurrentRound(round authority.Round) error {
	if cur := p.set.CurrentRound(); round != cur {
		str := fmt.Sprintf("round %d is not the current round %d",
			round, cur)
		return newError(ErrRoundMismatch, str, nil)
	}
	return nil
}

// checkSystemRound permits the current round in Normal operation and the
// next round while its system vault is being prepared.
func (p *Pool) checkSystemRound(round authority.Round) error {
	st := p.state.ServiceState()
	if st != authority.Normal && st != authority.PrepareNextSystemVault {
		str := fmt.Sprintf("system vault unavailable in state %v", st)
		return newError(ErrServiceUnavailable, str, nil)
	}

	cur := p.set.CurrentRound()
	if round == cur {
		return nil
	}
	if st == authority.PrepareNextSystemVault && round == cur+1 {
		return nil
	}
	str := fmt.Sprintf("round %d is not open for system vault "+
		"registration (current round %d)", round, cur)
	return newError(ErrRoundMismatch, str, nil)
}

// newVault returns an empty vault sized for the current authority set.
func (p *Pool) newVault() (*vault.MultiSigVault, error) {
	n := uint32(len(p.set.Members()))
	m := vault.RequiredSignatures(p.cfg.MultiSigRatio, n)
	v, err := vault.New(m, n)
	if err != nil {
		return nil, newError(ErrInvalidVault, "unable to create vault",
			err)
	}
	return v, nil
}

// insertKey adds key to v after checking the round's key bonds, and bonds
// it to owner. It returns whether the vault was generated.
func (p *Pool) insertKey(rb *roundBuckets, v *vault.MultiSigVault,
	id authority.ID, key vault.PublicKey, owner keyOwner) (bool, error) {

	if v.AddressState() != vault.Pending {
		return false, newError(ErrNotPending, "vault already generated",
			nil)
	}
	if rb.pubKeys.Get(key[:]) != nil {
		str := fmt.Sprintf("public key %v already bonded", key)
		return false, newError(ErrDuplicateKey, str, nil)
	}

	generated, err := v.InsertKey(id, key, p.cfg.ChainParams)
	switch {
	case vault.IsError(err, vault.ErrDuplicateKey):
		return false, newError(ErrDuplicateKey, err.Error(), err)
	case vault.IsError(err, vault.ErrNotPending):
		return false, newError(ErrNotPending, err.Error(), err)
	case err != nil:
		return false, newError(ErrInvalidVault, "key insertion failed",
			err)
	}

	if err := bondKey(rb.pubKeys, key, owner); err != nil {
		return false, err
	}
	if !generated {
		return false, nil
	}

	// A generated address must be unique within the round.
	if rb.vaults.Get([]byte(v.Address)) != nil {
		str := fmt.Sprintf("vault address %v already registered",
			v.Address)
		return false, newError(ErrAlreadyRegistered, str, nil)
	}
	sys, err := fetchSystemVault(rb.system)
	if err != nil {
		return false, err
	}
	if sys != nil && owner.kind != ownerSystem && sys.Address == v.Address {
		str := fmt.Sprintf("vault address %v is the system vault",
			v.Address)
		return false, newError(ErrAlreadyRegistered, str, nil)
	}
	return true, nil
}

// RequestVault registers a vault for user, refunding to refundAddress. One
// pre-submitted key per authority is consumed when available, which may
// generate the vault immediately.
func (p *Pool) RequestVault(user authority.ID,
	refundAddress string) (*PoolMember, error) {

	if err := p.requireNormal(); err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(refundAddress, p.cfg.ChainParams)
	if err != nil {
		return nil, newError(ErrInvalidAddress, "invalid refund address",
			err)
	}
	if !addr.IsForNet(p.cfg.ChainParams) {
		str := fmt.Sprintf("refund address %v is not for %s",
			refundAddress, p.cfg.ChainParams.Name)
		return nil, newError(ErrInvalidAddress, str, nil)
	}
	refund := addr.EncodeAddress()

	v, err := p.newVault()
	if err != nil {
		return nil, err
	}
	round := p.set.CurrentRound()
	members := p.set.Members()
	member := &PoolMember{User: user, RefundAddress: refund, Vault: v}

	var generated bool
	err = p.update(func(ns walletdb.ReadWriteBucket) error {
		rb, err := openRound(ns, round)
		if err != nil {
			return err
		}

		if rb.members.Get(user[:]) != nil {
			str := fmt.Sprintf("user %v already registered", user)
			return newError(ErrAlreadyRegistered, str, nil)
		}
		if rb.refunds.Get([]byte(refund)) != nil {
			str := fmt.Sprintf("refund address %v already bonded",
				refund)
			return newError(ErrAlreadyRegistered, str, nil)
		}

		owner := keyOwner{kind: ownerUser, id: user}
		for _, id := range members {
			queue, err := fetchQueue(rb.presubmitted, id)
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				continue
			}

			// The queued key is bonded to the authority, release
			// it so it can be bonded to the user.
			key := queue[0]
			if err := rb.pubKeys.Delete(key[:]); err != nil {
				return err
			}
			done, err := p.insertKey(rb, v, id, key, owner)
			if err != nil {
				return err
			}
			generated = generated || done
			if err := putQueue(rb.presubmitted, id, queue[1:]); err != nil {
				return err
			}
		}

		if generated {
			err := rb.vaults.Put([]byte(v.Address), user[:])
			if err != nil {
				return err
			}
		}
		if err := rb.refunds.Put([]byte(refund), user[:]); err != nil {
			return err
		}
		return putMember(rb.members, member)
	})
	if err != nil {
		return nil, err
	}

	prometheusVaultsRequested.Inc()
	log.Infof("Registered vault for user %v in round %d (%d-of-%d)",
		user, round, v.M, v.N)
	if generated {
		prometheusVaultsGenerated.WithLabelValues("user").Inc()
		log.Infof("Generated vault %v for user %v from pre-submitted "+
			"keys", v.Address, user)
	}
	return member, nil
}

// SubmitVaultKey adds an authority's key to a user's pending vault.
func (p *Pool) SubmitVaultKey(s *VaultKeySubmission, sig []byte) (bool, error) {
	if err := p.requireNormal(); err != nil {
		return false, err
	}
	if err := p.authenticate(s.Authority, s, sig); err != nil {
		return false, err
	}
	if err := p.checkCurrentRound(s.Round); err != nil {
		return false, err
	}

	var (
		generated bool
		address   string
	)
	err := p.update(func(ns walletdb.ReadWriteBucket) error {
		rb, err := openRound(ns, s.Round)
		if err != nil {
			return err
		}
		member, err := fetchMember(rb.members, s.User)
		if err != nil {
			return err
		}
		if member == nil {
			str := fmt.Sprintf("user %v has no vault", s.User)
			return newError(ErrUserNotFound, str, nil)
		}

		owner := keyOwner{kind: ownerUser, id: s.User}
		generated, err = p.insertKey(
			rb, member.Vault, s.Authority, s.PubKey, owner,
		)
		if err != nil {
			return err
		}
		if generated {
			address = member.Vault.Address
			err := rb.vaults.Put([]byte(address), s.User[:])
			if err != nil {
				return err
			}
		}
		return putMember(rb.members, member)
	})
	if err != nil {
		return false, err
	}

	log.Debugf("Authority %v submitted key %v for user %v", s.Authority,
		s.PubKey, s.User)
	if generated {
		prometheusVaultsGenerated.WithLabelValues("user").Inc()
		log.Infof("Generated vault %v for user %v", address, s.User)
	}
	return generated, nil
}

// PreSubmitPubKeys queues keys the authority contributes to vaults that are
// requested later in the round.
func (p *Pool) PreSubmitPubKeys(s *PreSubmission, sig []byte) error {
	if err := p.authenticate(s.Authority, s, sig); err != nil {
		return err
	}
	if err := p.checkCurrentRound(s.Round); err != nil {
		return err
	}

	err := p.update(func(ns walletdb.ReadWriteBucket) error {
		rb, err := openRound(ns, s.Round)
		if err != nil {
			return err
		}
		queue, err := fetchQueue(rb.presubmitted, s.Authority)
		if err != nil {
			return err
		}
		if uint32(len(queue)+len(s.PubKeys)) > p.cfg.MaxPreSubmission {
			str := fmt.Sprintf("authority %v would queue %d keys, "+
				"limit is %d", s.Authority,
				len(queue)+len(s.PubKeys),
				p.cfg.MaxPreSubmission)
			return newError(ErrPreSubmissionLimit, str, nil)
		}

		owner := keyOwner{kind: ownerQueued, id: s.Authority}
		for _, key := range s.PubKeys {
			if rb.pubKeys.Get(key[:]) != nil {
				str := fmt.Sprintf("public key %v already "+
					"bonded", key)
				return newError(ErrDuplicateKey, str, nil)
			}
			if err := bondKey(rb.pubKeys, key, owner); err != nil {
				return err
			}
			queue = append(queue, key)
		}
		return putQueue(rb.presubmitted, s.Authority, queue)
	})
	if err != nil {
		return err
	}

	log.Debugf("Authority %v pre-submitted %d keys", s.Authority,
		len(s.PubKeys))
	return nil
}

// RequestSystemVault creates the pending system vault of round.
func (p *Pool) RequestSystemVault(round authority.Round) (*vault.MultiSigVault,
	error) {

	if err := p.checkSystemRound(round); err != nil {
		return nil, err
	}
	v, err := p.newVault()
	if err != nil {
		return nil, err
	}

	err = p.update(func(ns walletdb.ReadWriteBucket) error {
		rb, err := openRound(ns, round)
		if err != nil {
			return err
		}
		existing, err := fetchSystemVault(rb.system)
		if err != nil {
			return err
		}
		if existing != nil {
			str := fmt.Sprintf("round %d already has a system vault",
				round)
			return newError(ErrAlreadyRegistered, str, nil)
		}
		return putSystemVault(rb.system, v)
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Requested system vault for round %d (%d-of-%d)", round,
		v.M, v.N)
	return v, nil
}

// SubmitSystemVaultKey adds an authority's key to the pending system vault
// of the submission's round.
func (p *Pool) SubmitSystemVaultKey(s *SystemVaultKeySubmission,
	sig []byte) (bool, error) {

	if err := p.authenticate(s.Authority, s, sig); err != nil {
		return false, err
	}
	if err := p.checkSystemRound(s.Round); err != nil {
		return false, err
	}

	var (
		generated bool
		address   string
	)
	err := p.update(func(ns walletdb.ReadWriteBucket) error {
		rb, err := openRound(ns, s.Round)
		if err != nil {
			return err
		}
		sys, err := fetchSystemVault(rb.system)
		if err != nil {
			return err
		}
		if sys == nil {
			str := fmt.Sprintf("round %d has no system vault",
				s.Round)
			return newError(ErrSystemVaultNotFound, str, nil)
		}

		owner := keyOwner{kind: ownerSystem, id: s.Authority}
		generated, err = p.insertKey(
			rb, sys, s.Authority, s.PubKey, owner,
		)
		if err != nil {
			return err
		}
		address = sys.Address
		return putSystemVault(rb.system, sys)
	})
	if err != nil {
		return false, err
	}

	if generated {
		prometheusVaultsGenerated.WithLabelValues("system").Inc()
		log.Infof("Generated system vault %v for round %d", address,
			s.Round)
	}
	return generated, nil
}

// ClearVault removes the vault at address from the current round together
// with all of its bonds. The system vault may be cleared the same way.
func (p *Pool) ClearVault(address string) error {
	round := p.set.CurrentRound()
	var user authority.ID
	var system bool
	err := p.update(func(ns walletdb.ReadWriteBucket) error {
		rb, err := openRound(ns, round)
		if err != nil {
			return err
		}

		sys, err := fetchSystemVault(rb.system)
		if err != nil {
			return err
		}
		if sys != nil && sys.Address != "" && sys.Address == address {
			system = true
			if err := unbondKeys(rb.pubKeys, sys); err != nil {
				return err
			}
			return rb.system.Delete(systemVaultKey)
		}

		owner := rb.vaults.Get([]byte(address))
		if owner == nil {
			str := fmt.Sprintf("%v is not a vault of round %d",
				address, round)
			return newError(ErrVaultNotFound, str, nil)
		}
		copy(user[:], owner)

		member, err := fetchMember(rb.members, user)
		if err != nil {
			return err
		}
		if member == nil {
			str := fmt.Sprintf("vault %v has no member", address)
			return newError(ErrUserNotFound, str, nil)
		}
		if err := unbondKeys(rb.pubKeys, member.Vault); err != nil {
			return err
		}
		if err := rb.refunds.Delete([]byte(member.RefundAddress)); err != nil {
			return err
		}
		if err := rb.vaults.Delete([]byte(address)); err != nil {
			return err
		}
		return rb.members.Delete(user[:])
	})
	if err != nil {
		return err
	}

	if system {
		log.Infof("Cleared system vault %v of round %d", address, round)
	} else {
		log.Infof("Cleared vault %v of user %v in round %d", address,
			user, round)
	}
	return nil
}

// ReplaceAuthority moves every key old contributed in the current round,
// including its queued keys, to new. It returns the number of vaults that
// were re-keyed.
func (p *Pool) ReplaceAuthority(old, new authority.ID) (int, error) {
	round := p.set.CurrentRound()
	var n int
	err := p.update(func(ns walletdb.ReadWriteBucket) error {
		rb, err := openRound(ns, round)
		if err != nil {
			return err
		}

		var members []*PoolMember
		err = rb.members.ForEach(func(k, v []byte) error {
			var user authority.ID
			copy(user[:], k)
			m, err := deserializeMember(user, v)
			if err != nil {
				return err
			}
			if _, ok := m.Vault.PubKeys[old]; ok {
				members = append(members, m)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := replaceInVault(m.Vault, old, new); err != nil {
				return err
			}
			if err := putMember(rb.members, m); err != nil {
				return err
			}
			n++
		}

		sys, err := fetchSystemVault(rb.system)
		if err != nil {
			return err
		}
		if sys != nil {
			if _, ok := sys.PubKeys[old]; ok {
				if err := replaceInVault(sys, old, new); err != nil {
					return err
				}
				if err := putSystemVault(rb.system, sys); err != nil {
					return err
				}
				n++
			}
		}

		return moveQueue(rb, old, new)
	})
	if err != nil {
		return 0, err
	}

	log.Infof("Replaced authority %v with %v in %d vaults of round %d",
		old, new, n, round)
	return n, nil
}

func replaceInVault(v *vault.MultiSigVault, old, new authority.ID) error {
	err := v.ReplaceAuthority(old, new)
	if vault.IsError(err, vault.ErrDuplicateKey) {
		return newError(ErrDuplicateKey, err.Error(), err)
	}
	if err != nil {
		return newError(ErrInvalidVault, "unable to replace authority",
			err)
	}
	return nil
}

// moveQueue hands the pre-submitted keys of old to new.
func moveQueue(rb *roundBuckets, old, new authority.ID) error {
	queue, err := fetchQueue(rb.presubmitted, old)
	if err != nil || len(queue) == 0 {
		return err
	}
	existing, err := fetchQueue(rb.presubmitted, new)
	if err != nil {
		return err
	}

	owner := keyOwner{kind: ownerQueued, id: new}
	for _, key := range queue {
		if err := bondKey(rb.pubKeys, key, owner); err != nil {
			return err
		}
	}
	if err := putQueue(rb.presubmitted, new, append(existing, queue...)); err != nil {
		return err
	}
	return putQueue(rb.presubmitted, old, nil)
}

// PruneRound removes all registration state of a past round.
func (p *Pool) PruneRound(round authority.Round) error {
	if cur := p.set.CurrentRound(); round >= cur {
		str := fmt.Sprintf("round %d is not older than the current "+
			"round %d", round, cur)
		return newError(ErrRoundActive, str, nil)
	}
	err := p.update(func(ns walletdb.ReadWriteBucket) error {
		return roundstore.DeleteRound(ns, round)
	})
	if err != nil {
		return err
	}
	log.Infof("Pruned registration state of round %d", round)
	return nil
}
