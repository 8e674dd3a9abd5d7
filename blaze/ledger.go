// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blaze is the UTXO ledger of the custody system. Authorities attest
// to outputs paying the registered vaults; an output becomes spendable once
// a majority of them agree on it. The ledger selects inputs for outbound
// payments, locks them for the lifetime of a spend, and runs the fee-rate
// consensus that prices those spends.
package blaze

import (
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// DefaultDustThreshold is the P2WSH dust limit at the default relay fee.
const DefaultDustThreshold btcutil.Amount = 330

// VaultDirectory resolves vault ownership of addresses.
type VaultDirectory interface {
	IsVaultAddressTx(tx walletdb.ReadTx, round authority.Round,
		address string) (bool, error)
}

// Config holds the ledger parameters.
type Config struct {
	// MaxTolerance is the number of consecutive failed selections after
	// which selection is throttled. Zero disables throttling.
	MaxTolerance uint32

	// MaxTries is the branch-and-bound iteration budget.
	MaxTries int

	// MaxInputs bounds the inputs of a single selection. Zero is
	// unbounded.
	MaxInputs int

	// DustThreshold excludes outputs below this amount from selection.
	DustThreshold btcutil.Amount
}

// DefaultConfig returns the default ledger parameters.
func DefaultConfig() Config {
	return Config{
		MaxTolerance:  5,
		MaxTries:      DefaultMaxTries,
		MaxInputs:     100,
		DustThreshold: DefaultDustThreshold,
	}
}

// Ledger is the UTXO ledger.
type Ledger struct {
	db     walletdb.DB
	set    authority.Set
	vaults VaultDirectory
	cfg    Config
}

// New opens the ledger stored in db, creating its namespace if needed.
func New(db walletdb.DB, set authority.Set, vaults VaultDirectory,
	cfg Config) (*Ledger, error) {

	if err := roundstore.CreateNamespace(db, namespaceKey); err != nil {
		return nil, dbError(err)
	}
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := roundstore.Namespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		_, err = ns.CreateBucketIfNotExists(metaBucketName)
		return err
	})
	if err != nil {
		return nil, dbError(err)
	}
	initPrometheusMetrics()

	return &Ledger{db: db, set: set, vaults: vaults, cfg: cfg}, nil
}

// update runs f in a read-write transaction.
func (l *Ledger) update(f func(tx walletdb.ReadWriteTx,
	ns walletdb.ReadWriteBucket) error) error {

	err := walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := roundstore.Namespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		return f(tx, ns)
	})
	return dbError(err)
}

// view runs f in a read-only transaction.
func (l *Ledger) view(f func(ns walletdb.ReadBucket) error) error {
	err := walletdb.View(l.db, func(tx walletdb.ReadTx) error {
		ns, err := roundstore.ReadNamespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		return f(ns)
	})
	return dbError(err)
}

func (l *Ledger) authenticate(id authority.ID, payload authority.Payload,
	sig []byte) error {

	if err := authority.Verify(id, payload, sig); err != nil {
		return newError(ErrInvalidSignature, "invalid signature", err)
	}
	if !l.set.IsAuthority(id) {
		str := fmt.Sprintf("%v is not an authority", id)
		return newError(ErrNotAuthority, str, nil)
	}
	return nil
}

func (l *Ledger) checkCurrentRound(round authority.Round) error {
	if cur := l.set.CurrentRound(); round != cur {
		str := fmt.Sprintf("round %d is not the current round %d",
			round, cur)
		return newError(ErrRoundMismatch, str, nil)
	}
	return nil
}

// SetActivation enables or disables attestation.
func (l *Ledger) SetActivation(active bool) error {
	err := l.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		meta := ns.NestedReadWriteBucket(metaBucketName)
		var v byte
		if active {
			v = 1
		}
		return meta.Put(activeKey, []byte{v})
	})
	if err != nil {
		return err
	}
	log.Infof("UTXO attestation activated: %v", active)
	return nil
}

// IsActivated returns whether attestation is enabled.
func (l *Ledger) IsActivated() (bool, error) {
	var active bool
	err := l.view(func(ns walletdb.ReadBucket) error {
		active = isActive(ns)
		return nil
	})
	return active, err
}

func isActive(ns walletdb.ReadBucket) bool {
	meta := ns.NestedReadBucket(metaBucketName)
	if meta == nil {
		return false
	}
	v := meta.Get(activeKey)
	return len(v) == 1 && v[0] == 1
}

// SubmitUtxos records an authority's attestation of vault outputs. Outputs
// are promoted to Available once a majority of authorities attested them.
// It returns the number of promoted outputs.
func (l *Ledger) SubmitUtxos(s *UtxoSubmission, sig []byte) (int, error) {
	if err := l.authenticate(s.Authority, s, sig); err != nil {
		return 0, err
	}
	if err := l.checkCurrentRound(s.Round); err != nil {
		return 0, err
	}
	if len(s.Utxos) == 0 {
		return 0, newError(ErrInconsistentBatch, "empty batch", nil)
	}
	seen := make(map[chainhash.Hash]struct{}, len(s.Utxos))
	for i := range s.Utxos {
		u := &s.Utxos[i]
		if u.Amount <= 0 || u.Amount > btcutil.MaxSatoshi {
			str := fmt.Sprintf("utxo %v:%d has invalid amount %v",
				u.Txid, u.Vout, u.Amount)
			return 0, newError(ErrInconsistentBatch, str, nil)
		}
		h := u.Hash()
		if _, ok := seen[h]; ok {
			str := fmt.Sprintf("utxo %v:%d submitted twice", u.Txid,
				u.Vout)
			return 0, newError(ErrInconsistentBatch, str, nil)
		}
		seen[h] = struct{}{}
	}

	quorum := l.set.Majority()
	var promoted []*Utxo
	err := l.update(func(tx walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		if !isActive(ns) {
			return newError(ErrNotActivated,
				"utxo attestation is not activated", nil)
		}
		utxos, err := roundstore.Bucket(ns, s.Round, utxosBucketName)
		if err != nil {
			return err
		}

		added := 0
		for _, info := range s.Utxos {
			ok, err := l.vaults.IsVaultAddressTx(
				tx, s.Round, info.Address,
			)
			if err != nil {
				return err
			}
			if !ok {
				str := fmt.Sprintf("%v is not a vault of round %d",
					info.Address, s.Round)
				return newError(ErrUnknownVault, str, nil)
			}

			rec, err := fetchUtxo(utxos, info.Hash())
			if err != nil {
				return err
			}
			if rec == nil {
				rec = &Utxo{UtxoInfo: info, Status: Unconfirmed}
			}
			if rec.Address != info.Address {
				str := fmt.Sprintf("utxo %v:%d attested for %v, "+
					"recorded for %v", info.Txid, info.Vout,
					info.Address, rec.Address)
				return newError(ErrInconsistentBatch, str, nil)
			}

			isNew, isPromoted := rec.attest(s.Authority, quorum)
			if !isNew {
				continue
			}
			added++
			if isPromoted {
				promoted = append(promoted, rec)
			}
			if err := putUtxo(utxos, rec); err != nil {
				return err
			}
		}
		if added == 0 {
			return newError(ErrAlreadySubmitted,
				"submission adds no new attestation", nil)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, u := range promoted {
		prometheusUtxoPromotions.Inc()
		log.Infof("Utxo %v:%d (%v) to %v is available", u.Txid, u.Vout,
			u.Amount, u.Address)
	}
	return len(promoted), nil
}

// IsSubmittable returns whether an attestation of the output by id would
// count: the output is unknown, or still unconfirmed and not yet attested
// by id.
func (l *Ledger) IsSubmittable(txid chainhash.Hash, vout uint32,
	amount btcutil.Amount, id authority.ID) (bool, error) {

	round := l.set.CurrentRound()
	hash := UtxoHash(txid, vout, amount)
	var ok bool
	err := l.view(func(ns walletdb.ReadBucket) error {
		rec, err := fetchUtxo(
			roundstore.ReadBucket(ns, round, utxosBucketName), hash,
		)
		if err != nil {
			return err
		}
		ok = rec == nil ||
			(rec.Status == Unconfirmed && !rec.HasVoter(id))
		return nil
	})
	return ok, err
}

// LockUtxosTx locks the outputs for the spend txid. Either every output is
// locked or, if any is not Available, none is.
func (l *Ledger) LockUtxosTx(tx walletdb.ReadWriteTx, round authority.Round,
	txid chainhash.Hash, hashes []chainhash.Hash) error {

	if len(hashes) == 0 {
		return newError(ErrInconsistentBatch, "no utxos to lock", nil)
	}
	ns, err := roundstore.Namespace(tx, namespaceKey)
	if err != nil {
		return dbError(err)
	}
	utxos, err := roundstore.Bucket(ns, round, utxosBucketName)
	if err != nil {
		return dbError(err)
	}
	locks, err := roundstore.Bucket(ns, round, locksBucketName)
	if err != nil {
		return dbError(err)
	}
	if locks.Get(txid[:]) != nil {
		str := fmt.Sprintf("spend %v already holds locks", txid)
		return newError(ErrAlreadyLocked, str, nil)
	}

	recs := make([]*Utxo, 0, len(hashes))
	seen := make(map[chainhash.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			str := fmt.Sprintf("utxo %v locked twice", h)
			return newError(ErrInconsistentBatch, str, nil)
		}
		seen[h] = struct{}{}

		rec, err := fetchUtxo(utxos, h)
		if err != nil {
			return dbError(err)
		}
		if rec == nil {
			str := fmt.Sprintf("utxo %v not found", h)
			return newError(ErrUtxoNotFound, str, nil)
		}
		if rec.Status != Available {
			str := fmt.Sprintf("utxo %v:%d is %v", rec.Txid,
				rec.Vout, rec.Status)
			return newError(ErrUtxoNotAvailable, str, nil)
		}
		recs = append(recs, rec)
	}

	for _, rec := range recs {
		rec.Status = Locked
		rec.LockedBy = txid
		if err := putUtxo(utxos, rec); err != nil {
			return dbError(err)
		}
	}
	return dbError(locks.Put(txid[:], serializeHashes(hashes)))
}

// releaseLocks moves every output locked by txid to status.
func releaseLocks(tx walletdb.ReadWriteTx, round authority.Round,
	txid chainhash.Hash, status UtxoStatus) ([]*Utxo, error) {

	ns, err := roundstore.Namespace(tx, namespaceKey)
	if err != nil {
		return nil, dbError(err)
	}
	locks := roundstore.ReadBucket(ns, round, locksBucketName)
	var raw []byte
	if locks != nil {
		raw = locks.Get(txid[:])
	}
	if raw == nil {
		str := fmt.Sprintf("spend %v holds no locks", txid)
		return nil, newError(ErrLockNotFound, str, nil)
	}
	hashes, err := deserializeHashes(raw)
	if err != nil {
		return nil, dbError(err)
	}

	utxos, err := roundstore.Bucket(ns, round, utxosBucketName)
	if err != nil {
		return nil, dbError(err)
	}
	recs := make([]*Utxo, 0, len(hashes))
	for _, h := range hashes {
		rec, err := fetchUtxo(utxos, h)
		if err != nil {
			return nil, dbError(err)
		}
		if rec == nil || rec.Status != Locked || rec.LockedBy != txid {
			str := fmt.Sprintf("utxo %v is not locked by %v", h, txid)
			return nil, newError(ErrUtxoNotAvailable, str, nil)
		}
		rec.Status = status
		rec.LockedBy = chainhash.Hash{}
		if err := putUtxo(utxos, rec); err != nil {
			return nil, dbError(err)
		}
		recs = append(recs, rec)
	}

	lockBucket, err := roundstore.Bucket(ns, round, locksBucketName)
	if err != nil {
		return nil, dbError(err)
	}
	return recs, dbError(lockBucket.Delete(txid[:]))
}

// UnlockUtxosTx returns every output locked by txid to Available.
func (l *Ledger) UnlockUtxosTx(tx walletdb.ReadWriteTx, round authority.Round,
	txid chainhash.Hash) error {

	recs, err := releaseLocks(tx, round, txid, Available)
	if err != nil {
		return err
	}
	log.Debugf("Unlocked %d utxos held by %v", len(recs), txid)
	return nil
}

// MarkUsedTx marks every output locked by txid as spent.
func (l *Ledger) MarkUsedTx(tx walletdb.ReadWriteTx, round authority.Round,
	txid chainhash.Hash) error {

	recs, err := releaseLocks(tx, round, txid, Used)
	if err != nil {
		return err
	}
	log.Debugf("Marked %d utxos spent by %v", len(recs), txid)
	return nil
}

// LockUtxos locks the outputs of the current round for the spend txid.
func (l *Ledger) LockUtxos(txid chainhash.Hash, hashes []chainhash.Hash) error {
	round := l.set.CurrentRound()
	return dbError(walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		return l.LockUtxosTx(tx, round, txid, hashes)
	}))
}

// UnlockUtxos returns the outputs locked by txid to Available.
func (l *Ledger) UnlockUtxos(txid chainhash.Hash) error {
	round := l.set.CurrentRound()
	return dbError(walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		return l.UnlockUtxosTx(tx, round, txid)
	}))
}

// MarkUsed marks the outputs locked by txid as spent.
func (l *Ledger) MarkUsed(txid chainhash.Hash) error {
	round := l.set.CurrentRound()
	return dbError(walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		return l.MarkUsedTx(tx, round, txid)
	}))
}

// UtxoTx returns the output of round identified by hash.
func (l *Ledger) UtxoTx(tx walletdb.ReadTx, round authority.Round,
	hash chainhash.Hash) (*Utxo, error) {

	ns, err := roundstore.ReadNamespace(tx, namespaceKey)
	if err != nil {
		return nil, dbError(err)
	}
	rec, err := fetchUtxo(
		roundstore.ReadBucket(ns, round, utxosBucketName), hash,
	)
	if err != nil {
		return nil, dbError(err)
	}
	if rec == nil {
		str := fmt.Sprintf("utxo %v not found", hash)
		return nil, newError(ErrUtxoNotFound, str, nil)
	}
	return rec, nil
}

// Utxo returns the output of round identified by hash.
func (l *Ledger) Utxo(round authority.Round, hash chainhash.Hash) (*Utxo,
	error) {

	var rec *Utxo
	err := walletdb.View(l.db, func(tx walletdb.ReadTx) error {
		var err error
		rec, err = l.UtxoTx(tx, round, hash)
		return err
	})
	return rec, dbError(err)
}

// Utxos returns the outputs of round with the given status.
func (l *Ledger) Utxos(round authority.Round, status UtxoStatus) ([]*Utxo,
	error) {

	var recs []*Utxo
	err := l.view(func(ns walletdb.ReadBucket) error {
		utxos := roundstore.ReadBucket(ns, round, utxosBucketName)
		return forEachUtxo(utxos, func(u *Utxo) error {
			if u.Status == status {
				recs = append(recs, u)
			}
			return nil
		})
	})
	return recs, err
}

// Balance sums the outputs of round by status.
func (l *Ledger) Balance(round authority.Round) (Balance, error) {
	var bal Balance
	err := l.view(func(ns walletdb.ReadBucket) error {
		utxos := roundstore.ReadBucket(ns, round, utxosBucketName)
		return forEachUtxo(utxos, func(u *Utxo) error {
			bal.add(u)
			return nil
		})
	})
	return bal, err
}

// PruneRound removes all ledger state of a past round.
func (l *Ledger) PruneRound(round authority.Round) error {
	if cur := l.set.CurrentRound(); round >= cur {
		str := fmt.Sprintf("round %d is not older than the current "+
			"round %d", round, cur)
		return newError(ErrRoundMismatch, str, nil)
	}
	err := l.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		return roundstore.DeleteRound(ns, round)
	})
	if err != nil {
		return err
	}
	log.Infof("Pruned ledger state of round %d", round)
	return nil
}
