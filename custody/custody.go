// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package custody wires the registration pool, the UTXO ledger and the
// socket queue over a single database and exposes the read-only queries
// callers outside the authority set rely on.
package custody

import (
	"errors"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/blaze"
	"github.com/btcsuite/btccustody/registration"
	"github.com/btcsuite/btccustody/socket"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config collects the parameters of the three components.
type Config struct {
	Registration registration.Config
	Ledger       blaze.Config
	Socket       socket.Config
}

// DefaultConfig returns the default parameters for params.
func DefaultConfig(params *chaincfg.Params) Config {
	reg := registration.DefaultConfig()
	reg.ChainParams = params
	return Config{
		Registration: reg,
		Ledger:       blaze.DefaultConfig(),
		Socket:       socket.DefaultConfig(params),
	}
}

// Custody is the custody subsystem. Mutating operations are reached through
// the component fields. Every component stores its state in its own
// namespace of the shared database.
type Custody struct {
	Registration *registration.Pool
	Ledger       *blaze.Ledger
	Socket       *socket.Queue

	set authority.Set
}

// New opens the three components over db. The registration pool resolves
// vaults for both the ledger and the queue, and the ledger funds the queue.
func New(db walletdb.DB, set authority.Set, state authority.ServiceState,
	params *chaincfg.Params, cfg Config) (*Custody, error) {

	cfg.Registration.ChainParams = params
	cfg.Socket.ChainParams = params

	pool, err := registration.New(db, set, state, cfg.Registration)
	if err != nil {
		return nil, err
	}
	ledger, err := blaze.New(db, set, pool, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	queue, err := socket.New(db, set, state, ledger, pool, cfg.Socket)
	if err != nil {
		return nil, err
	}
	initPrometheusMetrics()

	log.Infof("Custody opened on %v in round %d", params.Name,
		set.CurrentRound())
	return &Custody{
		Registration: pool,
		Ledger:       ledger,
		Socket:       queue,
		set:          set,
	}, nil
}

// VaultAddress returns the vault address of user in the current round, empty
// while the vault is pending.
func (c *Custody) VaultAddress(user authority.ID) (string, error) {
	return c.Registration.VaultAddress(user)
}

// VaultAddresses is the batch form of VaultAddress. A batch naming a user
// twice is rejected.
func (c *Custody) VaultAddresses(users []authority.ID) ([]string, error) {
	return c.Registration.VaultAddresses(users)
}

// Balance returns the funds of round by output status.
func (c *Custody) Balance(round authority.Round) (blaze.Balance, error) {
	return c.Ledger.Balance(round)
}

// IsSubmittable returns whether an attestation of the output by id would
// still count.
func (c *Custody) IsSubmittable(txid chainhash.Hash, vout uint32,
	amount btcutil.Amount, id authority.ID) (bool, error) {

	return c.Ledger.IsSubmittable(txid, vout, amount, id)
}

// PendingRequests returns the requests of round collecting signatures.
func (c *Custody) PendingRequests(round authority.Round) ([]*socket.Request,
	error) {

	return c.Socket.PendingRequests(round)
}

// FinalizedRequests returns the signed requests of round awaiting broadcast
// attestations.
func (c *Custody) FinalizedRequests(
	round authority.Round) ([]*socket.Request, error) {

	return c.Socket.FinalizedRequests(round)
}

// RollbackRequests returns the rollbacks of round.
func (c *Custody) RollbackRequests(
	round authority.Round) ([]*socket.RollbackRequest, error) {

	return c.Socket.RollbackRequests(round)
}

// TxidBySequence returns the transaction an outbound message is bound to or
// was executed by.
func (c *Custody) TxidBySequence(seq uint64) (chainhash.Hash, error) {
	return c.Socket.TxidBySequence(seq)
}

// FilterUnexecuted returns the sequences of seqs not yet executed.
func (c *Custody) FilterUnexecuted(seqs []uint64) ([]uint64, error) {
	return c.Socket.FilterUnexecuted(seqs)
}

// PruneRound removes the state of a past round from every component. The
// queue refuses while the round still has requests in flight, in which
// case nothing is removed.
func (c *Custody) PruneRound(round authority.Round) error {
	if err := c.Socket.PruneRound(round); err != nil {
		return err
	}
	if err := c.Ledger.PruneRound(round); err != nil {
		return err
	}
	if err := c.Registration.PruneRound(round); err != nil {
		return err
	}
	log.Infof("Pruned round %d", round)
	return nil
}

// CheckpointResult reports the work of a checkpoint.
type CheckpointResult struct {
	// FeeRate is the rate agreed at this checkpoint, if any.
	FeeRate fn.Option[blaze.FeeRate]

	// Stale are the pending requests older than the pending request TTL.
	Stale []*socket.Request
}

// Checkpoint runs the time based duties of the subsystem: it closes the
// fee-rate cycle once its deadline passed or a majority submitted, reports
// stale pending requests and refreshes the balance gauges.
func (c *Custody) Checkpoint(now time.Time) (*CheckpointResult, error) {
	rate, err := c.Ledger.TryFeeRateFinalization(now)
	if err != nil {
		return nil, err
	}
	rate.WhenSome(func(r blaze.FeeRate) {
		log.Infof("Fee rate agreed for round %d: %v sat/vB (long "+
			"term %v sat/vB)", c.set.CurrentRound(), int64(r.Current),
			int64(r.LongTerm))
	})

	stale, err := c.Socket.StaleRequests(now)
	if err != nil {
		return nil, err
	}

	round := c.set.CurrentRound()
	bal, err := c.Ledger.Balance(round)
	if err != nil {
		return nil, err
	}
	pending, err := c.Socket.PendingRequests(round)
	if err != nil {
		return nil, err
	}

	prometheusBalance.WithLabelValues("unconfirmed").Set(
		float64(bal.Unconfirmed),
	)
	prometheusBalance.WithLabelValues("available").Set(
		float64(bal.Available),
	)
	prometheusBalance.WithLabelValues("locked").Set(float64(bal.Locked))
	prometheusBalance.WithLabelValues("used").Set(float64(bal.Used))
	prometheusPendingRequests.Set(float64(len(pending)))
	prometheusStaleRequests.Set(float64(len(stale)))
	prometheusCheckpoints.Inc()

	return &CheckpointResult{FeeRate: rate, Stale: stale}, nil
}

// ErrorKind classifies an error of any component. It reports false for
// errors that did not originate in the custody components.
func ErrorKind(err error) (authority.ErrorKind, bool) {
	var (
		regErr    registration.Error
		blazeErr  blaze.Error
		socketErr socket.Error
	)
	switch {
	case errors.As(err, &socketErr):
		return socketErr.ErrorCode.Kind(), true
	case errors.As(err, &blazeErr):
		return blazeErr.ErrorCode.Kind(), true
	case errors.As(err, &regErr):
		return regErr.ErrorCode.Kind(), true
	}
	return 0, false
}
