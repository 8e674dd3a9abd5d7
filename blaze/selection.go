// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// PaymentParams describe a payment to fund from the ledger.
type PaymentParams struct {
	// Target is the payment outputs plus the fee of the transaction
	// without inputs.
	Target btcutil.Amount

	// FeeRate prices the inputs.
	FeeRate FeeRate

	// CostOfChange is the cost of creating and later spending a change
	// output.
	CostOfChange btcutil.Amount

	// InputVSize returns the vbytes spending u adds to a transaction.
	InputVSize func(u *Utxo) (int, error)
}

// PaymentSelection is a coin selection over ledger outputs. Utxos is
// ordered like Inputs.
type PaymentSelection struct {
	Selection
	Utxos []*Utxo
}

// Hashes returns the ledger identities of the selected outputs.
func (s *PaymentSelection) Hashes() []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(s.Inputs))
	for i, in := range s.Inputs {
		hashes[i] = in.Hash
	}
	return hashes
}

// SelectForPaymentTx selects Available outputs of round to fund a payment.
//
// A failed selection counts against the tolerance. Once MaxTolerance
// consecutive failures accumulate the ledger is throttled: attempts are
// refused with ErrSelectionThrottled except every MaxTolerance-th one, which
// runs the selector again. The throttle is lifted by ResetTolerance or by a
// successful retry. The counter is written to tx even when an error is
// returned, so callers that want failures to count must commit tx regardless.
func (l *Ledger) SelectForPaymentTx(tx walletdb.ReadWriteTx,
	round authority.Round, p PaymentParams) (*PaymentSelection, error) {

	ns, err := roundstore.Namespace(tx, namespaceKey)
	if err != nil {
		return nil, dbError(err)
	}
	meta, err := ns.CreateBucketIfNotExists(metaBucketName)
	if err != nil {
		return nil, dbError(err)
	}

	// While throttled only every MaxTolerance-th attempt reaches the
	// selector. The refused attempts still advance the counter.
	tolerance := fetchTolerance(meta)
	if l.throttled(tolerance) &&
		(tolerance+1-l.cfg.MaxTolerance)%l.cfg.MaxTolerance != 0 {

		if err := putTolerance(meta, tolerance+1); err != nil {
			return nil, dbError(err)
		}
		str := fmt.Sprintf("coin selection throttled after %d "+
			"consecutive failures", tolerance)
		return nil, newError(ErrSelectionThrottled, str, nil)
	}

	var (
		candidates []Candidate
		byHash     = make(map[chainhash.Hash]*Utxo)
	)
	utxos := roundstore.ReadBucket(ns, round, utxosBucketName)
	err = forEachUtxo(utxos, func(u *Utxo) error {
		if u.Status != Available {
			return nil
		}
		vsize, err := p.InputVSize(u)
		if err != nil {
			return err
		}
		h := u.Hash()
		byHash[h] = u
		candidates = append(candidates, Candidate{
			Hash:   h,
			Amount: u.Amount,
			VSize:  vsize,
		})
		return nil
	})
	if err != nil {
		return nil, dbError(err)
	}

	params := SelectionParams{
		Target:          p.Target,
		FeeRate:         p.FeeRate.Current,
		LongTermFeeRate: p.FeeRate.LongTerm,
		CostOfChange:    p.CostOfChange,
		MaxInputs:       l.cfg.MaxInputs,
		DustThreshold:   l.cfg.DustThreshold,
		MaxTries:        l.cfg.MaxTries,
	}
	result := SelectCoins(candidates, params)

	if result.IsNone() {
		tolerance++
		if err := putTolerance(meta, tolerance); err != nil {
			return nil, dbError(err)
		}
		prometheusSelectionFailures.Inc()

		if l.throttled(tolerance) {
			prometheusSelectionThrottled.Set(1)
			log.Errorf("Coin selection throttled: %d consecutive "+
				"failures to fund %v from %d candidates",
				tolerance, p.Target, len(candidates))
		} else {
			log.Warnf("Coin selection found no solution for %v "+
				"from %d candidates (%d/%d)", p.Target,
				len(candidates), tolerance, l.cfg.MaxTolerance)
		}

		str := fmt.Sprintf("available utxos cannot fund %v", p.Target)
		return nil, newError(ErrInsufficientFunds, str, nil)
	}

	if tolerance != 0 {
		if err := putTolerance(meta, 0); err != nil {
			return nil, dbError(err)
		}
	}
	prometheusSelectionThrottled.Set(0)

	sel := result.UnwrapOr(Selection{})
	prometheusSelections.WithLabelValues(sel.Strategy.String()).Inc()
	ps := &PaymentSelection{Selection: sel}
	for _, in := range sel.Inputs {
		ps.Utxos = append(ps.Utxos, byHash[in.Hash])
	}

	log.Debugf("Selected %d inputs totalling %v for %v using %v "+
		"(waste %v)", len(sel.Inputs), sel.Total, p.Target,
		sel.Strategy, sel.Waste)
	return ps, nil
}

// SelectForPayment selects outputs of round to fund a payment without
// locking them.
func (l *Ledger) SelectForPayment(round authority.Round,
	p PaymentParams) (*PaymentSelection, error) {

	var (
		sel       *PaymentSelection
		selectErr error
	)
	err := walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		sel, selectErr = l.SelectForPaymentTx(tx, round, p)
		if IsError(selectErr, ErrDatabase) {
			return selectErr
		}
		// Commit the tolerance counter on selection failures.
		return nil
	})
	if err != nil {
		return nil, dbError(err)
	}
	return sel, selectErr
}

func (l *Ledger) throttled(tolerance uint32) bool {
	return l.cfg.MaxTolerance > 0 && tolerance >= l.cfg.MaxTolerance
}

// Tolerance returns the number of consecutive failed selections.
func (l *Ledger) Tolerance() (uint32, error) {
	var tolerance uint32
	err := l.view(func(ns walletdb.ReadBucket) error {
		tolerance = fetchTolerance(ns.NestedReadBucket(metaBucketName))
		return nil
	})
	return tolerance, err
}

// ResetTolerance clears the failure counter and lifts a throttle.
func (l *Ledger) ResetTolerance() error {
	err := l.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		meta, err := ns.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		return putTolerance(meta, 0)
	})
	if err != nil {
		return err
	}
	prometheusSelectionThrottled.Set(0)
	log.Infof("Coin selection tolerance reset")
	return nil
}
