// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// FeeRate is the agreed pair of fee rates, in sat/vbyte.
type FeeRate struct {
	LongTerm btcutil.Amount
	Current  btcutil.Amount
}

// medianFeeRate returns the per-field median of the submissions. For an
// even count the lower of the two middle values is used.
func medianFeeRate(subs []*FeeRateSubmission) FeeRate {
	longTerm := make([]btcutil.Amount, len(subs))
	current := make([]btcutil.Amount, len(subs))
	for i, s := range subs {
		longTerm[i] = s.LongTermFeeRate
		current[i] = s.FeeRate
	}
	return FeeRate{
		LongTerm: lowerMedian(longTerm),
		Current:  lowerMedian(current),
	}
}

func lowerMedian(v []btcutil.Amount) btcutil.Amount {
	if len(v) == 0 {
		return 0
	}
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	return v[(len(v)-1)/2]
}

// SubmitFeeRate records an authority's fee-rate observation for the current
// cycle. A later submission by the same authority replaces its earlier one.
// The first submission of a cycle sets the cycle's deadline.
func (l *Ledger) SubmitFeeRate(s *FeeRateSubmission, sig []byte,
	now time.Time) error {

	if err := l.authenticate(s.Authority, s, sig); err != nil {
		return err
	}
	if err := l.checkCurrentRound(s.Round); err != nil {
		return err
	}
	if s.FeeRate <= 0 || s.LongTermFeeRate <= 0 {
		str := fmt.Sprintf("fee rates must be positive, got %v/%v",
			s.LongTermFeeRate, s.FeeRate)
		return newError(ErrInvalidFeeRate, str, nil)
	}
	if s.Deadline < now.Unix() {
		str := fmt.Sprintf("deadline %v has passed",
			time.Unix(s.Deadline, 0).UTC())
		return newError(ErrFeeRateExpired, str, nil)
	}

	err := l.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		pending, err := roundstore.Bucket(ns, s.Round, feeRatesBucketName)
		if err != nil {
			return err
		}
		b, err := serializeFeeRate(s)
		if err != nil {
			return err
		}
		if err := pending.Put(s.Authority[:], b); err != nil {
			return err
		}

		cycle, err := roundstore.Bucket(ns, s.Round, feeCycleBucketName)
		if err != nil {
			return err
		}
		if cycle.Get(deadlineKey) != nil {
			return nil
		}
		return cycle.Put(deadlineKey, roundstore.Uint64Key(
			uint64(s.Deadline),
		))
	})
	if err != nil {
		return err
	}

	log.Debugf("Authority %v submitted fee rate %v (long term %v)",
		s.Authority, s.FeeRate, s.LongTermFeeRate)
	return nil
}

// TryFeeRateFinalization agrees on the median of the current cycle's
// submissions once a majority of authorities submitted or the cycle's
// deadline passed. The agreed rate is stored for the round and the cycle is
// cleared. None is returned while the cycle is still open.
func (l *Ledger) TryFeeRateFinalization(now time.Time) (fn.Option[FeeRate],
	error) {

	round := l.set.CurrentRound()
	majority := l.set.Majority()

	result := fn.None[FeeRate]()
	var count int
	err := l.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		pending := roundstore.ReadBucket(ns, round, feeRatesBucketName)
		if pending == nil {
			return nil
		}

		var subs []*FeeRateSubmission
		err := pending.ForEach(func(k, v []byte) error {
			var id authority.ID
			copy(id[:], k)
			s, err := deserializeFeeRate(id, v)
			if err != nil {
				return err
			}
			subs = append(subs, s)
			return nil
		})
		if err != nil || len(subs) == 0 {
			return err
		}
		count = len(subs)

		cycle := roundstore.ReadBucket(ns, round, feeCycleBucketName)
		var deadline int64
		if cycle != nil {
			if b := cycle.Get(deadlineKey); len(b) == 8 {
				deadline = int64(byteOrder.Uint64(b))
			}
		}
		if uint32(len(subs)) < majority && now.Unix() <= deadline {
			return nil
		}

		rate := medianFeeRate(subs)
		agreed, err := roundstore.Bucket(ns, round, agreedBucketName)
		if err != nil {
			return err
		}
		b, err := serializeAgreed(rate)
		if err != nil {
			return err
		}
		if err := agreed.Put(agreedKey, b); err != nil {
			return err
		}

		pendingRW, err := roundstore.Bucket(ns, round, feeRatesBucketName)
		if err != nil {
			return err
		}
		if err := roundstore.ClearBucket(pendingRW); err != nil {
			return err
		}
		cycleRW, err := roundstore.Bucket(ns, round, feeCycleBucketName)
		if err != nil {
			return err
		}
		if err := cycleRW.Delete(deadlineKey); err != nil {
			return err
		}

		result = fn.Some(rate)
		return nil
	})
	if err != nil {
		return fn.None[FeeRate](), err
	}

	result.WhenSome(func(rate FeeRate) {
		prometheusFeeRateFinalized.Inc()
		log.Infof("Fee rate for round %d finalized from %d "+
			"submissions: %v/vB (long term %v/vB)", round, count,
			int64(rate.Current), int64(rate.LongTerm))
	})
	return result, nil
}

// FeeRateTx returns the agreed fee rate of round.
func (l *Ledger) FeeRateTx(tx walletdb.ReadTx,
	round authority.Round) (FeeRate, error) {

	ns, err := roundstore.ReadNamespace(tx, namespaceKey)
	if err != nil {
		return FeeRate{}, dbError(err)
	}
	agreed := roundstore.ReadBucket(ns, round, agreedBucketName)
	var b []byte
	if agreed != nil {
		b = agreed.Get(agreedKey)
	}
	if b == nil {
		str := fmt.Sprintf("no fee rate agreed for round %d", round)
		return FeeRate{}, newError(ErrFeeRateNotFinalized, str, nil)
	}
	rate, err := deserializeAgreed(b)
	return rate, dbError(err)
}

// FeeRate returns the agreed fee rate of round.
func (l *Ledger) FeeRate(round authority.Round) (FeeRate, error) {
	var rate FeeRate
	err := walletdb.View(l.db, func(tx walletdb.ReadTx) error {
		var err error
		rate, err = l.FeeRateTx(tx, round)
		return err
	})
	return rate, dbError(err)
}
