// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// Request returns the pending or finalized request of round spending txid.
func (q *Queue) Request(round authority.Round, txid chainhash.Hash) (*Request,
	error) {

	var req *Request
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		var err error
		req, err = fetchRequest(ns, round, txid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if req == nil {
		str := fmt.Sprintf("no request %v in round %d", txid, round)
		return nil, newError(ErrUnknownRequest, str, nil)
	}
	return req, nil
}

func (q *Queue) requests(round authority.Round,
	state RequestState) ([]*Request, error) {

	var reqs []*Request
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		var err error
		reqs, err = fetchRequests(ns, round, state)
		return err
	})
	return sortedRequests(reqs), err
}

// PendingRequests returns the requests of round collecting signatures, by
// request id.
func (q *Queue) PendingRequests(round authority.Round) ([]*Request, error) {
	return q.requests(round, StatePending)
}

// FinalizedRequests returns the signed requests of round waiting for
// broadcast attestations, by request id.
func (q *Queue) FinalizedRequests(round authority.Round) ([]*Request, error) {
	return q.requests(round, StateFinalized)
}

// RollbackRequests returns the open and approved rollbacks of round, by
// txid.
func (q *Queue) RollbackRequests(round authority.Round) ([]*RollbackRequest,
	error) {

	var rbs []*RollbackRequest
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		b := roundstore.ReadBucket(ns, round, rollbacksBucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			rb, err := deserializeRollback(v)
			if err != nil {
				return err
			}
			rbs = append(rbs, rb)
			return nil
		})
	})
	sort.Slice(rbs, func(i, j int) bool {
		return bytes.Compare(rbs[i].Txid[:], rbs[j].Txid[:]) < 0
	})
	return rbs, err
}

// Rollback returns the rollback of txid in round.
func (q *Queue) Rollback(round authority.Round,
	txid chainhash.Hash) (*RollbackRequest, error) {

	var rb *RollbackRequest
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		var err error
		rb, err = fetchRollback(ns, round, txid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rb == nil {
		str := fmt.Sprintf("no rollback of %v in round %d", txid, round)
		return nil, newError(ErrRollbackNotFound, str, nil)
	}
	return rb, nil
}

// TxidBySequence returns the transaction a message is bound to or was
// executed by.
func (q *Queue) TxidBySequence(seq uint64) (chainhash.Hash, error) {
	var (
		txid chainhash.Hash
		ok   bool
	)
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		var err error
		txid, ok, err = sequenceTxid(ns, seq)
		return err
	})
	if err != nil {
		return chainhash.Hash{}, err
	}
	if !ok {
		str := fmt.Sprintf("sequence %d is not bound", seq)
		return chainhash.Hash{}, newError(ErrSequenceNotFound, str, nil)
	}
	return txid, nil
}

// FilterUnexecuted returns the sequences of seqs whose messages have not
// been executed, in the given order. A batch naming a sequence twice is
// rejected as a whole.
func (q *Queue) FilterUnexecuted(seqs []uint64) ([]uint64, error) {
	seen := make(map[uint64]struct{}, len(seqs))
	for _, seq := range seqs {
		if _, ok := seen[seq]; ok {
			str := fmt.Sprintf("sequence %d queried twice", seq)
			return nil, newError(ErrDuplicateQuery, str, nil)
		}
		seen[seq] = struct{}{}
	}

	out := make([]uint64, 0, len(seqs))
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		executed := ns.NestedReadBucket(executedBucketName)
		for _, seq := range seqs {
			if executed.Get(roundstore.Uint64Key(seq)) == nil {
				out = append(out, seq)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OutboundPool returns the queued messages not yet bound to a request, in
// sequence order.
func (q *Queue) OutboundPool() ([]OutboundMessage, error) {
	var msgs []OutboundMessage
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		var err error
		msgs, err = fetchOutbound(ns, 0)
		return err
	})
	return msgs, err
}

// Redirects returns the approved rollback redirections waiting for a
// compose.
func (q *Queue) Redirects() ([]Redirect, error) {
	var redirects []Redirect
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		var err error
		redirects, err = fetchRedirects(ns)
		return err
	})
	return redirects, err
}

// StaleRequests returns the pending requests of every round composed more
// than PendingRequestTTL before now. Stale requests are only reported. They
// stay pending until signed, rolled back or force unlocked.
func (q *Queue) StaleRequests(now time.Time) ([]*Request, error) {
	ttl := q.cfg.PendingRequestTTL
	if ttl <= 0 {
		return nil, nil
	}

	var stale []*Request
	err := q.view(func(_ walletdb.ReadTx, ns walletdb.ReadBucket) error {
		rounds, err := roundstore.Rounds(ns)
		if err != nil {
			return err
		}
		for _, round := range rounds {
			reqs, err := fetchRequests(ns, round, StatePending)
			if err != nil {
				return err
			}
			for _, r := range reqs {
				if now.Sub(r.ComposedAt) > ttl {
					stale = append(stale, r)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range stale {
		log.Warnf("Request %d (%v) of round %d pending since %v",
			r.RequestID, r.Txid, r.Round, r.ComposedAt)
	}
	return stale, nil
}

// PruneRound removes the requests and rollbacks of a past round. A round
// with requests still in flight is kept.
func (q *Queue) PruneRound(round authority.Round) error {
	if cur := q.set.CurrentRound(); round >= cur {
		str := fmt.Sprintf("round %d is not older than the current "+
			"round %d", round, cur)
		return newError(ErrRoundActive, str, nil)
	}

	err := q.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		for _, state := range []RequestState{StatePending, StateFinalized} {
			reqs, err := fetchRequests(ns, round, state)
			if err != nil {
				return err
			}
			if len(reqs) > 0 {
				str := fmt.Sprintf("round %d has %d %v requests",
					round, len(reqs), state)
				return newError(ErrRoundActive, str, nil)
			}
		}
		return roundstore.DeleteRound(ns, round)
	})
	if err != nil {
		return err
	}
	log.Infof("Pruned socket state of round %d", round)
	return nil
}
