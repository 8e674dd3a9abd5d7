// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// BroadcastPoll records an authority's attestation that a finalized
// transaction confirmed. Once a majority attested, the spent outputs are
// marked used, the bound messages are executed and the request is purged.
// It returns whether the attestation executed the request.
func (q *Queue) BroadcastPoll(a *BroadcastAttestation, sig []byte) (bool,
	error) {

	if err := q.authenticate(a.Authority, a, sig); err != nil {
		return false, err
	}

	var (
		req      *Request
		executed bool
	)
	err := q.update(func(tx walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		var err error
		req, err = fetchRequestIn(ns, a.Round, StateFinalized, a.Txid)
		if err != nil {
			return err
		}
		if req == nil {
			str := fmt.Sprintf("no finalized request %v in round %d",
				a.Txid, a.Round)
			return newError(ErrUnknownRequest, str, nil)
		}
		if req.hasAttestation(a.Authority) {
			str := fmt.Sprintf("%v already attested %v", a.Authority,
				a.Txid)
			return newError(ErrAlreadySubmitted, str, nil)
		}
		req.Attestations = append(req.Attestations, a.Authority)
		sortIDs(req.Attestations)

		if uint32(len(req.Attestations)) < q.set.Majority() {
			return putRequest(ns, req)
		}

		executed = true
		if err := q.utxos.MarkUsedTx(tx, req.Round, req.Txid); err != nil {
			return err
		}
		bound := ns.NestedReadWriteBucket(boundBucketName)
		done := ns.NestedReadWriteBucket(executedBucketName)
		for _, seq := range req.Sequences() {
			key := roundstore.Uint64Key(seq)
			if err := bound.Delete(key); err != nil {
				return err
			}
			if err := done.Put(key, req.Txid[:]); err != nil {
				return err
			}
		}
		if err := deleteRollback(ns, req); err != nil {
			return err
		}
		return deleteRequest(ns, req)
	})
	if err != nil {
		return false, err
	}

	if !executed {
		log.Debugf("Authority %v attested %v (%d of %d)", a.Authority,
			a.Txid, len(req.Attestations), q.set.Majority())
		return false, nil
	}
	prometheusRequestsExecuted.Inc()
	log.Infof("Request %d (%v) confirmed: %d messages executed",
		req.RequestID, req.Txid, len(req.Messages))
	return true, nil
}

// deleteRollback drops an open rollback of req. Approved rollbacks are kept
// as a record.
func deleteRollback(ns walletdb.ReadWriteBucket, req *Request) error {
	rb, err := fetchRollback(ns, req.Round, req.Txid)
	if err != nil || rb == nil || rb.Approved {
		return err
	}
	b, err := roundstore.Bucket(ns, req.Round, rollbacksBucketName)
	if err != nil {
		return err
	}
	return b.Delete(req.Txid[:])
}

// abandon drops req, returning its inputs to the ledger and its messages and
// redirections to their pools.
func (q *Queue) abandon(tx walletdb.ReadWriteTx, ns walletdb.ReadWriteBucket,
	req *Request) error {

	if err := q.utxos.UnlockUtxosTx(tx, req.Round, req.Txid); err != nil {
		return err
	}
	if err := requeue(ns, req); err != nil {
		return err
	}
	return deleteRequest(ns, req)
}

// RequestRollback opens a vote to abandon a pending or finalized request.
// A positive amount asks for output vout of the request's transaction to be
// redirected to destination once the rollback is approved, and must not
// exceed that output.
func (q *Queue) RequestRollback(r *RollbackOpen, sig []byte) error {
	if err := q.authenticate(r.Who, r, sig); err != nil {
		return err
	}
	if r.Amount < 0 {
		str := fmt.Sprintf("negative redirection amount %v", r.Amount)
		return newError(ErrInvalidRollback, str, nil)
	}
	if r.Amount > 0 {
		p := Payment{Address: r.Destination, Amount: r.Amount}
		if _, err := q.paymentOutput(p); err != nil {
			str := fmt.Sprintf("invalid redirection to %q",
				r.Destination)
			return newError(ErrInvalidRollback, str, err)
		}
	}

	err := q.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		rb, err := fetchRollback(ns, r.Round, r.Txid)
		if err != nil {
			return err
		}
		if rb != nil {
			str := fmt.Sprintf("rollback of %v already open", r.Txid)
			return newError(ErrRollbackExists, str, nil)
		}
		req, err := fetchRequest(ns, r.Round, r.Txid)
		if err != nil {
			return err
		}
		if req == nil {
			str := fmt.Sprintf("no request %v in round %d", r.Txid,
				r.Round)
			return newError(ErrUnknownRequest, str, nil)
		}

		packet, err := req.Packet()
		if err != nil {
			return err
		}
		outs := packet.UnsignedTx.TxOut
		if int(r.Vout) >= len(outs) {
			str := fmt.Sprintf("%v has no output %d", r.Txid, r.Vout)
			return newError(ErrInvalidRollback, str, nil)
		}
		if value := btcutil.Amount(outs[r.Vout].Value); r.Amount > value {
			str := fmt.Sprintf("redirection of %v exceeds output "+
				"%v:%d of %v", r.Amount, r.Txid, r.Vout, value)
			return newError(ErrInvalidRollback, str, nil)
		}

		return putRollback(ns, &RollbackRequest{
			Txid:        r.Txid,
			Round:       r.Round,
			Who:         r.Who,
			Vout:        r.Vout,
			Destination: r.Destination,
			Amount:      r.Amount,
			Psbt:        req.Psbt,
			Votes:       make(map[authority.ID]bool),
		})
	})
	if err != nil {
		return err
	}

	log.Infof("Rollback of %v opened by %v", r.Txid, r.Who)
	return nil
}

// VoteRollback records an authority's vote on an open rollback. Once a
// majority approved, the request is abandoned and the redirection, if any,
// is queued for a future compose. It returns whether the vote approved the
// rollback.
func (q *Queue) VoteRollback(v *RollbackVote, sig []byte) (bool, error) {
	if err := q.authenticate(v.Authority, v, sig); err != nil {
		return false, err
	}

	var rb *RollbackRequest
	err := q.update(func(tx walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		var err error
		rb, err = fetchRollback(ns, v.Round, v.Txid)
		if err != nil {
			return err
		}
		switch {
		case rb == nil:
			str := fmt.Sprintf("no rollback of %v in round %d",
				v.Txid, v.Round)
			return newError(ErrRollbackNotFound, str, nil)

		case rb.Approved:
			str := fmt.Sprintf("rollback of %v is approved", v.Txid)
			return newError(ErrRollbackClosed, str, nil)
		}
		if _, ok := rb.Votes[v.Authority]; ok {
			str := fmt.Sprintf("%v already voted on %v", v.Authority,
				v.Txid)
			return newError(ErrAlreadyVoted, str, nil)
		}
		rb.Votes[v.Authority] = v.Approve

		if rb.Approvals() < q.set.Majority() {
			return putRollback(ns, rb)
		}

		req, err := fetchRequest(ns, rb.Round, rb.Txid)
		if err != nil {
			return err
		}
		if req == nil {
			str := fmt.Sprintf("request %v is gone", rb.Txid)
			return newError(ErrUnknownRequest, str, nil)
		}
		if err := q.abandon(tx, ns, req); err != nil {
			return err
		}
		if rb.Amount > 0 {
			err := putRedirects(ns, []Redirect{{
				Txid: rb.Txid,
				Vout: rb.Vout,
				Payment: Payment{
					Address: rb.Destination,
					Amount:  rb.Amount,
				},
			}})
			if err != nil {
				return err
			}
		}
		rb.Approved = true
		return putRollback(ns, rb)
	})
	if err != nil {
		return false, err
	}

	if !rb.Approved {
		log.Debugf("Authority %v voted %v on rollback of %v",
			v.Authority, v.Approve, v.Txid)
		return false, nil
	}
	prometheusRollbacksApproved.Inc()
	log.Infof("Rollback of %v approved with %d votes", rb.Txid,
		rb.Approvals())
	return true, nil
}

// ForceUnlock drops a pending request of the current round, returning its
// inputs to the ledger and its messages to the outbound pool. It is an
// operator action for requests that will never collect their signatures.
func (q *Queue) ForceUnlock(txid chainhash.Hash) error {
	round := q.set.CurrentRound()

	var req *Request
	err := q.update(func(tx walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		var err error
		req, err = fetchRequestIn(ns, round, StatePending, txid)
		if err != nil {
			return err
		}
		if req == nil {
			str := fmt.Sprintf("no pending request %v in round %d",
				txid, round)
			return newError(ErrUnknownRequest, str, nil)
		}
		if err := deleteRollback(ns, req); err != nil {
			return err
		}
		return q.abandon(tx, ns, req)
	})
	if err != nil {
		return err
	}

	prometheusOperatorActions.WithLabelValues("force_unlock").Inc()
	log.Warnf("Request %d (%v) force unlocked by operator: %d inputs "+
		"released, %d messages requeued", req.RequestID, txid,
		len(req.Inputs), len(req.Messages))
	return nil
}
