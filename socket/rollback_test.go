// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"testing"
	"time"

	"github.com/btcsuite/btccustody/blaze"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func (h *queueHarness) queueMessages(t *testing.T, seqs ...uint64) {
	t.Helper()

	for _, seq := range seqs {
		err := h.queue.QueueOutbound(OutboundMessage{
			Sequence:    seq,
			Destination: payAddress(t, byte(seq)),
			Amount:      10000,
			Payload:     []byte{byte(seq)},
		})
		require.NoError(t, err)
	}
}

func (h *queueHarness) openRollback(t *testing.T, i int, req *Request,
	vout uint32, dest string, amount btcutil.Amount) error {

	t.Helper()

	r := &RollbackOpen{
		Who:         h.ids[i],
		Round:       req.Round,
		Txid:        req.Txid,
		Vout:        vout,
		Destination: dest,
		Amount:      amount,
	}
	return h.queue.RequestRollback(r, h.sign(t, i, r))
}

func (h *queueHarness) vote(t *testing.T, i int, txid chainhash.Hash,
	approve bool) (bool, error) {

	t.Helper()

	v := &RollbackVote{
		Authority: h.ids[i],
		Round:     h.set.CurrentRound(),
		Txid:      txid,
		Approve:   approve,
	}
	return h.queue.VoteRollback(v, h.sign(t, i, v))
}

func TestBroadcastPoll(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	hashes := h.fund(t, 100000)
	h.queueMessages(t, 1, 2)

	req, err := h.queue.ComposeFromPool(1, 0)
	require.NoError(t, err)

	_, err = h.attest(t, 0, req)
	require.True(t, IsError(err, ErrUnknownRequest), err)

	h.finalize(t, req)

	done, err := h.attest(t, 0, req)
	require.NoError(t, err)
	require.False(t, done)
	_, err = h.attest(t, 0, req)
	require.True(t, IsError(err, ErrAlreadySubmitted), err)

	done, err = h.attest(t, 1, req)
	require.NoError(t, err)
	require.True(t, done)

	require.Equal(t, blaze.Used, h.status(t, hashes[0]))
	finalized, err := h.queue.FinalizedRequests(1)
	require.NoError(t, err)
	require.Empty(t, finalized)
	_, err = h.queue.Request(1, req.Txid)
	require.True(t, IsError(err, ErrUnknownRequest), err)

	// Executed sequences keep their txid and are never queued again.
	txid, err := h.queue.TxidBySequence(2)
	require.NoError(t, err)
	require.Equal(t, req.Txid, txid)
	err = h.queue.QueueOutbound(req.Messages[0])
	require.True(t, IsError(err, ErrDuplicateSequence), err)

	unexecuted, err := h.queue.FilterUnexecuted([]uint64{3, 1, 2, 4})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4}, unexecuted)

	_, err = h.queue.FilterUnexecuted([]uint64{3, 1, 3})
	require.True(t, IsError(err, ErrDuplicateQuery), err)
}

func TestRollbackApproval(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	hashes := h.fund(t, 100000)
	dest := payAddress(t, 1)
	req, err := h.queue.Compose(1, []Payment{{Address: dest, Amount: 60000}})
	require.NoError(t, err)
	h.finalize(t, req)

	// The finalized transaction never confirms. Its payment is redirected.
	vout := outputIndex(t, req, dest)
	redirect := payAddress(t, 9)
	require.NoError(t, h.openRollback(t, 2, req, vout, redirect, 60000))
	err = h.openRollback(t, 0, req, vout, redirect, 60000)
	require.True(t, IsError(err, ErrRollbackExists), err)

	_, err = h.vote(t, 0, chainhash.DoubleHashH([]byte("none")), true)
	require.True(t, IsError(err, ErrRollbackNotFound), err)

	approved, err := h.vote(t, 0, req.Txid, true)
	require.NoError(t, err)
	require.False(t, approved)
	_, err = h.vote(t, 0, req.Txid, false)
	require.True(t, IsError(err, ErrAlreadyVoted), err)

	approved, err = h.vote(t, 1, req.Txid, false)
	require.NoError(t, err)
	require.False(t, approved)
	require.Equal(t, blaze.Locked, h.status(t, hashes[0]))

	approved, err = h.vote(t, 2, req.Txid, true)
	require.NoError(t, err)
	require.True(t, approved)

	// Approval is final.
	_, err = h.vote(t, 1, req.Txid, true)
	require.True(t, IsError(err, ErrRollbackClosed), err)
	rb, err := h.queue.Rollback(1, req.Txid)
	require.NoError(t, err)
	require.True(t, rb.Approved)
	require.Equal(t, uint32(2), rb.Approvals())

	require.Equal(t, blaze.Available, h.status(t, hashes[0]))
	finalized, err := h.queue.FinalizedRequests(1)
	require.NoError(t, err)
	require.Empty(t, finalized)

	redirects, err := h.queue.Redirects()
	require.NoError(t, err)
	require.Len(t, redirects, 1)
	require.Equal(t, Redirect{
		Txid:    req.Txid,
		Vout:    vout,
		Payment: Payment{Address: redirect, Amount: 60000},
	}, redirects[0])

	// The redirection is paid by the next pool compose.
	next, err := h.queue.ComposeFromPool(2, 0)
	require.NoError(t, err)
	require.Len(t, next.Redirects, 1)
	outputIndex(t, next, redirect)
	redirects, err = h.queue.Redirects()
	require.NoError(t, err)
	require.Empty(t, redirects)

	rbs, err := h.queue.RollbackRequests(1)
	require.NoError(t, err)
	require.Len(t, rbs, 1)
	err = h.openRollback(t, 0, req, vout, "", 0)
	require.True(t, IsError(err, ErrRollbackExists), err)
}

func TestRollbackRejects(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	h.fund(t, 100000)
	h.queueMessages(t, 5)
	req, err := h.queue.ComposeFromPool(1, 0)
	require.NoError(t, err)
	vout := outputIndex(t, req, payAddress(t, 5))

	unknown := *req
	unknown.Txid = chainhash.DoubleHashH([]byte("unknown"))
	err = h.openRollback(t, 0, &unknown, 0, "", 0)
	require.True(t, IsError(err, ErrUnknownRequest), err)

	err = h.openRollback(t, 0, req, 7, "", 0)
	require.True(t, IsError(err, ErrInvalidRollback), err)
	err = h.openRollback(t, 0, req, vout, payAddress(t, 9), 10001)
	require.True(t, IsError(err, ErrInvalidRollback), err)
	err = h.openRollback(t, 0, req, vout, "bogus", 5000)
	require.True(t, IsError(err, ErrInvalidRollback), err)
	err = h.openRollback(t, 0, req, vout, "", -1)
	require.True(t, IsError(err, ErrInvalidRollback), err)

	// A pending request can be rolled back without redirection.
	require.NoError(t, h.openRollback(t, 0, req, vout, "", 0))
	for i := 0; i < 2; i++ {
		_, err := h.vote(t, i, req.Txid, true)
		require.NoError(t, err)
	}

	pending, err := h.queue.PendingRequests(1)
	require.NoError(t, err)
	require.Empty(t, pending)
	redirects, err := h.queue.Redirects()
	require.NoError(t, err)
	require.Empty(t, redirects)

	// The message goes back to the pool.
	pool, err := h.queue.OutboundPool()
	require.NoError(t, err)
	require.Len(t, pool, 1)
	require.Equal(t, uint64(5), pool[0].Sequence)
	_, err = h.queue.TxidBySequence(5)
	require.True(t, IsError(err, ErrSequenceNotFound), err)
}

func TestForceUnlock(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	hashes := h.fund(t, 100000)
	h.queueMessages(t, 1, 2)
	req, err := h.queue.ComposeFromPool(1, 0)
	require.NoError(t, err)
	require.NoError(t, h.openRollback(t, 0, req, 0, "", 0))

	err = h.queue.ForceUnlock(chainhash.DoubleHashH([]byte("none")))
	require.True(t, IsError(err, ErrUnknownRequest), err)

	require.NoError(t, h.queue.ForceUnlock(req.Txid))
	require.Equal(t, blaze.Available, h.status(t, hashes[0]))

	pool, err := h.queue.OutboundPool()
	require.NoError(t, err)
	require.Len(t, pool, 2)
	rbs, err := h.queue.RollbackRequests(1)
	require.NoError(t, err)
	require.Empty(t, rbs)

	// The same messages compose into the same transaction again, which
	// only leaves the queue once finalized.
	again, err := h.queue.ComposeFromPool(2, 0)
	require.NoError(t, err)
	require.Equal(t, req.Txid, again.Txid)
	h.finalize(t, again)
	err = h.queue.ForceUnlock(again.Txid)
	require.True(t, IsError(err, ErrUnknownRequest), err)
}

func TestStaleRequestsAndPrune(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	h.fund(t, 100000)
	req, err := h.queue.Compose(1, []Payment{{
		Address: payAddress(t, 1),
		Amount:  60000,
	}})
	require.NoError(t, err)

	stale, err := h.queue.StaleRequests(h.now.Add(30 * time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)
	stale, err = h.queue.StaleRequests(h.now.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, req.Txid, stale[0].Txid)

	// Stale requests are reported, never expired.
	_, err = h.queue.Request(1, req.Txid)
	require.NoError(t, err)

	err = h.queue.PruneRound(1)
	require.True(t, IsError(err, ErrRoundActive), err)

	h.finalize(t, req)
	h.set.SetRound(2)
	err = h.queue.PruneRound(1)
	require.True(t, IsError(err, ErrRoundActive), err)

	for i := 0; i < 2; i++ {
		_, err := h.attest(t, i, req)
		require.NoError(t, err)
	}
	require.NoError(t, h.queue.PruneRound(1))
	_, err = h.queue.Request(1, req.Txid)
	require.True(t, IsError(err, ErrUnknownRequest), err)
}

func TestStaleRequestsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PendingRequestTTL = 0
	h := newQueueHarness(t, cfg)
	h.fund(t, 100000)
	_, err := h.queue.Compose(1, []Payment{{
		Address: payAddress(t, 1),
		Amount:  60000,
	}})
	require.NoError(t, err)

	stale, err := h.queue.StaleRequests(h.now.Add(24 * time.Hour))
	require.NoError(t, err)
	require.Empty(t, stale)
}
