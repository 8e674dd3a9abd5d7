// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/blaze"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestSignatureQuorum(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	hashes := h.fund(t, 100000)
	req, err := h.queue.Compose(1, []Payment{{
		Address: payAddress(t, 1),
		Amount:  60000,
	}})
	require.NoError(t, err)

	// One of two required signers leaves the request pending.
	done, err := h.submitSigned(t, 0, req)
	require.NoError(t, err)
	require.False(t, done)

	_, err = h.submitSigned(t, 0, req)
	require.True(t, IsError(err, ErrAlreadySubmitted), err)

	pending, err := h.queue.PendingRequests(1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, []authority.ID{h.ids[0]}, pending[0].Signers())

	done, err = h.submitSigned(t, 1, req)
	require.NoError(t, err)
	require.True(t, done)

	pending, err = h.queue.PendingRequests(1)
	require.NoError(t, err)
	require.Empty(t, pending)

	finalized, err := h.queue.FinalizedRequests(1)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	got := finalized[0]
	require.Equal(t, StateFinalized, got.State)

	tx, err := got.SignedTx()
	require.NoError(t, err)
	require.Equal(t, req.Txid, tx.TxHash())
	require.Len(t, tx.TxIn[0].Witness, 4)

	// Inputs stay locked until the broadcast is attested.
	require.Equal(t, blaze.Locked, h.status(t, hashes[0]))

	_, err = h.submitSigned(t, 2, req)
	require.True(t, IsError(err, ErrUnknownRequest), err)
}

func TestSubmitSignedPsbtRejects(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	h.fund(t, 100000)
	req, err := h.queue.Compose(1, []Payment{{
		Address: payAddress(t, 1),
		Amount:  60000,
	}})
	require.NoError(t, err)
	signed := h.signedPsbt(t, req, 0)

	s := &SignedPsbtSubmission{
		Authority: h.ids[0],
		Round:     req.Round,
		Txid:      req.Txid,
		Psbt:      signed,
	}

	// Signed by a different key than the claimed authority.
	_, err = h.queue.SubmitSignedPsbt(s, h.sign(t, 1, s))
	require.True(t, IsError(err, ErrInvalidSignature), err)

	outsider := privKey(0x01, 9)
	s.Authority = authority.IDFromPubKey(outsider.PubKey())
	sig, err := authority.Sign(outsider, s)
	require.NoError(t, err)
	_, err = h.queue.SubmitSignedPsbt(s, sig)
	require.True(t, IsError(err, ErrNotAuthority), err)

	_, err = h.submitPsbt(t, 0, req, []byte("not a psbt"))
	require.True(t, IsError(err, ErrPsbtMismatch), err)

	other := *req
	other.Txid = chainhash.DoubleHashH([]byte("other"))
	_, err = h.submitPsbt(t, 0, &other, signed)
	require.True(t, IsError(err, ErrPsbtMismatch), err)

	other = *req
	other.Round++
	_, err = h.submitPsbt(t, 0, &other, signed)
	require.True(t, IsError(err, ErrUnknownRequest), err)

	// The unsigned packet carries no signature at all.
	_, err = h.submitPsbt(t, 0, req, req.Psbt)
	require.True(t, IsError(err, ErrInvalidPartialSig), err)

	// Authority 1 cannot submit authority 0's signatures.
	_, err = h.submitPsbt(t, 1, req, signed)
	require.True(t, IsError(err, ErrInvalidPartialSig), err)

	// A signature over another transaction does not verify.
	tampered, err := req.Packet()
	require.NoError(t, err)
	tampered.UnsignedTx.LockTime = 1
	h.signPacket(t, tampered, 0)
	forged, err := req.Packet()
	require.NoError(t, err)
	forged.Inputs[0].PartialSigs = tampered.Inputs[0].PartialSigs
	var buf bytes.Buffer
	require.NoError(t, forged.Serialize(&buf))
	_, err = h.submitPsbt(t, 0, req, buf.Bytes())
	require.True(t, IsError(err, ErrInvalidPartialSig), err)
	require.Equal(t, authority.KindAuthorization,
		ErrInvalidPartialSig.Kind())

	// None of the rejections were recorded.
	got, err := h.queue.Request(1, req.Txid)
	require.NoError(t, err)
	require.Empty(t, got.Signatures)

	done, err := h.submitPsbt(t, 0, req, signed)
	require.NoError(t, err)
	require.False(t, done)
}

// signedTx signs req's packet with the given authorities and extracts the
// final transaction.
func (h *queueHarness) signedTx(t *testing.T, req *Request,
	auths ...int) *wire.MsgTx {

	t.Helper()

	p, err := req.Packet()
	require.NoError(t, err)
	h.signPacket(t, p, auths...)
	require.NoError(t, psbt.MaybeFinalizeAll(p))
	tx, err := psbt.Extract(p)
	require.NoError(t, err)
	return tx
}

func TestForcePush(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	h.fund(t, 100000)
	req, err := h.queue.Compose(1, []Payment{{
		Address: payAddress(t, 1),
		Amount:  60000,
	}})
	require.NoError(t, err)

	tx := h.signedTx(t, req, 1, 2)

	err = h.queue.ForcePush(chainhash.DoubleHashH([]byte("x")), tx)
	require.True(t, IsError(err, ErrPsbtMismatch), err)

	p, err := req.Packet()
	require.NoError(t, err)
	err = h.queue.ForcePush(req.Txid, p.UnsignedTx)
	require.True(t, IsError(err, ErrPsbtMismatch), err)

	require.NoError(t, h.queue.ForcePush(req.Txid, tx))

	finalized, err := h.queue.FinalizedRequests(1)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	signed, err := finalized[0].SignedTx()
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), signed.TxHash())
	require.Equal(t, tx.WitnessHash(), signed.WitnessHash())

	err = h.queue.ForcePush(req.Txid, tx)
	require.True(t, IsError(err, ErrUnknownRequest), err)
}
