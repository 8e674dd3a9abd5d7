// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/vault"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/davecgh/go-spew/spew"
)

// inputVaults returns the vault owning each input of req.
func (q *Queue) inputVaults(tx walletdb.ReadTx,
	req *Request) ([]*vault.MultiSigVault, error) {

	vaults := newVaultCache(tx, req.Round, q.vaults)
	out := make([]*vault.MultiSigVault, len(req.Inputs))
	for i, h := range req.Inputs {
		u, err := q.utxos.UtxoTx(tx, req.Round, h)
		if err != nil {
			return nil, err
		}
		out[i], err = vaults.lookup(u.Address)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// prevOutputs returns a fetcher over the witness UTXOs of an unsigned
// packet.
func prevOutputs(p *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range p.UnsignedTx.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, p.Inputs[i].WitnessUtxo)
	}
	return fetcher
}

// checkPartialSig verifies a SIGHASH_ALL signature of input i of the
// unsigned packet by key.
func checkPartialSig(p *psbt.Packet, sigHashes *txscript.TxSigHashes, i int,
	key vault.PublicKey, sig []byte) error {

	if len(sig) < 2 {
		return fmt.Errorf("signature too short")
	}
	hashType := txscript.SigHashType(sig[len(sig)-1])
	if hashType != txscript.SigHashAll {
		return fmt.Errorf("sighash type %v is not SIGHASH_ALL", hashType)
	}

	in := &p.Inputs[i]
	hash, err := txscript.CalcWitnessSigHash(
		in.WitnessScript, sigHashes, txscript.SigHashAll, p.UnsignedTx,
		i, in.WitnessUtxo.Value,
	)
	if err != nil {
		return err
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return err
	}
	if !parsed.Verify(hash, pub) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// partialSigs extracts and verifies id's signatures from a signed packet.
// Every input of a vault id holds a key for must be signed, and id must
// hold a key for at least one input. Inputs id holds no key for are nil in
// the result.
func partialSigs(unsigned, signed *psbt.Packet,
	vaults []*vault.MultiSigVault, id authority.ID) ([][]byte, error) {

	sigHashes := txscript.NewTxSigHashes(
		unsigned.UnsignedTx, prevOutputs(unsigned),
	)

	sigs := make([][]byte, len(unsigned.Inputs))
	var signed0 bool
	for i := range unsigned.Inputs {
		key, ok := vaults[i].PubKeys[id]
		if !ok {
			continue
		}

		var sig []byte
		for _, ps := range signed.Inputs[i].PartialSigs {
			if bytes.Equal(ps.PubKey, key[:]) {
				sig = ps.Signature
				break
			}
		}
		if sig == nil {
			str := fmt.Sprintf("input %d carries no signature by %v",
				i, key)
			return nil, newError(ErrInvalidPartialSig, str, nil)
		}
		if err := checkPartialSig(unsigned, sigHashes, i, key, sig); err != nil {
			str := fmt.Sprintf("invalid signature for input %d", i)
			return nil, newError(ErrInvalidPartialSig, str, err)
		}
		sigs[i] = sig
		signed0 = true
	}
	if !signed0 {
		str := fmt.Sprintf("%v holds no key for any input", id)
		return nil, newError(ErrInvalidPartialSig, str, nil)
	}
	return sigs, nil
}

// verifyScripts executes the input scripts of a signed transaction.
func verifyScripts(tx *wire.MsgTx, unsigned *psbt.Packet) error {
	fetcher := prevOutputs(unsigned)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range unsigned.Inputs {
		vm, err := txscript.NewEngine(
			in.WitnessUtxo.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes,
			in.WitnessUtxo.Value, fetcher,
		)
		if err != nil {
			return err
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}

// finalize merges the collected signatures into the unsigned packet once
// every input holds its vault's threshold. For each input the signatures of
// the first M signers in ascending id order are used. It returns nil while
// some input is short of signatures.
func finalize(req *Request, unsigned *psbt.Packet,
	vaults []*vault.MultiSigVault) (*wire.MsgTx, error) {

	signers := req.Signers()
	updater, err := psbt.NewUpdater(unsigned)
	if err != nil {
		return nil, newError(ErrPsbtComposition, "finalize", err)
	}
	for i := range unsigned.Inputs {
		v := vaults[i]
		var n uint32
		for _, id := range signers {
			if n == v.M {
				break
			}
			sig := req.Signatures[id][i]
			key, ok := v.PubKeys[id]
			if sig == nil || !ok {
				continue
			}
			_, err := updater.Sign(i, sig, key[:], nil, nil)
			if err != nil {
				str := fmt.Sprintf("add signature to input %d", i)
				return nil, newError(ErrPsbtComposition, str, err)
			}
			n++
		}
		if n < v.M {
			return nil, nil
		}
	}

	if err := psbt.MaybeFinalizeAll(unsigned); err != nil {
		return nil, newError(ErrPsbtComposition, "finalize", err)
	}
	tx, err := psbt.Extract(unsigned)
	if err != nil {
		return nil, newError(ErrPsbtComposition, "extract", err)
	}
	if err := verifyScripts(tx, unsigned); err != nil {
		return nil, newError(ErrPsbtComposition, "verify", err)
	}
	return tx, nil
}

// markFinalized moves a pending request to the finalized set.
func markFinalized(ns walletdb.ReadWriteBucket, req *Request,
	tx *wire.MsgTx) error {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	if err := deleteRequest(ns, req); err != nil {
		return err
	}
	req.State = StateFinalized
	req.Tx = buf.Bytes()
	return putRequest(ns, req)
}

// SubmitSignedPsbt records an authority's partial signatures for a pending
// request. The submitted PSBT must spend the request's unsigned transaction
// and carry a valid signature by the authority's key for every input of a
// vault it holds a key in. Once every input holds its vault's threshold the
// request is finalized. It returns whether the submission finalized the
// request.
func (q *Queue) SubmitSignedPsbt(s *SignedPsbtSubmission, sig []byte) (bool,
	error) {

	if err := q.authenticate(s.Authority, s, sig); err != nil {
		return false, err
	}
	signed, err := psbt.NewFromRawBytes(bytes.NewReader(s.Psbt), false)
	if err != nil {
		return false, newError(ErrPsbtMismatch, "malformed psbt", err)
	}
	if h := signed.UnsignedTx.TxHash(); h != s.Txid {
		str := fmt.Sprintf("psbt spends %v, not %v", h, s.Txid)
		return false, newError(ErrPsbtMismatch, str, nil)
	}

	var (
		final *wire.MsgTx
		req   *Request
	)
	err = q.update(func(tx walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		var err error
		req, err = fetchRequestIn(ns, s.Round, StatePending, s.Txid)
		if err != nil {
			return err
		}
		if req == nil {
			str := fmt.Sprintf("no pending request %v in round %d",
				s.Txid, s.Round)
			return newError(ErrUnknownRequest, str, nil)
		}
		if _, ok := req.Signatures[s.Authority]; ok {
			str := fmt.Sprintf("%v already signed %v", s.Authority,
				s.Txid)
			return newError(ErrAlreadySubmitted, str, nil)
		}

		unsigned, err := req.Packet()
		if err != nil {
			return err
		}
		vaults, err := q.inputVaults(tx, req)
		if err != nil {
			return err
		}
		sigs, err := partialSigs(unsigned, signed, vaults, s.Authority)
		if err != nil {
			return err
		}
		req.Signatures[s.Authority] = sigs

		final, err = finalize(req, unsigned, vaults)
		if err != nil {
			return err
		}
		if final == nil {
			return putRequest(ns, req)
		}
		return markFinalized(ns, req, final)
	})
	if err != nil {
		return false, err
	}

	log.Debugf("Authority %v signed %v (%d signers)", s.Authority, s.Txid,
		len(req.Signatures))
	if final == nil {
		return false, nil
	}

	prometheusRequestsFinalized.Inc()
	log.Infof("Request %d finalized as %v with signatures of %v",
		req.RequestID, final.TxHash(), req.Signers())
	log.Tracef("Finalized transaction: %v", newLogClosure(func() string {
		return spew.Sdump(final)
	}))
	return true, nil
}

// ForcePush finalizes a pending request of the current round with a
// transaction signed outside the queue. The transaction must be the
// request's transaction and its scripts must validate.
func (q *Queue) ForcePush(txid chainhash.Hash, signedTx *wire.MsgTx) error {
	if h := signedTx.TxHash(); h != txid {
		str := fmt.Sprintf("transaction %v is not %v", h, txid)
		return newError(ErrPsbtMismatch, str, nil)
	}

	round := q.set.CurrentRound()
	var req *Request
	err := q.update(func(_ walletdb.ReadWriteTx,
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
		unsigned, err := req.Packet()
		if err != nil {
			return err
		}
		if err := verifyScripts(signedTx, unsigned); err != nil {
			str := fmt.Sprintf("transaction %v does not validate",
				txid)
			return newError(ErrPsbtMismatch, str, err)
		}
		return markFinalized(ns, req, signedTx)
	})
	if err != nil {
		return err
	}

	prometheusOperatorActions.WithLabelValues("force_push").Inc()
	prometheusRequestsFinalized.Inc()
	log.Warnf("Request %d (%v) force pushed by operator with %d "+
		"collected signers", req.RequestID, txid, len(req.Signatures))
	return nil
}
