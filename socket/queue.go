// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package socket owns the life of outbound custody payments. It composes
// unsigned PSBTs over inputs selected from the UTXO ledger, collects the
// authorities' partial signatures until every input reaches its vault's
// threshold, tracks broadcast attestations of the finalized transaction,
// and runs the rollback vote that abandons a request and releases its
// inputs.
package socket

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/blaze"
	"github.com/btcsuite/btccustody/registration"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btccustody/vault"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/davecgh/go-spew/spew"
)

// UtxoSource is the part of the UTXO ledger the queue drives. Every method
// runs inside the queue's transaction.
type UtxoSource interface {
	SelectForPaymentTx(tx walletdb.ReadWriteTx, round authority.Round,
		p blaze.PaymentParams) (*blaze.PaymentSelection, error)
	LockUtxosTx(tx walletdb.ReadWriteTx, round authority.Round,
		txid chainhash.Hash, hashes []chainhash.Hash) error
	UnlockUtxosTx(tx walletdb.ReadWriteTx, round authority.Round,
		txid chainhash.Hash) error
	MarkUsedTx(tx walletdb.ReadWriteTx, round authority.Round,
		txid chainhash.Hash) error
	FeeRateTx(tx walletdb.ReadTx, round authority.Round) (blaze.FeeRate,
		error)
	UtxoTx(tx walletdb.ReadTx, round authority.Round,
		hash chainhash.Hash) (*blaze.Utxo, error)
}

// VaultDirectory resolves the vaults that own inputs and receive change.
type VaultDirectory interface {
	SystemVaultTx(tx walletdb.ReadTx,
		round authority.Round) (*vault.MultiSigVault, error)
	VaultByAddressTx(tx walletdb.ReadTx, round authority.Round,
		address string) (*vault.MultiSigVault, error)
}

// Config holds the queue parameters.
type Config struct {
	ChainParams *chaincfg.Params

	// PendingRequestTTL is the age after which StaleRequests reports a
	// pending request. Zero disables the report. Requests never expire
	// on their own.
	PendingRequestTTL time.Duration

	// MaxBatchSize bounds the messages ComposeFromPool binds into one
	// request.
	MaxBatchSize int

	// TxVersion is the version of composed transactions.
	TxVersion int32

	// RelayFeePerKb is the relay fee used for dust checks.
	RelayFeePerKb btcutil.Amount

	// Now returns the current time. It defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default queue parameters for params.
func DefaultConfig(params *chaincfg.Params) Config {
	return Config{
		ChainParams:       params,
		PendingRequestTTL: 6 * time.Hour,
		MaxBatchSize:      50,
		TxVersion:         2,
		RelayFeePerKb:     txrules.DefaultRelayFeePerKb,
		Now:               time.Now,
	}
}

// Queue is the socket queue.
type Queue struct {
	db     walletdb.DB
	set    authority.Set
	state  authority.ServiceState
	utxos  UtxoSource
	vaults VaultDirectory
	cfg    Config
}

// New opens the queue stored in db, creating its buckets if needed.
func New(db walletdb.DB, set authority.Set, state authority.ServiceState,
	utxos UtxoSource, vaults VaultDirectory, cfg Config) (*Queue, error) {

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := roundstore.CreateNamespace(db, namespaceKey); err != nil {
		return nil, dbError(err)
	}
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := roundstore.Namespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		for _, name := range globalBuckets {
			if _, err := ns.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, dbError(err)
	}
	initPrometheusMetrics()

	return &Queue{
		db:     db,
		set:    set,
		state:  state,
		utxos:  utxos,
		vaults: vaults,
		cfg:    cfg,
	}, nil
}

// update runs f in a read-write transaction.
func (q *Queue) update(f func(tx walletdb.ReadWriteTx,
	ns walletdb.ReadWriteBucket) error) error {

	err := walletdb.Update(q.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := roundstore.Namespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		return f(tx, ns)
	})
	return dbError(err)
}

// view runs f in a read-only transaction.
func (q *Queue) view(f func(tx walletdb.ReadTx,
	ns walletdb.ReadBucket) error) error {

	err := walletdb.View(q.db, func(tx walletdb.ReadTx) error {
		ns, err := roundstore.ReadNamespace(tx, namespaceKey)
		if err != nil {
			return err
		}
		return f(tx, ns)
	})
	return dbError(err)
}

func (q *Queue) authenticate(id authority.ID, payload authority.Payload,
	sig []byte) error {

	if err := authority.Verify(id, payload, sig); err != nil {
		return newError(ErrInvalidSignature, "invalid signature", err)
	}
	if !q.set.IsAuthority(id) {
		str := fmt.Sprintf("%v is not an authority", id)
		return newError(ErrNotAuthority, str, nil)
	}
	return nil
}

func (q *Queue) requireNormal() error {
	if s := q.state.ServiceState(); s != authority.Normal {
		str := fmt.Sprintf("composition is paused during %v", s)
		return newError(ErrServiceUnavailable, str, nil)
	}
	return nil
}

// paymentOutput returns the output paying p.
func (q *Queue) paymentOutput(p Payment) (*wire.TxOut, error) {
	addr, err := btcutil.DecodeAddress(p.Address, q.cfg.ChainParams)
	if err != nil {
		str := fmt.Sprintf("invalid address %q", p.Address)
		return nil, newError(ErrInvalidOutput, str, err)
	}
	if !addr.IsForNet(q.cfg.ChainParams) {
		str := fmt.Sprintf("address %v is not for %v", p.Address,
			q.cfg.ChainParams.Name)
		return nil, newError(ErrInvalidOutput, str, nil)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		str := fmt.Sprintf("cannot pay to %v", p.Address)
		return nil, newError(ErrInvalidOutput, str, err)
	}
	out := wire.NewTxOut(int64(p.Amount), pkScript)
	if err := txrules.CheckOutput(out, q.cfg.RelayFeePerKb); err != nil {
		str := fmt.Sprintf("cannot pay %v to %v", p.Amount, p.Address)
		return nil, newError(ErrInvalidOutput, str, err)
	}
	return out, nil
}

// QueueOutbound adds a message to the outbound pool. A sequence is accepted
// once: a message already queued, bound to a request or executed is
// rejected.
func (q *Queue) QueueOutbound(m OutboundMessage) error {
	if _, err := q.paymentOutput(m.Payment()); err != nil {
		return err
	}

	err := q.update(func(_ walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		key := roundstore.Uint64Key(m.Sequence)
		outbound := ns.NestedReadWriteBucket(outboundBucketName)
		if outbound.Get(key) != nil {
			str := fmt.Sprintf("sequence %d is already queued",
				m.Sequence)
			return newError(ErrDuplicateSequence, str, nil)
		}
		txid, ok, err := sequenceTxid(ns, m.Sequence)
		if err != nil {
			return err
		}
		if ok {
			str := fmt.Sprintf("sequence %d is already bound to %v",
				m.Sequence, txid)
			return newError(ErrDuplicateSequence, str, nil)
		}

		v, err := serializeMessage(&m)
		if err != nil {
			return err
		}
		return outbound.Put(key, v)
	})
	if err != nil {
		return err
	}

	log.Debugf("Queued outbound message %d paying %v to %v", m.Sequence,
		m.Amount, m.Destination)
	return nil
}

// composeInput is what a compose pays.
type composeInput struct {
	requestID uint64
	payments  []Payment
	messages  []OutboundMessage
	redirects []Redirect
}

// Compose builds an unsigned PSBT paying outputs from Available ledger
// outputs, with change to the round's system vault, and stores it as a
// pending request. The spent outputs are locked under the unsigned txid.
func (q *Queue) Compose(requestID uint64, outputs []Payment) (*Request,
	error) {

	return q.compose(func(walletdb.ReadBucket) (*composeInput, error) {
		return &composeInput{requestID: requestID, payments: outputs},
			nil
	})
}

// ComposeFromPool composes a request paying up to maxMessages queued
// outbound messages, in sequence order, together with every approved
// rollback redirection. A maxMessages of zero uses the configured batch
// size.
func (q *Queue) ComposeFromPool(requestID uint64, maxMessages int) (*Request,
	error) {

	if maxMessages <= 0 {
		maxMessages = q.cfg.MaxBatchSize
	}
	return q.compose(func(ns walletdb.ReadBucket) (*composeInput, error) {
		msgs, err := fetchOutbound(ns, maxMessages)
		if err != nil {
			return nil, err
		}
		redirects, err := fetchRedirects(ns)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 && len(redirects) == 0 {
			return nil, newError(ErrEmptyPool,
				"no outbound messages or redirections", nil)
		}

		in := &composeInput{
			requestID: requestID,
			messages:  msgs,
			redirects: redirects,
		}
		for i := range msgs {
			in.payments = append(in.payments, msgs[i].Payment())
		}
		for _, r := range redirects {
			in.payments = append(in.payments, r.Payment)
		}
		return in, nil
	})
}

func (q *Queue) compose(gather func(ns walletdb.ReadBucket) (*composeInput,
	error)) (*Request, error) {

	if err := q.requireNormal(); err != nil {
		return nil, err
	}
	round := q.set.CurrentRound()

	var (
		req       *Request
		selectErr error
	)
	err := q.update(func(tx walletdb.ReadWriteTx,
		ns walletdb.ReadWriteBucket) error {

		in, err := gather(ns)
		if err != nil {
			return err
		}
		req, err = q.composeTx(tx, ns, round, in)

		// The ledger counts failed selections, so a selection failure
		// must not roll the transaction back.
		if IsError(err, ErrCoinSelection) {
			selectErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = selectErr
	}
	if err != nil {
		var e Error
		if errors.As(err, &e) {
			prometheusComposeFailures.WithLabelValues(
				e.ErrorCode.String(),
			).Inc()
		}
		log.Warnf("Compose failed in round %d: %v", round, err)
		return nil, err
	}

	prometheusRequestsComposed.Inc()
	log.Infof("Composed request %d as %v: %d inputs, %d messages, "+
		"%d redirections", req.RequestID, req.Txid, len(req.Inputs),
		len(req.Messages), len(req.Redirects))
	log.Tracef("Composed request: %v", newLogClosure(func() string {
		return spew.Sdump(req)
	}))
	return req, nil
}

// vaultCache memoizes vault lookups of a single transaction.
type vaultCache struct {
	tx     walletdb.ReadTx
	round  authority.Round
	dir    VaultDirectory
	vaults map[string]*vault.MultiSigVault
}

func (c *vaultCache) lookup(address string) (*vault.MultiSigVault, error) {
	if v, ok := c.vaults[address]; ok {
		return v, nil
	}
	v, err := c.dir.VaultByAddressTx(c.tx, c.round, address)
	if err != nil {
		return nil, err
	}
	c.vaults[address] = v
	return v, nil
}

func newVaultCache(tx walletdb.ReadTx, round authority.Round,
	dir VaultDirectory) *vaultCache {

	return &vaultCache{
		tx:     tx,
		round:  round,
		dir:    dir,
		vaults: make(map[string]*vault.MultiSigVault),
	}
}

// messageKey is the proprietary PSBT key carrying the payload of message
// seq: 0xfc, the length prefixed identifier, a zero subtype and the
// sequence.
func messageKey(seq uint64) []byte {
	key := []byte{0xfc, byte(len(psbtIdentifier))}
	key = append(key, psbtIdentifier...)
	key = append(key, 0x00)
	return append(key, roundstore.Uint64Key(seq)...)
}

const psbtIdentifier = "custody"

func (q *Queue) composeTx(tx walletdb.ReadWriteTx, ns walletdb.ReadWriteBucket,
	round authority.Round, in *composeInput) (*Request, error) {

	params := q.cfg.ChainParams

	ids, err := roundstore.Bucket(ns, round, requestIDBucketName)
	if err != nil {
		return nil, err
	}
	idKey := roundstore.Uint64Key(in.requestID)
	if ids.Get(idKey) != nil {
		str := fmt.Sprintf("request %d already exists in round %d",
			in.requestID, round)
		return nil, newError(ErrDuplicateRequest, str, nil)
	}

	if len(in.payments) == 0 {
		return nil, newError(ErrInvalidOutput, "no outputs to pay", nil)
	}
	outputs := make([]*wire.TxOut, 0, len(in.payments)+1)
	for _, p := range in.payments {
		out, err := q.paymentOutput(p)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	sys, err := q.vaults.SystemVaultTx(tx, round)
	switch {
	case registration.IsError(err, registration.ErrSystemVaultNotFound):
		str := fmt.Sprintf("round %d has no system vault", round)
		return nil, newError(ErrSystemVaultNotReady, str, err)
	case err != nil:
		return nil, err
	case sys.AddressState() != vault.Generated:
		str := fmt.Sprintf("system vault of round %d is not generated",
			round)
		return nil, newError(ErrSystemVaultNotReady, str, nil)
	}
	changeScript, err := sys.PkScript(params)
	if err != nil {
		return nil, newError(ErrPsbtComposition, "change script", err)
	}

	rate, err := q.utxos.FeeRateTx(tx, round)
	switch {
	case blaze.IsError(err, blaze.ErrFeeRateNotFinalized):
		str := fmt.Sprintf("no fee rate agreed for round %d", round)
		return nil, newError(ErrFeeRateNotFinalized, str, err)
	case err != nil:
		return nil, err
	}

	vaults := newVaultCache(tx, round, q.vaults)
	inputVSize := func(u *blaze.Utxo) (int, error) {
		v, err := vaults.lookup(u.Address)
		if err != nil {
			return 0, err
		}
		return vault.InputVirtualSize(int(v.M), int(v.N)), nil
	}

	// The target covers the payments and every part of the transaction
	// except its inputs, which selection prices itself.
	baseSize := vault.EstimateVirtualSize(nil, outputs, 0) + 1
	target := txauthor.SumOutputValues(outputs) +
		blaze.FeeForVSize(rate.Current, baseSize)

	changeOutFee := blaze.FeeForVSize(rate.Current, vault.P2WSHOutputSize)
	costOfChange := changeOutFee + blaze.FeeForVSize(
		rate.LongTerm, vault.InputVirtualSize(int(sys.M), int(sys.N)),
	)

	sel, err := q.utxos.SelectForPaymentTx(tx, round, blaze.PaymentParams{
		Target:       target,
		FeeRate:      rate,
		CostOfChange: costOfChange,
		InputVSize:   inputVSize,
	})
	switch {
	case blaze.IsError(err, blaze.ErrInsufficientFunds),
		blaze.IsError(err, blaze.ErrSelectionThrottled):

		str := fmt.Sprintf("cannot fund %v", target)
		return nil, newError(ErrCoinSelection, str, err)

	case err != nil:
		return nil, err
	}

	if excess := sel.Effective - target; excess > costOfChange {
		change := excess - changeOutFee
		changeOut := wire.NewTxOut(int64(change), changeScript)
		if !txrules.IsDustOutput(changeOut, q.cfg.RelayFeePerKb) {
			outputs = append(outputs, changeOut)
		}
	}

	packet, err := q.buildPacket(sel.Utxos, outputs, in.messages, vaults)
	if err != nil {
		return nil, err
	}

	hashes := make(map[wire.OutPoint]chainhash.Hash, len(sel.Utxos))
	for _, u := range sel.Utxos {
		hashes[u.OutPoint()] = u.Hash()
	}
	inputs := make([]chainhash.Hash, len(packet.UnsignedTx.TxIn))
	for i, txIn := range packet.UnsignedTx.TxIn {
		inputs[i] = hashes[txIn.PreviousOutPoint]
	}
	txid := packet.UnsignedTx.TxHash()

	err = q.utxos.LockUtxosTx(tx, round, txid, inputs)
	switch {
	case blaze.IsError(err, blaze.ErrDatabase):
		return nil, err
	case err != nil:
		str := fmt.Sprintf("cannot lock inputs of %v", txid)
		return nil, newError(ErrCoinSelection, str, err)
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, newError(ErrPsbtComposition, "serialize psbt", err)
	}

	req := &Request{
		RequestID:  in.requestID,
		Txid:       txid,
		Round:      round,
		State:      StatePending,
		Psbt:       buf.Bytes(),
		Inputs:     inputs,
		Messages:   in.messages,
		Redirects:  in.redirects,
		Signatures: make(map[authority.ID][][]byte),
		ComposedAt: q.cfg.Now(),
	}
	if err := putRequest(ns, req); err != nil {
		return nil, err
	}
	if err := ids.Put(idKey, txid[:]); err != nil {
		return nil, err
	}

	outbound := ns.NestedReadWriteBucket(outboundBucketName)
	bound := ns.NestedReadWriteBucket(boundBucketName)
	for _, m := range in.messages {
		key := roundstore.Uint64Key(m.Sequence)
		if err := outbound.Delete(key); err != nil {
			return nil, err
		}
		if err := bound.Put(key, txid[:]); err != nil {
			return nil, err
		}
	}
	redirects := ns.NestedReadWriteBucket(redirectsBucketName)
	for _, r := range in.redirects {
		if err := redirects.Delete(redirectKey(r.Txid, r.Vout)); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// buildPacket creates the unsigned PSBT spending utxos. Inputs carry their
// vault's witness script and are signed with SIGHASH_ALL. The payloads of
// msgs travel as proprietary global fields. Inputs and outputs are sorted
// per BIP 69.
func (q *Queue) buildPacket(utxos []*blaze.Utxo, outputs []*wire.TxOut,
	msgs []OutboundMessage, vaults *vaultCache) (*psbt.Packet, error) {

	params := q.cfg.ChainParams

	outpoints := make([]*wire.OutPoint, len(utxos))
	sequences := make([]uint32, len(utxos))
	for i, u := range utxos {
		op := u.OutPoint()
		outpoints[i] = &op
		sequences[i] = wire.MaxTxInSequenceNum
	}
	packet, err := psbt.New(outpoints, outputs, q.cfg.TxVersion, 0,
		sequences)
	if err != nil {
		return nil, newError(ErrPsbtComposition, "create psbt", err)
	}
	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, newError(ErrPsbtComposition, "create psbt", err)
	}

	for i, u := range utxos {
		v, err := vaults.lookup(u.Address)
		if err != nil {
			return nil, err
		}
		witnessScript, err := v.WitnessScript(params)
		if err != nil {
			return nil, newError(ErrPsbtComposition,
				"witness script", err)
		}
		pkScript, err := v.PkScript(params)
		if err != nil {
			return nil, newError(ErrPsbtComposition, "pk script", err)
		}

		err = updater.AddInWitnessUtxo(
			wire.NewTxOut(int64(u.Amount), pkScript), i,
		)
		if err != nil {
			return nil, newError(ErrPsbtComposition,
				"witness utxo", err)
		}
		if err := updater.AddInWitnessScript(witnessScript, i); err != nil {
			return nil, newError(ErrPsbtComposition,
				"witness script", err)
		}
		err = updater.AddInSighashType(txscript.SigHashAll, i)
		if err != nil {
			return nil, newError(ErrPsbtComposition,
				"sighash type", err)
		}
	}

	for _, m := range msgs {
		packet.Unknowns = append(packet.Unknowns, &psbt.Unknown{
			Key:   messageKey(m.Sequence),
			Value: m.Payload,
		})
	}

	if err := psbt.InPlaceSort(packet); err != nil {
		return nil, newError(ErrPsbtComposition, "sort psbt", err)
	}
	return packet, nil
}
