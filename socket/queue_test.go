// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/blaze"
	"github.com/btcsuite/btccustody/registration"
	"github.com/btcsuite/btccustody/vault"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.RegressionNetParams

// Vault keys of authority i are derived from (i, seed).
const (
	userVaultSeed   = 1
	systemVaultSeed = 50
)

type queueHarness struct {
	db     walletdb.DB
	set    *authority.StaticSet
	keys   []*btcec.PrivateKey
	ids    []authority.ID
	pool   *registration.Pool
	ledger *blaze.Ledger
	queue  *Queue

	user   *vault.MultiSigVault
	system *vault.MultiSigVault

	now    time.Time
	nextTx byte
}

func privKey(prefix, seed byte) *btcec.PrivateKey {
	var b [32]byte
	b[0] = prefix
	b[31] = seed
	key, _ := btcec.PrivKeyFromBytes(b[:])
	return key
}

func vaultPrivKey(auth, seed int) *btcec.PrivateKey {
	var b [32]byte
	b[0] = 0x77
	b[1] = byte(auth)
	b[31] = byte(seed)
	key, _ := btcec.PrivKeyFromBytes(b[:])
	return key
}

func vaultPubKey(t *testing.T, auth, seed int) vault.PublicKey {
	t.Helper()

	pub := vaultPrivKey(auth, seed).PubKey().SerializeCompressed()
	key, err := vault.ParsePublicKey(pub)
	require.NoError(t, err)
	return key
}

// payAddress returns a regtest P2WPKH address.
func payAddress(t *testing.T, seed byte) string {
	t.Helper()

	pub := privKey(0x22, seed).PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub), testNet,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func testConfig() Config {
	cfg := DefaultConfig(testNet)
	cfg.PendingRequestTTL = time.Hour
	return cfg
}

// newBareHarness opens the three components over one database without any
// vaults, funds or fee rate.
func newBareHarness(t *testing.T, cfg Config) *queueHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "custody.db")
	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &queueHarness{
		db:  db,
		now: time.Unix(1700000000, 0),
	}
	for i := byte(1); i <= 3; i++ {
		key := privKey(0x01, i)
		h.keys = append(h.keys, key)
		h.ids = append(h.ids, authority.IDFromPubKey(key.PubKey()))
	}
	h.set = authority.NewStaticSet(1, h.ids...)

	regCfg := registration.DefaultConfig()
	regCfg.ChainParams = testNet
	h.pool, err = registration.New(db, h.set, h.set, regCfg)
	require.NoError(t, err)

	h.ledger, err = blaze.New(db, h.set, h.pool, blaze.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, h.ledger.SetActivation(true))

	cfg.Now = func() time.Time { return h.now }
	h.queue, err = New(db, h.set, h.set, h.ledger, h.pool, cfg)
	require.NoError(t, err)
	return h
}

// newQueueHarness returns a harness with a generated system vault, a
// generated user vault and an agreed fee rate of 2 sat/vbyte.
func newQueueHarness(t *testing.T, cfg Config) *queueHarness {
	t.Helper()

	h := newBareHarness(t, cfg)
	h.setupSystemVault(t)
	h.setupUserVault(t)
	h.agreeFeeRate(t, 1, 2)
	return h
}

func (h *queueHarness) sign(t *testing.T, i int, p authority.Payload) []byte {
	t.Helper()

	sig, err := authority.Sign(h.keys[i], p)
	require.NoError(t, err)
	return sig
}

func (h *queueHarness) setupSystemVault(t *testing.T) {
	t.Helper()

	round := h.set.CurrentRound()
	_, err := h.pool.RequestSystemVault(round)
	require.NoError(t, err)
	for i := range h.ids {
		s := &registration.SystemVaultKeySubmission{
			Authority: h.ids[i],
			PubKey:    vaultPubKey(t, i, systemVaultSeed),
			Round:     round,
		}
		_, err := h.pool.SubmitSystemVaultKey(s, h.sign(t, i, s))
		require.NoError(t, err)
	}
	h.system, err = h.pool.SystemVault(round)
	require.NoError(t, err)
	require.Equal(t, vault.Generated, h.system.AddressState())
}

func (h *queueHarness) setupUserVault(t *testing.T) {
	t.Helper()

	user := authority.IDFromPubKey(privKey(0x11, 1).PubKey())
	_, err := h.pool.RequestVault(user, payAddress(t, 100))
	require.NoError(t, err)
	for i := range h.ids {
		s := &registration.VaultKeySubmission{
			Authority: h.ids[i],
			User:      user,
			PubKey:    vaultPubKey(t, i, userVaultSeed),
			Round:     h.set.CurrentRound(),
		}
		_, err := h.pool.SubmitVaultKey(s, h.sign(t, i, s))
		require.NoError(t, err)
	}
	member, err := h.pool.Member(user)
	require.NoError(t, err)
	require.Equal(t, vault.Generated, member.Vault.AddressState())
	h.user = member.Vault
}

func (h *queueHarness) agreeFeeRate(t *testing.T, longTerm,
	rate btcutil.Amount) {

	t.Helper()

	for i := 0; i < 2; i++ {
		s := &blaze.FeeRateSubmission{
			Authority:       h.ids[i],
			Round:           h.set.CurrentRound(),
			LongTermFeeRate: longTerm,
			FeeRate:         rate,
			Deadline:        h.now.Add(time.Hour).Unix(),
		}
		err := h.ledger.SubmitFeeRate(s, h.sign(t, i, s), h.now)
		require.NoError(t, err)
	}
	result, err := h.ledger.TryFeeRateFinalization(h.now)
	require.NoError(t, err)
	require.True(t, result.IsSome())
}

// fund makes outputs of the user vault with the given amounts Available and
// returns their ledger hashes.
func (h *queueHarness) fund(t *testing.T,
	amounts ...btcutil.Amount) []chainhash.Hash {

	t.Helper()

	utxos := make([]blaze.UtxoInfo, len(amounts))
	hashes := make([]chainhash.Hash, len(amounts))
	for i, a := range amounts {
		h.nextTx++
		utxos[i] = blaze.UtxoInfo{
			Txid:    chainhash.DoubleHashH([]byte{0xbb, h.nextTx}),
			Vout:    uint32(h.nextTx % 3),
			Amount:  a,
			Address: h.user.Address,
		}
		hashes[i] = utxos[i].Hash()
	}
	for i := 0; i < 2; i++ {
		s := &blaze.UtxoSubmission{
			Authority: h.ids[i],
			Round:     h.set.CurrentRound(),
			Utxos:     utxos,
		}
		_, err := h.ledger.SubmitUtxos(s, h.sign(t, i, s))
		require.NoError(t, err)
	}
	return hashes
}

func (h *queueHarness) status(t *testing.T,
	hash chainhash.Hash) blaze.UtxoStatus {

	t.Helper()

	u, err := h.ledger.Utxo(h.set.CurrentRound(), hash)
	require.NoError(t, err)
	return u.Status
}

// vaultSeed returns the key seed of the vault with the witness script.
func (h *queueHarness) vaultSeed(t *testing.T, witnessScript []byte) int {
	t.Helper()

	for seed, v := range map[int]*vault.MultiSigVault{
		userVaultSeed:   h.user,
		systemVaultSeed: h.system,
	} {
		script, err := v.WitnessScript(testNet)
		require.NoError(t, err)
		if bytes.Equal(script, witnessScript) {
			return seed
		}
	}
	t.Fatalf("unknown witness script %x", witnessScript)
	return 0
}

// signPacket adds the partial signatures of the given authorities to every
// input of p.
func (h *queueHarness) signPacket(t *testing.T, p *psbt.Packet,
	auths ...int) {

	t.Helper()

	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, prevOutputs(p))
	updater, err := psbt.NewUpdater(p)
	require.NoError(t, err)

	for j := range p.Inputs {
		script := p.Inputs[j].WitnessScript
		amount := p.Inputs[j].WitnessUtxo.Value
		seed := h.vaultSeed(t, script)
		for _, auth := range auths {
			key := vaultPrivKey(auth, seed)
			sig, err := txscript.RawTxInWitnessSignature(
				p.UnsignedTx, sigHashes, j, amount, script,
				txscript.SigHashAll, key,
			)
			require.NoError(t, err)
			_, err = updater.Sign(
				j, sig, key.PubKey().SerializeCompressed(), nil,
				nil,
			)
			require.NoError(t, err)
		}
	}
}

// signedPsbt returns req's PSBT carrying authority i's signatures.
func (h *queueHarness) signedPsbt(t *testing.T, req *Request, i int) []byte {
	t.Helper()

	p, err := req.Packet()
	require.NoError(t, err)
	h.signPacket(t, p, i)

	var buf bytes.Buffer
	require.NoError(t, p.Serialize(&buf))
	return buf.Bytes()
}

func (h *queueHarness) submitPsbt(t *testing.T, i int, req *Request,
	packet []byte) (bool, error) {

	t.Helper()

	s := &SignedPsbtSubmission{
		Authority: h.ids[i],
		Round:     req.Round,
		Txid:      req.Txid,
		Psbt:      packet,
	}
	return h.queue.SubmitSignedPsbt(s, h.sign(t, i, s))
}

func (h *queueHarness) submitSigned(t *testing.T, i int,
	req *Request) (bool, error) {

	t.Helper()
	return h.submitPsbt(t, i, req, h.signedPsbt(t, req, i))
}

// finalize collects the signatures of authorities 0 and 1.
func (h *queueHarness) finalize(t *testing.T, req *Request) {
	t.Helper()

	done, err := h.submitSigned(t, 0, req)
	require.NoError(t, err)
	require.False(t, done)
	done, err = h.submitSigned(t, 1, req)
	require.NoError(t, err)
	require.True(t, done)
}

func (h *queueHarness) attest(t *testing.T, i int,
	req *Request) (bool, error) {

	t.Helper()

	a := &BroadcastAttestation{
		Authority: h.ids[i],
		Round:     req.Round,
		Txid:      req.Txid,
	}
	return h.queue.BroadcastPoll(a, h.sign(t, i, a))
}

// outputIndex returns the output of req paying address.
func outputIndex(t *testing.T, req *Request, address string) uint32 {
	t.Helper()

	p, err := req.Packet()
	require.NoError(t, err)
	addr, err := btcutil.DecodeAddress(address, testNet)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	for i, out := range p.UnsignedTx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i)
		}
	}
	t.Fatalf("%v pays nothing to %v", req.Txid, address)
	return 0
}

func TestQueueOutbound(t *testing.T) {
	t.Parallel()

	h := newBareHarness(t, testConfig())

	m := OutboundMessage{
		Sequence:    7,
		Destination: payAddress(t, 1),
		Amount:      25000,
		Payload:     []byte("mint 7"),
	}
	require.NoError(t, h.queue.QueueOutbound(m))
	err := h.queue.QueueOutbound(m)
	require.True(t, IsError(err, ErrDuplicateSequence), err)

	m.Sequence = 8
	m.Destination = "not-an-address"
	err = h.queue.QueueOutbound(m)
	require.True(t, IsError(err, ErrInvalidOutput), err)

	mainnet, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	m.Destination = mainnet.EncodeAddress()
	err = h.queue.QueueOutbound(m)
	require.True(t, IsError(err, ErrInvalidOutput), err)

	m.Destination = payAddress(t, 1)
	m.Amount = 100
	err = h.queue.QueueOutbound(m)
	require.True(t, IsError(err, ErrInvalidOutput), err)

	pool, err := h.queue.OutboundPool()
	require.NoError(t, err)
	require.Len(t, pool, 1)
	require.Equal(t, uint64(7), pool[0].Sequence)
	require.Equal(t, []byte("mint 7"), pool[0].Payload)
}

func TestComposePaysWithChange(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	hashes := h.fund(t, 100000)
	dest := payAddress(t, 1)

	req, err := h.queue.Compose(1, []Payment{{Address: dest, Amount: 60000}})
	require.NoError(t, err)
	require.Equal(t, StatePending, req.State)
	require.Equal(t, hashes, req.Inputs)
	require.Equal(t, h.now.Unix(), req.ComposedAt.Unix())
	require.Equal(t, blaze.Locked, h.status(t, hashes[0]))

	p, err := req.Packet()
	require.NoError(t, err)
	require.Equal(t, req.Txid, p.UnsignedTx.TxHash())
	require.Len(t, p.UnsignedTx.TxIn, 1)
	require.Len(t, p.UnsignedTx.TxOut, 2)

	changeScript, err := h.system.PkScript(testNet)
	require.NoError(t, err)
	var (
		total  int64
		change bool
	)
	for _, out := range p.UnsignedTx.TxOut {
		total += out.Value
		if bytes.Equal(out.PkScript, changeScript) {
			change = true
		}
	}
	require.True(t, change)
	fee := 100000 - total
	require.Positive(t, fee)
	require.Less(t, fee, int64(1000))

	vout := outputIndex(t, req, dest)
	require.Equal(t, int64(60000), p.UnsignedTx.TxOut[vout].Value)

	// The input carries what signers need.
	userScript, err := h.user.WitnessScript(testNet)
	require.NoError(t, err)
	require.Equal(t, userScript, p.Inputs[0].WitnessScript)
	require.Equal(t, int64(100000), p.Inputs[0].WitnessUtxo.Value)
	require.Equal(t, txscript.SigHashAll, p.Inputs[0].SighashType)

	pending, err := h.queue.PendingRequests(1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, req.Txid, pending[0].Txid)

	got, err := h.queue.Request(1, req.Txid)
	require.NoError(t, err)
	require.Equal(t, req.RequestID, got.RequestID)
	require.Equal(t, req.Psbt, got.Psbt)
}

func TestComposeDropsDustChange(t *testing.T) {
	t.Parallel()

	dest := payAddress(t, 1)
	changeValue := func(h *queueHarness, req *Request) int64 {
		changeScript, err := h.system.PkScript(testNet)
		require.NoError(t, err)
		p, err := req.Packet()
		require.NoError(t, err)
		for _, out := range p.UnsignedTx.TxOut {
			if bytes.Equal(out.PkScript, changeScript) {
				return out.Value
			}
		}
		return 0
	}

	h := newQueueHarness(t, testConfig())
	h.fund(t, 100000)
	req, err := h.queue.Compose(1, []Payment{{Address: dest, Amount: 60000}})
	require.NoError(t, err)
	change := changeValue(h, req)
	require.Positive(t, change)

	// Paying all but 250 sat of that change leaves an excess worth
	// keeping apart from the fee, but 250 sat is dust for a P2WSH output.
	amount := btcutil.Amount(60000 + change - 250)
	h = newQueueHarness(t, testConfig())
	h.fund(t, 100000)
	req, err = h.queue.Compose(1, []Payment{{Address: dest, Amount: amount}})
	require.NoError(t, err)
	require.Zero(t, changeValue(h, req))

	p, err := req.Packet()
	require.NoError(t, err)
	require.Len(t, p.UnsignedTx.TxOut, 1)
	require.Equal(t, int64(amount), p.UnsignedTx.TxOut[0].Value)
}

func TestComposeRejects(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	hashes := h.fund(t, 50000)
	pay := func(amount btcutil.Amount) []Payment {
		return []Payment{{Address: payAddress(t, 1), Amount: amount}}
	}

	_, err := h.queue.Compose(1, nil)
	require.True(t, IsError(err, ErrInvalidOutput), err)

	// Selection failures are reported apart from composition failures
	// and still count against the ledger's tolerance.
	_, err = h.queue.Compose(1, pay(80000))
	require.True(t, IsError(err, ErrCoinSelection), err)
	require.True(t, blaze.IsError(err, blaze.ErrInsufficientFunds), err)
	require.Equal(t, blaze.Available, h.status(t, hashes[0]))
	tolerance, err := h.ledger.Tolerance()
	require.NoError(t, err)
	require.Equal(t, uint32(1), tolerance)

	_, err = h.queue.Compose(1, pay(20000))
	require.NoError(t, err)
	_, err = h.queue.Compose(1, pay(20000))
	require.True(t, IsError(err, ErrDuplicateRequest), err)

	// The only output is locked now.
	_, err = h.queue.Compose(2, pay(20000))
	require.True(t, IsError(err, ErrCoinSelection), err)

	h.set.SetServiceState(authority.UTXOTransfer)
	_, err = h.queue.Compose(3, pay(20000))
	require.True(t, IsError(err, ErrServiceUnavailable), err)
	require.Equal(t, authority.KindState,
		ErrServiceUnavailable.Kind())
}

func TestComposePrerequisites(t *testing.T) {
	t.Parallel()

	h := newBareHarness(t, testConfig())
	pay := []Payment{{Address: payAddress(t, 1), Amount: 20000}}

	_, err := h.queue.Compose(1, pay)
	require.True(t, IsError(err, ErrSystemVaultNotReady), err)

	// A pending system vault cannot receive change.
	_, err = h.pool.RequestSystemVault(1)
	require.NoError(t, err)
	for i := range h.ids {
		_, err = h.queue.Compose(1, pay)
		require.True(t, IsError(err, ErrSystemVaultNotReady), err)

		s := &registration.SystemVaultKeySubmission{
			Authority: h.ids[i],
			PubKey:    vaultPubKey(t, i, systemVaultSeed),
			Round:     1,
		}
		_, err = h.pool.SubmitSystemVaultKey(s, h.sign(t, i, s))
		require.NoError(t, err)
	}

	_, err = h.queue.Compose(1, pay)
	require.True(t, IsError(err, ErrFeeRateNotFinalized), err)
}

func TestComposeFromPool(t *testing.T) {
	t.Parallel()

	h := newQueueHarness(t, testConfig())
	h.fund(t, 100000, 100000)

	_, err := h.queue.ComposeFromPool(1, 0)
	require.True(t, IsError(err, ErrEmptyPool), err)

	for seq := uint64(1); seq <= 2; seq++ {
		err := h.queue.QueueOutbound(OutboundMessage{
			Sequence:    seq,
			Destination: payAddress(t, byte(seq)),
			Amount:      btcutil.Amount(seq) * 10000,
			Payload:     []byte{0xde, 0xad, byte(seq)},
		})
		require.NoError(t, err)
	}

	first, err := h.queue.ComposeFromPool(1, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, first.Sequences())

	pool, err := h.queue.OutboundPool()
	require.NoError(t, err)
	require.Len(t, pool, 1)
	require.Equal(t, uint64(2), pool[0].Sequence)

	txid, err := h.queue.TxidBySequence(1)
	require.NoError(t, err)
	require.Equal(t, first.Txid, txid)
	_, err = h.queue.TxidBySequence(2)
	require.True(t, IsError(err, ErrSequenceNotFound), err)

	// A bound sequence cannot be queued again.
	err = h.queue.QueueOutbound(first.Messages[0])
	require.True(t, IsError(err, ErrDuplicateSequence), err)

	// The payload travels inside the PSBT.
	p, err := first.Packet()
	require.NoError(t, err)
	require.Len(t, p.Unknowns, 1)
	require.Equal(t, messageKey(1), p.Unknowns[0].Key)
	require.Equal(t, []byte{0xde, 0xad, 1}, p.Unknowns[0].Value)
	vout := outputIndex(t, first, payAddress(t, 1))
	require.Equal(t, int64(10000), p.UnsignedTx.TxOut[vout].Value)

	second, err := h.queue.ComposeFromPool(2, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, second.Sequences())

	_, err = h.queue.ComposeFromPool(3, 0)
	require.True(t, IsError(err, ErrEmptyPool), err)
}
