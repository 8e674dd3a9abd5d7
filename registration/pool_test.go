// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/vault"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.RegressionNetParams

type testHarness struct {
	pool *Pool
	set  *authority.StaticSet
	keys []*btcec.PrivateKey
	ids  []authority.ID
}

func privKey(prefix, seed byte) *btcec.PrivateKey {
	var b [32]byte
	b[0] = prefix
	b[31] = seed
	key, _ := btcec.PrivKeyFromBytes(b[:])
	return key
}

// vaultKey returns a distinct public key for every (authority, n) pair.
func vaultKey(t *testing.T, auth, n int) vault.PublicKey {
	t.Helper()

	var b [32]byte
	b[0] = 0x77
	b[1] = byte(auth)
	b[31] = byte(n)
	_, pub := btcec.PrivKeyFromBytes(b[:])
	key, err := vault.ParsePublicKey(pub.SerializeCompressed())
	require.NoError(t, err)
	return key
}

func userID(seed byte) authority.ID {
	return authority.IDFromPubKey(privKey(0x11, seed).PubKey())
}

func refundAddress(t *testing.T, seed byte) string {
	t.Helper()

	pub := privKey(0x22, seed).PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub), testNet,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "custody.db")
	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &testHarness{}
	for i := byte(1); i <= 3; i++ {
		key := privKey(0x01, i)
		h.keys = append(h.keys, key)
		h.ids = append(h.ids, authority.IDFromPubKey(key.PubKey()))
	}
	h.set = authority.NewStaticSet(1, h.ids...)

	cfg.ChainParams = testNet
	h.pool, err = New(db, h.set, h.set, cfg)
	require.NoError(t, err)
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxPreSubmission = 2
	return cfg
}

func (h *testHarness) sign(t *testing.T, i int, p authority.Payload) []byte {
	t.Helper()

	sig, err := authority.Sign(h.keys[i], p)
	require.NoError(t, err)
	return sig
}

func (h *testHarness) submitKey(t *testing.T, i int, user authority.ID,
	key vault.PublicKey) (bool, error) {

	t.Helper()

	s := &VaultKeySubmission{
		Authority: h.ids[i],
		User:      user,
		PubKey:    key,
		Round:     h.set.CurrentRound(),
	}
	return h.pool.SubmitVaultKey(s, h.sign(t, i, s))
}

func TestRequestVault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	user := userID(1)

	member, err := h.pool.RequestVault(user, refundAddress(t, 1))
	require.NoError(t, err)
	require.Equal(t, uint32(2), member.Vault.M)
	require.Equal(t, uint32(3), member.Vault.N)
	require.Equal(t, vault.Pending, member.Vault.AddressState())

	// The user and the refund address are bonded.
	_, err = h.pool.RequestVault(user, refundAddress(t, 2))
	require.True(t, IsError(err, ErrAlreadyRegistered))
	_, err = h.pool.RequestVault(userID(2), refundAddress(t, 1))
	require.True(t, IsError(err, ErrAlreadyRegistered))

	_, err = h.pool.RequestVault(userID(3), "not-an-address")
	require.True(t, IsError(err, ErrInvalidAddress))

	mainnet, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	_, err = h.pool.RequestVault(userID(3), mainnet.EncodeAddress())
	require.True(t, IsError(err, ErrInvalidAddress))

	h.set.SetServiceState(authority.UTXOTransfer)
	_, err = h.pool.RequestVault(userID(3), refundAddress(t, 3))
	require.True(t, IsError(err, ErrServiceUnavailable))
	require.Equal(t, authority.KindState,
		ErrServiceUnavailable.Kind())
}

func TestSubmitVaultKeyGenerates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	user := userID(1)
	_, err := h.pool.RequestVault(user, refundAddress(t, 1))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		generated, err := h.submitKey(t, i, user, vaultKey(t, i, 1))
		require.NoError(t, err)
		require.Equal(t, i == 2, generated)
	}

	addr, err := h.pool.VaultAddress(user)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	decoded, err := btcutil.DecodeAddress(addr, testNet)
	require.NoError(t, err)
	_, ok := decoded.(*btcutil.AddressWitnessScriptHash)
	require.True(t, ok)

	round := h.set.CurrentRound()
	ok, err = h.pool.IsVaultAddress(round, addr)
	require.NoError(t, err)
	require.True(t, ok)

	v, err := h.pool.VaultByAddress(round, addr)
	require.NoError(t, err)
	require.Len(t, v.PubKeys, 3)

	// Generated vaults are frozen.
	_, err = h.submitKey(t, 0, user, vaultKey(t, 0, 9))
	require.True(t, IsError(err, ErrNotPending))
}

func TestSubmitVaultKeyRejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	user := userID(1)
	_, err := h.pool.RequestVault(user, refundAddress(t, 1))
	require.NoError(t, err)
	_, err = h.pool.RequestVault(userID(2), refundAddress(t, 2))
	require.NoError(t, err)

	key := vaultKey(t, 0, 1)
	s := &VaultKeySubmission{
		Authority: h.ids[0],
		User:      user,
		PubKey:    key,
		Round:     1,
	}

	// Signed by someone else.
	_, err = h.pool.SubmitVaultKey(s, h.sign(t, 1, s))
	require.True(t, IsError(err, ErrInvalidSignature))
	require.Equal(t, authority.KindAuthorization,
		ErrInvalidSignature.Kind())

	// Valid signature from a non-authority.
	outsider := privKey(0x33, 1)
	o := *s
	o.Authority = authority.IDFromPubKey(outsider.PubKey())
	sig, err := authority.Sign(outsider, &o)
	require.NoError(t, err)
	_, err = h.pool.SubmitVaultKey(&o, sig)
	require.True(t, IsError(err, ErrNotAuthority))

	r := *s
	r.Round = 2
	_, err = h.pool.SubmitVaultKey(&r, h.sign(t, 0, &r))
	require.True(t, IsError(err, ErrRoundMismatch))

	_, err = h.submitKey(t, 0, userID(9), key)
	require.True(t, IsError(err, ErrUserNotFound))

	_, err = h.submitKey(t, 0, user, key)
	require.NoError(t, err)

	// The same authority twice, and the same key in another vault.
	_, err = h.submitKey(t, 0, user, vaultKey(t, 0, 2))
	require.True(t, IsError(err, ErrDuplicateKey))
	_, err = h.submitKey(t, 1, userID(2), key)
	require.True(t, IsError(err, ErrDuplicateKey))
}

func TestPreSubmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	round := h.set.CurrentRound()

	for i := 0; i < 3; i++ {
		s := &PreSubmission{
			Authority: h.ids[i],
			PubKeys: []vault.PublicKey{
				vaultKey(t, i, 1), vaultKey(t, i, 2),
			},
			Round: round,
		}
		require.NoError(t, h.pool.PreSubmitPubKeys(s, h.sign(t, i, s)))
	}

	// The queue is full.
	s := &PreSubmission{
		Authority: h.ids[0],
		PubKeys:   []vault.PublicKey{vaultKey(t, 0, 3)},
		Round:     round,
	}
	err := h.pool.PreSubmitPubKeys(s, h.sign(t, 0, s))
	require.True(t, IsError(err, ErrPreSubmissionLimit))
	require.Equal(t, authority.KindResource, ErrPreSubmissionLimit.Kind())

	// A vault request consumes one queued key per authority and is
	// generated immediately.
	member, err := h.pool.RequestVault(userID(1), refundAddress(t, 1))
	require.NoError(t, err)
	require.Equal(t, vault.Generated, member.Vault.AddressState())
	require.Equal(t, vaultKey(t, 0, 1), member.Vault.PubKeys[h.ids[0]])

	n, err := h.pool.PreSubmittedCount(h.ids[0])
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A consumed key stays bonded to the user's vault.
	s = &PreSubmission{
		Authority: h.ids[1],
		PubKeys:   []vault.PublicKey{vaultKey(t, 0, 1)},
		Round:     round,
	}
	err = h.pool.PreSubmitPubKeys(s, h.sign(t, 1, s))
	require.True(t, IsError(err, ErrDuplicateKey))

	member, err = h.pool.RequestVault(userID(2), refundAddress(t, 2))
	require.NoError(t, err)
	require.Equal(t, vault.Generated, member.Vault.AddressState())

	// Queues are empty, later vaults wait for submissions.
	member, err = h.pool.RequestVault(userID(3), refundAddress(t, 3))
	require.NoError(t, err)
	require.Equal(t, vault.Pending, member.Vault.AddressState())
}

func TestSystemVault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	round := h.set.CurrentRound()

	_, err := h.pool.SystemVault(round)
	require.True(t, IsError(err, ErrSystemVaultNotFound))

	_, err = h.pool.RequestSystemVault(round + 1)
	require.True(t, IsError(err, ErrRoundMismatch))

	_, err = h.pool.RequestSystemVault(round)
	require.NoError(t, err)
	_, err = h.pool.RequestSystemVault(round)
	require.True(t, IsError(err, ErrAlreadyRegistered))

	for i := 0; i < 3; i++ {
		s := &SystemVaultKeySubmission{
			Authority: h.ids[i],
			PubKey:    vaultKey(t, i, 50),
			Round:     round,
		}
		generated, err := h.pool.SubmitSystemVaultKey(s, h.sign(t, i, s))
		require.NoError(t, err)
		require.Equal(t, i == 2, generated)
	}

	sys, err := h.pool.SystemVault(round)
	require.NoError(t, err)
	require.Equal(t, vault.Generated, sys.AddressState())

	v, err := h.pool.VaultByAddress(round, sys.Address)
	require.NoError(t, err)
	require.Equal(t, sys.Address, v.Address)

	// The next round's system vault can be prepared ahead of migration.
	h.set.SetServiceState(authority.PrepareNextSystemVault)
	_, err = h.pool.RequestSystemVault(round + 1)
	require.NoError(t, err)
	s := &SystemVaultKeySubmission{
		Authority: h.ids[0],
		PubKey:    vaultKey(t, 0, 51),
		Round:     round + 1,
	}
	_, err = h.pool.SubmitSystemVaultKey(s, h.sign(t, 0, s))
	require.NoError(t, err)

	h.set.SetServiceState(authority.UTXOTransfer)
	_, err = h.pool.SubmitSystemVaultKey(s, h.sign(t, 0, s))
	require.True(t, IsError(err, ErrServiceUnavailable))
}

func TestClearVault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	user := userID(1)
	refund := refundAddress(t, 1)
	_, err := h.pool.RequestVault(user, refund)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := h.submitKey(t, i, user, vaultKey(t, i, 1))
		require.NoError(t, err)
	}
	addr, err := h.pool.VaultAddress(user)
	require.NoError(t, err)

	require.NoError(t, h.pool.ClearVault(addr))
	_, err = h.pool.Member(user)
	require.True(t, IsError(err, ErrUserNotFound))
	err = h.pool.ClearVault(addr)
	require.True(t, IsError(err, ErrVaultNotFound))

	// Every bond was released: the same user, refund address and keys
	// register the same vault again.
	_, err = h.pool.RequestVault(user, refund)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := h.submitKey(t, i, user, vaultKey(t, i, 1))
		require.NoError(t, err)
	}
	again, err := h.pool.VaultAddress(user)
	require.NoError(t, err)
	require.Equal(t, addr, again)
}

func TestReplaceAuthority(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	round := h.set.CurrentRound()
	user := userID(1)
	_, err := h.pool.RequestVault(user, refundAddress(t, 1))
	require.NoError(t, err)
	_, err = h.submitKey(t, 0, user, vaultKey(t, 0, 1))
	require.NoError(t, err)

	s := &PreSubmission{
		Authority: h.ids[0],
		PubKeys:   []vault.PublicKey{vaultKey(t, 0, 2)},
		Round:     round,
	}
	require.NoError(t, h.pool.PreSubmitPubKeys(s, h.sign(t, 0, s)))

	replacement := privKey(0x01, 9)
	newID := authority.IDFromPubKey(replacement.PubKey())
	n, err := h.pool.ReplaceAuthority(h.ids[0], newID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	member, err := h.pool.Member(user)
	require.NoError(t, err)
	require.Equal(t, vaultKey(t, 0, 1), member.Vault.PubKeys[newID])
	_, ok := member.Vault.PubKeys[h.ids[0]]
	require.False(t, ok)

	count, err := h.pool.PreSubmittedCount(newID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = h.pool.PreSubmittedCount(h.ids[0])
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestVaultAddressesAndPrune(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	_, err := h.pool.RequestVault(userID(1), refundAddress(t, 1))
	require.NoError(t, err)

	addrs, err := h.pool.VaultAddresses(
		[]authority.ID{userID(1), userID(2)},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"", ""}, addrs)

	_, err = h.pool.VaultAddresses([]authority.ID{userID(1), userID(1)})
	require.True(t, IsError(err, ErrDuplicateQuery))
	require.Equal(t, authority.KindConsistency, ErrDuplicateQuery.Kind())

	err = h.pool.PruneRound(1)
	require.True(t, IsError(err, ErrRoundActive))

	h.set.SetRound(2)
	require.NoError(t, h.pool.PruneRound(1))

	// The user may register again in the new round.
	_, err = h.pool.RequestVault(userID(1), refundAddress(t, 1))
	require.NoError(t, err)
}
