// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func candidates(amounts ...btcutil.Amount) []Candidate {
	cs := make([]Candidate, len(amounts))
	for i, a := range amounts {
		cs[i] = Candidate{
			Hash:   chainhash.DoubleHashH([]byte{byte(i), byte(i >> 8)}),
			Amount: a,
			VSize:  100,
		}
	}
	return cs
}

func mustSelect(t *testing.T, cs []Candidate, p SelectionParams) Selection {
	t.Helper()

	result := SelectCoins(cs, p)
	require.True(t, result.IsSome(), "expected a selection")
	return result.UnwrapOr(Selection{})
}

func TestSelectCoinsBranchAndBound(t *testing.T) {
	t.Parallel()

	sel := mustSelect(t, candidates(1000, 2000, 3000, 5000),
		SelectionParams{Target: 5000})
	require.Equal(t, BranchAndBound, sel.Strategy)
	require.Equal(t, btcutil.Amount(5000), sel.Effective)
	require.Zero(t, sel.Waste)

	// Excess within the cost of change is accepted without change.
	sel = mustSelect(t, candidates(1000, 2000, 3050),
		SelectionParams{Target: 5000, CostOfChange: 100})
	require.Equal(t, BranchAndBound, sel.Strategy)
	require.Equal(t, btcutil.Amount(5050), sel.Effective)
	require.Equal(t, btcutil.Amount(50), sel.Waste)
}

func TestSelectCoinsPrefersLessWaste(t *testing.T) {
	t.Parallel()

	// Spending now costs 500 more per input than spending later, so one
	// input beats two that match exactly.
	p := SelectionParams{
		Target:          5000,
		FeeRate:         10,
		LongTermFeeRate: 5,
		CostOfChange:    600,
	}
	sel := mustSelect(t, candidates(3500, 3500, 6200), p)
	require.Equal(t, BranchAndBound, sel.Strategy)
	require.Len(t, sel.Inputs, 1)
	require.Equal(t, btcutil.Amount(6200), sel.Total)
	require.Equal(t, btcutil.Amount(5200), sel.Effective)
	require.Equal(t, btcutil.Amount(500+200), sel.Waste)
}

func TestSelectCoinsKnapsackFallback(t *testing.T) {
	t.Parallel()

	// No changeless selection exists. The greedy pass takes the largest
	// input and the trim swaps it for the smaller one that suffices.
	sel := mustSelect(t, candidates(10000, 7000),
		SelectionParams{Target: 5000, CostOfChange: 100})
	require.Equal(t, Knapsack, sel.Strategy)
	require.Len(t, sel.Inputs, 1)
	require.Equal(t, btcutil.Amount(7000), sel.Total)
	require.Equal(t, btcutil.Amount(100), sel.Waste)

	// Greedy takes 4000 and 3000, the trim replaces 4000 with 2500.
	sel = mustSelect(t, candidates(4000, 3000, 2500),
		SelectionParams{Target: 5200, CostOfChange: 10})
	require.Equal(t, Knapsack, sel.Strategy)
	require.Len(t, sel.Inputs, 2)
	require.Equal(t, btcutil.Amount(5500), sel.Total)
}

func TestSelectCoinsExclusions(t *testing.T) {
	t.Parallel()

	// Dust is never selected.
	result := SelectCoins(candidates(200, 5000), SelectionParams{
		Target:        5100,
		DustThreshold: DefaultDustThreshold,
	})
	require.True(t, result.IsNone())

	// An input worth less than its spending fee is never selected. At 11
	// sat/vbyte the 5000 input is worth 3900 and the 1000 input nothing.
	result = SelectCoins(candidates(1000, 5000), SelectionParams{
		Target:  3500,
		FeeRate: 11,
	})
	sel := result.UnwrapOr(Selection{})
	require.Len(t, sel.Inputs, 1)
	require.Equal(t, btcutil.Amount(5000), sel.Total)

	// Fees count against the target, so the 5000 input alone cannot pay
	// 4500 and the 1000 input cannot make up the difference.
	result = SelectCoins(candidates(1000, 5000), SelectionParams{
		Target:  4500,
		FeeRate: 11,
	})
	require.True(t, result.IsNone())

	result = SelectCoins(candidates(1000), SelectionParams{
		Target:  10,
		FeeRate: 11,
	})
	require.True(t, result.IsNone())

	require.True(t, SelectCoins(nil, SelectionParams{Target: 1}).IsNone())
	require.True(t, SelectCoins(candidates(1000),
		SelectionParams{Target: 0}).IsNone())
}

func TestSelectCoinsMaxInputs(t *testing.T) {
	t.Parallel()

	amounts := make([]btcutil.Amount, 10)
	for i := range amounts {
		amounts[i] = 1000
	}
	cs := candidates(amounts...)

	p := SelectionParams{Target: 5000, MaxInputs: 4}
	require.True(t, SelectCoins(cs, p).IsNone())

	p.MaxInputs = 5
	sel := mustSelect(t, cs, p)
	require.Len(t, sel.Inputs, 5)
}

// TestSelectCoinsSufficiency checks on random candidate sets that a
// selection exists exactly when the candidates cover the target, and that
// every selection is a duplicate free subset covering it.
func TestSelectCoinsSufficiency(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 300; i++ {
		n := rng.Intn(12) + 1
		amounts := make([]btcutil.Amount, n)
		var sum btcutil.Amount
		for j := range amounts {
			amounts[j] = btcutil.Amount(rng.Intn(100000) + 1000)
			sum += amounts[j]
		}
		cs := candidates(amounts...)
		target := btcutil.Amount(rng.Int63n(int64(sum)*3/2) + 1)

		p := SelectionParams{
			Target:       target,
			CostOfChange: btcutil.Amount(rng.Intn(2000)),
			MaxTries:     10000,
		}
		result := SelectCoins(cs, p)
		require.Equal(t, sum >= target, result.IsSome(),
			"sum %v target %v", sum, target)

		result.WhenSome(func(sel Selection) {
			require.GreaterOrEqual(t, sel.Effective, target)

			seen := make(map[chainhash.Hash]struct{})
			for _, in := range sel.Inputs {
				_, dup := seen[in.Hash]
				require.False(t, dup)
				seen[in.Hash] = struct{}{}
			}
		})
	}
}
