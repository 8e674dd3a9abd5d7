// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultMaxTries is the branch-and-bound iteration budget.
const DefaultMaxTries = 100000

// Strategy names the algorithm that produced a selection.
type Strategy uint8

const (
	// BranchAndBound selections need no change output.
	BranchAndBound Strategy = iota

	// Knapsack selections may leave enough excess for a change output.
	Knapsack
)

// String returns the Strategy as a human-readable name.
func (s Strategy) String() string {
	if s == BranchAndBound {
		return "BranchAndBound"
	}
	return "Knapsack"
}

// Candidate is a spendable output offered to coin selection.
type Candidate struct {
	Hash   chainhash.Hash
	Amount btcutil.Amount

	// VSize is the number of vbytes spending the output adds to a
	// transaction.
	VSize int
}

// SelectionParams are the inputs of a coin selection.
type SelectionParams struct {
	// Target is the amount the selected inputs must cover after paying
	// for themselves: the payment outputs plus the fee of the
	// transaction without inputs.
	Target btcutil.Amount

	// FeeRate is the current rate, in sat/vbyte.
	FeeRate btcutil.Amount

	// LongTermFeeRate is the expected future rate, in sat/vbyte. Inputs
	// are cheaper to spend now than later when FeeRate is below it.
	LongTermFeeRate btcutil.Amount

	// CostOfChange is the cost of creating and later spending a change
	// output. Branch-and-bound accepts excess up to this amount.
	CostOfChange btcutil.Amount

	// MaxInputs bounds the number of selected inputs. Zero is unbounded.
	MaxInputs int

	// DustThreshold excludes outputs below this amount.
	DustThreshold btcutil.Amount

	// MaxTries is the branch-and-bound iteration budget. Zero uses
	// DefaultMaxTries.
	MaxTries int
}

// Selection is the result of a successful coin selection.
type Selection struct {
	Inputs   []Candidate
	Strategy Strategy

	// Total is the sum of the selected amounts.
	Total btcutil.Amount

	// Effective is the sum of the selected effective values.
	Effective btcutil.Amount

	// Waste is the selection's waste metric.
	Waste btcutil.Amount
}

// Excess returns the effective value left over above target.
func (s *Selection) Excess(target btcutil.Amount) btcutil.Amount {
	return s.Effective - target
}

// FeeForVSize returns the fee for vsize vbytes at a sat/vbyte rate. Zero
// rates and sizes cost nothing.
func FeeForVSize(rate btcutil.Amount, vsize int) btcutil.Amount {
	if rate <= 0 || vsize <= 0 {
		return 0
	}
	return txrules.FeeForSerializeSize(rate*1000, vsize)
}

// utxoGroup is a candidate with its spending costs resolved.
type utxoGroup struct {
	Candidate
	fee         btcutil.Amount
	longTermFee btcutil.Amount
	effective   btcutil.Amount
}

// eligible resolves the candidates' costs and drops dust and outputs that
// cost more to spend than they are worth. The result is ordered by
// descending effective value.
func eligible(candidates []Candidate, p SelectionParams) []utxoGroup {
	groups := make([]utxoGroup, 0, len(candidates))
	for _, c := range candidates {
		if c.Amount < p.DustThreshold {
			continue
		}
		g := utxoGroup{
			Candidate:   c,
			fee:         FeeForVSize(p.FeeRate, c.VSize),
			longTermFee: FeeForVSize(p.LongTermFeeRate, c.VSize),
		}
		g.effective = c.Amount - g.fee
		if g.effective <= 0 {
			continue
		}
		groups = append(groups, g)
	}

	// Ties are broken by hash so that the order, and with it the
	// selection, is deterministic.
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].effective != groups[j].effective {
			return groups[i].effective > groups[j].effective
		}
		return groups[i].Hash.String() < groups[j].Hash.String()
	})
	return groups
}

// SelectCoins selects inputs whose effective value covers p.Target. It first
// searches for a changeless selection with branch-and-bound and falls back
// to a greedy knapsack. None is returned only when the eligible candidates,
// bounded by MaxInputs, cannot cover the target.
func SelectCoins(candidates []Candidate, p SelectionParams) fn.Option[Selection] {
	if p.Target <= 0 {
		return fn.None[Selection]()
	}
	groups := eligible(candidates, p)
	if len(groups) == 0 {
		return fn.None[Selection]()
	}

	if sel, ok := selectBnB(groups, p); ok {
		return fn.Some(sel)
	}
	if sel, ok := selectKnapsack(groups, p); ok {
		return fn.Some(sel)
	}
	return fn.None[Selection]()
}

// selectBnB runs a depth first search over the inclusion tree of the
// groups, sorted by descending effective value, for the selection in
// [Target, Target+CostOfChange] with the least waste.
func selectBnB(groups []utxoGroup, p SelectionParams) (Selection, bool) {
	maxTries := p.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	upper := p.Target + p.CostOfChange

	var available btcutil.Amount
	for _, g := range groups {
		available += g.effective
	}
	if available < p.Target {
		return Selection{}, false
	}

	// When spending now is dearer than later, adding inputs only adds
	// waste, which lets branches be cut once they exceed the best.
	feeRateHigh := groups[0].fee > groups[0].longTermFee

	var (
		currValue, currWaste btcutil.Amount
		curr                 []int
		best                 []int
		bestWaste            = btcutil.Amount(math.MaxInt64)
	)

	idx := 0
	for try := 0; try < maxTries; try, idx = try+1, idx+1 {
		backtrack := false
		switch {
		case currValue+available < p.Target,
			currValue > upper,
			feeRateHigh && currWaste > bestWaste,
			p.MaxInputs > 0 && len(curr) > p.MaxInputs:

			backtrack = true

		case currValue >= p.Target:
			waste := currWaste + currValue - p.Target
			if waste <= bestWaste {
				best = append(best[:0], curr...)
				bestWaste = waste
			}
			backtrack = true
		}

		if backtrack {
			if len(curr) == 0 {
				break
			}

			// Return the omitted groups to the lookahead before
			// exploring the branch that omits the last included
			// group.
			last := curr[len(curr)-1]
			for idx--; idx > last; idx-- {
				available += groups[idx].effective
			}
			g := groups[idx]
			currValue -= g.effective
			currWaste -= g.fee - g.longTermFee
			curr = curr[:len(curr)-1]
			continue
		}

		g := groups[idx]
		available -= g.effective

		// Omitting a group equivalent to the one just omitted yields
		// a duplicate branch.
		if len(curr) == 0 || idx-1 == curr[len(curr)-1] ||
			g.effective != groups[idx-1].effective ||
			g.fee != groups[idx-1].fee {

			curr = append(curr, idx)
			currValue += g.effective
			currWaste += g.fee - g.longTermFee
		}
	}

	if best == nil {
		return Selection{}, false
	}
	sel := newSelection(groups, best, BranchAndBound)
	sel.Waste = bestWaste
	return sel, true
}

// selectKnapsack accumulates groups by descending effective value until the
// target is covered. A single trim pass then visits the accumulated groups,
// largest first, dropping each one the others cover the target without and
// otherwise swapping it for the smallest unused group that still covers it.
func selectKnapsack(groups []utxoGroup, p SelectionParams) (Selection, bool) {
	var (
		picked []int
		total  btcutil.Amount
	)
	used := make([]bool, len(groups))
	for i, g := range groups {
		if total >= p.Target {
			break
		}
		if p.MaxInputs > 0 && len(picked) == p.MaxInputs {
			break
		}
		picked = append(picked, i)
		used[i] = true
		total += g.effective
	}
	if total < p.Target {
		return Selection{}, false
	}

	kept := make([]int, 0, len(picked))
	for _, i := range picked {
		rest := total - groups[i].effective
		if rest >= p.Target {
			used[i] = false
			total = rest
			continue
		}

		// Groups are sorted descending, so scanning from the end
		// finds the smallest unused group covering the shortfall.
		need := p.Target - rest
		for j := len(groups) - 1; j > i; j-- {
			if used[j] || groups[j].effective < need {
				continue
			}
			if groups[j].effective < groups[i].effective {
				used[i], used[j] = false, true
				total = rest + groups[j].effective
				i = j
			}
			break
		}
		kept = append(kept, i)
	}

	sel := newSelection(groups, kept, Knapsack)
	for _, i := range kept {
		sel.Waste += groups[i].fee - groups[i].longTermFee
	}
	if excess := sel.Effective - p.Target; excess > p.CostOfChange {
		sel.Waste += p.CostOfChange
	} else {
		sel.Waste += excess
	}
	return sel, true
}

func newSelection(groups []utxoGroup, idxs []int, s Strategy) Selection {
	sel := Selection{
		Inputs:   make([]Candidate, 0, len(idxs)),
		Strategy: s,
	}
	for _, i := range idxs {
		sel.Inputs = append(sel.Inputs, groups[i].Candidate)
		sel.Total += groups[i].Amount
		sel.Effective += groups[i].effective
	}
	return sel
}
