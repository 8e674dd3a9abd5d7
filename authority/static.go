// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// StaticSet is an in-memory authority set and service state. It backs the
// daemon, which is configured with a fixed set of authority keys, and tests.
type StaticSet struct {
	mu      sync.RWMutex
	round   Round
	members []ID
	state   MigrationSequence
}

// Compile time checks.
var (
	_ Set          = (*StaticSet)(nil)
	_ ServiceState = (*StaticSet)(nil)
)

// NewStaticSet returns a set of members at the given round in the Normal
// service state.
func NewStaticSet(round Round, members ...ID) *StaticSet {
	s := &StaticSet{round: round, state: Normal}
	s.members = sortedUnique(members)
	return s
}

func sortedUnique(ids []ID) []ID {
	out := make([]ID, 0, len(ids))
	seen := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// CurrentRound returns the active pool round.
func (s *StaticSet) CurrentRound() Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// IsAuthority returns whether id is a member of the set.
func (s *StaticSet) IsAuthority(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m == id {
			return true
		}
	}
	return false
}

// Majority returns floor(n/2)+1.
func (s *StaticSet) Majority() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(len(s.members)/2 + 1)
}

// Members returns a copy of the members in ascending order.
func (s *StaticSet) Members() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ID, len(s.members))
	copy(out, s.members)
	return out
}

// ServiceState returns the bridge service state.
func (s *StaticSet) ServiceState() MigrationSequence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetServiceState moves the bridge to state.
func (s *StaticSet) SetServiceState(state MigrationSequence) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SetRound advances the pool round.
func (s *StaticSet) SetRound(round Round) {
	s.mu.Lock()
	s.round = round
	s.mu.Unlock()
}

// Replace swaps the member old for new.
func (s *StaticSet) Replace(old, new ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.members {
		switch m {
		case new:
			return fmt.Errorf("%v is already a member", new)
		case old:
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("%v is not a member", old)
	}
	s.members[idx] = new
	s.members = sortedUnique(s.members)
	return nil
}
