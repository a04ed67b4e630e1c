// Package dfa implements the NFA-to-DFA converter and minimizer:
// classical subset construction over the byte-plus-sentinel alphabet,
// producing a deterministic automaton whose accepting states carry the
// union of the NFA accepting states' action keys, followed by
// partition-refinement minimization that preserves action-key membership
// for every input string.
//
// Construction is eager, not lazy/on-demand: this engine compiles once
// and matches many times, so the whole automaton is built up front and
// there is no lazy state to amortize.
package dfa

import (
	"sort"

	"github.com/coregx/contentfilter/automaton/nfa"
)

// StateID identifies a DFA state.
type StateID int32

// DeadState represents "no further match possible"; it never appears as
// an explicit State in a DFA, only as an absent transition.
const DeadState StateID = -1

// Range is one outgoing transition: input bytes in [Lo, Hi] go to Next.
type Range struct {
	Lo, Hi byte
	Next   StateID
}

// State is one DFA state: a sorted, non-overlapping list of transitions,
// plus (if accepting) the sorted, deduplicated action-key set triggered
// on reaching it.
type State struct {
	Transitions []Range
	Accept      bool
	Keys        []uint64
}

// transitionAt returns the state reached from s on input byte b, or
// DeadState if no transition covers b.
func (s *State) transitionAt(b byte) StateID {
	for _, r := range s.Transitions {
		if b >= r.Lo && b <= r.Hi {
			return r.Next
		}
	}
	return DeadState
}

// DFA is a deterministic automaton over the 0-128 byte-plus-sentinel
// alphabet (automaton/nfa.AlphabetSize).
type DFA struct {
	states []State
	start  StateID

	// breaks is the sorted list of elementary-interval boundary bytes
	// used throughout subset construction (0 and nfa.AlphabetSize are
	// always present). Every state's Transitions align to these
	// boundaries, which is what lets the minimizer compare states'
	// behavior interval-by-interval without recomputing boundaries.
	breaks []int
}

func (d *DFA) State(id StateID) *State {
	if id == DeadState || int(id) >= len(d.states) {
		return nil
	}
	return &d.states[id]
}

func (d *DFA) NumStates() int { return len(d.states) }
func (d *DFA) Start() StateID { return d.start }
func (d *DFA) Breaks() []int  { return d.breaks }

// ErrTooManyActionKeys is returned by Build when a single DFA node's
// action-key union would exceed 65,535 entries. In practice a rule list that
// drives one node past this limit is already far beyond any reasonable
// extension size.
type ErrTooManyActionKeys struct {
	Count int
}

func (e *ErrTooManyActionKeys) Error() string {
	return "dfa: node action-key count exceeds 65535"
}

func sortedUnion(a, b []uint64) []uint64 {
	out := make([]uint64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) == 0 {
		return out
	}
	w := 1
	for r := 1; r < len(out); r++ {
		if out[r] != out[w-1] {
			out[w] = out[r]
			w++
		}
	}
	return out[:w]
}

// actionKeysOf collects the sorted, deduplicated union of action keys
// attached to every accepting NFA state in ids.
func actionKeysOf(n *nfa.NFA, ids []nfa.StateID) []uint64 {
	var keys []uint64
	for _, id := range ids {
		if n.IsMatch(id) {
			keys = sortedUnion(keys, n.ActionKeys(id))
		}
	}
	return keys
}
