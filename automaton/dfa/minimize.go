package dfa

import "sort"

// Minimize runs round-based (Moore-style) partition refinement over d,
// not Hopcroft's splitter worklist, producing a
// new DFA with the minimal number of states within the action-preserving
// equivalence: two states may only merge if they carry identical
// action-key sets (when accepting) and behave identically, interval by
// interval, against every other partition class.
//
// The initial partition splits states first into final/non-final classes,
// then further splits the final class by action-key-set identity, since
// two accepting states that trigger different actions can never be
// equivalent regardless of their outgoing transitions.
func Minimize(d *DFA) (*DFA, error) {
	n := d.NumStates()
	if n == 0 {
		return d, nil
	}

	class := make([]int, n) // state -> current class id
	var classes [][]StateID

	// Seed classes: non-final states form one class (possibly empty),
	// final states are grouped by their action-key-set signature.
	nonFinal := []StateID{}
	finalBySig := map[string][]StateID{}
	var finalSigOrder []string
	for i := 0; i < n; i++ {
		s := d.State(StateID(i))
		if !s.Accept {
			nonFinal = append(nonFinal, StateID(i))
			continue
		}
		sig := keysSignature(s.Keys)
		if _, ok := finalBySig[sig]; !ok {
			finalSigOrder = append(finalSigOrder, sig)
		}
		finalBySig[sig] = append(finalBySig[sig], StateID(i))
	}
	if len(nonFinal) > 0 {
		classes = append(classes, nonFinal)
	}
	sort.Strings(finalSigOrder)
	for _, sig := range finalSigOrder {
		classes = append(classes, finalBySig[sig])
	}
	for ci, members := range classes {
		for _, s := range members {
			class[s] = ci
		}
	}

	// Refine until fixed point. This is the textbook (non-Hopcroft-queue)
	// refinement: O(states^2 * alphabet) worst case, which is acceptable
	// here since per-NFA partitioning (filterset) already bounds DFA size.
	changed := true
	for changed {
		changed = false
		var next [][]StateID
		nextClass := make([]int, n)

		for _, members := range classes {
			if len(members) <= 1 {
				idx := len(next)
				next = append(next, members)
				for _, s := range members {
					nextClass[s] = idx
				}
				continue
			}

			groups := map[string][]StateID{}
			var order []string
			for _, s := range members {
				sig := transitionSignature(d, s, class)
				if _, ok := groups[sig]; !ok {
					order = append(order, sig)
				}
				groups[sig] = append(groups[sig], s)
			}
			sort.Strings(order)
			if len(order) > 1 {
				changed = true
			}
			for _, sig := range order {
				idx := len(next)
				next = append(next, groups[sig])
				for _, s := range groups[sig] {
					nextClass[s] = idx
				}
			}
		}

		classes = next
		class = nextClass
	}

	return buildFromPartition(d, classes, class)
}

// keysSignature builds a canonical string key from a sorted, deduplicated
// action-key set (already sorted/deduped by the point a DFA node is built).
func keysSignature(keys []uint64) string {
	buf := make([]byte, 0, 8*len(keys))
	for _, k := range keys {
		for shift := 56; shift >= 0; shift -= 8 {
			buf = append(buf, byte(k>>uint(shift)))
		}
	}
	return string(buf)
}

// transitionSignature describes how state s behaves against every breakpoint
// interval in terms of the *class* its target belongs to (or -1 for dead),
// which is exactly what two states must agree on, interval by interval, to
// remain merge-candidates in the current partition round.
func transitionSignature(d *DFA, s StateID, class []int) string {
	st := d.State(s)
	breaks := d.breaks
	buf := make([]byte, 0, 4*(len(breaks)-1))
	for bi := 0; bi+1 < len(breaks); bi++ {
		lo := byte(breaks[bi])
		target := st.transitionAt(lo)
		cls := -1
		if target != DeadState {
			cls = class[target]
		}
		buf = append(buf, byte(cls>>24), byte(cls>>16), byte(cls>>8), byte(cls))
	}
	return string(buf)
}

// buildFromPartition constructs the minimized DFA: one output state per
// class, with transitions remapped class-to-class and Keys/Accept taken
// from any representative member (all members of a final class share the
// same action-key-set by construction).
func buildFromPartition(d *DFA, classes [][]StateID, class []int) (*DFA, error) {
	out := make([]State, len(classes))
	for ci, members := range classes {
		rep := d.State(members[0])
		var trans []Range
		for _, r := range rep.Transitions {
			next := DeadState
			if r.Next != DeadState {
				next = StateID(class[r.Next])
			}
			trans = append(trans, Range{Lo: r.Lo, Hi: r.Hi, Next: next})
		}
		out[ci] = State{
			Transitions: mergeAdjacent(trans),
			Accept:      rep.Accept,
			Keys:        rep.Keys,
		}
	}
	return &DFA{states: out, start: StateID(class[d.start]), breaks: d.breaks}, nil
}
