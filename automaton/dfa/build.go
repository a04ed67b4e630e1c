package dfa

import (
	"encoding/binary"
	"sort"

	"github.com/coregx/contentfilter/automaton/nfa"
)

// Build runs subset construction over n, producing a deterministic DFA.
// Iteration is ordered (sorted breakpoints, FIFO worklist seeded in a
// single deterministic pass) so that two runs over an identical NFA
// produce byte-identical output.
func Build(n *nfa.NFA) (*DFA, error) {
	breaks := breakpoints(n)

	startIDs := closure(n, []nfa.StateID{n.Start()})
	memo := map[string]StateID{stateKey(startIDs): 0}
	frontier := map[StateID][]nfa.StateID{0: startIDs}
	states := []State{{}}
	queue := []StateID{0}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ids := frontier[id]

		keys := actionKeysOf(n, ids)
		if len(keys) > 65535 {
			return nil, &ErrTooManyActionKeys{Count: len(keys)}
		}
		accept := false
		for _, nid := range ids {
			if n.IsMatch(nid) {
				accept = true
				break
			}
		}

		var trans []Range
		for bi := 0; bi+1 < len(breaks); bi++ {
			lo := byte(breaks[bi])
			hi := byte(breaks[bi+1] - 1)

			moveSet := move(n, ids, lo)
			if len(moveSet) == 0 {
				continue
			}
			closed := closure(n, moveSet)
			key := stateKey(closed)

			target, ok := memo[key]
			if !ok {
				target = StateID(len(states))
				memo[key] = target
				frontier[target] = closed
				states = append(states, State{})
				queue = append(queue, target)
			}
			trans = append(trans, Range{Lo: lo, Hi: hi, Next: target})
		}

		states[id] = State{Transitions: mergeAdjacent(trans), Accept: accept, Keys: keys}
	}

	return &DFA{states: states, start: 0, breaks: breaks}, nil
}

// breakpoints collects every byte boundary at which some NFA transition
// begins or ends, producing the elementary-interval partition of the
// alphabet used throughout subset construction. Within one interval,
// every NFA state behaves uniformly, so one representative byte per
// interval suffices.
func breakpoints(n *nfa.NFA) []int {
	set := map[int]bool{0: true, nfa.AlphabetSize: true}
	for i := 0; i < n.States(); i++ {
		st := n.State(nfa.StateID(i))
		switch st.Kind() {
		case nfa.StateByteRange:
			lo, hi, _ := st.ByteRange()
			set[int(lo)] = true
			set[int(hi)+1] = true
		case nfa.StateSparse:
			for _, tr := range st.Sparse() {
				set[int(tr.Lo)] = true
				set[int(tr.Hi)+1] = true
			}
		}
	}
	out := make([]int, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// closure returns the epsilon-closure of seed (following Split/Epsilon
// states), sorted ascending by StateID so stateKey is canonical.
func closure(n *nfa.NFA, seed []nfa.StateID) []nfa.StateID {
	seen := map[nfa.StateID]bool{}
	var out []nfa.StateID
	var visit func(id nfa.StateID)
	visit = func(id nfa.StateID) {
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
		st := n.State(id)
		if st == nil {
			return
		}
		switch st.Kind() {
		case nfa.StateEpsilon:
			visit(st.Epsilon())
		case nfa.StateSplit:
			l, r := st.Split()
			visit(l)
			visit(r)
		}
	}
	for _, id := range seed {
		visit(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// move returns, for every byte-consuming state in ids whose range
// covers b, the state reached.
func move(n *nfa.NFA, ids []nfa.StateID, b byte) []nfa.StateID {
	var out []nfa.StateID
	for _, id := range ids {
		st := n.State(id)
		if st == nil {
			continue
		}
		switch st.Kind() {
		case nfa.StateByteRange:
			lo, hi, next := st.ByteRange()
			if b >= lo && b <= hi {
				out = append(out, next)
			}
		case nfa.StateSparse:
			for _, tr := range st.Sparse() {
				if b >= tr.Lo && b <= tr.Hi {
					out = append(out, tr.Next)
				}
			}
		}
	}
	return out
}

// mergeAdjacent collapses consecutive ranges with identical Next into
// one, keeping the output transition table compact.
func mergeAdjacent(trans []Range) []Range {
	if len(trans) == 0 {
		return nil
	}
	out := trans[:1]
	for _, r := range trans[1:] {
		last := &out[len(out)-1]
		if last.Next == r.Next && last.Hi+1 == r.Lo {
			last.Hi = r.Hi
			continue
		}
		out = append(out, r)
	}
	return out
}

// stateKey builds a canonical, collision-free memoization key from a
// sorted state-id list: the exact byte encoding of the list is used
// directly as the map key rather than a hash, which is both simpler and
// exact.
func stateKey(ids []nfa.StateID) string {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(id))
	}
	return string(buf)
}
