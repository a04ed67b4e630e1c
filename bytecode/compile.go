package bytecode

import (
	"encoding/binary"
	"sort"

	"github.com/coregx/contentfilter/automaton/dfa"
	"github.com/coregx/contentfilter/internal/conv"
	"github.com/coregx/contentfilter/internal/sparse"
)

// Compile lowers dfas into a single concatenated bytecode program.
// universal carries the action keys collected from `MatchesEverything`
// triggers: they are attached to the root node of the first sub-program,
// creating a one-node synthetic sub-program if dfas is empty but
// universal is not.
//
// Compile(nil, nil) returns (nil, nil): an empty rule list compiles to an
// empty program.
func Compile(dfas []*dfa.DFA, universal []uint64) ([]byte, error) {
	if len(dfas) == 0 && len(universal) == 0 {
		return nil, nil
	}

	var out []byte
	if len(dfas) == 0 {
		sub, err := emitSubProgram(nil, sortedUniqueU64(universal))
		if err != nil {
			return nil, err
		}
		return append(out, sub...), nil
	}

	for i, d := range dfas {
		var extra []uint64
		if i == 0 {
			extra = sortedUniqueU64(universal)
		}
		sub, err := emitSubProgram(d, extra)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func sortedUniqueU64(in []uint64) []uint64 {
	if len(in) == 0 {
		return nil
	}
	out := append([]uint64(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	w := 1
	for r := 1; r < len(out); r++ {
		if out[r] != out[w-1] {
			out[w] = out[r]
			w++
		}
	}
	return out[:w]
}

// actionItem is one AppendAction/TestFlagsAndAppend instruction in
// abstract form.
type actionItem struct {
	flags  uint16
	offset uint32
}

func (a actionItem) size() int {
	if a.flags == 0 {
		return 1 + 4 // opcode + u32 offset
	}
	return 1 + 2 + 4 // opcode + u16 mask + u32 offset
}

// checkItem is one CheckValue*/CheckRange* instruction in abstract form,
// with next referring to a node index (resolved to a PC by the caller).
type checkItem struct {
	lo, hi     byte
	caseInsens bool
	next       int // index into the node-order slice
}

func (c checkItem) size() int {
	if c.lo == c.hi {
		return 1 + 1 + 3 // opcode + value + u24 jump
	}
	return 1 + 1 + 1 + 3 // opcode + lo + hi + u24 jump
}

// emitSubProgram lowers one DFA (or, if d is nil, a synthetic single-node
// program carrying only extraRootActions) into one length-prefixed
// sub-program.
func emitSubProgram(d *dfa.DFA, extraRootActions []uint64) ([]byte, error) {
	if d == nil {
		return frame(emitUniversalNode(extraRootActions)), nil
	}

	order := bfsOrder(d)
	nodeOf := make(map[dfa.StateID]int, len(order))
	for i, id := range order {
		nodeOf[id] = i
	}

	// Pass 1: build each node's abstract instruction list and measure size.
	type built struct {
		actions []actionItem
		checks  []checkItem
		size    int
	}
	nodes := make([]built, len(order))
	for i, id := range order {
		st := d.State(id)
		var extra []uint64
		if i == 0 {
			extra = extraRootActions
		}
		actions := actionItems(st.Keys, extra)
		checks := foldCasePairs(st.Transitions, nodeOf)

		size := 0
		for _, a := range actions {
			size += a.size()
		}
		for _, c := range checks {
			size += c.size()
		}
		size++ // Terminate
		nodes[i] = built{actions: actions, checks: checks, size: size}
	}

	pc := make([]int, len(order))
	total := 0
	for i, n := range nodes {
		pc[i] = total
		total += n.size
	}
	if total > maxProgramBytes {
		return nil, &ProgramTooLargeError{Size: total}
	}

	body := make([]byte, 0, total)
	for _, n := range nodes {
		for _, a := range n.actions {
			body = emitAction(body, a)
		}
		for _, c := range n.checks {
			target := pc[c.next]
			body = emitCheck(body, c, target)
		}
		body = append(body, OpTerminate)
	}
	return frame(body), nil
}

// emitUniversalNode is the degenerate single-node path used by the
// synthetic universal-only sub-program (no DFA, no transitions).
func emitUniversalNode(extra []uint64) []byte {
	var body []byte
	for _, a := range actionItems(nil, extra) {
		body = emitAction(body, a)
	}
	return append(body, OpTerminate)
}

// actionItems merges a DFA node's own sorted action-key set with any
// extra (root-only universal) keys, sorts the union, and converts each
// to an abstract instruction. Action appends always precede a node's
// transition checks in the emitted stream.
func actionItems(keys []uint64, extra []uint64) []actionItem {
	merged := sortedUniqueU64(append(append([]uint64(nil), keys...), extra...))
	out := make([]actionItem, len(merged))
	for i, k := range merged {
		out[i] = actionItem{flags: uint16(k >> 32), offset: uint32(k)}
	}
	return out
}

func emitAction(buf []byte, a actionItem) []byte {
	if a.flags == 0 {
		buf = append(buf, OpAppendAction)
		return appendU32(buf, a.offset)
	}
	buf = append(buf, OpTestFlagsAndAppend)
	buf = appendU16(buf, a.flags)
	return appendU32(buf, a.offset)
}

func emitCheck(buf []byte, c checkItem, target int) []byte {
	op := OpCheckRange
	switch {
	case c.lo == c.hi && c.caseInsens:
		op = OpCheckValueCaseInsens
	case c.lo == c.hi:
		op = OpCheckValueCaseSens
	case c.caseInsens:
		op = OpCheckRangeCaseInsens
	}
	buf = append(buf, op)
	buf = append(buf, c.lo)
	if c.lo != c.hi {
		buf = append(buf, c.hi)
	}
	return appendU24(buf, conv.IntToUint32(target))
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU24(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16))
}

// frame prefixes body with its u32 little-endian byte length so the
// interpreter can skip to the next sub-program on a miss.
func frame(body []byte) []byte {
	out := make([]byte, subProgramHeaderSize, subProgramHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

// bfsOrder visits d's states breadth-first from the start state, in
// ascending-byte transition order, so PC allocation is deterministic.
// visited is bounded by d.NumStates(), which is known up front, so a
// SparseSet beats a map here.
func bfsOrder(d *dfa.DFA) []dfa.StateID {
	n := d.NumStates()
	visited := sparse.NewSparseSet(conv.IntToUint32(n))
	order := make([]dfa.StateID, 0, n)
	queue := []dfa.StateID{d.Start()}
	visited.Insert(uint32(d.Start()))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		st := d.State(id)
		for _, r := range st.Transitions {
			if !visited.Contains(uint32(r.Next)) {
				visited.Insert(uint32(r.Next))
				queue = append(queue, r.Next)
			}
		}
	}
	return order
}

// foldCasePairs converts a DFA node's sorted, non-overlapping transition
// ranges into check items, collapsing any pair of ranges that are exact
// ASCII upper/lower mirrors of each other (same width, same target) into
// a single case-insensitive check. Such pairs arise routinely because
// urlpattern expands case-insensitive literals into two-element byte
// sets at parse time; folding them back at the bytecode layer halves the
// check count for case-insensitive triggers without changing automaton
// semantics.
func foldCasePairs(trans []dfa.Range, nodeOf map[dfa.StateID]int) []checkItem {
	used := make([]bool, len(trans))
	items := make([]checkItem, 0, len(trans))
	for i, r := range trans {
		if used[i] {
			continue
		}
		if j, lo, hi, ok := findCaseMirror(trans, used, i); ok {
			used[j] = true
			items = append(items, checkItem{lo: lo, hi: hi, caseInsens: true, next: nodeOf[r.Next]})
			continue
		}
		items = append(items, checkItem{lo: r.Lo, hi: r.Hi, next: nodeOf[r.Next]})
	}
	return items
}

// findCaseMirror looks for an unused range in trans that is the opposite
// ASCII case of trans[i] (entirely within 'a'-'z' or 'A'-'Z') and shares
// its target, returning the canonical (lowercase) lo/hi to store.
func findCaseMirror(trans []dfa.Range, used []bool, i int) (j int, lo, hi byte, ok bool) {
	r := trans[i]
	var mLo, mHi byte
	switch {
	case isLowerRange(r.Lo, r.Hi):
		mLo, mHi = r.Lo-32, r.Hi-32
		lo, hi = r.Lo, r.Hi
	case isUpperRange(r.Lo, r.Hi):
		mLo, mHi = r.Lo+32, r.Hi+32
		lo, hi = mLo, mHi
	default:
		return 0, 0, 0, false
	}
	for k := range trans {
		if used[k] || k == i {
			continue
		}
		if trans[k].Lo == mLo && trans[k].Hi == mHi && trans[k].Next == r.Next {
			return k, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

func isLowerRange(lo, hi byte) bool { return lo >= 'a' && hi <= 'z' }
func isUpperRange(lo, hi byte) bool { return lo >= 'A' && hi <= 'Z' }
