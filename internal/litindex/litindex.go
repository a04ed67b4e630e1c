// Package litindex builds an Aho-Corasick index over purely-literal
// triggers (patterns with no metacharacter or anchor). A caller can run
// it as a cheap pre-filter ahead of the bytecode program: it answers
// "which literal triggers occur in this URL" without decoding a single
// DFA transition.
package litindex

import (
	"bytes"
	"sort"

	"github.com/coregx/ahocorasick"
)

// Index maps literal byte strings to the action keys their triggers
// carry, backed by one Aho-Corasick automaton.
type Index struct {
	automaton *ahocorasick.Automaton
	// byLiteral maps each distinct literal to the keys of every trigger
	// that used it. The automaton reports match positions, not pattern
	// indices, so matched substrings are resolved back to keys here.
	byLiteral map[string][]uint64
}

// Builder accumulates literal patterns before Build constructs the
// automaton once.
type Builder struct {
	byLiteral map[string][]uint64
	order     []string
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{byLiteral: make(map[string][]uint64)}
}

// Add registers one literal trigger with the action key it fires.
// Duplicate literals accumulate their keys under a single pattern.
func (b *Builder) Add(literal string, key uint64) {
	if _, ok := b.byLiteral[literal]; !ok {
		b.order = append(b.order, literal)
	}
	b.byLiteral[literal] = append(b.byLiteral[literal], key)
}

// Len reports how many Add calls have been made so far (counting
// duplicate literals each time, matching the caller's trigger count).
func (b *Builder) Len() int {
	n := 0
	for _, keys := range b.byLiteral {
		n += len(keys)
	}
	return n
}

// Build finalizes the automaton.
func (b *Builder) Build() (*Index, error) {
	inner := ahocorasick.NewBuilder()
	for _, lit := range b.order {
		inner.AddPattern([]byte(lit))
	}
	auto, err := inner.Build()
	if err != nil {
		return nil, err
	}
	return &Index{automaton: auto, byLiteral: b.byLiteral}, nil
}

// Match returns the sorted, deduplicated set of action keys for every
// literal occurring anywhere in url. Duplicate occurrences of the same
// literal contribute their keys only once.
func (idx *Index) Match(url []byte) []uint64 {
	seen := map[uint64]struct{}{}
	at := 0
	for at <= len(url) {
		m := idx.automaton.Find(url, at)
		if m == nil {
			break
		}
		// Several literals may begin at m.Start (one a prefix of another),
		// but Find reports only one of them; collect every one here.
		rest := url[m.Start:]
		for lit, keys := range idx.byLiteral {
			if bytes.HasPrefix(rest, []byte(lit)) {
				for _, k := range keys {
					seen[k] = struct{}{}
				}
			}
		}
		at = m.Start + 1
	}
	out := make([]uint64, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
