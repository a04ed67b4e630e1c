// Package filterset implements the combined-URL-filter partitioner: it
// accumulates every trigger pattern in a rule list, groups them by their
// longest shared literal prefix in a byte trie (to keep each
// subset-constructed NFA small; subset construction is exponential worst
// case), and emits one NFA per trie node holding a bucket via CreateNFAs.
// Interior nodes can hold buckets too: a pattern whose literal prefix is
// shorter than another's gets its own NFA and is not merged into the
// longer prefix's NFA. Patterns the
// parser flags as `MatchesEverything` never enter the trie at all; their
// action keys are collected separately as universal actions.
package filterset

import (
	"fmt"
	"sort"

	"github.com/coregx/contentfilter/automaton/nfa"
	"github.com/coregx/contentfilter/rule"
	"github.com/coregx/contentfilter/urlpattern"
)

// DefaultPrefixDepth bounds how many literal prefix bytes are used to
// key the partitioning trie. Beyond this depth, patterns sharing a
// longer common prefix still land in the same bucket (the last trie
// node reached) rather than growing the trie arbitrarily deep for
// diminishing returns.
const DefaultPrefixDepth = 4

// Filterset accumulates triggers and partitions them for NFA
// construction. The zero value is not usable; construct with New.
type Filterset struct {
	prefixDepth   int
	maxParseDepth int

	root      *trieNode
	universal []rule.ActionKey
}

type trieNode struct {
	children map[byte]*trieNode
	bucket   *bucket
}

type bucket struct {
	builder  *nfa.Builder
	fragment []pendingFragment
}

type pendingFragment struct {
	frag          urlpattern.Fragment
	anchoredStart bool
	key           rule.ActionKey
}

// New creates an empty Filterset. prefixDepth and maxParseDepth use
// DefaultPrefixDepth / the urlpattern package default when zero.
func New(prefixDepth, maxParseDepth int) *Filterset {
	if prefixDepth <= 0 {
		prefixDepth = DefaultPrefixDepth
	}
	return &Filterset{
		prefixDepth:   prefixDepth,
		maxParseDepth: maxParseDepth,
		root:          &trieNode{},
	}
}

// Add parses pattern and files its compiled fragment into the
// appropriate prefix bucket, or (for a `MatchesEverything` pattern)
// into the universal-action list. It returns the parser's status so the
// caller can apply checks that depend on rule ordering across the whole
// list, which is not this package's concern.
func (f *Filterset) Add(pattern string, caseSensitive bool, key rule.ActionKey) (urlpattern.Status, error) {
	// Universal patterns never touch a bucket: parsing one would leave
	// unresolvable loop states behind in the bucket's shared builder.
	if urlpattern.IsUniversal(pattern) {
		f.universal = append(f.universal, key)
		return urlpattern.MatchesEverything, nil
	}

	b := f.bucketBuilder(pattern)
	res, err := urlpattern.Parse(b.builder, pattern, caseSensitive, f.maxParseDepth)
	if err != nil {
		return 0, err
	}

	b.fragment = append(b.fragment, pendingFragment{
		frag:          res.Fragment,
		anchoredStart: res.AnchoredStart,
		key:           key,
	})
	return urlpattern.Ok, nil
}

// UniversalActions returns the action keys of every `MatchesEverything`
// trigger added so far, in insertion order.
func (f *Filterset) UniversalActions() []rule.ActionKey {
	return f.universal
}

// bucketBuilder walks (creating as needed) the trie down to the literal
// prefix of pattern, up to f.prefixDepth bytes, and returns its bucket.
func (f *Filterset) bucketBuilder(pattern string) *bucket {
	prefix := literalPrefix(pattern)
	if len(prefix) > f.prefixDepth {
		prefix = prefix[:f.prefixDepth]
	}

	n := f.root
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if n.children == nil {
			n.children = make(map[byte]*trieNode)
		}
		child, ok := n.children[c]
		if !ok {
			child = &trieNode{}
			n.children[c] = child
		}
		n = child
	}
	if n.bucket == nil {
		n.bucket = &bucket{builder: nfa.NewBuilder()}
	}
	return n.bucket
}

// literalPrefix extracts the longest run of unescaped, non-metacharacter
// bytes from the start of pattern (after stripping a leading `^`,
// which carries no byte content). It is a partitioning heuristic only:
// it need not perfectly track urlpattern's grammar, since grouping
// patterns differently only affects NFA count, never match semantics.
func literalPrefix(pattern string) string {
	i := 0
	if i < len(pattern) && pattern[i] == '^' {
		i++
	}
	var out []byte
	for i < len(pattern) {
		c := pattern[i]
		if c == '\\' {
			if i+1 >= len(pattern) {
				break
			}
			out = append(out, pattern[i+1])
			i += 2
			continue
		}
		if isMetachar(c) {
			break
		}
		out = append(out, c)
		i++
	}
	return string(out)
}

func isMetachar(c byte) bool {
	switch c {
	case '.', '[', '(', '|', '?', '*', '+', '$':
		return true
	default:
		return false
	}
}

// CreateNFAs finalizes every non-empty bucket into its own NFA, chaining
// each bucket's pattern fragments together with Split states so a bucket
// with N patterns produces a single NFA with one start state reaching all
// N accepting states.
func (f *Filterset) CreateNFAs() ([]*nfa.NFA, error) {
	var out []*nfa.NFA
	var walk func(n *trieNode) error
	walk = func(n *trieNode) error {
		if n.bucket != nil {
			built, err := finalizeBucket(n.bucket)
			if err != nil {
				return err
			}
			out = append(out, built)
		}
		// Children are visited in byte order: map iteration order would
		// leak into sub-program order and break byte-identical output
		// across compilations of the same rule list.
		bytes := make([]int, 0, len(n.children))
		for c := range n.children {
			bytes = append(bytes, int(c))
		}
		sort.Ints(bytes)
		for _, c := range bytes {
			if err := walk(n.children[byte(c)]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(f.root); err != nil {
		return nil, err
	}
	return out, nil
}

func finalizeBucket(b *bucket) (*nfa.NFA, error) {
	if len(b.fragment) == 0 {
		return nil, fmt.Errorf("filterset: empty bucket reached createNFAs")
	}

	var attachments []nfa.Attachment
	starts := make([]nfa.StateID, 0, len(b.fragment))

	for _, pf := range b.fragment {
		match := b.builder.AddMatch()
		if err := b.builder.PatchAll(pf.frag.Out, match); err != nil {
			return nil, err
		}
		attachments = append(attachments, nfa.Attachment{State: match, Key: uint64(pf.key)})

		start := pf.frag.Start
		if !pf.anchoredStart {
			start = wrapUnanchored(b.builder, start)
		}
		starts = append(starts, start)
	}

	combined := starts[len(starts)-1]
	for i := len(starts) - 2; i >= 0; i-- {
		combined = b.builder.AddSplit(starts[i], combined)
	}
	b.builder.SetStart(combined)

	return b.builder.Build(attachments)
}

// wrapUnanchored prepends the ".*"-equivalent unanchored-search prefix
// to start: optionally consume one arbitrary byte and loop, or proceed
// directly into the real pattern. This lets a non-`^`-anchored pattern
// match starting at any position in the URL.
func wrapUnanchored(b *nfa.Builder, start nfa.StateID) nfa.StateID {
	consumer := b.AddSparse([]nfa.Transition{{Lo: 0, Hi: 127, Next: nfa.InvalidState}})
	loop := b.AddSplit(consumer, start)
	// Patch error is impossible here: consumer was just created as Sparse.
	_ = b.Patch(nfa.Dangling{State: consumer, Kind: nfa.PatchSparseAll}, loop)
	return loop
}
