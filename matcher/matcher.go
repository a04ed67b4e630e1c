// Package matcher implements the match entry point: a thin wrapper
// around bytecode.Match that returns rule.ActionKey values instead of
// raw uint64s, plus the ApplyIgnorePreviousRules helper that resolves
// reset actions at match time.
package matcher

import (
	"sort"

	"github.com/coregx/contentfilter/action"
	"github.com/coregx/contentfilter/bytecode"
	"github.com/coregx/contentfilter/rule"
)

// Match runs bytecodeProgram against url under queryFlags and returns the
// deduplicated set of triggered action keys, sorted for deterministic
// output. Callers index into the action buffer with each key's Offset()
// to recover the action the key denotes.
func Match(bytecodeProgram []byte, url string, queryFlags rule.Flag) ([]rule.ActionKey, error) {
	raw, err := bytecode.Match(bytecodeProgram, []byte(url), uint16(queryFlags))
	if err != nil {
		return nil, err
	}
	keys := make([]rule.ActionKey, 0, len(raw))
	for k := range raw {
		keys = append(keys, rule.ActionKey(k))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// ApplyIgnorePreviousRules resolves reset actions in a triggered set: if
// the set contains an IgnorePreviousRules action, that action and every
// triggered action whose offset is lower are discarded, preserving rule-list
// authoring order. actionData is the compiled action buffer, needed to
// recognize which offsets denote IgnorePreviousRules.
//
// This is deliberately not folded into Match, so a caller that wants the
// raw triggered set (e.g. for diagnostics) can call Match alone.
func ApplyIgnorePreviousRules(keys []rule.ActionKey, actionData []byte) ([]rule.ActionKey, error) {
	cutoff := uint32(0)
	found := false
	for _, k := range keys {
		act, _, err := action.Decode(actionData, k.Offset())
		if err != nil {
			return nil, err
		}
		if act.Kind == rule.ActionIgnorePreviousRules && (!found || k.Offset() > cutoff) {
			cutoff = k.Offset()
			found = true
		}
	}
	if !found {
		return keys, nil
	}

	// Offsets at or below cutoff are discarded: lower-numbered rules, and
	// the IgnorePreviousRules marker itself, which is a control signal
	// rather than a caller-actionable result.
	out := make([]rule.ActionKey, 0, len(keys))
	for _, k := range keys {
		if k.Offset() > cutoff {
			out = append(out, k)
		}
	}
	return out, nil
}
