// Package compiler implements the top-level Compile orchestration: the
// rule list is serialized into an action buffer, each trigger pattern is
// parsed into the filterset, the partitioned NFAs are converted and
// minimized one at a time, and the resulting bytecode and action buffer
// are handed to the caller's Client.
package compiler

import (
	"errors"

	"github.com/coregx/contentfilter/action"
	"github.com/coregx/contentfilter/automaton/dfa"
	"github.com/coregx/contentfilter/bytecode"
	"github.com/coregx/contentfilter/filterset"
	"github.com/coregx/contentfilter/internal/litindex"
	"github.com/coregx/contentfilter/rule"
	"github.com/coregx/contentfilter/urlpattern"
)

// Client receives the two compiled artifacts, in order, exactly once
// each: actions first, then bytecode.
type Client interface {
	WriteActions(data []byte) error
	WriteBytecode(data []byte) error
}

// Result carries metadata beyond the two buffers the Client receives:
// caller-optional information (e.g. for diagnostics or the literal fast
// path), never required to interpret the compiled program.
type Result struct {
	// ActionLocations mirrors action.Serialize's per-rule offsets.
	ActionLocations []uint32
	// UniversalActionCount is how many MatchesEverything triggers were
	// collected.
	UniversalActionCount int
	// LiteralIndex is non-nil when the rule list contained more than
	// Config.AhoCorasickThreshold purely-literal triggers: an
	// Aho-Corasick automaton reporting which of those literal triggers
	// occur in a URL, without decoding a single DFA transition. Triggers
	// with metacharacters or anchors are not in it, and its matching is
	// byte-exact, also for triggers that are not case-sensitive.
	LiteralIndex *litindex.Index
}

// Compile runs the full pipeline and hands the two artifacts to client.
// If compilation fails, client receives no writes; an error returned by
// client.WriteActions stops before WriteBytecode is called.
func Compile(rules []rule.Rule, client Client, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	actionData, locations, err := action.Serialize(rules)
	if err != nil {
		return nil, convertActionError(err)
	}

	fs := filterset.New(cfg.PrefixDepth, cfg.MaxPatternDepth)
	litBuilder := litindex.NewBuilder()
	sawIgnorePrevious := false

	for i, r := range rules {
		key := rule.NewActionKey(r.Trigger.Flags, locations[i])

		if isPureLiteral(r.Trigger.Pattern) {
			litBuilder.Add(r.Trigger.Pattern, uint64(key))
		}

		status, err := fs.Add(r.Trigger.Pattern, r.Trigger.CaseSensitive, key)
		if err != nil {
			return nil, convertParseError(i, r.Trigger.Pattern, err)
		}
		if status == urlpattern.MatchesEverything && sawIgnorePrevious {
			return nil, &RegexMatchesEverythingAfterIgnorePreviousRulesError{RuleIndex: i}
		}
		if r.Action.Kind == rule.ActionIgnorePreviousRules {
			sawIgnorePrevious = true
		}
	}
	rules = nil // the rule list is no longer needed once triggers are parsed

	universal := fs.UniversalActions()
	if len(universal) > cfg.MaxUniversalActions {
		return nil, &TooManyUniversalActionsError{Count: len(universal)}
	}
	universalKeys := make([]uint64, len(universal))
	for i, k := range universal {
		universalKeys[i] = uint64(k)
	}

	nfas, err := fs.CreateNFAs()
	if err != nil {
		return nil, err
	}

	dfas := make([]*dfa.DFA, 0, len(nfas))
	for i, n := range nfas {
		built, err := dfa.Build(n)
		if err != nil {
			return nil, err
		}
		nfas[i] = nil // free each NFA once it's converted; peak memory stays bounded

		minimized, err := dfa.Minimize(built)
		if err != nil {
			return nil, err
		}
		dfas = append(dfas, minimized)
	}
	nfas = nil

	program, err := bytecode.Compile(dfas, universalKeys)
	if err != nil {
		var tooLarge *bytecode.ProgramTooLargeError
		if errors.As(err, &tooLarge) {
			return nil, &ProgramTooLargeError{Size: tooLarge.Size}
		}
		return nil, err
	}
	dfas = nil

	result := &Result{ActionLocations: locations, UniversalActionCount: len(universal)}
	if litBuilder.Len() > cfg.AhoCorasickThreshold {
		idx, err := litBuilder.Build()
		if err != nil {
			return nil, err
		}
		result.LiteralIndex = idx
	}

	if err := client.WriteActions(actionData); err != nil {
		return nil, err
	}
	if err := client.WriteBytecode(program); err != nil {
		return nil, err
	}
	return result, nil
}

func convertActionError(err error) error {
	var invalid *action.InvalidActionError
	if errors.As(err, &invalid) {
		return &InvalidActionError{RuleIndex: invalid.RuleIndex}
	}
	var tooLarge *action.ActionTooLargeError
	if errors.As(err, &tooLarge) {
		return &ActionTooLargeError{RuleIndex: tooLarge.RuleIndex, Length: tooLarge.Length}
	}
	return err
}

func convertParseError(ruleIndex int, pattern string, err error) error {
	var invalid *urlpattern.InvalidRegexError
	if errors.As(err, &invalid) {
		return &InvalidRegexError{RuleIndex: ruleIndex, Pattern: pattern, Reason: invalid.Reason}
	}
	return &InvalidRegexError{RuleIndex: ruleIndex, Pattern: pattern, Reason: err.Error()}
}

// isPureLiteral reports whether pattern contains no dialect metacharacter
// or anchor, i.e. would match itself and nothing else.
func isPureLiteral(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '.', '[', '(', ')', '|', '?', '*', '+', '^', '$', '\\':
			return false
		}
	}
	return len(pattern) > 0
}
