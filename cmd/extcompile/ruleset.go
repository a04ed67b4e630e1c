package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coregx/contentfilter/rule"
)

// ruleDoc is the on-disk rule representation the CLI decodes, kept
// separate from rule.Rule so the wire format can use readable flag and
// action-kind names instead of the packed bit/opcode values the compiler
// consumes.
type ruleDoc struct {
	Pattern       string   `json:"pattern" yaml:"pattern"`
	CaseSensitive bool     `json:"caseSensitive" yaml:"case-sensitive"`
	Flags         []string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Action        struct {
		Kind     string `json:"kind" yaml:"kind"`
		Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	} `json:"action" yaml:"action"`
}

var flagNames = map[string]rule.Flag{
	"document":      rule.FlagDocument,
	"image":         rule.FlagImage,
	"style-sheet":   rule.FlagStyleSheet,
	"script":        rule.FlagScript,
	"font":          rule.FlagFont,
	"raw":           rule.FlagRaw,
	"svg-document":  rule.FlagSVGDocument,
	"media":         rule.FlagMedia,
	"popup":         rule.FlagPopup,
	"ping":          rule.FlagPing,
	"third-party":   rule.FlagThirdParty,
	"first-party":   rule.FlagFirstParty,
	"if-domain":     rule.FlagIfDomain,
	"unless-domain": rule.FlagUnlessDomain,
}

var actionKindNames = map[string]rule.ActionKind{
	"block-load":                rule.ActionBlockLoad,
	"block-cookies":             rule.ActionBlockCookies,
	"ignore-previous-rules":     rule.ActionIgnorePreviousRules,
	"css-display-none-selector": rule.ActionCssDisplayNoneSelector,
}

// loadRules decodes a rule-list file (JSON by extension .json, YAML
// otherwise) into the compiler's in-memory Rule slice.
func loadRules(path string) ([]rule.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extcompile: read %s: %w", path, err)
	}

	var docs []ruleDoc
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("extcompile: decode %s as JSON: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("extcompile: decode %s as YAML: %w", path, err)
		}
	}

	rules := make([]rule.Rule, len(docs))
	for i, d := range docs {
		flags, err := resolveFlags(d.Flags)
		if err != nil {
			return nil, fmt.Errorf("extcompile: rule %d: %w", i, err)
		}
		kind, ok := actionKindNames[d.Action.Kind]
		if !ok {
			return nil, fmt.Errorf("extcompile: rule %d: unknown action kind %q", i, d.Action.Kind)
		}
		rules[i] = rule.Rule{
			Trigger: rule.Trigger{Pattern: d.Pattern, CaseSensitive: d.CaseSensitive, Flags: flags},
			Action:  rule.Action{Kind: kind, Selector: d.Action.Selector},
		}
	}
	return rules, nil
}

func resolveFlags(names []string) (rule.Flag, error) {
	var out rule.Flag
	for _, n := range names {
		f, ok := flagNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", n)
		}
		out |= f
	}
	return out, nil
}
