package compiler

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/coregx/contentfilter/action"
	"github.com/coregx/contentfilter/matcher"
	"github.com/coregx/contentfilter/rule"
)

// captureClient records the two artifact writes in order.
type captureClient struct {
	actions  []byte
	bytecode []byte
	writes   []string
}

func (c *captureClient) WriteActions(data []byte) error {
	c.actions = data
	c.writes = append(c.writes, "actions")
	return nil
}

func (c *captureClient) WriteBytecode(data []byte) error {
	c.bytecode = data
	c.writes = append(c.writes, "bytecode")
	return nil
}

func compile(t *testing.T, rules []rule.Rule) (*captureClient, *Result) {
	t.Helper()
	client := &captureClient{}
	result, err := Compile(rules, client, DefaultConfig())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return client, result
}

// matchKinds compiles, matches, applies IgnorePreviousRules, and returns
// the decoded action kinds (with selectors) that survive.
func matchKinds(t *testing.T, rules []rule.Rule, url string, flags rule.Flag) []rule.Action {
	t.Helper()
	client, _ := compile(t, rules)
	keys, err := matcher.Match(client.bytecode, url, flags)
	if err != nil {
		t.Fatalf("matcher.Match() error = %v", err)
	}
	keys, err = matcher.ApplyIgnorePreviousRules(keys, client.actions)
	if err != nil {
		t.Fatalf("ApplyIgnorePreviousRules() error = %v", err)
	}
	out := make([]rule.Action, 0, len(keys))
	for _, k := range keys {
		act, _, err := action.Decode(client.actions, k.Offset())
		if err != nil {
			t.Fatalf("action.Decode() error = %v", err)
		}
		out = append(out, act)
	}
	return out
}

func TestCompileWritesActionsThenBytecode(t *testing.T) {
	client, _ := compile(t, []rule.Rule{rule.BlockLoad("ads", true, 0)})
	want := []string{"actions", "bytecode"}
	if diff := cmp.Diff(want, client.writes); diff != "" {
		t.Errorf("write order mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyRuleList(t *testing.T) {
	client, result := compile(t, nil)
	if len(client.actions) != 0 || len(client.bytecode) != 0 {
		t.Errorf("empty rule list produced %d action bytes, %d bytecode bytes; want 0, 0",
			len(client.actions), len(client.bytecode))
	}
	if len(result.ActionLocations) != 0 {
		t.Errorf("ActionLocations = %v, want empty", result.ActionLocations)
	}

	keys, err := matcher.Match(client.bytecode, "http://anything/", 0)
	if err != nil {
		t.Fatalf("matcher.Match() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Match on empty artifacts = %v, want empty", keys)
	}
}

func TestAnchoredHostPattern(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockLoad(`^https?://ads\.example\.com/`, true, 0),
	}

	got := matchKinds(t, rules, "http://ads.example.com/a", 0)
	want := []rule.Action{{Kind: rule.ActionBlockLoad}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ads host mismatch (-want +got):\n%s", diff)
	}

	got = matchKinds(t, rules, "http://cdn.example.com/", 0)
	if len(got) != 0 {
		t.Errorf("cdn host = %v, want no actions", got)
	}
}

func TestFlagMaskGatesMatch(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockCookies("track", true, 0x0004),
	}

	got := matchKinds(t, rules, "http://x/track", 0x0004)
	want := []rule.Action{{Kind: rule.ActionBlockCookies}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("matching flags (-want +got):\n%s", diff)
	}

	got = matchKinds(t, rules, "http://x/track", 0x0001)
	if len(got) != 0 {
		t.Errorf("non-matching flags = %v, want no actions", got)
	}
}

func TestAdjacentSelectorsCoalesce(t *testing.T) {
	rules := []rule.Rule{
		rule.HideSelector("ad", true, 0, ".ad"),
		rule.HideSelector("ad", true, 0, ".sponsor"),
		rule.BlockLoad("ad", true, 0),
	}

	client, result := compile(t, rules)
	if result.ActionLocations[0] != result.ActionLocations[1] {
		t.Errorf("coalesced selectors got offsets %d and %d, want identical",
			result.ActionLocations[0], result.ActionLocations[1])
	}

	keys, err := matcher.Match(client.bytecode, "http://x/ad", 0)
	if err != nil {
		t.Fatalf("matcher.Match() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Match() = %v, want 2 distinct keys", keys)
	}

	var sawSelector, sawBlock bool
	for _, k := range keys {
		act, _, err := action.Decode(client.actions, k.Offset())
		if err != nil {
			t.Fatalf("action.Decode() error = %v", err)
		}
		switch act.Kind {
		case rule.ActionCssDisplayNoneSelector:
			sawSelector = true
			if act.Selector != ".ad,.sponsor" {
				t.Errorf("coalesced selector = %q, want %q", act.Selector, ".ad,.sponsor")
			}
		case rule.ActionBlockLoad:
			sawBlock = true
		}
	}
	if !sawSelector || !sawBlock {
		t.Errorf("missing actions: selector=%v block=%v", sawSelector, sawBlock)
	}
}

func TestIgnorePreviousRulesDiscardsEarlierActions(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockLoad("evil", true, 0),
		rule.IgnorePreviousRules(".*", true, 0),
		rule.BlockCookies("evil", true, 0),
	}

	got := matchKinds(t, rules, "http://x/evil", 0)
	want := []rule.Action{{Kind: rule.ActionBlockCookies}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("post-reset actions (-want +got):\n%s", diff)
	}
}

func TestUniversalPatternMatchesAnyURL(t *testing.T) {
	rules := []rule.Rule{rule.BlockLoad(".*", true, 0)}

	for _, url := range []string{"http://a/", "x", "https://very.long.example/path?q=1"} {
		got := matchKinds(t, rules, url, 0)
		want := []rule.Action{{Kind: rule.ActionBlockLoad}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("universal match on %q (-want +got):\n%s", url, diff)
		}
	}
}

func TestUniversalCoexistsWithPerURLActions(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockLoad(".*", true, 0),
		rule.BlockCookies("track", true, 0),
	}

	got := matchKinds(t, rules, "http://x/track", 0)
	if len(got) != 2 {
		t.Fatalf("matchKinds() = %v, want the union of both actions", got)
	}

	got = matchKinds(t, rules, "http://x/clean", 0)
	want := []rule.Action{{Kind: rule.ActionBlockLoad}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("universal-only URL (-want +got):\n%s", diff)
	}
}

func TestCaseInsensitiveTrigger(t *testing.T) {
	rules := []rule.Rule{rule.BlockLoad("AdServer", false, 0)}

	for _, url := range []string{"http://x/adserver", "http://x/ADSERVER", "http://x/AdServer"} {
		got := matchKinds(t, rules, url, 0)
		if len(got) != 1 {
			t.Errorf("case-insensitive match on %q = %v, want one action", url, got)
		}
	}
	if got := matchKinds(t, []rule.Rule{rule.BlockLoad("AdServer", true, 0)}, "http://x/adserver", 0); len(got) != 0 {
		t.Errorf("case-sensitive match = %v, want none", got)
	}
}

func TestAlternationAndClasses(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockLoad("(ads|banners)/[0-9]+", true, 0),
	}

	for _, tt := range []struct {
		url  string
		want int
	}{
		{"http://x/ads/123", 1},
		{"http://x/banners/7", 1},
		{"http://x/ads/", 0},
		{"http://x/videos/123", 0},
	} {
		if got := matchKinds(t, rules, tt.url, 0); len(got) != tt.want {
			t.Errorf("matchKinds(%q) = %v, want %d actions", tt.url, got, tt.want)
		}
	}
}

func TestUniversalAfterIgnorePreviousRulesRejected(t *testing.T) {
	rules := []rule.Rule{
		rule.IgnorePreviousRules("reset", true, 0),
		rule.BlockLoad(".*", true, 0),
	}
	_, err := Compile(rules, &captureClient{}, DefaultConfig())
	if !errors.Is(err, ErrRegexMatchesEverythingAfterIgnorePrevious) {
		t.Errorf("Compile() error = %v, want ErrRegexMatchesEverythingAfterIgnorePrevious", err)
	}

	// The reverse order is fine: the universal rule precedes the reset.
	rules = []rule.Rule{
		rule.BlockLoad(".*", true, 0),
		rule.IgnorePreviousRules("reset", true, 0),
	}
	if _, err := Compile(rules, &captureClient{}, DefaultConfig()); err != nil {
		t.Errorf("Compile() error = %v, want success", err)
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	tests := []string{"(unclosed", "a[", "a[z-a]", "*dangling", "tail\\"}
	for _, pattern := range tests {
		client := &captureClient{}
		_, err := Compile([]rule.Rule{rule.BlockLoad(pattern, true, 0)}, client, DefaultConfig())
		if !errors.Is(err, ErrInvalidRegex) {
			t.Errorf("Compile(%q) error = %v, want ErrInvalidRegex", pattern, err)
		}
		if client.writes != nil {
			t.Errorf("Compile(%q) wrote artifacts despite failing", pattern)
		}
	}
}

func TestInvalidActionRejected(t *testing.T) {
	rules := []rule.Rule{{
		Trigger: rule.Trigger{Pattern: "x", CaseSensitive: true},
		Action:  rule.Action{Kind: rule.ActionInvalid},
	}}
	_, err := Compile(rules, &captureClient{}, DefaultConfig())
	if !errors.Is(err, ErrInvalidAction) {
		t.Errorf("Compile() error = %v, want ErrInvalidAction", err)
	}
}

func TestTooManyUniversalActions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUniversalActions = 1
	rules := []rule.Rule{
		rule.BlockLoad(".*", true, 0),
		rule.BlockCookies(".*", true, 0),
	}
	_, err := Compile(rules, &captureClient{}, cfg)
	if !errors.Is(err, ErrTooManyUniversalActions) {
		t.Errorf("Compile() error = %v, want ErrTooManyUniversalActions", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero universal cap", func(c *Config) { c.MaxUniversalActions = 0 }},
		{"universal cap too large", func(c *Config) { c.MaxUniversalActions = 1 << 17 }},
		{"negative pattern depth", func(c *Config) { c.MaxPatternDepth = -1 }},
		{"negative prefix depth", func(c *Config) { c.PrefixDepth = -1 }},
		{"negative aho threshold", func(c *Config) { c.AhoCorasickThreshold = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := Compile(nil, &captureClient{}, cfg); err == nil {
				t.Error("Compile() succeeded with invalid config")
			}
		})
	}
}

func TestCompilationIsDeterministic(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockLoad(`^https?://ads\.example\.com/`, true, 0),
		rule.BlockCookies("track", false, 0x0004),
		rule.HideSelector("ad", true, 0, ".ad"),
		rule.HideSelector("ad", true, 0, ".sponsor"),
		rule.BlockLoad("(ads|banners)/[0-9]+", true, 0),
		rule.BlockLoad(".*", true, 0),
	}

	c1, _ := compile(t, rules)
	c2, _ := compile(t, rules)
	if !bytes.Equal(c1.actions, c2.actions) {
		t.Error("two compilations produced different action buffers")
	}
	if !bytes.Equal(c1.bytecode, c2.bytecode) {
		t.Error("two compilations produced different bytecode")
	}
}

func TestLiteralFastPathThreshold(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockLoad("track", true, 0),
		rule.BlockLoad("pixel", true, 0),
		rule.BlockLoad("beacon", true, 0),
	}

	cfg := DefaultConfig()
	cfg.AhoCorasickThreshold = 2
	client := &captureClient{}
	result, err := Compile(rules, client, cfg)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if result.LiteralIndex == nil {
		t.Fatal("LiteralIndex = nil, want index above threshold")
	}

	keys := result.LiteralIndex.Match([]byte("http://x/pixel"))
	if len(keys) != 1 || rule.ActionKey(keys[0]).Offset() != result.ActionLocations[1] {
		t.Errorf("LiteralIndex.Match() = %v, want pixel's action key", keys)
	}

	// Below the threshold no index is built.
	cfg.AhoCorasickThreshold = 10
	result, err = Compile(rules, &captureClient{}, cfg)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if result.LiteralIndex != nil {
		t.Error("LiteralIndex built below threshold")
	}
}

func TestActionLocationsIndexValidRecords(t *testing.T) {
	rules := []rule.Rule{
		rule.BlockLoad("a", true, 0),
		rule.BlockLoad("b", true, 0), // identical action reuses the offset
		rule.HideSelector("c", true, 0, ".x"),
		rule.BlockCookies("d", true, 0),
	}
	client, result := compile(t, rules)

	if result.ActionLocations[0] != result.ActionLocations[1] {
		t.Errorf("identical consecutive actions got offsets %d and %d, want shared",
			result.ActionLocations[0], result.ActionLocations[1])
	}
	for i, off := range result.ActionLocations {
		if _, _, err := action.Decode(client.actions, off); err != nil {
			t.Errorf("rule %d offset %d does not decode: %v", i, off, err)
		}
	}
}
