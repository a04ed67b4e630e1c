package bytecode

import (
	"bytes"
	"testing"

	"github.com/coregx/contentfilter/automaton/dfa"
	"github.com/coregx/contentfilter/automaton/nfa"
)

// buildDFA compiles a hand-built NFA chain for s (with one action key on
// its match state) into a minimized DFA.
func buildDFA(t *testing.T, s string, key uint64) *dfa.DFA {
	t.Helper()
	b := nfa.NewBuilder()
	match := b.AddMatch()
	next := match
	for i := len(s) - 1; i >= 0; i-- {
		next = b.AddByteRange(s[i], s[i], next)
	}
	b.SetStart(next)
	n, err := b.Build([]nfa.Attachment{{State: match, Key: key}})
	if err != nil {
		t.Fatalf("nfa.Build() error = %v", err)
	}
	d, err := dfa.Build(n)
	if err != nil {
		t.Fatalf("dfa.Build() error = %v", err)
	}
	m, err := dfa.Minimize(d)
	if err != nil {
		t.Fatalf("dfa.Minimize() error = %v", err)
	}
	return m
}

func TestCompileEmptyProgram(t *testing.T) {
	program, err := Compile(nil, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if program != nil {
		t.Errorf("Compile(nil, nil) = %v, want nil", program)
	}

	got, err := Match(program, []byte("http://example.com/"), 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Match on empty program = %v, want empty", got)
	}
}

func TestUniversalOnlyProgram(t *testing.T) {
	program, err := Compile(nil, []uint64{42})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if len(program) == 0 {
		t.Fatal("universal-only program is empty")
	}

	got, err := Match(program, []byte("x"), 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if _, ok := got[42]; !ok {
		t.Errorf("Match() = %v, want key 42 present", got)
	}
}

func TestMatchLiteral(t *testing.T) {
	d := buildDFA(t, "ab", 7)
	program, err := Compile([]*dfa.DFA{d}, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	tests := []struct {
		url  string
		want bool
	}{
		{"ab", true},
		{"abc", true},
		{"ba", false},
		{"a", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := Match(program, []byte(tt.url), 0)
		if err != nil {
			t.Fatalf("Match(%q) error = %v", tt.url, err)
		}
		if _, ok := got[7]; ok != tt.want {
			t.Errorf("Match(%q) key 7 present = %v, want %v", tt.url, ok, tt.want)
		}
	}
}

func TestMatchFlagGated(t *testing.T) {
	const flags = uint64(0x0004)
	key := flags<<32 | 9
	d := buildDFA(t, "track", key)
	program, err := Compile([]*dfa.DFA{d}, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	got, err := Match(program, []byte("track"), 0x0004)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if _, ok := got[key]; !ok {
		t.Errorf("Match with matching flags = %v, want key present", got)
	}

	got, err = Match(program, []byte("track"), 0x0001)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Match with non-matching flags = %v, want empty", got)
	}
}

func TestMatchEndAnchor(t *testing.T) {
	// "a$": consume 'a', then the end-of-URL sentinel.
	b := nfa.NewBuilder()
	match := b.AddMatch()
	dollar := b.AddByteRange(nfa.SentinelByte, nfa.SentinelByte, match)
	a := b.AddByteRange('a', 'a', dollar)
	b.SetStart(a)
	n, err := b.Build([]nfa.Attachment{{State: match, Key: 3}})
	if err != nil {
		t.Fatalf("nfa.Build() error = %v", err)
	}
	d, err := dfa.Build(n)
	if err != nil {
		t.Fatalf("dfa.Build() error = %v", err)
	}
	program, err := Compile([]*dfa.DFA{d}, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	got, err := Match(program, []byte("a"), 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if _, ok := got[3]; !ok {
		t.Errorf(`Match("a") = %v, want key 3 (anchored at end)`, got)
	}

	got, err = Match(program, []byte("ab"), 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf(`Match("ab") = %v, want empty (input continues past anchor)`, got)
	}
}

func TestFoldCasePairsEmitsCaseInsensitiveChecks(t *testing.T) {
	// A DFA state with mirrored 'a' and 'A' transitions to the same
	// target compiles to a single case-insensitive check.
	b := nfa.NewBuilder()
	match := b.AddMatch()
	letter := b.AddSparse([]nfa.Transition{
		{Lo: 'a', Hi: 'a', Next: match},
		{Lo: 'A', Hi: 'A', Next: match},
	})
	b.SetStart(letter)
	n, err := b.Build([]nfa.Attachment{{State: match, Key: 1}})
	if err != nil {
		t.Fatalf("nfa.Build() error = %v", err)
	}
	d, err := dfa.Build(n)
	if err != nil {
		t.Fatalf("dfa.Build() error = %v", err)
	}
	program, err := Compile([]*dfa.DFA{d}, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	if !bytes.Contains(program, []byte{OpCheckValueCaseInsens}) {
		t.Error("program contains no case-insensitive check instruction")
	}
	for _, url := range []string{"a", "A"} {
		got, err := Match(program, []byte(url), 0)
		if err != nil {
			t.Fatalf("Match(%q) error = %v", url, err)
		}
		if _, ok := got[1]; !ok {
			t.Errorf("Match(%q) = %v, want key 1", url, got)
		}
	}
}

func TestMatchUnionsSubPrograms(t *testing.T) {
	d1 := buildDFA(t, "ads", 1)
	d2 := buildDFA(t, "adx", 2)
	program, err := Compile([]*dfa.DFA{d1, d2}, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	got, err := Match(program, []byte("ads"), 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if _, ok := got[1]; !ok {
		t.Errorf("Match() = %v, want key 1 from first sub-program", got)
	}
	if _, ok := got[2]; ok {
		t.Errorf("Match() = %v, second sub-program should not fire", got)
	}

	got, err = Match(program, []byte("adx"), 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if _, ok := got[2]; !ok {
		t.Errorf("Match() = %v, want key 2 from second sub-program", got)
	}
}

func TestUniversalAttachesToFirstSubProgramOnly(t *testing.T) {
	d1 := buildDFA(t, "aa", 1)
	d2 := buildDFA(t, "bb", 2)
	program, err := Compile([]*dfa.DFA{d1, d2}, []uint64{99})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	got, err := Match(program, []byte("zz"), 0)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if _, ok := got[99]; !ok {
		t.Errorf("Match() = %v, want universal key 99 on any input", got)
	}
	if len(got) != 1 {
		t.Errorf("Match() = %v, want only the universal key", got)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	build := func() []byte {
		d1 := buildDFA(t, "track", 1)
		d2 := buildDFA(t, "pixel", 2)
		program, err := Compile([]*dfa.DFA{d1, d2}, []uint64{50, 40})
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		return program
	}
	if !bytes.Equal(build(), build()) {
		t.Error("two compilations of identical DFAs produced different bytecode")
	}
}

func TestMatchRejectsTruncatedProgram(t *testing.T) {
	program, err := Compile(nil, []uint64{1})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if _, err := Match(program[:len(program)-1], []byte("x"), 0); err == nil {
		t.Error("Match on truncated program succeeded, want error")
	}
}
