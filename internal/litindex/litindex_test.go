package litindex

import (
	"reflect"
	"testing"
)

func TestMatchFindsLiteralsAnywhere(t *testing.T) {
	b := NewBuilder()
	b.Add("track", 1)
	b.Add("pixel", 2)
	b.Add("beacon", 3)
	idx, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		url  string
		want []uint64
	}{
		{"http://x/track", []uint64{1}},
		{"http://pixel.example/track", []uint64{1, 2}},
		{"http://clean.example/", []uint64{}},
		{"trackpixelbeacon", []uint64{1, 2, 3}},
	}
	for _, tt := range tests {
		got := idx.Match([]byte(tt.url))
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestDuplicateLiteralsAccumulateKeys(t *testing.T) {
	b := NewBuilder()
	b.Add("ads", 10)
	b.Add("ads", 20)
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
	idx, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := idx.Match([]byte("http://x/ads"))
	if !reflect.DeepEqual(got, []uint64{10, 20}) {
		t.Errorf("Match() = %v, want both keys of the shared literal", got)
	}
}
