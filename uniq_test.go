package memori

import (
	"strings"
	"testing"
)

func TestFingerprint_NormalizesCaseAndPunctuation(t *testing.T) {
	a := Fingerprint("Alice Smith", "alice@example.com")
	b := Fingerprint("alice smith", "ALICE @ EXAMPLE . COM")
	if a == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if a != b {
		t.Errorf("equivalent inputs diverged: %q vs %q", a, b)
	}
}

func TestFingerprint_TermBoundariesDoNotMatter(t *testing.T) {
	// Terms concatenate before hashing, so splitting differently is
	// the same identity.
	a := Fingerprint("alice", "smith")
	b := Fingerprint("alicesmith")
	if a != b {
		t.Errorf("got %q and %q, want equal", a, b)
	}
}

func TestFingerprint_DistinctInputsDiffer(t *testing.T) {
	if Fingerprint("alice") == Fingerprint("bob") {
		t.Error("distinct inputs produced the same fingerprint")
	}
}

func TestFingerprint_Shape(t *testing.T) {
	fp := Fingerprint("alice")
	if len(fp) != 64 {
		t.Errorf("got length %d, want 64 hex chars", len(fp))
	}
	if fp != strings.ToLower(fp) {
		t.Errorf("fingerprint %q is not lowercase hex", fp)
	}
}

func TestFingerprint_EmptyAfterNormalization(t *testing.T) {
	for _, input := range [][]string{
		nil,
		{""},
		{"  ", "---", "!!!"},
	} {
		if got := Fingerprint(input...); got != "" {
			t.Errorf("Fingerprint(%q) = %q, want empty", input, got)
		}
	}
}

func TestFingerprint_KeepsDigits(t *testing.T) {
	if Fingerprint("user-1") == Fingerprint("user-2") {
		t.Error("digits must survive normalization")
	}
}
