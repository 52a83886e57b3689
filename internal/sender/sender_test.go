package sender

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ID
	}{
		{"plain phone", "+15551234567", "+15551234567"},
		{"formatted phone", "+1 (555) 123-4567", "+15551234567"},
		{"phone without plus", "555.123.4567", "5551234567"},
		{"plus not leading", "555+123", "555123"},
		{"email lowercased", "Some.One@Example.COM", "some.one@example.com"},
		{"email trimmed", "  a@b.c  ", "a@b.c"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
		{"opaque handle", "Steve", "steve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.raw); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// Normalization must be idempotent: normalizing a normalized ID is a no-op.
func TestNormalizeIdempotent(t *testing.T) {
	for _, raw := range []string{"+1 (555) 123-4567", "User@Example.com", "steve"} {
		once := Normalize(raw)
		twice := Normalize(string(once))
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", raw, once, twice)
		}
	}
}

func TestSet(t *testing.T) {
	s := NewSet([]string{"+1 (555) 123-4567", "Owner@Example.com", ""})
	if len(s) != 2 {
		t.Fatalf("expected 2 members, got %d", len(s))
	}
	if !s.Contains(Normalize("+15551234567")) {
		t.Error("expected phone member")
	}
	if !s.Contains("owner@example.com") {
		t.Error("expected email member")
	}
	if s.Contains("+15550000000") {
		t.Error("unexpected member")
	}
}
