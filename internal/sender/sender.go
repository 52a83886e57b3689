// Package sender defines the normalized identity of a human counterparty.
// All sender comparisons across the daemon go through the ID type so that
// raw-string comparisons of un-normalized values are a compile error.
package sender

import "strings"

// ID is a normalized sender identifier: digits with a leading "+" for phone
// numbers, a lowercased mailbox for email addresses.
type ID string

// Normalize canonicalizes a raw sender string into an ID.
// Phone numbers keep digits and a single leading "+"; email addresses are
// lowercased and trimmed. Anything else is trimmed and lowercased as-is.
func Normalize(raw string) ID {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "@") {
		return ID(strings.ToLower(s))
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ID(strings.ToLower(s))
	}
	return ID(b.String())
}

// String returns the normalized form.
func (id ID) String() string { return string(id) }

// IsEmail reports whether the identifier looks like a mailbox.
func (id ID) IsEmail() bool { return strings.Contains(string(id), "@") }

// Set is an allowlist of normalized senders.
type Set map[ID]struct{}

// NewSet normalizes each raw entry into a Set. Empty entries are skipped.
func NewSet(raw []string) Set {
	s := make(Set, len(raw))
	for _, r := range raw {
		if id := Normalize(r); id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Contains reports allowlist membership.
func (s Set) Contains(id ID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in no particular order.
func (s Set) IDs() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
