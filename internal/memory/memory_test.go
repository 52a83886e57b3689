package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendTopicAndSnippet(t *testing.T) {
	o := New(t.TempDir())

	if err := o.AppendTopic("Home Network", "router is a UniFi Dream Machine"); err != nil {
		t.Fatalf("AppendTopic: %v", err)
	}
	if err := o.AppendTopic("Home Network", "guest wifi password rotated"); err != nil {
		t.Fatalf("AppendTopic again: %v", err)
	}

	snip, err := o.Snippet(4000)
	if err != nil {
		t.Fatalf("Snippet: %v", err)
	}
	if !strings.Contains(snip, "home-network") || !strings.Contains(snip, "guest wifi") {
		t.Errorf("snippet = %q", snip)
	}
}

func TestSnippetBound(t *testing.T) {
	o := New(t.TempDir())
	o.AppendTopic("big", strings.Repeat("word ", 2000))

	snip, err := o.Snippet(500)
	if err != nil {
		t.Fatalf("Snippet: %v", err)
	}
	if len(snip) > 500 {
		t.Errorf("snippet over bound: %d chars", len(snip))
	}

	if snip, _ := o.Snippet(0); snip != "" {
		t.Error("zero bound should yield empty snippet")
	}
}

func TestSnippetPrefersRecentTopics(t *testing.T) {
	root := t.TempDir()
	o := New(root)
	o.AppendTopic("old", "stale fact")
	o.AppendTopic("new", "fresh fact")

	// Make the ordering unambiguous.
	old := filepath.Join(root, "topics", "old.md")
	past := time.Now().Add(-time.Hour)
	os.Chtimes(old, past, past)

	snip, _ := o.Snippet(40)
	if !strings.Contains(snip, "fresh fact") {
		t.Errorf("recent topic missing from tight snippet: %q", snip)
	}
}

func TestWriteDailyAndInbox(t *testing.T) {
	root := t.TempDir()
	o := New(root)

	if err := o.WriteDaily("digest", "# Digest\nall quiet"); err != nil {
		t.Fatalf("WriteDaily: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(root, "daily", "*-digest.md"))
	if len(matches) != 1 {
		t.Fatalf("daily files = %v", matches)
	}

	if items, _ := o.InboxItems(); len(items) != 0 {
		t.Errorf("expected empty inbox, got %v", items)
	}
	o.EnsureLayout()
	os.WriteFile(filepath.Join(root, "inbox", "idea.md"), []byte("x"), 0o644)
	items, err := o.InboxItems()
	if err != nil || len(items) != 1 || items[0] != "idea.md" {
		t.Errorf("inbox = %v, %v", items, err)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Home Network", "home-network"},
		{"  Fancy!! Topic  ", "fancy-topic"},
		{"already-slugged", "already-slugged"},
	}
	for _, tt := range tests {
		if got := slug(tt.in); got != tt.want {
			t.Errorf("slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
