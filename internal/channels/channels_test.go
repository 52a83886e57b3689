package channels

import (
	"strings"
	"testing"
	"time"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`plain`, `plain`},
		{`say "hi"`, `say \"hi\"`},
		{`back\slash`, `back\\slash`},
		{"line1\nline2", `line1\nline2`},
		{"crlf\r\nend", `crlf\nend`},
		{`both "q" and \`, `both \"q\" and \\`},
	}
	for _, tt := range tests {
		if got := EscapeAppleScript(tt.in); got != tt.want {
			t.Errorf("EscapeAppleScript(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChunkPreservesOrderAndContent(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 40)
	chunks := Chunk(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Errorf("chunk %d over budget: %d runes", i, len([]rune(c)))
		}
	}
	joined := strings.Join(strings.Fields(strings.Join(chunks, " ")), " ")
	want := strings.Join(strings.Fields(text), " ")
	if joined != want {
		t.Error("chunks do not reassemble to the original text")
	}
}

func TestChunkShortText(t *testing.T) {
	got := Chunk("short", 100)
	if len(got) != 1 || got[0] != "short" {
		t.Errorf("Chunk(short) = %v", got)
	}
	if got := Chunk("   ", 100); got != nil {
		t.Errorf("Chunk(blank) = %v, want nil", got)
	}
}

func TestChunkPrefersParagraphBreaks(t *testing.T) {
	text := "first paragraph here.\n\nsecond paragraph follows."
	chunks := Chunk(text, 30)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %v", chunks)
	}
	if chunks[0] != "first paragraph here." {
		t.Errorf("first chunk = %q", chunks[0])
	}
}

func TestChunkHardCutsLongWord(t *testing.T) {
	word := strings.Repeat("x", 250)
	chunks := Chunk(word, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != word {
		t.Error("hard cut lost content")
	}
}

func TestDeduper(t *testing.T) {
	d := NewDeduper(90 * time.Second)
	base := time.Unix(5000, 0)
	clock := base
	d.now = func() time.Time { return clock }

	if d.Suppress("imessage", "+15551234567", "done") {
		t.Fatal("first send suppressed")
	}
	if !d.Suppress("imessage", "+15551234567", "done") {
		t.Error("identical send within window not suppressed")
	}
	// Different recipient or text is a different fingerprint.
	if d.Suppress("imessage", "+15550000000", "done") {
		t.Error("different recipient suppressed")
	}
	if d.Suppress("imessage", "+15551234567", "done!") {
		t.Error("different text suppressed")
	}
	// Window elapses.
	clock = base.Add(91 * time.Second)
	if d.Suppress("imessage", "+15551234567", "done") {
		t.Error("send after window suppressed")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate = %q", got)
	}
}
