package mail

import (
	"strings"
	"testing"
	"time"
)

func TestMailboxRef(t *testing.T) {
	tests := []struct {
		mailbox, want string
	}{
		{"inbox", "inbox"},
		{"INBOX", "inbox"},
		{"Inbox", "inbox"},
		{"Receipts", `mailbox "Receipts"`},
	}
	for _, tt := range tests {
		c := &Channel{opts: Options{Mailbox: tt.mailbox}}
		if got := c.mailboxRef(); got != tt.want {
			t.Errorf("mailboxRef(%q) = %q, want %q", tt.mailbox, got, tt.want)
		}
	}
}

func TestFetchScriptUsesGlobalInboxForDefault(t *testing.T) {
	c := &Channel{opts: Options{Mailbox: "INBOX", MaxAge: 24 * time.Hour}}
	script := c.fetchScript()
	if strings.Contains(script, `mailbox "INBOX"`) {
		t.Errorf("default mailbox not resolved to the global inbox:\n%s", script)
	}
	if !strings.Contains(script, "of inbox") {
		t.Errorf("script missing global inbox reference:\n%s", script)
	}
}

func TestParseFetchOutput(t *testing.T) {
	out := "101<|f|>Alice <alice@example.com><|f|>!!agent do thing<|f|>please handle this<|r|>" +
		"102<|f|>bob@example.com<|f|>hi<|f|>multi\nline\nbody<|r|>"
	msgs := parseFetchOutput(out)
	if len(msgs) != 2 {
		t.Fatalf("parsed %d messages", len(msgs))
	}
	if msgs[0].ID != "101" || msgs[0].Subject != "!!agent do thing" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].Body != "multi\nline\nbody" {
		t.Errorf("second body = %q", msgs[1].Body)
	}
}

func TestParseFetchOutputEmptyAndMalformed(t *testing.T) {
	if got := parseFetchOutput(""); got != nil {
		t.Errorf("empty output = %v", got)
	}
	// A record missing fields is dropped, the rest survive.
	out := "broken-record<|r|>7<|f|>a@b.c<|f|>s<|f|>body<|r|>"
	msgs := parseFetchOutput(out)
	if len(msgs) != 1 || msgs[0].ID != "7" {
		t.Errorf("msgs = %+v", msgs)
	}
}
