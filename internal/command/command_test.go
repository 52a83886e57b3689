package command

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"hello there", Command{Kind: KindChat, Body: "hello there"}},
		{"task: create file foo.txt", Command{Kind: KindTask, Body: "create file foo.txt"}},
		{"TASK: create file foo.txt", Command{Kind: KindTask, Body: "create file foo.txt"}},
		{"idea: use sqlite for the cache", Command{Kind: KindIdea, Body: "use sqlite for the cache"}},
		{"plan: refactor the poller", Command{Kind: KindPlan, Body: "refactor the poller"}},
		{"project: ship v2", Command{Kind: KindProject, Body: "ship v2"}},
		{"relay: tell mom I'll be late", Command{Kind: KindRelay, Body: "tell mom I'll be late"}},
		{"task: @work add a healthcheck", Command{Kind: KindTask, Workspace: "work", Body: "add a healthcheck"}},
		{"@home how do I restart the router", Command{Kind: KindChat, Workspace: "home", Body: "how do I restart the router"}},
		{"approve ab3cd9", Command{Kind: KindApprove, ApprovalID: "ab3cd9"}},
		{"Approve ab3cd9 and be careful", Command{Kind: KindApprove, ApprovalID: "ab3cd9", Extra: "and be careful"}},
		{"deny ab3cd9", Command{Kind: KindDeny, ApprovalID: "ab3cd9"}},
		{"deny all", Command{Kind: KindDenyAll}},
		{"status", Command{Kind: KindStatus}},
		{"Status", Command{Kind: KindStatus}},
		{"health:", Command{Kind: KindHealth}},
		{"history: router", Command{Kind: KindHistory, Body: "router"}},
		{"history:", Command{Kind: KindHistory}},
		{"usage:", Command{Kind: KindUsage}},
		{"logs:", Command{Kind: KindLogs}},
		{"system: mute", Command{Kind: KindSystem, SystemSub: "mute"}},
		{"system: cancel run abc", Command{Kind: KindSystem, SystemSub: "cancel", Body: "run abc"}},
		{"clear context", Command{Kind: KindClearContext}},
		{"new chat", Command{Kind: KindClearContext}},
		{"help", Command{Kind: KindHelp}},
		{"?", Command{Kind: KindHelp}},
		// Sentences that merely start with a control word stay Chat.
		{"approve of my plan?", Command{Kind: KindChat, Body: "approve of my plan?"}},
		{"deny everything he said", Command{Kind: KindChat, Body: "deny everything he said"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Parse(tt.in)
			got.PossiblyMutating = tt.want.PossiblyMutating
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseMutationHeuristic(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"what time is it", false},
		{"summarize my inbox", false},
		{"delete the old backups", true},
		{"please create a note about rent", true},
		{"send an email to the landlord", true},
		{"how does the scheduler work", false},
	}
	for _, tt := range tests {
		c := Parse(tt.in)
		if c.Kind != KindChat {
			t.Fatalf("Parse(%q).Kind = %s, want chat", tt.in, c.Kind)
		}
		if c.PossiblyMutating != tt.want {
			t.Errorf("Parse(%q).PossiblyMutating = %v, want %v", tt.in, c.PossiblyMutating, tt.want)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	cmds := []Command{
		{Kind: KindChat, Body: "hello"},
		{Kind: KindChat, Workspace: "work", Body: "hello"},
		{Kind: KindTask, Body: "create file"},
		{Kind: KindTask, Workspace: "home", Body: "fix the wifi"},
		{Kind: KindIdea, Body: "use sqlite"},
		{Kind: KindPlan, Body: "v2 rollout"},
		{Kind: KindProject, Body: "ship it"},
		{Kind: KindRelay, Body: "tell mom hi"},
		{Kind: KindApprove, ApprovalID: "ab3cd9"},
		{Kind: KindApprove, ApprovalID: "ab3cd9", Extra: "but carefully"},
		{Kind: KindDeny, ApprovalID: "ab3cd9"},
		{Kind: KindDenyAll},
		{Kind: KindStatus},
		{Kind: KindHealth},
		{Kind: KindHistory, Body: "router"},
		{Kind: KindUsage},
		{Kind: KindLogs},
		{Kind: KindSystem, SystemSub: "mute"},
		{Kind: KindClearContext},
		{Kind: KindHelp},
	}
	for _, c := range cmds {
		text := Format(c)
		got := Parse(text)
		got.PossiblyMutating = c.PossiblyMutating
		if got != c {
			t.Errorf("round trip %+v → %q → %+v", c, text, got)
		}
	}
}

func TestMutatingAndControl(t *testing.T) {
	if !(Command{Kind: KindTask}).Mutating() {
		t.Error("task must require approval")
	}
	if !(Command{Kind: KindProject}).Mutating() {
		t.Error("project must require approval")
	}
	if (Command{Kind: KindIdea}).Mutating() {
		t.Error("idea must not require approval")
	}
	if !(Command{Kind: KindChat, PossiblyMutating: true}).Mutating() {
		t.Error("possibly-mutating chat must require approval")
	}
	if (Command{Kind: KindChat}).Control() {
		t.Error("chat is not a control command")
	}
	if !(Command{Kind: KindStatus}).Control() {
		t.Error("status is a control command")
	}
}
