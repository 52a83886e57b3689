package command

import (
	"regexp"
	"strings"
)

// kindPrefixes maps the explicit "<kind>:" prefixes to their variants.
// Matching is case-insensitive on the first token.
var kindPrefixes = map[string]Kind{
	"idea":    KindIdea,
	"plan":    KindPlan,
	"task":    KindTask,
	"project": KindProject,
	"relay":   KindRelay,
	"health":  KindHealth,
	"history": KindHistory,
	"usage":   KindUsage,
	"logs":    KindLogs,
	"system":  KindSystem,
}

var approvalIDRe = regexp.MustCompile(`^[a-z2-9]{6}$`)

// Parse classifies effective text (post-policy, prefix and tag already
// stripped) into a Command. It never fails: text that matches nothing is
// a Chat.
func Parse(text string) Command {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)

	// Bare control keywords first. An explicit prefix below always wins over
	// these, but none of them collide.
	switch lower {
	case "status":
		return Command{Kind: KindStatus}
	case "help", "?":
		return Command{Kind: KindHelp}
	case "clear context", "new chat":
		return Command{Kind: KindClearContext}
	case "deny all", "deny-all":
		return Command{Kind: KindDenyAll}
	}

	if c, ok := parseApproval(text, lower); ok {
		return c
	}

	if i := strings.Index(text, ":"); i > 0 {
		head := strings.ToLower(strings.TrimSpace(text[:i]))
		if kind, ok := kindPrefixes[head]; ok {
			rest := strings.TrimSpace(text[i+1:])
			c := Command{Kind: kind}
			switch kind {
			case KindSystem:
				fields := strings.Fields(rest)
				if len(fields) > 0 {
					c.SystemSub = strings.ToLower(fields[0])
					c.Body = strings.TrimSpace(rest[len(fields[0]):])
				}
			case KindHistory:
				c.Body = rest
			default:
				c.Workspace, c.Body = splitWorkspace(rest)
			}
			return c
		}
	}

	ws, body := splitWorkspace(text)
	return Command{
		Kind:             KindChat,
		Workspace:        ws,
		Body:             body,
		PossiblyMutating: looksMutating(body),
	}
}

// parseApproval handles "approve <id> [extra]" and "deny <id>". The id must
// look like a request id so ordinary sentences starting with "approve" fall
// through to Chat.
func parseApproval(text, lower string) (Command, bool) {
	var kind Kind
	switch {
	case strings.HasPrefix(lower, "approve "):
		kind = KindApprove
	case strings.HasPrefix(lower, "deny "):
		kind = KindDeny
	default:
		return Command{}, false
	}

	rest := strings.TrimSpace(text[len(kind):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Command{}, false
	}
	id := strings.ToLower(fields[0])
	if !approvalIDRe.MatchString(id) {
		return Command{}, false
	}
	c := Command{Kind: kind, ApprovalID: id}
	if kind == KindApprove && len(fields) > 1 {
		c.Extra = strings.TrimSpace(rest[len(fields[0]):])
	}
	return c, true
}

// splitWorkspace pulls a leading @alias off the body. Only the first token
// counts; an @ later in the text is plain content.
func splitWorkspace(s string) (alias, body string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "@") {
		return "", s
	}
	rest := s[1:]
	i := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if i < 0 {
		return rest, ""
	}
	return rest[:i], strings.TrimSpace(rest[i:])
}

// mutationHints are verbs that suggest an unprefixed chat wants a change to
// the world rather than an answer. The heuristic errs toward requiring
// approval.
var mutationHints = []string{
	"create", "write", "delete", "remove", "move", "rename", "install",
	"deploy", "send ", "email ", "update", "fix ", "change", "modify",
	"push", "commit", "run ", "execute", "schedule", "cancel ", "archive",
	"set up", "setup", "make ",
}

func looksMutating(body string) bool {
	lower := strings.ToLower(body)
	for _, h := range mutationHints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}
