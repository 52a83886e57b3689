package channels

import "strings"

// Chunk splits text into delivery-sized pieces, at most max runes each, in
// order. It prefers paragraph breaks, then line breaks, then spaces, and
// hard-cuts only when a single word exceeds the budget.
func Chunk(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len([]rune(rest)) > max {
		head := string([]rune(rest)[:max])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(head, sep); i > 0 {
				cut = i + len(sep)
				break
			}
		}
		if cut <= 0 {
			cut = len(head)
		}
		chunks = append(chunks, strings.TrimSpace(rest[:cut]))
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
