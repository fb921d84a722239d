package outbound

import (
	"strings"
	"unicode"
)

// ExtractMentions returns the participant ids mentioned as @id in text, without
// the leading @, deduplicated and in order of first appearance.
func ExtractMentions(text string) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, word := range strings.Fields(text) {
		if !strings.HasPrefix(word, "@") {
			continue
		}
		id := strings.TrimRightFunc(word[1:], func(r rune) bool {
			return unicode.IsPunct(r) && r != '_' && r != '-'
		})
		if id == "" || strings.Contains(id, "@") {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
