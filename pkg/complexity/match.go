package complexity

import "strings"

// countMatches returns how many distinct terms occur in text on word
// boundaries. Both text and terms are compared lowercased.
func countMatches(text string, terms []string) int {
	seen := make(map[string]bool, len(terms))
	n := 0
	for _, term := range terms {
		term = strings.ToLower(term)
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		if containsTerm(text, term) {
			n++
		}
	}
	return n
}

// containsTerm checks every occurrence of term, so "hi" inside "this" does
// not hide a later standalone "hi".
func containsTerm(text, term string) bool {
	offset := 0
	for {
		idx := strings.Index(text[offset:], term)
		if idx == -1 {
			return false
		}
		start := offset + idx
		end := start + len(term)
		if (start == 0 || !isWordChar(text[start-1])) && (end == len(text) || !isWordChar(text[end])) {
			return true
		}
		offset = start + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
