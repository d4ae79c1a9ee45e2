package complexity

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

var stopWords = map[language.Tag][]string{
	language.English: {
		"the", "and", "is", "are", "of", "to", "in", "that", "it", "with",
		"for", "this", "what", "how", "you", "can", "please", "a", "an",
	},
	language.Indonesian: {
		"yang", "dan", "di", "ke", "dari", "ini", "itu", "untuk", "dengan",
		"adalah", "apa", "bagaimana", "tidak", "saya", "anda", "bisa", "tolong", "buat", "dalam",
	},
}

// DetectLanguage picks the language whose stop words are densest in text.
// It returns language.Und when no stop word matches or the counts tie.
func DetectLanguage(text string) language.Tag {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) == 0 {
		return language.Und
	}

	counts := make(map[language.Tag]int, len(stopWords))
	for tag, list := range stopWords {
		set := make(map[string]bool, len(list))
		for _, w := range list {
			set[w] = true
		}
		for _, w := range words {
			if set[w] {
				counts[tag]++
			}
		}
	}

	best, bestCount, tied := language.Und, 0, false
	for _, tag := range []language.Tag{language.English, language.Indonesian} {
		switch n := counts[tag]; {
		case n > bestCount:
			best, bestCount, tied = tag, n, false
		case n == bestCount && n > 0:
			tied = true
		}
	}
	if tied {
		return language.Und
	}
	return best
}
