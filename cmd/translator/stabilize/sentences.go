package stabilize

import "strings"

var sentenceTerminators = []string{".", "!", "?", "…", "。", "！", "？"}

// endsSentence reports whether a word closes a sentence, allowing for a
// trailing quote or bracket after the punctuation.
func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]»`)
	for _, t := range sentenceTerminators {
		if strings.HasSuffix(word, t) {
			return true
		}
	}
	return false
}

// SplitSentences splits words into complete sentences, each ending on
// terminal punctuation, plus the unterminated remainder.
func SplitSentences(words []string) (sentences []string, rest []string) {
	start := 0
	for i, w := range words {
		if endsSentence(w) {
			sentences = append(sentences, strings.Join(words[start:i+1], " "))
			start = i + 1
		}
	}
	return sentences, words[start:]
}
