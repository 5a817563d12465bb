package stabilize

import (
	"strings"
	"sync"
)

const (
	// DefaultMaxSentences and DefaultMaxWords cap the rolling translation
	// context per speaker.
	DefaultMaxSentences = 3
	DefaultMaxWords     = 512
)

// ContextBuffer holds the most recent confirmed source-language sentences
// for one speaker. Its snapshot conditions the translation of the next
// utterance.
type ContextBuffer struct {
	mut          sync.Mutex
	sentences    []string
	wordCounts   []int
	words        int
	maxSentences int
	maxWords     int
}

func NewContextBuffer(maxSentences, maxWords int) *ContextBuffer {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	return &ContextBuffer{
		maxSentences: maxSentences,
		maxWords:     maxWords,
	}
}

// Push appends a confirmed sentence, then evicts oldest sentences while
// either the sentence cap or the whitespace-tokenized word cap is exceeded.
func (b *ContextBuffer) Push(sentence string) {
	words := len(strings.Fields(sentence))
	if words == 0 {
		return
	}

	b.mut.Lock()
	defer b.mut.Unlock()

	b.sentences = append(b.sentences, sentence)
	b.wordCounts = append(b.wordCounts, words)
	b.words += words

	for len(b.sentences) > 0 && (len(b.sentences) > b.maxSentences || b.words > b.maxWords) {
		b.words -= b.wordCounts[0]
		b.sentences = b.sentences[1:]
		b.wordCounts = b.wordCounts[1:]
	}
}

// Snapshot returns the current sentences joined by single spaces.
func (b *ContextBuffer) Snapshot() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return strings.Join(b.sentences, " ")
}

func (b *ContextBuffer) Len() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return len(b.sentences)
}

func (b *ContextBuffer) WordCount() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.words
}
