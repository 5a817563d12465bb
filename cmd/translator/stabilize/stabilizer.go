// Package stabilize turns overlapping speech-to-text hypotheses into a
// monotonic stream of committed words. Streaming recognizers rewrite their
// most recent words as more audio arrives; publishing every hypothesis
// verbatim produces user-visible retractions. The stabilizer only releases
// words once two consecutive hypotheses agree on them (LocalAgreement-2).
package stabilize

import (
	"strings"
	"sync"
)

// Commit describes one committed-prefix change of a hypothesis window. Text
// is the full committed prefix at that point and is what gets translated;
// NewWords are the words this advance added.
type Commit struct {
	Text     string
	NewWords []string
	Language string
	Final    bool
}

// Result is the outcome of feeding one hypothesis.
type Result struct {
	// Commits lists the committed-prefix changes, in order. A language
	// switch can close the previous window and open a new one in a single
	// advance, producing more than one entry.
	Commits []Commit
	// Tentative is the unconfirmed tail of the active window. It may be
	// shown as a caption preview but never enters translation.
	Tentative []string
	// Language of the active window, empty after a window closed.
	Language string
}

// Stabilizer implements LocalAgreement-2 over one speaker's hypothesis
// stream. Words are compared case-insensitively with punctuation preserved;
// the emitted text keeps the casing of the hypothesis that confirmed it.
// Once a position is committed its text never changes.
type Stabilizer struct {
	mut sync.Mutex

	prev      []string
	committed []string
	lang      string

	// retraction accounting: texts shown tentatively per position that
	// have not been resolved by a commit yet.
	shown map[int]map[string]struct{}

	tentativeTotal int
	retracted      int
}

func NewStabilizer() *Stabilizer {
	return &Stabilizer{
		shown: make(map[int]map[string]struct{}),
	}
}

// Advance feeds the next hypothesis for the speaker and returns the commits
// and the new tentative tail.
func (s *Stabilizer) Advance(text, language string, isFinal bool) Result {
	s.mut.Lock()
	defer s.mut.Unlock()

	words := strings.Fields(text)

	// An empty hypothesis means the recognizer lost the window (silence or
	// discarded audio). Close whatever was committed and start over.
	if len(words) == 0 {
		var res Result
		if c, ok := s.closeWindow(); ok {
			res.Commits = append(res.Commits, c)
		}
		return res
	}

	var res Result

	// A detected-language change invalidates the agreement window: the
	// prior window is force-finalized before any new words are considered.
	if s.lang != "" && language != "" && language != s.lang {
		if c, ok := s.finalizeWindow(s.prev); ok {
			res.Commits = append(res.Commits, c)
		}
	}

	if s.lang == "" {
		s.lang = language
	}

	if isFinal {
		if c, ok := s.finalizeWindow(words); ok {
			res.Commits = append(res.Commits, c)
		}
		return res
	}

	agree := commonPrefixLen(s.prev, words)
	if agree > len(s.committed) {
		newWords := words[len(s.committed):agree]
		s.commit(newWords)
		res.Commits = append(res.Commits, Commit{
			Text:     strings.Join(s.committed, " "),
			NewWords: newWords,
			Language: s.lang,
		})
	}

	tail := agree
	if len(s.committed) > tail {
		tail = len(s.committed)
	}
	if tail < len(words) {
		res.Tentative = words[tail:]
		s.recordTentative(tail, res.Tentative)
	}

	s.prev = words
	res.Language = s.lang

	return res
}

// Reset drops all window state. Committed counters survive so retraction
// accounting stays cumulative.
func (s *Stabilizer) Reset() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.resetWindow()
}

// RetractionStats returns how many distinct tentative words were shown and
// how many of them never made it into committed output.
func (s *Stabilizer) RetractionStats() (shown, retracted int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.tentativeTotal, s.retracted
}

// RetractionRate is retracted/shown over the lifetime of the stabilizer.
func (s *Stabilizer) RetractionRate() float64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.tentativeTotal == 0 {
		return 0
	}
	return float64(s.retracted) / float64(s.tentativeTotal)
}

// finalizeWindow commits every remaining word of the given hypothesis and
// closes the window. Callers hold the lock.
func (s *Stabilizer) finalizeWindow(words []string) (Commit, bool) {
	var newWords []string
	if len(words) > len(s.committed) {
		newWords = words[len(s.committed):]
		s.commit(newWords)
	}

	c, ok := s.closeWindow()
	if ok {
		c.NewWords = newWords
	}
	return c, ok
}

// closeWindow emits the final commit for the active window, resolves
// leftover tentative words as retractions and resets. Callers hold the lock.
func (s *Stabilizer) closeWindow() (Commit, bool) {
	for pos, texts := range s.shown {
		if pos >= len(s.committed) {
			s.retracted += len(texts)
			delete(s.shown, pos)
		}
	}

	if len(s.committed) == 0 {
		s.resetWindow()
		return Commit{}, false
	}

	c := Commit{
		Text:     strings.Join(s.committed, " "),
		Language: s.lang,
		Final:    true,
	}
	s.resetWindow()

	return c, true
}

func (s *Stabilizer) resetWindow() {
	s.prev = nil
	s.committed = nil
	s.lang = ""
	s.shown = make(map[int]map[string]struct{})
}

// commit appends words to the committed prefix and settles retraction
// accounting for their positions. Callers hold the lock.
func (s *Stabilizer) commit(words []string) {
	for _, w := range words {
		pos := len(s.committed)
		lower := strings.ToLower(w)
		for shownText := range s.shown[pos] {
			if shownText != lower {
				s.retracted++
			}
		}
		delete(s.shown, pos)
		s.committed = append(s.committed, w)
	}
}

func (s *Stabilizer) recordTentative(offset int, words []string) {
	for i, w := range words {
		pos := offset + i
		lower := strings.ToLower(w)
		texts, ok := s.shown[pos]
		if !ok {
			texts = make(map[string]struct{})
			s.shown[pos] = texts
		}
		if _, seen := texts[lower]; !seen {
			texts[lower] = struct{}{}
			s.tentativeTotal++
		}
	}
}

// commonPrefixLen compares word-by-word, ignoring case.
func commonPrefixLen(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if !strings.EqualFold(a[i], b[i]) {
			return i
		}
	}
	return n
}
