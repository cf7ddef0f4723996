// Package voicecmd recognises spoken control phrases ("stop listening") in
// finalized transcripts so the voice loop can act on them instead of sending
// them to the tutor.
//
// Recognition tolerates typical STT slips: each phrase word is compared with
// the word at the same position using Jaro-Winkler similarity, with a lower
// bar when the two words also share a Double Metaphone code. A transcript
// with a different number of words only matches when the words run together
// ("good bye tutor" for "goodbye tutor").
package voicecmd

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	joinedThreshold          = 0.95
)

// DefaultStopPhrases are recognised when no phrases are configured.
var DefaultStopPhrases = []string{
	"stop listening",
	"stop tutoring",
	"goodbye tutor",
	"that's all for now",
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum per-word Jaro-Winkler score for words
// that sound alike. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum per-word Jaro-Winkler score for words
// that do not share a phonetic code. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

type phrase struct {
	text   string
	tokens []string
	codes  []map[string]struct{}
}

// Matcher matches transcripts against a fixed phrase list. It is read-only
// after construction and safe for concurrent use.
type Matcher struct {
	phrases           []phrase
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher for phrases, or for [DefaultStopPhrases] when phrases
// is empty. Blank phrases are ignored.
func New(phrases []string, opts ...Option) *Matcher {
	if len(phrases) == 0 {
		phrases = DefaultStopPhrases
	}
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	for _, p := range phrases {
		tokens := tokenize(p)
		if len(tokens) == 0 {
			continue
		}
		ph := phrase{text: p, tokens: tokens, codes: make([]map[string]struct{}, len(tokens))}
		for i, t := range tokens {
			ph.codes[i] = codes(t)
		}
		m.phrases = append(m.phrases, ph)
	}
	return m
}

// Match reports the configured phrase that transcript expresses, if any.
func (m *Matcher) Match(transcript string) (string, bool) {
	tokens := tokenize(transcript)
	if len(tokens) == 0 {
		return "", false
	}
	joined := strings.Join(tokens, "")
	for _, p := range m.phrases {
		if len(tokens) == len(p.tokens) {
			if m.alignedMatch(tokens, p) {
				return p.text, true
			}
			continue
		}
		if matchr.JaroWinkler(joined, strings.Join(p.tokens, ""), false) >= joinedThreshold {
			return p.text, true
		}
	}
	return "", false
}

func (m *Matcher) alignedMatch(tokens []string, p phrase) bool {
	for i, t := range tokens {
		want := p.tokens[i]
		if t == want {
			continue
		}
		score := matchr.JaroWinkler(t, want, false)
		if score >= m.fuzzyThreshold {
			continue
		}
		if score >= m.phoneticThreshold && overlap(codes(t), p.codes[i]) {
			continue
		}
		return false
	}
	return true
}

// tokenize lowercases s, drops punctuation and splits on whitespace.
func tokenize(s string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r), r == '-':
			return ' '
		}
		return -1
	}, s)
	return strings.Fields(cleaned)
}

func codes(word string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		out[p] = struct{}{}
	}
	if s != "" {
		out[s] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
