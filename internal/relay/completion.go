package relay

import (
	"strings"
	"unicode"
)

// defaultConnectors are words after which an utterance cannot have ended.
var defaultConnectors = []string{
	"and", "but", "or", "so", "because", "if", "when", "while", "although",
	"though", "then", "than", "that", "which", "who", "whose", "where",
	"the", "a", "an", "to", "of", "with", "for", "like", "as", "until",
	"unless", "since", "whether", "my", "your", "our", "their", "is", "are",
}

// questionOpeners mark a short utterance as a complete question even
// without a question mark.
var questionOpeners = map[string]bool{
	"what": true, "where": true, "when": true, "who": true, "why": true,
	"how": true, "which": true, "do": true, "does": true, "did": true,
	"is": true, "are": true, "can": true, "could": true, "would": true,
	"will": true, "should": true, "have": true, "has": true,
}

// Completion decides whether an assistant transcript ended at a natural
// stopping point. The zero value is not usable; call [NewCompletion].
type Completion struct {
	connectors map[string]bool
	shortWords int
}

// NewCompletion creates a checker with the built-in connector list plus
// extra. shortWords is the word count below which a question-like utterance
// needs no terminal punctuation.
func NewCompletion(shortWords int, extra []string) *Completion {
	c := &Completion{
		connectors: make(map[string]bool, len(defaultConnectors)+len(extra)),
		shortWords: shortWords,
	}
	for _, w := range defaultConnectors {
		c.connectors[w] = true
	}
	for _, w := range extra {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			c.connectors[w] = true
		}
	}
	return c
}

// Complete reports whether text reads as a finished utterance.
//
// A transcript is incomplete when it has an unbalanced quotation mark, ends
// in a clause-continuing character, ends in a dangling connector word, or
// lacks terminal punctuation. Short question-like utterances are exempt from
// the punctuation rule. Empty text is complete.
func (c *Completion) Complete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	if quotes(text)%2 != 0 {
		return false
	}

	// Closing quotes and brackets do not change how a sentence ends.
	tail := strings.TrimRightFunc(text, isCloser)
	if tail == "" {
		return true
	}
	if strings.HasSuffix(tail, "...") || strings.HasSuffix(tail, "…") {
		return false
	}
	last, _ := lastRune(tail)
	if strings.ContainsRune(",;:-–—(", last) {
		return false
	}
	if isTerminal(last) {
		return true
	}

	words := strings.Fields(strings.ToLower(tail))
	if c.connectors[trimWord(words[len(words)-1])] {
		return false
	}
	return len(words) < c.shortWords && questionOpeners[trimWord(words[0])]
}

func quotes(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case '"', '“', '”', '«', '»', '„':
			n++
		}
	}
	return n
}

func isCloser(r rune) bool {
	switch r {
	case '"', '”', '’', '\'', ')', ']', '»':
		return true
	}
	return unicode.IsSpace(r)
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '?', '!', '。', '？', '！':
		return true
	}
	return false
}

func lastRune(s string) (rune, bool) {
	r := []rune(s)
	if len(r) == 0 {
		return 0, false
	}
	return r[len(r)-1], true
}

func trimWord(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
