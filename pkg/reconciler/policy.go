package reconciler

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// relatedPrefixRunes is how many leading runes a partial message and a final transcript
	// must share for the partial to be considered the same utterance.
	relatedPrefixRunes = 20
	// continuationMaxRunes bounds the untagged assistant messages an audio delta may adopt.
	continuationMaxRunes = 100
)

// joinFragments appends next to prev, inserting a single space only when neither side
// already provides a boundary. Whitespace or punctuation at either edge suppresses the
// separator.
func joinFragments(prev, next string) string {
	if prev == "" || next == "" {
		return prev + next
	}
	last, _ := utf8.DecodeLastRuneInString(prev)
	first, _ := utf8.DecodeRuneInString(next)
	if unicode.IsSpace(last) || unicode.IsSpace(first) || isBoundaryPunct(last) || isBoundaryPunct(first) {
		return prev + next
	}
	return prev + " " + next
}

func isBoundaryPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':', ')', ']', '}', '\'', '"', '…', '»':
		return true
	}
	return false
}

// relatedMessage decides whether an unfinished message is an earlier rendition of the
// final transcript: its content appears inside final, or both open with the same
// relatedPrefixRunes runes.
func relatedMessage(content, final string) bool {
	content = strings.TrimSpace(content)
	if content == "" || final == "" {
		return false
	}
	if strings.Contains(final, content) {
		return true
	}
	return sharesPrefix(content, final, relatedPrefixRunes)
}

func sharesPrefix(a, b string, n int) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < n || len(rb) < n {
		return false
	}
	return string(ra[:n]) == string(rb[:n])
}

func isShortContinuation(content string) bool {
	return utf8.RuneCountInString(content) < continuationMaxRunes
}
