package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches alphanumeric sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// TokenizeText splits prose text into lowercase tokens, case-folded and
// stripped of punctuation. Stemming is left off, matching the teacher's
// default posture of a purely case-folding tokenizer.
func TokenizeText(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) >= 1 {
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[token]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a set for lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// DefaultProseStopWords is a short list of common English function words,
// replacing the teacher's DefaultCodeStopWords (which targeted programming
// keywords) now that the domain is prose documents rather than source code.
var DefaultProseStopWords = []string{
	"a", "an", "the", "and", "or", "but", "if", "then", "else",
	"of", "to", "in", "on", "at", "for", "with", "by", "from",
	"is", "are", "was", "were", "be", "been", "being",
	"this", "that", "these", "those", "it", "its", "as", "not",
}
