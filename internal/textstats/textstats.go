// Package textstats computes word statistics for arbitrary text.
//
// Text is lowercased, every rune that is not a letter, digit, underscore or
// whitespace is dropped, and the remainder is split on whitespace runs.
package textstats

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Result is the analysis of one input.
type Result struct {
	WordCount         int            `json:"word_count"`
	AverageWordLength float64        `json:"average_word_length"`
	LongestWords      []string       `json:"longest_words"`
	WordFrequency     map[string]int `json:"word_frequency"`
}

// Analyze is pure and safe for concurrent use.
func Analyze(text string) Result {
	words := Words(text)

	res := Result{
		WordCount:     len(words),
		LongestWords:  []string{},
		WordFrequency: make(map[string]int, len(words)),
	}
	if len(words) == 0 {
		return res
	}

	total, longest := 0, 0
	for _, w := range words {
		n := utf8.RuneCountInString(w)
		total += n
		if n > longest {
			longest = n
		}
		res.WordFrequency[w]++
	}
	res.AverageWordLength = round2(float64(total) / float64(len(words)))

	seen := make(map[string]bool)
	for _, w := range words {
		if utf8.RuneCountInString(w) == longest && !seen[w] {
			seen[w] = true
			res.LongestWords = append(res.LongestWords, w)
		}
	}
	return res
}

// Words returns the normalized words of text in order.
func Words(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return ' '
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return -1
		}
	}, text)
	return strings.Fields(cleaned)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
