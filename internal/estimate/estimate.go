// Package estimate converts raw text into approximate token costs.
//
// The estimator is intentionally approximate: it assumes an average of
// four characters per token and never consults a real tokenizer. It is
// not expected to match the backend's own accounting; backend-reported
// counts take precedence wherever they are available.
package estimate

import "unicode/utf8"

// charsPerToken is the assumed average character length of one token.
const charsPerToken = 4

// Cost returns the approximate token cost of text, rounding up so partial
// tokens are never undercounted. The result is always at least 1, including
// for empty or whitespace-only input, and depends only on the number of
// characters in the text, not its byte length.
func Cost(text string) int64 {
	cost := (int64(utf8.RuneCountInString(text)) + charsPerToken - 1) / charsPerToken
	if cost < 1 {
		return 1
	}
	return cost
}
