// Package context estimates token usage and trims conversation history to
// fit a model's context budget.
package context

import "unicode/utf8"

// charsPerToken is the conservative ratio used to approximate token counts
// without a tokenizer: about four characters per token.
const charsPerToken = 4

// EstimateTokens approximates the number of tokens text will consume.
// ceil(len(text)/4), rune-counted so multi-byte UTF-8 text isn't
// over-counted.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
