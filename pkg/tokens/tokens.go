// Package tokens approximates how many tokens text consumes in the remote
// service's accounting.
//
// The estimate is ceil(runes/4), the usual rule of thumb for English text and
// source code. It leans high on short inputs and is never zero for non-empty
// text, which is what the sizing and admission checks need.
package tokens

import (
	"unicode/utf8"

	"github.com/pario-ai/docsmith/pkg/models"
)

// CharsPerToken is the character-to-token ratio used by Estimate.
const CharsPerToken = 4

// MessageOverhead is the per-message framing cost added by chat endpoints.
const MessageOverhead = 6

// Estimate returns the approximate token count of text.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Message returns the estimated cost of one chat message including framing.
func Message(m models.ChatMessage) int {
	return Estimate(m.Content) + MessageOverhead
}

// Messages returns the estimated cost of a whole conversation.
func Messages(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += Message(m)
	}
	return total
}
