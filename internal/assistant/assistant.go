// Package assistant builds the project context for chat questions and asks
// an external text-generation service to answer them.
package assistant

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Synthetic author of generated replies. It is never a project member.
const (
	BotID   = "assistant-bot"
	BotName = "Assistant"
)

const (
	FallbackReply = "Sorry, I encountered an error while processing your request."
	UsageReply    = "Ask me something after the mention, for example: @assistant what tasks are still open?"
)

// Responder turns a fully built prompt into generated text.
type Responder interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ResponderFunc adapts a plain function to Responder.
type ResponderFunc func(ctx context.Context, prompt string) (string, error)

func (f ResponderFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ParseMention reports whether body starts with prefix as a whole word,
// ignoring case and leading whitespace, and returns the trimmed remainder.
func ParseMention(prefix, body string) (string, bool) {
	prefix = strings.TrimSpace(prefix)
	body = strings.TrimSpace(body)
	if prefix == "" || len(body) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(body[:len(prefix)], prefix) {
		return "", false
	}
	rest := body[len(prefix):]
	if next, _ := utf8.DecodeRuneInString(rest); rest != "" && !unicode.IsSpace(next) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
