// Package usage accounts for token consumption. Providers report exact
// usage on non-streamed calls; streamed completions often omit it, so
// the counter fills the gap with real BPE counts.
package usage

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/csbot-dev/csbot/pkg/domain"
)

const fallbackEncoding = "cl100k_base"

// Counter estimates token usage with the model's own BPE encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter creates a counter for the given model. Unknown models fall
// back to cl100k_base.
func NewCounter(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	return &Counter{encoding: enc}, nil
}

// CountText returns the token count of a single string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages approximates prompt tokens for a chat request: per
// message a small framing overhead plus role and content tokens.
func (c *Counter) CountMessages(messages []domain.LLMMessage) int {
	total := 0
	for _, msg := range messages {
		total += 4 // chat framing tokens per message
		total += c.CountText(msg.Role)
		total += c.CountText(msg.Content)
	}
	total += 2 // assistant priming
	return total
}

// Estimate builds a Usage for a streamed completion the provider did
// not account for.
func (c *Counter) Estimate(messages []domain.LLMMessage, completion string) *domain.Usage {
	prompt := c.CountMessages(messages)
	out := c.CountText(strings.TrimSpace(completion))
	return &domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
