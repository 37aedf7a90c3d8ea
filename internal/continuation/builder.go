// Package continuation turns recent history into the previous dialog a new
// session is seeded with.
package continuation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/pkg/backend"
)

// Builder keeps the most recent phrases that fit in a token budget.
type Builder struct {
	count     func(string) int
	maxTokens int
}

// New creates a Builder counting tokens with the named tiktoken encoding
// (or model name), falling back to cl100k_base.
func New(encoding string, maxTokens int) (*Builder, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		enc, err = tiktoken.EncodingForModel(encoding)
	}
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return NewWithCounter(maxTokens, func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}), nil
}

// NewWithCounter creates a Builder with a custom token counter.
func NewWithCounter(maxTokens int, count func(string) int) *Builder {
	return &Builder{count: count, maxTokens: maxTokens}
}

// Build walks the history backwards collecting final, uncancelled
// utterances until the budget is spent, and returns them oldest first.
func (b *Builder) Build(items []history.Item, playerName string) []backend.DialogPhrase {
	var phrases []backend.DialogPhrase
	used := 0
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Type != history.ItemActor || item.Cancelled || item.IsRecognizing || item.Text == "" {
			continue
		}
		phrase := backend.DialogPhrase{
			Talker: history.Speaker(item, playerName),
			Phrase: item.Text,
		}
		tokens := b.count(phrase.Talker) + b.count(phrase.Phrase)
		if b.maxTokens > 0 && used+tokens > b.maxTokens {
			break
		}
		used += tokens
		phrases = append(phrases, phrase)
	}
	for i, j := 0, len(phrases)-1; i < j; i, j = i+1, j-1 {
		phrases[i], phrases[j] = phrases[j], phrases[i]
	}
	return phrases
}
