package generate

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const promptEncoding = "cl100k_base"

// TokenBudget trims prompt text to a token allowance.
type TokenBudget interface {
	Trim(text string, maxTokens int) string
}

// TiktokenBudget counts tokens with the cl100k_base encoding.
type TiktokenBudget struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenBudget loads the encoding. The first call may download the BPE
// ranks; tiktoken caches them under TIKTOKEN_CACHE_DIR.
func NewTiktokenBudget() (*TiktokenBudget, error) {
	enc, err := tiktoken.GetEncoding(promptEncoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding: %w", err)
	}
	return &TiktokenBudget{encoding: enc}, nil
}

// Trim returns text cut to maxTokens tokens.
func (b *TiktokenBudget) Trim(text string, maxTokens int) string {
	if b == nil || b.encoding == nil || maxTokens <= 0 {
		return text
	}
	tokens := b.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return b.encoding.Decode(tokens[:maxTokens])
}

// RuneBudget approximates four runes per token.
type RuneBudget struct{}

// Trim returns text cut to roughly maxTokens tokens.
func (RuneBudget) Trim(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	runes := []rune(text)
	if limit := maxTokens * 4; len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}
