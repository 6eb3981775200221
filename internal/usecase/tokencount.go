package usecase

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for pruning accounting. The BPE
// encoding is loaded lazily; when it cannot be loaded (offline, unknown
// encoding) counting degrades to the chars/4 heuristic.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter using the cl100k_base encoding.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the estimated token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
