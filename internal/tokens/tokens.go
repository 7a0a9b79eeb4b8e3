// Package tokens estimates token counts for transcript chunking and the
// pre-call context token budget.
//
// Counting uses the cl100k_base BPE via tiktoken-go when the encoding is
// available; deployments without access to the encoding data fall back to a
// chars/4 heuristic, which is deliberately conservative for English speech
// transcripts.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the number of tokens in a string.
type Counter interface {
	Count(text string) int
}

type counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter returns the default token counter. The BPE encoding is loaded
// lazily on first use so startup never blocks on encoding data.
func NewCounter() Counter {
	return &counter{}
}

func (c *counter) Count(text string) int {
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
	return heuristicCount(text)
}

// heuristicCount approximates one token per 4 characters, never below 1 for
// non-empty input.
func heuristicCount(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// HeuristicCounter always uses the chars/4 approximation. Used in tests for
// deterministic counts and offline builds.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return heuristicCount(text)
}
