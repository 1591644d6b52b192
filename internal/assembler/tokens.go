package assembler

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter names accepted by NewCounter.
const (
	CounterChars    = "chars"
	CounterTiktoken = "tiktoken"
)

// DefaultEncoding is the tiktoken encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// TokenCounter estimates the token cost of a piece of text.
type TokenCounter interface {
	Count(text string) int
}

// CharEstimator charges ceil(characters / 4) per text. It is a cheap
// approximation that over- or under-counts real tokenizers by a margin the
// response reserve has to absorb.
type CharEstimator struct{}

// Count implements TokenCounter.
func (CharEstimator) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (default cl100k_base). Loading
// may need network access the first time, unless TIKTOKEN_CACHE_DIR holds the
// ranks file.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("assembler: failed to load %s encoding: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter returns the counter named by kind. An unknown kind or a
// tiktoken load failure falls back to CharEstimator.
func NewCounter(kind, encoding string, logger *slog.Logger) TokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case "", CounterChars:
		return CharEstimator{}
	case CounterTiktoken:
		c, err := NewTiktokenCounter(encoding)
		if err != nil {
			logger.Warn("tiktoken unavailable, using character estimate", "error", err)
			return CharEstimator{}
		}
		return c
	default:
		logger.Warn("unknown token counter, using character estimate", "counter", kind)
		return CharEstimator{}
	}
}
