package provider

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts prompt tokens with a tiktoken encoding.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string) (*TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TokenCounter{enc: enc}, nil
}

func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}
