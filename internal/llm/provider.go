package llm

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable reports that no completion could be obtained right now.
	ErrUnavailable = errors.New("language model unavailable")
	ErrRateLimited = errors.New("language model rate limit exceeded")
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	System      string
	Turns       []Turn
	MaxTokens   int
	Temperature float64
}

type Response struct {
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Disabled answers every request with ErrUnavailable.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (Response, error) {
	return Response{}, errors.Join(ErrUnavailable, errors.New("no llm provider configured"))
}
