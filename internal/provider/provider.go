// Package provider defines the narrow client surface the router speaks to
// model backends through, plus one implementation per wire protocol.
package provider

import "context"

// Request is a single generation call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	// Temperature is optional; nil leaves the backend default in place.
	Temperature *float64
}

// Result is the text and usage returned by a backend.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client generates text against one backend. Implementations must honor
// ctx cancellation and return token usage when the backend reports it;
// zero usage tells the caller to fall back to estimates.
type Client interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Result, error)
}
