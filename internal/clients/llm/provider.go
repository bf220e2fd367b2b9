// Package llm provides the language-model client used by the agent
// layer: an OpenAI-compatible chat client with streaming, and a scripted
// mock for offline runs and tests.
package llm

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request. JSONMode asks the provider to
// constrain output to a JSON object, used by the intent classifier.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Response is a completed chat turn with token accounting for the
// session log.
type Response struct {
	Content    string
	TokensUsed int
}

// ChunkFunc receives streamed content deltas. Returning an error aborts
// the stream.
type ChunkFunc func(delta string) error

// Provider is the model abstraction the agents depend on.
type Provider interface {
	// Complete runs a blocking chat completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream runs a completion, delivering content deltas through fn as
	// they arrive, and returns the assembled response.
	Stream(ctx context.Context, req Request, fn ChunkFunc) (*Response, error)

	// Name identifies the provider in logs and session metadata.
	Name() string
}
