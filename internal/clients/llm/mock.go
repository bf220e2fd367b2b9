package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockProvider replays scripted responses in order and records every
// request, for tests and offline runs.
type MockProvider struct {
	mu        sync.Mutex
	responses []Response
	next      int
	Requests  []Request
	Err       error
}

// NewMockProvider creates a mock that replays the given contents. Each
// response reports a token count proportional to its length.
func NewMockProvider(contents ...string) *MockProvider {
	m := &MockProvider{}
	for _, c := range contents {
		m.responses = append(m.responses, Response{Content: c, TokensUsed: len(c) / 4})
	}
	return m
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// Complete implements Provider.
func (m *MockProvider) Complete(_ context.Context, req Request) (*Response, error) {
	return m.take(req)
}

// Stream implements Provider, delivering the scripted content in
// word-sized chunks.
func (m *MockProvider) Stream(ctx context.Context, req Request, fn ChunkFunc) (*Response, error) {
	resp, err := m.take(req)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		words := strings.SplitAfter(resp.Content, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := fn(w); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

func (m *MockProvider) take(req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.next >= len(m.responses) {
		return nil, fmt.Errorf("mock provider exhausted after %d responses", len(m.responses))
	}
	resp := m.responses[m.next]
	m.next++
	return &resp, nil
}
