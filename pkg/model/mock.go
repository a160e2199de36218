package model

import (
	"context"
	"sync"
)

// MockClient is a scripted client for tests. Each call to Complete pops the
// next scripted response; when the script runs out it returns the last
// response repeatedly, or ErrScriptEmpty behavior via Err if set.
type MockClient struct {
	mu        sync.Mutex
	model     string
	responses []CompletionResponse
	errs      []error
	calls     []CompletionRequest
	index     int
}

// NewMockClient creates a mock that replays the given responses in order.
func NewMockClient(model string, responses ...CompletionResponse) *MockClient {
	return &MockClient{model: model, responses: responses}
}

// ScriptText appends a plain text response to the script.
func (m *MockClient) ScriptText(content string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, CompletionResponse{Content: content, StopReason: "end_turn"})
	m.errs = append(m.errs, nil)
	return m
}

// ScriptError appends an error to the script.
func (m *MockClient) ScriptError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, CompletionResponse{})
	m.errs = append(m.errs, err)
	return m
}

// ModelName returns the model identifier.
func (m *MockClient) ModelName() string { return m.model }

// Complete implements the Client interface.
func (m *MockClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, in)

	if len(m.responses) == 0 {
		return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "mock has no scripted responses")
	}

	i := m.index
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.index++

	if i < len(m.errs) && m.errs[i] != nil {
		return CompletionResponse{}, m.errs[i]
	}
	return m.responses[i], nil
}

// Calls returns a copy of all requests seen so far.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Complete invocations.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
