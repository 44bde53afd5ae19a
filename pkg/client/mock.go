package client

import (
	"context"
	"sync"
)

// MockClient is a Client for testing. Responses are served in order; once
// exhausted DefaultResponse is returned.
type MockClient struct {
	GenerateFunc func(ctx context.Context, prompt string, params Parameters, kind Kind) (string, error)

	Responses       []string
	DefaultResponse string
	Format          DataFormat
	MaxTokens       int
	Embeddings      bool

	// Track calls for testing
	GenerateCalls []GenerateCall
	StatusCalls   []bool
	AbortCalls    int

	mu sync.Mutex // protects all fields above
}

// GenerateCall records one Generate invocation.
type GenerateCall struct {
	Prompt string
	Params Parameters
	Kind   Kind
}

var (
	_ Client  = (*MockClient)(nil)
	_ Aborter = (*MockClient)(nil)
)

// NewMockClient creates a mock that answers with responses in order.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{
		Responses:       responses,
		DefaultResponse: "Mock response",
		MaxTokens:       8192,
		GenerateCalls:   make([]GenerateCall, 0),
	}
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Generate(ctx context.Context, prompt string, params Parameters, kind Kind) (string, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, GenerateCall{Prompt: prompt, Params: params.Clone(), Kind: kind})
	fn := m.GenerateFunc
	var next string
	served := false
	if fn == nil && len(m.Responses) > 0 {
		next, m.Responses = m.Responses[0], m.Responses[1:]
		served = true
	}
	def := m.DefaultResponse
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn != nil {
		return fn(ctx, prompt, params, kind)
	}
	if served {
		return next, nil
	}
	return def, nil
}

// CountTokens approximates four characters per token.
func (m *MockClient) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (m *MockClient) MaxTokenLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MaxTokens
}

func (m *MockClient) SupportedParameters() []Parameter {
	return []Parameter{
		{Name: "temperature"},
		{Name: "top_p"},
		{Name: "max_tokens"},
		{Name: "repetition_penalty"},
		{Name: "nuke_repetition"},
		{Name: "stop"},
	}
}

func (m *MockClient) SupportsEmbeddings() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Embeddings
}

func (m *MockClient) DataFormat() DataFormat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Format
}

func (m *MockClient) DecensorEnabled() bool { return false }
func (m *MockClient) CanBeCoerced() bool    { return true }
func (m *MockClient) Enabled() bool         { return true }

func (m *MockClient) EmitStatus(ctx context.Context, processing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls = append(m.StatusCalls, processing)
}

func (m *MockClient) AbortGeneration(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbortCalls++
	return nil
}

// SetGenerateError makes every Generate call fail with err.
func (m *MockClient) SetGenerateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateFunc = func(ctx context.Context, prompt string, params Parameters, kind Kind) (string, error) {
		return "", err
	}
}

// Reset clears all call tracking.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateCalls = make([]GenerateCall, 0)
	m.StatusCalls = nil
	m.AbortCalls = 0
}

// GetCalls returns a copy of the Generate calls in a thread-safe way.
func (m *MockClient) GetCalls() []GenerateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenerateCall, len(m.GenerateCalls))
	copy(out, m.GenerateCalls)
	return out
}
