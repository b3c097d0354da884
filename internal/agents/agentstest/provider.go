package agentstest

import (
	"context"
	"sync"

	"github.com/qninhdt/scene-loom/server/internal/agents"
)

// Response is one scripted provider reply
type Response struct {
	Text string
	Err  error
}

// Provider is a scripted agents.Provider for tests.
// Responses are consumed in order; the last one repeats.
type Provider struct {
	mu        sync.Mutex
	responses []Response
	calls     []agents.CompletionRequest

	// Gate, when set, holds every call until it receives a value or the
	// context ends. Started is signalled (non-blocking) as a call begins.
	Gate    chan struct{}
	Started chan struct{}
}

var _ agents.Provider = (*Provider)(nil)

// NewProvider creates a provider with the given script
func NewProvider(responses ...Response) *Provider {
	return &Provider{responses: responses}
}

// Push appends responses to the script
func (m *Provider) Push(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// Name implements Provider
func (m *Provider) Name() string { return "mock" }

// Complete implements Provider
func (m *Provider) Complete(ctx context.Context, req *agents.CompletionRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, *req)
	var resp Response
	if len(m.responses) > 0 {
		resp = m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
	}
	m.mu.Unlock()

	if m.Started != nil {
		select {
		case m.Started <- struct{}{}:
		default:
		}
	}

	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return resp.Text, resp.Err
}

// Calls returns a copy of every request received so far
func (m *Provider) Calls() []agents.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agents.CompletionRequest(nil), m.calls...)
}

// CallCount returns how many requests were received
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
