package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MultiClient dispatches each request to a provider chosen by model
// name. A model is resolved in order: an explicit "provider/model"
// prefix naming a registered provider, a mapping added with AddModel,
// then the fallback client.
type MultiClient struct {
	mu        sync.RWMutex
	providers map[string]Client
	routes    map[string]string // model -> provider
	fallback  Client
}

// NewMultiClient returns a MultiClient that sends unresolved models to
// fallback. fallback may be nil, in which case such requests fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers c under name, replacing any earlier client.
func (m *MultiClient) AddProvider(name string, c Client) {
	m.mu.Lock()
	m.providers[name] = c
	m.mu.Unlock()
}

// AddModel routes model to provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.mu.Lock()
	m.routes[model] = provider
	m.mu.Unlock()
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// resolve returns the client for model and the model name to send it.
func (m *MultiClient) resolve(model string) (Client, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if provider, name, ok := strings.Cut(model, "/"); ok {
		if c, ok := m.providers[provider]; ok {
			return c, name
		}
	}
	if c, ok := m.providers[m.routes[model]]; ok {
		return c, model
	}
	return m.fallback, model
}

// Chat sends req to the provider resolved for req.Model.
func (m *MultiClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	c, model := m.resolve(req.Model)
	if c == nil {
		return nil, fmt.Errorf("no provider for model %q", req.Model)
	}
	req.Model = model
	return c.Chat(ctx, req)
}
