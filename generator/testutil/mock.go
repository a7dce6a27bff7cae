// Package testutil provides test doubles for the generator package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/devflow/generator"
)

// MockGenerator is a thread-safe generator.Generator for tests. It returns
// configured responses in sequence and records every request it saw.
//
// Usage:
//
//	mock := &testutil.MockGenerator{
//	    Responses: []*generator.Response{
//	        {Text: `{"tasks": []}`, Model: "test-model"},
//	    },
//	}
type MockGenerator struct {
	mu sync.Mutex

	// Responses are returned in sequence. Once exhausted, the last one
	// repeats.
	Responses []*generator.Response

	// Err, when set, is returned instead of a response.
	Err error

	requests []generator.Request
	index    int
}

// Generate implements generator.Generator.
func (m *MockGenerator) Generate(_ context.Context, req generator.Request) (*generator.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.Err != nil {
		return nil, m.Err
	}

	if len(m.Responses) == 0 {
		return &generator.Response{Text: "", Model: "test-model"}, nil
	}

	resp := m.Responses[m.index]
	if m.index < len(m.Responses)-1 {
		m.index++
	}
	return resp, nil
}

// CallCount returns how many times Generate was called.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request seen so far.
func (m *MockGenerator) Requests() []generator.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]generator.Request(nil), m.requests...)
}
