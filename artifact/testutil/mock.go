// Package testutil provides test doubles for the artifact package.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/devflow/artifact"
	"github.com/c360studio/devflow/envelope"
)

// Write records one call to MockStore.Write.
type Write struct {
	RequestID string
	Files     map[string]string
	History   []envelope.ProvenanceEntry
}

// MockStore is a thread-safe artifact.Store for tests. It fabricates refs
// without touching git and records every write it saw.
type MockStore struct {
	mu sync.Mutex

	// Ref, when set, is returned (copied) for every write.
	Ref *envelope.ArtifactRef

	// Err, when set, is returned instead of a ref.
	Err error

	writes []Write
}

// Write implements artifact.Store.
func (m *MockStore) Write(_ context.Context, requestID string, files map[string]string, history []envelope.ProvenanceEntry) (*envelope.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes = append(m.writes, Write{RequestID: requestID, Files: files, History: history})

	if m.Err != nil {
		return nil, m.Err
	}

	if m.Ref != nil {
		ref := *m.Ref
		ref.Paths = append([]string(nil), m.Ref.Paths...)
		return &ref, nil
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	return &envelope.ArtifactRef{
		RepoURL:    "mock://artifacts",
		Branch:     artifact.BranchName(requestID),
		CommitHash: fmt.Sprintf("%040d", len(m.writes)),
		Paths:      paths,
	}, nil
}

// CallCount returns how many times Write was called.
func (m *MockStore) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// Writes returns a copy of every recorded write.
func (m *MockStore) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}
