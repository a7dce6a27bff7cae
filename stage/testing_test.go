package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arttest "github.com/c360studio/devflow/artifact/testutil"
	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/worker"
)

func runTesting(t *testing.T, store *arttest.MockStore, in *envelope.CodingPayload) (*envelope.CompletionEvent, error) {
	t.Helper()
	tr, err := NewTesting(store, slog.Default())
	require.NoError(t, err)
	out, err := tr.Run(context.Background(), envFor(envelope.StageTesting, in))
	if err != nil {
		return nil, err
	}
	require.Nil(t, out.Payload)
	require.NotNil(t, out.Completion)
	return out.Completion, nil
}

func TestTestingWritesArtifactAndCompletes(t *testing.T) {
	store := &arttest.MockStore{}
	in := codingPayload(t, map[string]string{
		"main.go":     "package main\n\nfunc main() {}\n",
		"config.json": "{\"port\": 8080}\n",
	}, envelope.Component{Name: "app", Files: []string{"main.go"}})

	evt, err := runTesting(t, store, in)
	require.NoError(t, err)

	assert.Equal(t, "req-1", evt.RequestID)
	assert.Equal(t, envelope.CompletionSuccess, evt.Status)
	assert.Equal(t, 100.0, evt.Coverage)
	require.NotNil(t, evt.TestResults)
	assert.Equal(t, 7, evt.TestResults.Passed)
	assert.Equal(t, 0, evt.TestResults.Failed)

	require.NotNil(t, evt.ArtifactRef)
	assert.Equal(t, "req/req-1", evt.ArtifactRef.Branch)
	assert.Len(t, evt.ArtifactRef.CommitHash, 40)
	assert.Equal(t, []string{"config.json", "main.go"}, evt.ArtifactRef.Paths)

	require.Equal(t, 1, store.CallCount())
	w := store.Writes()[0]
	assert.Equal(t, "req-1", w.RequestID)
	assert.Len(t, w.History, envelope.StageTesting.Index())
}

func TestTestingFailureStatusOnBrokenTree(t *testing.T) {
	store := &arttest.MockStore{}
	in := codingPayload(t, map[string]string{"broken.json": "{"},
		envelope.Component{Name: "app", Files: []string{"broken.json"}})

	evt, err := runTesting(t, store, in)
	require.NoError(t, err)

	assert.Equal(t, envelope.CompletionFailure, evt.Status)
	assert.Equal(t, 75.0, evt.Coverage)
	assert.Equal(t, 1, evt.TestResults.Failed)
	assert.Contains(t, evt.TestResults.Report, "json_syntax: broken.json: malformed JSON")

	// The broken tree is still persisted and referenced.
	assert.NotNil(t, evt.ArtifactRef)
	assert.Equal(t, 1, store.CallCount())
}

func TestTestingStoreErrorPropagates(t *testing.T) {
	store := &arttest.MockStore{Err: errors.New("remote push failed")}
	in := codingPayload(t, map[string]string{"main.go": "package main\n"},
		envelope.Component{Name: "app", Files: []string{"main.go"}})

	_, err := runTesting(t, store, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist artifacts")
	assert.True(t, worker.IsRetryable(err))
}

func TestTestingRejectsWrongPayload(t *testing.T) {
	tr, err := NewTesting(&arttest.MockStore{}, slog.Default())
	require.NoError(t, err)

	_, err = tr.Run(context.Background(), envFor(envelope.StageTesting, submissionPayload()))
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
}

func TestVerifyTreeCoverageMath(t *testing.T) {
	in := codingPayload(t, map[string]string{"a.go": "This file intentionally holds prose.\n"},
		envelope.Component{Name: "app", Files: []string{"a.go"}})

	results, coverage := verifyTree(in)

	assert.Equal(t, 3, results.Passed)
	assert.Equal(t, 1, results.Failed)
	assert.Equal(t, 0, results.Skipped)
	assert.Equal(t, 75.0, coverage)
	assert.Contains(t, results.Report, "4 checks, 3 passed, 1 failed, 0 skipped")
	assert.Contains(t, results.Report, "go_package_clause: a.go")
}

func TestVerifyTreeSkipsEmptyFiles(t *testing.T) {
	in := codingPayload(t, map[string]string{"notes.txt": "   \n"},
		envelope.Component{Name: "app"})

	results, coverage := verifyTree(in)

	assert.Equal(t, 1, results.Passed)
	assert.Equal(t, 0, results.Failed)
	assert.Equal(t, 1, results.Skipped)
	assert.Equal(t, 100.0, coverage)
	assert.True(t, results.Success())
}

func TestVerifyTreeNonUTF8(t *testing.T) {
	in := codingPayload(t, map[string]string{"blob.bin": string([]byte{0xff, 0xfe})},
		envelope.Component{Name: "app"})

	results, coverage := verifyTree(in)

	assert.Equal(t, 0, results.Passed)
	assert.Equal(t, 1, results.Failed)
	assert.Equal(t, 0.0, coverage)
	assert.False(t, results.Success())
	assert.Contains(t, results.Report, "utf8: blob.bin")
}

func TestVerifyTreeMissingPlannedFile(t *testing.T) {
	in := codingPayload(t, map[string]string{"main.go": "package main\n"},
		envelope.Component{Name: "app", Files: []string{"main.go", "gone.go"}})

	results, _ := verifyTree(in)

	assert.Equal(t, 1, results.Failed)
	assert.Contains(t, results.Report, "blueprint_closure: gone.go: blueprint path missing from the tree")
}

func TestVerifyTreeCapsReportedFailures(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < reportFailureCap+5; i++ {
		files[fmt.Sprintf("f%02d.json", i)] = "{"
	}
	in := codingPayload(t, files, envelope.Component{Name: "app"})

	results, coverage := verifyTree(in)

	assert.Equal(t, reportFailureCap+5, results.Failed)
	assert.Contains(t, results.Report, "... 5 more failures")
	assert.Equal(t, 66.67, coverage)
}

func TestCheckGoSource(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"package only", "package main\n", ""},
		{"line comment header", "// Copyright 2026\n\npackage main\n", ""},
		{"block comment header", "/*\nCopyright 2026\n*/\npackage main\n", ""},
		{"inline block comment", "/* build helper */ package main\n", ""},
		{"prose", "Here is the implementation you asked for.", "first statement"},
		{"code without package", "func main() {}\n", "first statement"},
		{"only comments", "// nothing else here\n", "no package clause"},
		{"empty", "", "no package clause"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkGoSource(tt.content)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
