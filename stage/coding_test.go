package stage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/generator"
	gentest "github.com/c360studio/devflow/generator/testutil"
	"github.com/c360studio/devflow/worker"
)

func runCoding(t *testing.T, mock *gentest.MockGenerator, in *envelope.BlueprintPayload) (*envelope.CodingPayload, error) {
	t.Helper()
	tr, err := NewCoding(mock, slog.Default())
	require.NoError(t, err)
	out, err := tr.Run(context.Background(), envFor(envelope.StageCoding, in))
	if err != nil {
		return nil, err
	}
	payload, ok := out.Payload.(*envelope.CodingPayload)
	require.True(t, ok)
	return payload, nil
}

func filesResponse(t *testing.T, files map[string]string) *generator.Response {
	t.Helper()
	return jsonResponse(t, map[string]any{"files": files})
}

func TestCodingGeneratesPerComponent(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{
		filesResponse(t, map[string]string{"api/handler.go": "package api\n"}),
		filesResponse(t, map[string]string{"store/store.go": "package store\n"}),
	}}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "api", Files: []string{"api/handler.go"}},
		{Name: "store", Files: []string{"store/store.go"}},
	}, task("t1", "Build the service", 3))

	payload, err := runCoding(t, mock, in)
	require.NoError(t, err)

	assert.Equal(t, 2, mock.CallCount())
	assert.Equal(t, map[string]string{
		"api/handler.go": "package api\n",
		"store/store.go": "package store\n",
	}, payload.Files)
	assert.NoError(t, payload.Validate())
}

func TestCodingStubsMissingPlannedFiles(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{
		filesResponse(t, map[string]string{"main.go": "package main\n"}),
	}}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "app", Files: []string{"main.go", "util.go"}},
	}, task("t1", "Build the service", 3))

	payload, err := runCoding(t, mock, in)
	require.NoError(t, err)

	assert.Equal(t, "package main\n", payload.Files["main.go"])
	assert.Contains(t, payload.Files["util.go"], "// placeholder for util.go")
	assert.NoError(t, payload.Validate())
}

func TestCodingCarriesArchiveTree(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{
		filesResponse(t, map[string]string{"app.py": "print('v2')\n"}),
	}}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "app", Files: []string{"app.py"}},
	}, task("t1", "Build the service", 3))
	in.Submission = envelope.Submission{
		Kind: envelope.SubmissionArchive,
		Archive: &envelope.ArchiveSource{Tree: map[string]string{
			"app.py":         "print('v1')\n",
			"docs/readme.md": "hello\n",
		}},
	}

	payload, err := runCoding(t, mock, in)
	require.NoError(t, err)

	// Generated content replaces the archived version, untouched files ride
	// along into the output tree.
	assert.Equal(t, "print('v2')\n", payload.Files["app.py"])
	assert.Equal(t, "hello\n", payload.Files["docs/readme.md"])

	// The component's existing file is shown to the model.
	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	user := reqs[0].Messages[1].Content
	assert.Contains(t, user, "## Existing Files")
	assert.Contains(t, user, "### app.py")
	assert.Contains(t, user, "print('v1')")
	assert.NotContains(t, user, "docs/readme.md")
}

func TestCodingRepoHintFromGitSubmission(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{
		filesResponse(t, map[string]string{"main.go": "package main\n"}),
	}}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "app", Files: []string{"main.go"}},
	}, task("t1", "Build the service", 3))
	in.Submission = envelope.Submission{
		Kind: envelope.SubmissionGit,
		Git:  &envelope.GitSource{URL: "https://example.com/repo.git", Branch: "main"},
	}

	payload, err := runCoding(t, mock, in)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/repo.git", payload.RepoHint)
}

func TestCodingUnparseableComponentStubsPlanned(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{proseResponse()}}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "app", Files: []string{"main.go"}},
	}, task("t1", "Build the service", 3))

	payload, err := runCoding(t, mock, in)
	require.NoError(t, err)

	assert.Equal(t, 1, mock.CallCount())
	assert.Contains(t, payload.Files["main.go"], "placeholder for main.go")
	assert.NoError(t, payload.Validate())
}

func TestCodingDropsUnsafeGeneratedPaths(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{
		filesResponse(t, map[string]string{
			"ok.go":      "package ok\n",
			"../evil.go": "package evil\n",
			"/etc/rc":    "boom",
		}),
	}}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "app", Files: []string{"ok.go"}},
	}, task("t1", "Build the service", 3))

	payload, err := runCoding(t, mock, in)
	require.NoError(t, err)

	assert.Equal(t, "package ok\n", payload.Files["ok.go"])
	assert.NotContains(t, payload.Files, "../evil.go")
	// An absolute path is cleaned into a relative one rather than dropped.
	assert.Equal(t, "boom", payload.Files["etc/rc"])
}

func TestCodingFallbackReadme(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{proseResponse()}}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "app", Purpose: "everything"},
	}, task("t1", "Build the service", 3))

	payload, err := runCoding(t, mock, in)
	require.NoError(t, err)

	readme := payload.Files["README.md"]
	assert.Contains(t, readme, "build a todo list service")
	assert.Contains(t, readme, "- t1: Build the service")
	assert.NoError(t, payload.Validate())
}

func TestCodingGeneratorErrorPropagates(t *testing.T) {
	mock := &gentest.MockGenerator{Err: generator.NewTransientError(errors.New("upstream 503"))}
	in := blueprintPayload(t, []envelope.Component{
		{Name: "app", Files: []string{"main.go"}},
	}, task("t1", "Build the service", 3))

	_, err := runCoding(t, mock, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate component app")
	assert.True(t, worker.IsRetryable(err))
}

func TestStubContentByExtension(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"main.go", "// placeholder for main.go"},
		{"setup.py", "# placeholder for setup.py"},
		{"index.html", "<!-- placeholder for index.html"},
		{"config.json", "{}\n"},
		{"Makefile", "placeholder for Makefile"},
	}
	for _, tt := range tests {
		got := stubContent(tt.name)
		if tt.name == "config.json" {
			assert.Equal(t, tt.want, got)
			continue
		}
		assert.True(t, strings.HasPrefix(got, tt.want), "stub for %s: %q", tt.name, got)
	}
}
