package artifact

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/devflow/envelope"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skipf("git binary unavailable: %v", err)
	}
}

func newLocalStore(t *testing.T) (*GitStore, string) {
	t.Helper()
	requireGit(t)

	dir := t.TempDir()
	store, err := NewGitStore(Config{WorkDir: dir}, slog.Default())
	require.NoError(t, err)
	return store, dir
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func TestGitStoreWriteCreatesBranchCommit(t *testing.T) {
	store, dir := newLocalStore(t)

	history := []envelope.ProvenanceEntry{
		{Stage: envelope.StageAnalysis, ProducedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), WorkerID: "analysis-w1"},
		{Stage: envelope.StagePlanning, ProducedAt: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), WorkerID: "planning-w1"},
	}
	files := map[string]string{
		"src/main.go": "package main\n",
		"README.md":   "# generated\n",
	}

	ref, err := store.Write(context.Background(), "req-abc123", files, history)
	require.NoError(t, err)

	assert.Equal(t, "req/req-abc123", ref.Branch)
	assert.Equal(t, dir, ref.RepoURL)
	assert.Len(t, ref.CommitHash, 40)
	assert.Equal(t, []string{"README.md", "src/main.go"}, ref.Paths)

	assert.Equal(t, ref.CommitHash, gitOut(t, dir, "rev-parse", "refs/heads/req/req-abc123"))
	assert.Equal(t, "package main\n", gitOut(t, dir, "show", ref.CommitHash+":src/main.go")+"\n")

	message := gitOut(t, dir, "log", "-1", "--format=%B", ref.Branch)
	assert.Contains(t, message, "req-abc123")
	assert.Contains(t, message, "analysis: 2026-03-01T10:00:00Z")
	assert.Contains(t, message, "planning: 2026-03-01T10:05:00Z")
}

func TestGitStoreRewriteResetsBranch(t *testing.T) {
	store, dir := newLocalStore(t)

	_, err := store.Write(context.Background(), "req-1", map[string]string{"old.txt": "v1\n"}, nil)
	require.NoError(t, err)

	ref, err := store.Write(context.Background(), "req-1", map[string]string{"new.txt": "v2\n"}, nil)
	require.NoError(t, err)

	tree := gitOut(t, dir, "ls-tree", "--name-only", "-r", ref.Branch)
	assert.Equal(t, "new.txt", tree)

	// Root commit plus one artifact commit: redeliveries converge instead
	// of stacking history on the branch.
	assert.Equal(t, "2", gitOut(t, dir, "rev-list", "--count", ref.Branch))
}

func TestGitStoreWritesAreIndependentPerRequest(t *testing.T) {
	store, dir := newLocalStore(t)

	refA, err := store.Write(context.Background(), "req-a", map[string]string{"a.txt": "a\n"}, nil)
	require.NoError(t, err)
	refB, err := store.Write(context.Background(), "req-b", map[string]string{"b.txt": "b\n"}, nil)
	require.NoError(t, err)

	require.NotEqual(t, refA.Branch, refB.Branch)
	assert.Equal(t, "a.txt", gitOut(t, dir, "ls-tree", "--name-only", "-r", refA.Branch))
	assert.Equal(t, "b.txt", gitOut(t, dir, "ls-tree", "--name-only", "-r", refB.Branch))
}

func TestGitStorePushesToOrigin(t *testing.T) {
	requireGit(t)

	remote := t.TempDir()
	gitOut(t, remote, "init", "--bare", ".")

	work := t.TempDir()
	gitOut(t, work, "clone", remote, ".")

	store, err := NewGitStore(Config{
		URL:     "https://git.example.com/devflow/artifacts.git",
		WorkDir: work,
		Push:    true,
	}, slog.Default())
	require.NoError(t, err)

	ref, err := store.Write(context.Background(), "req-push", map[string]string{"out.txt": "pushed\n"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://git.example.com/devflow/artifacts.git", ref.RepoURL)
	assert.Equal(t, ref.CommitHash, gitOut(t, remote, "rev-parse", "refs/heads/req/req-push"))
}

func TestGitStoreAllowsEmptyTree(t *testing.T) {
	store, _ := newLocalStore(t)

	ref, err := store.Write(context.Background(), "req-empty", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ref.Paths)
	assert.Len(t, ref.CommitHash, 40)
}

func TestGitStoreRejectsUnsafePaths(t *testing.T) {
	store, _ := newLocalStore(t)

	cases := []struct {
		name string
		path string
	}{
		{"traversal", "../escape.txt"},
		{"absolute", "/etc/passwd"},
		{"git metadata", ".git/config"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Write(context.Background(), "req-x", map[string]string{tc.path: "x"}, nil)
			require.Error(t, err)
		})
	}
}

func TestGitStoreRejectsBadRequestID(t *testing.T) {
	store, _ := newLocalStore(t)

	_, err := store.Write(context.Background(), "bad/id", map[string]string{"a.txt": "a"}, nil)
	require.Error(t, err)
	_, err = store.Write(context.Background(), "", map[string]string{"a.txt": "a"}, nil)
	require.Error(t, err)
}

func TestNewGitStoreValidation(t *testing.T) {
	_, err := NewGitStore(Config{}, nil)
	require.Error(t, err)

	_, err = NewGitStore(Config{WorkDir: "w", Push: true}, nil)
	require.Error(t, err)

	_, err = NewGitStore(Config{WorkDir: "w", URL: "ftp://example.com/repo.git"}, nil)
	require.Error(t, err)

	store, err := NewGitStore(Config{WorkDir: "w", URL: "git@github.com:devflow/artifacts.git"}, nil)
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestValidateFilePath(t *testing.T) {
	assert.NoError(t, validateFilePath("src/deep/nested/file.go"))
	assert.NoError(t, validateFilePath("README.md"))
	assert.NoError(t, validateFilePath(".gitignore"))
	assert.Error(t, validateFilePath("src/../../escape"))
	assert.Error(t, validateFilePath(".git/hooks/pre-commit"))
	assert.Error(t, validateFilePath("."))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "req/abc", BranchName("abc"))
}
