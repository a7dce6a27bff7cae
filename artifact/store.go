// Package artifact persists generated file trees to a git repository. Each
// request gets its own branch, created or force-reset on every write, so a
// redelivered testing task converges on the same tree instead of stacking
// commits. The store shells out to the git CLI rather than linking a git
// implementation.
package artifact

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/devflow/envelope"
)

// branchPrefix namespaces per-request branches away from human branches.
const branchPrefix = "req/"

// Store writes one request's generated files as a single commit and returns
// the handle that the completion event carries.
type Store interface {
	Write(ctx context.Context, requestID string, files map[string]string, history []envelope.ProvenanceEntry) (*envelope.ArtifactRef, error)
}

// Config holds the artifact store settings.
type Config struct {
	// URL is the remote to clone and push to. Empty means the store keeps
	// a purely local repository under WorkDir.
	URL string

	// WorkDir is the local checkout the store owns. It is created on
	// first use when missing.
	WorkDir string

	// AuthorName and AuthorEmail identify the committer. Defaults are
	// "devflow" and "devflow@localhost".
	AuthorName  string
	AuthorEmail string

	// Push controls whether each write is pushed to origin. Requires URL.
	Push bool
}

// BranchName returns the branch a request's artifacts live on.
func BranchName(requestID string) string {
	return branchPrefix + requestID
}

// allowedProtocols defines the git URL protocols that are permitted for
// cloning and pushing.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// validateGitURL validates that a git URL uses an allowed protocol.
func validateGitURL(rawURL string) error {
	// SSH shorthand (git@github.com:owner/repo.git) has no scheme.
	if strings.HasPrefix(rawURL, "git@") {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}

	return nil
}

// requestIDPattern matches the request identifiers the gateway issues. The
// charset is also branch-name safe, which BranchName relies on.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateRequestID rejects identifiers that would produce an invalid or
// ambiguous branch name.
func validateRequestID(requestID string) error {
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}
	if !requestIDPattern.MatchString(requestID) {
		return fmt.Errorf("request id %q contains invalid characters", requestID)
	}
	return nil
}

// validateFilePath validates one entry of the files map. Paths are
// slash-separated and relative to the repository root; anything that could
// escape the checkout or touch git metadata is rejected.
func validateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed")
	}
	if strings.HasPrefix(path, "/") || filepath.IsAbs(filepath.FromSlash(path)) {
		return fmt.Errorf("path must be relative")
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." {
		return fmt.Errorf("path %q does not name a file", path)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git"+string(filepath.Separator)) {
		return fmt.Errorf("path must not touch .git")
	}
	return nil
}

// sortedPaths returns the file map's keys in lexical order. ArtifactRef
// promises a deterministic path list regardless of map iteration.
func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// commitMessage builds the commit message for a request's artifact tree. The
// stage history gives reviewers the pipeline timeline without leaving git log.
func commitMessage(requestID string, history []envelope.ProvenanceEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "devflow: artifacts for request %s\n", requestID)
	if len(history) > 0 {
		b.WriteString("\n")
		for _, entry := range history {
			fmt.Fprintf(&b, "%s: %s\n", entry.Stage, entry.ProducedAt.UTC().Format(time.RFC3339))
		}
	}
	return b.String()
}
