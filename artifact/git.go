package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/devflow/envelope"
)

// Retry settings for a single Write call. Attempts beyond the first back off
// exponentially from retryBase up to retryCap.
const (
	maxWriteAttempts = 5
	retryBase        = time.Second
	retryCap         = 30 * time.Second
)

// GitStore implements Store on top of the git CLI. One store owns one local
// checkout; writes are serialized so concurrent testing workers in the same
// process never race on the working tree.
type GitStore struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
	base  string
}

// NewGitStore validates the configuration and returns a store. The working
// directory is not touched until the first Write.
func NewGitStore(cfg Config, logger *slog.Logger) (*GitStore, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("artifact store requires a work directory")
	}
	if cfg.URL != "" {
		if err := validateGitURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("artifact repository URL: %w", err)
		}
	}
	if cfg.Push && cfg.URL == "" {
		return nil, fmt.Errorf("push requires a remote repository URL")
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "devflow"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "devflow@localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &GitStore{cfg: cfg, logger: logger}, nil
}

// Write commits the files onto branch req/<requestID>, force-resetting the
// branch if it already exists, and returns the resulting handle. The write is
// retried on failure; the branch only ever holds the last successful tree, so
// a partially failed attempt is invisible to readers.
func (s *GitStore) Write(ctx context.Context, requestID string, files map[string]string, history []envelope.ProvenanceEntry) (*envelope.ArtifactRef, error) {
	if err := validateRequestID(requestID); err != nil {
		return nil, err
	}
	for path := range files {
		if err := validateFilePath(path); err != nil {
			return nil, fmt.Errorf("file %q: %w", path, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = 2
	bo.MaxInterval = retryCap
	bo.MaxElapsedTime = 0

	var ref *envelope.ArtifactRef
	op := func() error {
		r, err := s.writeOnce(ctx, requestID, files, history)
		if err != nil {
			s.logger.Warn("Artifact write failed",
				"request_id", requestID,
				"error", err)
			return err
		}
		ref = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxWriteAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("artifact write for request %s: %w", requestID, err)
	}

	s.logger.Info("Artifact committed",
		"request_id", requestID,
		"branch", ref.Branch,
		"commit", ref.CommitHash,
		"files", len(ref.Paths))
	return ref, nil
}

// writeOnce performs one full write attempt. Every step is idempotent with
// respect to a previous half-finished attempt: the tree is reset before the
// branch switch and the branch itself is recreated with -B.
func (s *GitStore) writeOnce(ctx context.Context, requestID string, files map[string]string, history []envelope.ProvenanceEntry) (*envelope.ArtifactRef, error) {
	if err := s.ensureRepo(ctx); err != nil {
		return nil, err
	}

	// A prior attempt that died mid-write leaves a dirty tree that would
	// block the checkout below.
	if _, err := s.runGit(ctx, "reset", "--hard"); err != nil {
		return nil, fmt.Errorf("reset working tree: %w", err)
	}
	if _, err := s.runGit(ctx, "clean", "-fd"); err != nil {
		return nil, fmt.Errorf("clean working tree: %w", err)
	}

	branch := BranchName(requestID)
	if _, err := s.runGit(ctx, "checkout", s.base); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", s.base, err)
	}
	if _, err := s.runGit(ctx, "checkout", "-B", branch); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}
	if _, err := s.runGit(ctx, "rm", "-rf", "-q", "--ignore-unmatch", "."); err != nil {
		return nil, fmt.Errorf("clear branch tree: %w", err)
	}

	for path, content := range files {
		full := filepath.Join(s.cfg.WorkDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}

	if _, err := s.runGit(ctx, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage files: %w", err)
	}
	if err := s.commit(ctx, commitMessage(requestID, history)); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if s.cfg.Push {
		// Force push: the branch is rewritten on every redelivery.
		if _, err := s.runGit(ctx, "push", "-f", "origin", branch); err != nil {
			return nil, fmt.Errorf("push %s: %w", branch, err)
		}
	}

	out, err := s.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve commit hash: %w", err)
	}

	repoURL := s.cfg.URL
	if repoURL == "" {
		repoURL = s.cfg.WorkDir
	}

	return &envelope.ArtifactRef{
		RepoURL:    repoURL,
		Branch:     branch,
		CommitHash: strings.TrimSpace(out),
		Paths:      sortedPaths(files),
	}, nil
}

// ensureRepo makes the working directory a usable repository with a resolved
// default branch. Called under the store mutex.
func (s *GitStore) ensureRepo(ctx context.Context) error {
	if s.ready {
		return nil
	}

	if !isGitRepo(s.cfg.WorkDir) {
		if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
			return fmt.Errorf("create work directory: %w", err)
		}
		if s.cfg.URL != "" {
			if _, err := s.runGit(ctx, "clone", s.cfg.URL, "."); err != nil {
				return fmt.Errorf("clone %s: %w", s.cfg.URL, err)
			}
		} else {
			if _, err := s.runGit(ctx, "init"); err != nil {
				return fmt.Errorf("init repository: %w", err)
			}
		}
	}

	// A fresh init and a clone of an empty remote both leave HEAD unborn,
	// which breaks the checkout dance in writeOnce. Seed a root commit.
	if _, err := s.runGit(ctx, "rev-parse", "--verify", "HEAD"); err != nil {
		if err := s.commit(ctx, "devflow: initialize artifact store"); err != nil {
			return fmt.Errorf("seed initial commit: %w", err)
		}
	}

	out, err := s.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("resolve default branch: %w", err)
	}
	s.base = strings.TrimSpace(out)
	s.ready = true

	s.logger.Info("Artifact repository ready",
		"dir", s.cfg.WorkDir,
		"branch", s.base,
		"remote", s.cfg.URL)
	return nil
}

// commit records the staged tree. Identity comes from per-invocation config
// so the store never depends on the host's global git setup.
func (s *GitStore) commit(ctx context.Context, message string) error {
	_, err := s.runGit(ctx,
		"-c", "user.name="+s.cfg.AuthorName,
		"-c", "user.email="+s.cfg.AuthorEmail,
		"commit", "--allow-empty", "-m", message)
	return err
}

// runGit executes a git command in the work directory.
func (s *GitStore) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.cfg.WorkDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

// isGitRepo checks if the directory is inside a git repository.
func isGitRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = dir
	return cmd.Run() == nil
}
