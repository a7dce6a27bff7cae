package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c360studio/devflow/envelope"
)

var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// Clone fetches a remote repository at the configured depth and ingests its
// working tree. The credential, when present, is folded into the clone URL
// for the duration of the command and scrubbed from any error output; it is
// never written anywhere that outlives the call.
func (i *Ingestor) Clone(ctx context.Context, src *envelope.GitSource) (*Result, error) {
	if src == nil || src.URL == "" {
		return nil, fmt.Errorf("git source requires a url")
	}
	cloneURL, err := authURL(src.URL, src.Credentials)
	if err != nil {
		return nil, err
	}

	sandbox, err := sandboxDir("devflow-clone-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(sandbox)

	dest := filepath.Join(sandbox, "repo")
	args := []string{"clone", "--single-branch"}
	if src.Branch != "" {
		args = append(args, "--branch", src.Branch)
	}
	if i.limits.CloneDepth > 0 {
		args = append(args, "--depth", strconv.Itoa(i.limits.CloneDepth))
	}
	args = append(args, cloneURL, dest)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git clone failed: %w: %s", err, redact(string(output), src.Credentials))
	}

	// The clone config holds the credentialed URL; scrub it before anything
	// else touches the tree.
	if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
		return nil, fmt.Errorf("strip clone metadata: %w", err)
	}
	if err := i.checkTreeSize(dest); err != nil {
		return nil, err
	}

	res, err := i.walkDir(ctx, dest)
	if err != nil {
		return nil, err
	}
	i.logger.Info("Repository ingested",
		"url", src.URL,
		"branch", src.Branch,
		"files", len(res.Tree),
		"bytes", res.Bytes)
	return res, nil
}

// authURL validates a clone URL and folds a credential into it. Only https
// URLs carry credentials; the other schemes bring their own auth channel.
func authURL(raw, credential string) (string, error) {
	if err := validateCloneURL(raw); err != nil {
		return "", err
	}
	if credential == "" || !strings.HasPrefix(strings.ToLower(raw), "https://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if user, pass, ok := strings.Cut(credential, ":"); ok {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(credential)
	}
	return u.String(), nil
}

func validateCloneURL(raw string) error {
	// SCP-style addresses have no scheme to inspect.
	if strings.HasPrefix(raw, "git@") {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// redact masks the credential anywhere it leaked into command output.
func redact(output, credential string) string {
	if credential == "" {
		return output
	}
	masked := strings.ReplaceAll(output, credential, "***")
	if pass, ok := splitPassword(credential); ok {
		masked = strings.ReplaceAll(masked, pass, "***")
	}
	return masked
}

func splitPassword(credential string) (string, bool) {
	_, pass, ok := strings.Cut(credential, ":")
	return pass, ok && pass != ""
}

// checkTreeSize enforces the clone size cap over the working tree.
func (i *Ingestor) checkTreeSize(root string) error {
	var total int64
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		total += info.Size()
		if total > i.limits.MaxArchiveBytes {
			return ErrCloneTooLarge
		}
		return nil
	})
}
