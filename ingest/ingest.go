// Package ingest turns uploaded archives and remote git repositories into
// the flat source trees the pipeline works on. Extraction happens inside a
// throwaway sandbox under hard limits: a capped upload size, a capped
// per-file size, a capped file count, and an expansion budget that defuses
// archive bombs. Ignored directories are pruned, binary files are skipped,
// and the sandbox is removed before returning.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// Default limits, matching the packaged gateway configuration.
const (
	DefaultMaxArchiveBytes = 50 << 20
	DefaultMaxFileBytes    = 5 << 20
	DefaultMaxFiles        = 10000
	DefaultCloneDepth      = 1
)

// expansionFactor bounds total unpacked bytes relative to the archive cap,
// so a small compressed bomb cannot fill the disk.
const expansionFactor = 8

// walkWorkers bounds concurrent file reads during the tree walk.
const walkWorkers = 8

// Ingestion failures the gateway maps onto HTTP statuses.
var (
	ErrArchiveTooLarge   = errors.New("archive exceeds the size limit")
	ErrExpandedTooLarge  = errors.New("extracted content exceeds the expansion budget")
	ErrTooManyFiles      = errors.New("source tree exceeds the file count limit")
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	ErrCloneTooLarge     = errors.New("cloned repository exceeds the size limit")
)

// builtinIgnore names directories that never belong in an ingested tree,
// wherever they appear.
var builtinIgnore = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

// Limits bounds one ingestion. Zero fields fall back to the defaults.
type Limits struct {
	// MaxArchiveBytes caps the uploaded archive, and the working tree of
	// a clone.
	MaxArchiveBytes int64
	// MaxFileBytes caps a single extracted text file; larger files are
	// skipped.
	MaxFileBytes int64
	// MaxFiles caps the extracted file count; exceeding it fails the
	// ingestion.
	MaxFiles int
	// CloneDepth is the git history depth.
	CloneDepth int
	// IgnorePatterns are doublestar patterns pruned in addition to the
	// built-in directory list.
	IgnorePatterns []string
}

func (l Limits) withDefaults() Limits {
	if l.MaxArchiveBytes <= 0 {
		l.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultMaxFileBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultMaxFiles
	}
	if l.CloneDepth <= 0 {
		l.CloneDepth = DefaultCloneDepth
	}
	return l
}

// Skipped tallies what an ingestion left behind.
type Skipped struct {
	// Binary files failed the UTF-8 check.
	Binary int
	// Large files exceeded the per-file cap.
	Large int
	// Ignored entries matched the ignore list or had unsafe names.
	Ignored int
}

// Result is one ingested source tree.
type Result struct {
	// Tree maps slash-relative paths to UTF-8 content.
	Tree map[string]string
	// Bytes is the total size of the included files.
	Bytes int64
	// Skipped tallies the excluded entries.
	Skipped Skipped
}

// Ingestor extracts source trees under a fixed set of limits.
type Ingestor struct {
	limits Limits
	logger *slog.Logger
}

// New builds an ingestor. Zero limit fields fall back to the defaults.
func New(limits Limits, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		limits: limits.withDefaults(),
		logger: logger.With("component", "ingest"),
	}
}

// ignored reports whether a slash-relative path is pruned, either because
// one of its segments is on the built-in list or because a configured
// pattern matches it.
func (i *Ingestor) ignored(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if builtinIgnore[seg] {
			return true
		}
	}
	for _, pattern := range i.limits.IgnorePatterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// walkDir flattens a sandbox directory into a tree map, pruning ignored
// directories, skipping binaries and oversized files, and reading content
// on a bounded worker pool.
func (i *Ingestor) walkDir(ctx context.Context, root string) (*Result, error) {
	res := &Result{Tree: make(map[string]string)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkWorkers)
	var mu sync.Mutex

	count := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && i.ignored(rel) {
				mu.Lock()
				res.Skipped.Ignored++
				mu.Unlock()
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if i.ignored(rel) {
			mu.Lock()
			res.Skipped.Ignored++
			mu.Unlock()
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		if info.Size() > i.limits.MaxFileBytes {
			mu.Lock()
			res.Skipped.Large++
			mu.Unlock()
			return nil
		}

		count++
		if count > i.limits.MaxFiles {
			return ErrTooManyFiles
		}

		g.Go(func() error {
			data, readErr := os.ReadFile(p)
			if readErr != nil {
				return readErr
			}
			mu.Lock()
			defer mu.Unlock()
			if !isText(data) {
				res.Skipped.Binary++
				return nil
			}
			res.Tree[rel] = string(data)
			res.Bytes += int64(len(data))
			return nil
		})
		return nil
	})
	if gErr := g.Wait(); err == nil {
		err = gErr
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// isText reports whether content can ride the tree as UTF-8 text. A NUL
// byte counts as binary even though it is valid UTF-8.
func isText(data []byte) bool {
	return bytes.IndexByte(data, 0) < 0 && utf8.Valid(data)
}

// safeRelPath normalizes an archive entry name into a slash-relative path.
// Absolute names and names escaping the root are rejected.
func safeRelPath(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

// collapseRoot strips a single shared top-level directory, which is how
// archives exported from hosting sites usually arrive.
func collapseRoot(tree map[string]string) map[string]string {
	if len(tree) == 0 {
		return tree
	}
	root := ""
	for p := range tree {
		idx := strings.IndexByte(p, '/')
		if idx < 0 {
			return tree
		}
		if root == "" {
			root = p[:idx]
			continue
		}
		if p[:idx] != root {
			return tree
		}
	}
	collapsed := make(map[string]string, len(tree))
	for p, content := range tree {
		collapsed[strings.TrimPrefix(p, root+"/")] = content
	}
	return collapsed
}

// sandboxDir creates the throwaway extraction root.
func sandboxDir(pattern string) (string, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	return dir, nil
}
