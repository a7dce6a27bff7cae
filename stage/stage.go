// Package stage holds the five pipeline transforms. Each transform consumes
// the payload its predecessor produced and returns the next, richer payload;
// the testing transform ends the chain by persisting the generated tree and
// projecting a completion event. Transforms own no broker traffic and no
// retry policy: the worker runtime drives delivery, requeueing and
// publication around them.
//
// Generator output is parsed leniently. A response that carries no usable
// JSON degrades to a deterministic minimal result instead of failing the
// request, so a weak model still moves work forward; structural violations
// in what the model did say (task cycles, duplicate ids) stay fatal.
package stage

import (
	"path"
	"sort"
	"strings"
)

// cleanTreePath normalizes a model-emitted file path to a safe
// repository-relative form. The bool is false when no safe form exists:
// empty paths, traversal outside the tree, and git metadata are rejected.
func cleanTreePath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	if p == "" || strings.Contains(p, "\x00") {
		return "", false
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	if cleaned == ".git" || strings.HasPrefix(cleaned, ".git/") {
		return "", false
	}
	return cleaned, true
}

// cleanTreePaths maps cleanTreePath over a list, dropping unusable entries
// and duplicates while preserving first-mention order.
func cleanTreePaths(paths []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		cleaned, ok := cleanTreePath(p)
		if !ok {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clip bounds a string for prompts and reports without splitting a rune.
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
