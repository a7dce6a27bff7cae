package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/devflow/envelope"
)

// reportFailureCap bounds how many failures the report lists verbatim.
const reportFailureCap = 20

// checkResult is one verification check over one file. A nil err means the
// check passed; skipped checks count separately.
type checkResult struct {
	name    string
	path    string
	err     error
	skipped bool
}

// verifyTree runs the static verification suite over a generated tree:
// closure over the blueprint, UTF-8 cleanliness, syntax validity for JSON
// and YAML files, and a package clause for Go sources. Nothing is executed.
// Coverage is the passed fraction of executed checks.
func verifyTree(p *envelope.CodingPayload) (envelope.TestResults, float64) {
	var checks []checkResult
	bp := envelope.BlueprintPayload{Components: p.Components}
	for _, name := range bp.PlannedFiles() {
		var err error
		if _, present := p.Files[name]; !present {
			err = errors.New("blueprint path missing from the tree")
		}
		checks = append(checks, checkResult{name: "blueprint_closure", path: name, err: err})
	}
	for _, name := range sortedKeys(p.Files) {
		checks = append(checks, checkFile(name, p.Files[name])...)
	}

	var results envelope.TestResults
	var failures []string
	for _, c := range checks {
		switch {
		case c.skipped:
			results.Skipped++
		case c.err == nil:
			results.Passed++
		default:
			results.Failed++
			if len(failures) < reportFailureCap {
				failures = append(failures, fmt.Sprintf("%s: %s: %v", c.name, c.path, c.err))
			}
		}
	}
	results.Report = buildReport(results, failures, len(checks))

	coverage := 0.0
	if executed := results.Passed + results.Failed; executed > 0 {
		coverage = math.Round(10000*float64(results.Passed)/float64(executed)) / 100
	}
	return results, coverage
}

// checkFile runs the per-file checks. A file that fails the UTF-8 gate gets
// no further checks; an effectively empty file is recorded as skipped.
func checkFile(name, content string) []checkResult {
	var out []checkResult
	if !utf8.ValidString(content) {
		return append(out, checkResult{name: "utf8", path: name, err: errors.New("content is not valid UTF-8")})
	}
	out = append(out, checkResult{name: "utf8", path: name})

	if strings.TrimSpace(content) == "" {
		return append(out, checkResult{name: "non_empty", path: name, skipped: true})
	}
	out = append(out, checkResult{name: "non_empty", path: name})

	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		var err error
		if !json.Valid([]byte(content)) {
			err = errors.New("malformed JSON")
		}
		out = append(out, checkResult{name: "json_syntax", path: name, err: err})
	case ".yaml", ".yml":
		var doc any
		out = append(out, checkResult{name: "yaml_syntax", path: name, err: yaml.Unmarshal([]byte(content), &doc)})
	case ".go":
		out = append(out, checkResult{name: "go_package_clause", path: name, err: checkGoSource(content)})
	}
	return out
}

// checkGoSource verifies the file opens with a package clause once comments
// are stripped. A full parse is out of scope; this catches the common
// failure of a model emitting prose or a fragment into a .go path.
func checkGoSource(content string) error {
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if inBlock {
			idx := strings.Index(line, "*/")
			if idx < 0 {
				continue
			}
			line = strings.TrimSpace(line[idx+2:])
			inBlock = false
		}
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if strings.HasPrefix(line, "/*") {
			idx := strings.Index(line[2:], "*/")
			if idx < 0 {
				inBlock = true
				continue
			}
			rest := strings.TrimSpace(line[idx+4:])
			if rest == "" || strings.HasPrefix(rest, "//") {
				continue
			}
			line = rest
		}
		if strings.HasPrefix(line, "package ") {
			return nil
		}
		return fmt.Errorf("first statement is %q, want a package clause", clip(line, 40))
	}
	return errors.New("no package clause")
}

func buildReport(r envelope.TestResults, failures []string, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "static verification: %d checks, %d passed, %d failed, %d skipped",
		total, r.Passed, r.Failed, r.Skipped)
	for _, f := range failures {
		b.WriteString("\n")
		b.WriteString(f)
	}
	if r.Failed > len(failures) {
		fmt.Fprintf(&b, "\n... %d more failures", r.Failed-len(failures))
	}
	return b.String()
}
