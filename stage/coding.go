package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/generator"
	"github.com/c360studio/devflow/worker"
)

const (
	codingTemperature = 0.2
	codingMaxTokens   = 8192

	// codingPromptFileCap bounds how much of one existing file a prompt
	// shows the model.
	codingPromptFileCap = 8 * 1024
)

// Coding generates the source tree from the blueprint, one generator call
// per component. The resulting file map is closed over the blueprint: every
// path a component references exists as a key, stubbed when the model did
// not produce it. Archive submissions carry their existing tree into the
// output so the final artifact holds the whole project.
type Coding struct {
	gen    generator.Generator
	logger *slog.Logger
}

// NewCoding builds the coding transform.
func NewCoding(gen generator.Generator, logger *slog.Logger) (*Coding, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coding{gen: gen, logger: logger.With("stage", envelope.StageCoding.String())}, nil
}

// Stage implements worker.Transform.
func (c *Coding) Stage() envelope.Stage { return envelope.StageCoding }

// Run implements worker.Transform.
func (c *Coding) Run(ctx context.Context, env *envelope.Envelope) (*worker.Outcome, error) {
	in, ok := env.Payload.(*envelope.BlueprintPayload)
	if !ok {
		return nil, worker.Permanent(fmt.Errorf("unexpected payload %T on stage %s", env.Payload, env.Stage))
	}

	files := make(map[string]string)
	if in.Submission.Kind == envelope.SubmissionArchive && in.Submission.Archive != nil {
		for name, content := range in.Submission.Archive.Tree {
			if cleaned, pok := cleanTreePath(name); pok {
				files[cleaned] = content
			}
		}
	}

	generated := 0
	for _, comp := range in.Components {
		compFiles, err := c.generateComponent(ctx, env.RequestID, in, comp, files)
		if err != nil {
			return nil, err
		}
		for name, content := range compFiles {
			files[name] = content
			generated++
		}
	}

	// Close the map over the blueprint: every referenced path exists.
	stubbed := 0
	for _, name := range in.PlannedFiles() {
		if _, present := files[name]; !present {
			files[name] = stubContent(name)
			stubbed++
		}
	}
	if len(files) == 0 {
		files["README.md"] = fallbackReadme(in)
	}

	out := &envelope.CodingPayload{
		Submission:   in.Submission,
		Priority:     in.Priority,
		Intent:       in.Intent,
		Constraints:  in.Constraints,
		Tasks:        in.Tasks,
		OrderedTasks: in.OrderedTasks,
		Dependencies: in.Dependencies,
		Timeline:     in.Timeline,
		Risks:        in.Risks,

		Components:     in.Components,
		DataModel:      in.DataModel,
		APISpec:        in.APISpec,
		DeploymentPlan: in.DeploymentPlan,

		Files:    files,
		RepoHint: repoHint(in.Submission),
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("coding output: %w", err)
	}

	c.logger.Info("Sources generated",
		"request_id", env.RequestID,
		"files", len(files),
		"generated", generated,
		"stubbed", stubbed)
	return &worker.Outcome{Payload: out}, nil
}

// generateComponent runs one generator call for a component and returns the
// cleaned file map. An unparseable response returns nil so the planned
// files degrade to stubs; a generator error propagates for the runtime to
// classify.
func (c *Coding) generateComponent(ctx context.Context, requestID string, in *envelope.BlueprintPayload, comp envelope.Component, tree map[string]string) (map[string]string, error) {
	temp := codingTemperature
	resp, err := c.gen.Generate(ctx, generator.Request{
		Messages: []generator.Message{
			{Role: "system", Content: codingSystem},
			{Role: "user", Content: codingUser(in, comp, existingFor(comp, tree))},
		},
		Temperature: &temp,
		MaxTokens:   codingMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate component %s: %w", comp.Name, err)
	}

	parsed, perr := parseCode(resp.Text)
	if perr != nil {
		c.logger.Warn("Component output unparseable, planned files will be stubbed",
			"request_id", requestID,
			"component", comp.Name,
			"reason", perr.Error())
		return nil, nil
	}

	out := make(map[string]string, len(parsed.Files))
	for name, content := range parsed.Files {
		cleaned, pok := cleanTreePath(name)
		if !pok {
			c.logger.Debug("Dropping unsafe generated path",
				"component", comp.Name,
				"path", name)
			continue
		}
		if !utf8.ValidString(content) {
			c.logger.Debug("Dropping non-UTF-8 generated file",
				"component", comp.Name,
				"path", cleaned)
			continue
		}
		out[cleaned] = content
	}
	return out, nil
}

func parseCode(content string) (*codeResponse, error) {
	raw := generator.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var resp codeResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse code JSON: %w", err)
	}
	if len(resp.Files) == 0 {
		return nil, fmt.Errorf("response carries no files")
	}
	return &resp, nil
}

// existingFor selects the files of the current tree that the component
// references, so the model updates them instead of writing blind.
func existingFor(comp envelope.Component, tree map[string]string) map[string]string {
	if len(tree) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, name := range comp.Files {
		if content, present := tree[name]; present {
			out[name] = content
		}
	}
	return out
}

// stubContent fills a blueprint-referenced path the generator failed to
// produce, keeping the tree closed over the blueprint. The marker comment
// matches the file's comment syntax.
func stubContent(name string) string {
	marker := fmt.Sprintf("placeholder for %s; generation did not produce this file", name)
	switch strings.ToLower(path.Ext(name)) {
	case ".go", ".js", ".ts", ".java", ".c", ".h", ".cpp", ".rs":
		return "// " + marker + "\n"
	case ".py", ".rb", ".sh", ".yaml", ".yml", ".toml", ".cfg", ".ini":
		return "# " + marker + "\n"
	case ".html", ".xml":
		return "<!-- " + marker + " -->\n"
	case ".json":
		return "{}\n"
	default:
		return marker + "\n"
	}
}

// fallbackReadme is the last resort when no component produced or planned
// any file at all: the tree still carries the intent and the task list.
func fallbackReadme(in *envelope.BlueprintPayload) string {
	var b strings.Builder
	b.WriteString("# Project\n\n")
	b.WriteString(in.Intent)
	b.WriteString("\n\n## Planned tasks\n\n")
	titles := make(map[string]string, len(in.Tasks))
	for _, t := range in.Tasks {
		titles[t.ID] = t.Title
	}
	for _, id := range in.OrderedTasks {
		fmt.Fprintf(&b, "- %s: %s\n", id, titles[id])
	}
	return b.String()
}

// repoHint surfaces the originating repository when one is known. Git
// submissions carry it directly; archive submissions the gateway resolved
// from a clone keep the origin alongside the tree.
func repoHint(sub envelope.Submission) string {
	if sub.Git != nil {
		return sub.Git.URL
	}
	return ""
}
