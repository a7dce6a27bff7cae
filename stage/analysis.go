package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/generator"
	"github.com/c360studio/devflow/worker"
)

const (
	analysisTemperature = 0.7
	analysisMaxTokens   = 4096

	// fallbackIntentCap bounds an intent derived from free-form text.
	fallbackIntentCap = 200
)

// Analysis turns a submission into a validated task graph. The generator
// proposes the breakdown; the transform normalizes what came back and
// enforces the task invariants. Duplicate ids, unresolvable or cyclic
// dependencies and an affirmatively empty breakdown are fatal.
type Analysis struct {
	gen    generator.Generator
	logger *slog.Logger
}

// NewAnalysis builds the analysis transform.
func NewAnalysis(gen generator.Generator, logger *slog.Logger) (*Analysis, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analysis{gen: gen, logger: logger.With("stage", envelope.StageAnalysis.String())}, nil
}

// Stage implements worker.Transform.
func (a *Analysis) Stage() envelope.Stage { return envelope.StageAnalysis }

// Run implements worker.Transform.
func (a *Analysis) Run(ctx context.Context, env *envelope.Envelope) (*worker.Outcome, error) {
	in, ok := env.Payload.(*envelope.SubmissionPayload)
	if !ok {
		return nil, worker.Permanent(fmt.Errorf("unexpected payload %T on stage %s", env.Payload, env.Stage))
	}

	temp := analysisTemperature
	resp, err := a.gen.Generate(ctx, generator.Request{
		Messages: []generator.Message{
			{Role: "system", Content: analysisSystem},
			{Role: "user", Content: analysisUser(in)},
		},
		Temperature: &temp,
		MaxTokens:   analysisMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate analysis: %w", err)
	}

	parsed, perr := parseAnalysis(resp.Text)
	if perr != nil {
		a.logger.Warn("Falling back to minimal analysis",
			"request_id", env.RequestID,
			"reason", perr.Error())
		parsed = fallbackAnalysis(in)
	}

	out := &envelope.AnalysisPayload{
		Submission:  in.Submission,
		Priority:    in.Priority,
		Intent:      strings.TrimSpace(parsed.Intent),
		Constraints: mergeConstraints(submissionConstraints(in.Submission), parsed.Constraints),
		Tasks:       normalizeTasks(parsed.Tasks),
	}
	if out.Intent == "" {
		out.Intent = fallbackIntent(in.Submission)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("analysis output: %w", err)
	}

	a.logger.Info("Submission analyzed",
		"request_id", env.RequestID,
		"tasks", len(out.Tasks),
		"constraints", len(out.Constraints),
		"model", resp.Model)
	return &worker.Outcome{Payload: out}, nil
}

// parseAnalysis extracts the breakdown from generated text. An error means
// the response carried nothing usable; a parsed response with zero tasks is
// returned as-is so validation rejects it.
func parseAnalysis(content string) (*analysisResponse, error) {
	raw := generator.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var resp analysisResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse analysis JSON: %w", err)
	}
	if len(resp.Tasks) == 0 && strings.TrimSpace(resp.Intent) == "" {
		return nil, fmt.Errorf("response carries neither intent nor tasks")
	}
	return &resp, nil
}

// normalizeTasks fills the gaps models commonly leave: missing ids,
// out-of-range priorities, unset status, stray whitespace. Structural
// violations stay untouched so validation can reject them.
func normalizeTasks(tasks []envelope.Task) []envelope.Task {
	out := make([]envelope.Task, len(tasks))
	for i, t := range tasks {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			t.ID = fmt.Sprintf("t%d", i+1)
		}
		t.Title = strings.TrimSpace(t.Title)
		t.Description = strings.TrimSpace(t.Description)
		if t.Description == "" {
			t.Description = t.Title
		}
		if t.Priority < 0 {
			t.Priority = envelope.MinTaskPriority
		}
		if t.Priority > envelope.MaxTaskPriority {
			t.Priority = envelope.MaxTaskPriority
		}
		t.Normalize()

		var deps []string
		for _, dep := range t.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep != "" {
				deps = append(deps, dep)
			}
		}
		t.Dependencies = deps
		out[i] = t
	}
	return out
}

// fallbackAnalysis derives a single-task breakdown from the submission when
// the generator response was unusable.
func fallbackAnalysis(p *envelope.SubmissionPayload) *analysisResponse {
	intent := fallbackIntent(p.Submission)
	return &analysisResponse{
		Intent: intent,
		Tasks: []envelope.Task{{
			ID:          "t1",
			Title:       "Implement the submitted project",
			Description: intent,
			Priority:    envelope.DefaultTaskPriority,
			Status:      envelope.TaskStatusPending,
		}},
	}
}

func fallbackIntent(sub envelope.Submission) string {
	switch sub.Kind {
	case envelope.SubmissionNewProject:
		desc := strings.TrimSpace(sub.NewProject.Description)
		if line, _, found := strings.Cut(desc, "\n"); found {
			desc = strings.TrimSpace(line)
		}
		return clip(desc, fallbackIntentCap)
	case envelope.SubmissionGit:
		return fmt.Sprintf("extend the repository at %s", sub.Git.URL)
	case envelope.SubmissionArchive:
		return fmt.Sprintf("extend an existing source tree of %d files", len(sub.Archive.Tree))
	}
	return "implement the submitted project"
}

func submissionConstraints(sub envelope.Submission) []string {
	if sub.Kind == envelope.SubmissionNewProject && sub.NewProject != nil {
		return sub.NewProject.Constraints
	}
	return nil
}

// mergeConstraints joins submission constraints with generator-derived
// ones, trimming and deduplicating while preserving order.
func mergeConstraints(base, extra []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, c := range append(append([]string{}, base...), extra...) {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
