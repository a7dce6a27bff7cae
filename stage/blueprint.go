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
	blueprintTemperature = 0.7
	blueprintMaxTokens   = 4096
)

// Blueprint designs the system architecture from the execution plan. The
// output is purely structural: components with the files they will occupy,
// a data model, the API surface and a deployment plan. No external writes
// happen here.
type Blueprint struct {
	gen    generator.Generator
	logger *slog.Logger
}

// NewBlueprint builds the blueprint transform.
func NewBlueprint(gen generator.Generator, logger *slog.Logger) (*Blueprint, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Blueprint{gen: gen, logger: logger.With("stage", envelope.StageBlueprint.String())}, nil
}

// Stage implements worker.Transform.
func (b *Blueprint) Stage() envelope.Stage { return envelope.StageBlueprint }

// Run implements worker.Transform.
func (b *Blueprint) Run(ctx context.Context, env *envelope.Envelope) (*worker.Outcome, error) {
	in, ok := env.Payload.(*envelope.PlanningPayload)
	if !ok {
		return nil, worker.Permanent(fmt.Errorf("unexpected payload %T on stage %s", env.Payload, env.Stage))
	}

	temp := blueprintTemperature
	resp, err := b.gen.Generate(ctx, generator.Request{
		Messages: []generator.Message{
			{Role: "system", Content: blueprintSystem},
			{Role: "user", Content: blueprintUser(in)},
		},
		Temperature: &temp,
		MaxTokens:   blueprintMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate blueprint: %w", err)
	}

	parsed, perr := parseBlueprint(resp.Text)
	if perr != nil {
		b.logger.Warn("Falling back to minimal blueprint",
			"request_id", env.RequestID,
			"reason", perr.Error())
		parsed = &blueprintResponse{}
	}

	out := &envelope.BlueprintPayload{
		Submission:   in.Submission,
		Priority:     in.Priority,
		Intent:       in.Intent,
		Constraints:  in.Constraints,
		Tasks:        in.Tasks,
		OrderedTasks: in.OrderedTasks,
		Dependencies: in.Dependencies,
		Timeline:     in.Timeline,
		Risks:        in.Risks,

		Components:     normalizeComponents(parsed.Components, in.Intent),
		DataModel:      normalizeEntities(parsed.DataModel),
		APISpec:        normalizeEndpoints(parsed.APISpec),
		DeploymentPlan: strings.TrimSpace(parsed.DeploymentPlan),
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("blueprint output: %w", err)
	}

	b.logger.Info("Architecture designed",
		"request_id", env.RequestID,
		"components", len(out.Components),
		"entities", len(out.DataModel),
		"endpoints", len(out.APISpec),
		"model", resp.Model)
	return &worker.Outcome{Payload: out}, nil
}

func parseBlueprint(content string) (*blueprintResponse, error) {
	raw := generator.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var resp blueprintResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse blueprint JSON: %w", err)
	}
	return &resp, nil
}

// normalizeComponents cleans model output: blank names dropped, duplicate
// names merged (union of files, first purpose wins), file paths normalized,
// dangling depends_on references removed. An empty result degrades to a
// single component carrying the intent.
func normalizeComponents(components []envelope.Component, intent string) []envelope.Component {
	var out []envelope.Component
	byName := make(map[string]int, len(components))
	for _, c := range components {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.Purpose = strings.TrimSpace(c.Purpose)
		c.Files = cleanTreePaths(c.Files)

		if i, dup := byName[c.Name]; dup {
			out[i].Files = mergePaths(out[i].Files, c.Files)
			if out[i].Purpose == "" {
				out[i].Purpose = c.Purpose
			}
			out[i].DependsOn = append(out[i].DependsOn, c.DependsOn...)
			continue
		}
		byName[c.Name] = len(out)
		out = append(out, c)
	}

	for i := range out {
		var kept []string
		seen := make(map[string]struct{}, len(out[i].DependsOn))
		for _, d := range out[i].DependsOn {
			d = strings.TrimSpace(d)
			if d == "" || d == out[i].Name {
				continue
			}
			if _, known := byName[d]; !known {
				continue
			}
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			kept = append(kept, d)
		}
		out[i].DependsOn = kept
	}

	if len(out) == 0 {
		out = []envelope.Component{{Name: "application", Purpose: intent}}
	}
	return out
}

func mergePaths(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range append(append([]string{}, base...), extra...) {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func normalizeEntities(entities []envelope.Entity) []envelope.Entity {
	var out []envelope.Entity
	for _, e := range entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		var fields []envelope.Field
		for _, f := range e.Fields {
			f.Name = strings.TrimSpace(f.Name)
			if f.Name == "" {
				continue
			}
			f.Type = strings.TrimSpace(f.Type)
			fields = append(fields, f)
		}
		e.Fields = fields
		out = append(out, e)
	}
	return out
}

func normalizeEndpoints(endpoints []envelope.Endpoint) []envelope.Endpoint {
	var out []envelope.Endpoint
	for _, ep := range endpoints {
		ep.Method = strings.ToUpper(strings.TrimSpace(ep.Method))
		ep.Path = strings.TrimSpace(ep.Path)
		if ep.Method == "" || ep.Path == "" {
			continue
		}
		if !strings.HasPrefix(ep.Path, "/") {
			ep.Path = "/" + ep.Path
		}
		out = append(out, ep)
	}
	return out
}
