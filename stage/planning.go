package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/generator"
	"github.com/c360studio/devflow/worker"
)

const (
	planningTemperature = 0.7
	planningMaxTokens   = 2048

	// Structural risk thresholds.
	fanOutRiskThreshold = 3
	fanInRiskThreshold  = 3
)

// Planning orders the analysis task graph into a deterministic execution
// plan: the same tasks always produce the same order, the same phases and
// the same risk set. The generator is optional and only rewords the risk
// annotations; it never changes the ordering, and any enrichment failure
// keeps the deterministic wording.
type Planning struct {
	gen    generator.Generator
	logger *slog.Logger
}

// NewPlanning builds the planning transform. gen may be nil to disable
// risk enrichment.
func NewPlanning(gen generator.Generator, logger *slog.Logger) *Planning {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planning{gen: gen, logger: logger.With("stage", envelope.StagePlanning.String())}
}

// Stage implements worker.Transform.
func (p *Planning) Stage() envelope.Stage { return envelope.StagePlanning }

// Run implements worker.Transform.
func (p *Planning) Run(ctx context.Context, env *envelope.Envelope) (*worker.Outcome, error) {
	in, ok := env.Payload.(*envelope.AnalysisPayload)
	if !ok {
		return nil, worker.Permanent(fmt.Errorf("unexpected payload %T on stage %s", env.Payload, env.Stage))
	}

	phases, ordered, err := orderTasks(in.Tasks)
	if err != nil {
		return nil, err
	}

	risks := deriveRisks(in.Tasks, phases)
	if p.gen != nil && len(risks) > 0 {
		risks = p.enrichRisks(ctx, env.RequestID, in.Intent, phases, risks)
	}

	out := &envelope.PlanningPayload{
		Submission:   in.Submission,
		Priority:     in.Priority,
		Intent:       in.Intent,
		Constraints:  in.Constraints,
		Tasks:        in.Tasks,
		OrderedTasks: ordered,
		Dependencies: dependencyMap(in.Tasks),
		Timeline:     phases,
		Risks:        risks,
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("planning output: %w", err)
	}

	p.logger.Info("Plan ordered",
		"request_id", env.RequestID,
		"tasks", len(ordered),
		"phases", len(phases),
		"risks", len(risks))
	return &worker.Outcome{Payload: out}, nil
}

// orderTasks produces a deterministic topological order. Tasks whose
// dependencies are all satisfied at the same round form one phase and may
// run in parallel; inside a phase, lower priority values order first with
// the original submission order breaking ties. A dependency-free task set
// collapses into a single phase.
func orderTasks(tasks []envelope.Task) ([]envelope.PlanPhase, []string, error) {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	blocking := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i, t := range tasks {
		blocking[i] = len(t.Dependencies)
		for _, dep := range t.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, nil, envelope.NewValidationError("dependencies",
					"task %q depends on unknown task %q", t.ID, dep)
			}
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := make([]int, 0, len(tasks))
	for i := range tasks {
		if blocking[i] == 0 {
			ready = append(ready, i)
		}
	}

	var phases []envelope.PlanPhase
	ordered := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			ta, tb := tasks[ready[a]], tasks[ready[b]]
			if ta.Priority != tb.Priority {
				return ta.Priority < tb.Priority
			}
			return ready[a] < ready[b]
		})

		ids := make([]string, len(ready))
		for k, i := range ready {
			ids[k] = tasks[i].ID
		}
		ordered = append(ordered, ids...)
		phases = append(phases, envelope.PlanPhase{Phase: len(phases) + 1, TaskIDs: ids})

		var next []int
		for _, i := range ready {
			for _, dep := range dependents[i] {
				blocking[dep]--
				if blocking[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if len(ordered) != len(tasks) {
		var stuck []string
		for i := range tasks {
			if blocking[i] > 0 {
				stuck = append(stuck, tasks[i].ID)
			}
		}
		return nil, nil, envelope.NewValidationError("dependencies", "dependency cycle involving %v", stuck)
	}
	return phases, ordered, nil
}

// dependencyMap projects the per-task dependency lists into the explicit
// map the plan carries. Tasks without dependencies are omitted.
func dependencyMap(tasks []envelope.Task) map[string][]string {
	deps := make(map[string][]string)
	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			continue
		}
		deps[t.ID] = append([]string(nil), t.Dependencies...)
	}
	if len(deps) == 0 {
		return nil
	}
	return deps
}

// deriveRisks annotates the plan with deterministic structural risks: wide
// fan-out, wide fan-in, priority inversion across a dependency edge, and a
// mostly serial critical path. Scan order is fixed, so the same graph always
// yields the same annotations.
func deriveRisks(tasks []envelope.Task, phases []envelope.PlanPhase) []string {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}
	fanOut := make([]int, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			fanOut[index[dep]]++
		}
	}

	var risks []string
	for i, t := range tasks {
		if fanOut[i] >= fanOutRiskThreshold {
			risks = append(risks, fmt.Sprintf(
				"task %s blocks %d downstream tasks; a slip there cascades", t.ID, fanOut[i]))
		}
	}
	for _, t := range tasks {
		if len(t.Dependencies) >= fanInRiskThreshold {
			risks = append(risks, fmt.Sprintf(
				"task %s waits on %d prerequisites and cannot start until all of them land",
				t.ID, len(t.Dependencies)))
		}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			d := tasks[index[dep]]
			if t.Priority < d.Priority {
				risks = append(risks, fmt.Sprintf(
					"priority inversion: task %s (priority %d) waits on %s (priority %d)",
					t.ID, t.Priority, dep, d.Priority))
			}
		}
	}
	if len(phases) >= 4 && len(phases) > (len(tasks)+1)/2 {
		risks = append(risks, fmt.Sprintf(
			"critical path spans %d of %d tasks; little of the plan can run in parallel",
			len(phases), len(tasks)))
	}
	return risks
}

// enrichRisks asks the generator to reword the draft annotations. The draft
// wording is kept whenever the response does not line up one-to-one.
func (p *Planning) enrichRisks(ctx context.Context, requestID, intent string, phases []envelope.PlanPhase, draft []string) []string {
	temp := planningTemperature
	resp, err := p.gen.Generate(ctx, generator.Request{
		Messages: []generator.Message{
			{Role: "system", Content: riskSystem},
			{Role: "user", Content: riskUser(intent, phases, draft)},
		},
		Temperature: &temp,
		MaxTokens:   planningMaxTokens,
	})
	if err != nil {
		p.logger.Warn("Risk enrichment failed, keeping draft wording",
			"request_id", requestID,
			"error", err)
		return draft
	}

	raw := generator.ExtractJSONArray(resp.Text)
	if raw == "" {
		return draft
	}
	var reworded []string
	if err := json.Unmarshal([]byte(raw), &reworded); err != nil {
		p.logger.Debug("Risk enrichment unparseable",
			"request_id", requestID,
			"error", err)
		return draft
	}
	if len(reworded) != len(draft) {
		return draft
	}
	for i, r := range reworded {
		r = strings.TrimSpace(r)
		if r == "" {
			return draft
		}
		reworded[i] = r
	}
	return reworded
}
