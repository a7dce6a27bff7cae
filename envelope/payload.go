package envelope

import (
	"encoding/json"
	"strings"
)

// Payload is the stage-scoped content carried by an Envelope. The set of
// implementations is closed: each pipeline stage consumes the payload type
// produced by its predecessor, and DecodePayload selects the concrete type
// from the envelope's stage field. Unknown JSON keys survive a decode and
// re-encode round trip via the Extra map on each implementation.
type Payload interface {
	// Kind names the payload variant on the wire ("submission", "analysis", ...).
	Kind() string
	// Validate checks the variant's structural invariants and returns a
	// *ValidationError describing the first violation found.
	Validate() error
	// Summary reports a bounded projection of the payload, safe to emit in
	// events and logs. It never includes file contents or prompt text.
	Summary() Summary

	extra() map[string]json.RawMessage
	setExtra(map[string]json.RawMessage)
}

// Summary is a size-bounded projection of a payload, used in dashboard
// events and structured logs in place of the payload itself.
type Summary struct {
	Kind        string `json:"kind"`
	Tasks       int    `json:"tasks,omitempty"`
	Components  int    `json:"components,omitempty"`
	Risks       int    `json:"risks,omitempty"`
	Files       int    `json:"files,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
	TestsPassed int    `json:"tests_passed,omitempty"`
	TestsFailed int    `json:"tests_failed,omitempty"`
}

// SubmissionPayload is the initial payload constructed by the ingress
// gateway. It rides the envelope into the analysis stage.
type SubmissionPayload struct {
	Submission Submission `json:"submission"`
	Priority   Priority   `json:"priority,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (p *SubmissionPayload) Kind() string { return "submission" }

func (p *SubmissionPayload) Validate() error {
	if err := p.Submission.Validate(); err != nil {
		return err
	}
	if p.Priority != "" {
		if _, err := ParsePriority(string(p.Priority)); err != nil {
			return err
		}
	}
	return nil
}

func (p *SubmissionPayload) Summary() Summary {
	s := Summary{Kind: p.Kind()}
	if n := p.Submission.FileCount(); n > 0 {
		s.Files = n
	}
	return s
}

func (p *SubmissionPayload) extra() map[string]json.RawMessage     { return p.Extra }
func (p *SubmissionPayload) setExtra(m map[string]json.RawMessage) { p.Extra = m }

// AnalysisPayload is produced by the analysis stage: the submission broken
// down into a validated task graph plus the inferred intent.
type AnalysisPayload struct {
	Submission Submission `json:"submission"`
	Priority   Priority   `json:"priority,omitempty"`

	Intent      string   `json:"intent"`
	Constraints []string `json:"constraints,omitempty"`
	Tasks       []Task   `json:"tasks"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (p *AnalysisPayload) Kind() string { return "analysis" }

func (p *AnalysisPayload) Validate() error {
	if err := p.Submission.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Intent) == "" {
		return NewValidationError("intent", "intent is required")
	}
	return ValidateTasks(p.Tasks)
}

func (p *AnalysisPayload) Summary() Summary {
	return Summary{Kind: p.Kind(), Tasks: len(p.Tasks)}
}

func (p *AnalysisPayload) extra() map[string]json.RawMessage     { return p.Extra }
func (p *AnalysisPayload) setExtra(m map[string]json.RawMessage) { p.Extra = m }

// PlanPhase is one step of the planning timeline. Tasks listed in the same
// phase have all their dependencies satisfied by earlier phases and may run
// in parallel.
type PlanPhase struct {
	Phase    int      `json:"phase"`
	TaskIDs  []string `json:"task_ids"`
	Estimate string   `json:"estimate,omitempty"`
}

// PlanningPayload extends the analysis with a topological execution order,
// an explicit dependency map, a phased timeline and annotated risks.
type PlanningPayload struct {
	Submission Submission `json:"submission"`
	Priority   Priority   `json:"priority,omitempty"`

	Intent      string   `json:"intent"`
	Constraints []string `json:"constraints,omitempty"`
	Tasks       []Task   `json:"tasks"`

	OrderedTasks []string            `json:"ordered_tasks"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	Timeline     []PlanPhase         `json:"timeline,omitempty"`
	Risks        []string            `json:"risks,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (p *PlanningPayload) Kind() string { return "planning" }

func (p *PlanningPayload) Validate() error {
	if err := p.Submission.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Intent) == "" {
		return NewValidationError("intent", "intent is required")
	}
	if err := ValidateTasks(p.Tasks); err != nil {
		return err
	}
	return validateOrdering(p.Tasks, p.OrderedTasks)
}

func (p *PlanningPayload) Summary() Summary {
	return Summary{Kind: p.Kind(), Tasks: len(p.Tasks), Risks: len(p.Risks)}
}

func (p *PlanningPayload) extra() map[string]json.RawMessage     { return p.Extra }
func (p *PlanningPayload) setExtra(m map[string]json.RawMessage) { p.Extra = m }

// validateOrdering checks that ordered lists every task id exactly once and
// never places a task before one of its dependencies.
func validateOrdering(tasks []Task, ordered []string) error {
	if len(ordered) != len(tasks) {
		return NewValidationError("ordered_tasks", "expected %d entries, got %d", len(tasks), len(ordered))
	}
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}
	position := make(map[string]int, len(ordered))
	for i, id := range ordered {
		if _, known := deps[id]; !known {
			return NewValidationError("ordered_tasks", "unknown task id %q at position %d", id, i)
		}
		if _, dup := position[id]; dup {
			return NewValidationError("ordered_tasks", "task id %q listed twice", id)
		}
		position[id] = i
	}
	for id, pos := range position {
		for _, dep := range deps[id] {
			if position[dep] >= pos {
				return NewValidationError("ordered_tasks", "task %q ordered before its dependency %q", id, dep)
			}
		}
	}
	return nil
}

// Component is one architectural unit of the blueprint. Files lists the
// repository paths the component is expected to occupy; the coding stage
// must produce every one of them.
type Component struct {
	Name      string   `json:"name"`
	Purpose   string   `json:"purpose,omitempty"`
	Files     []string `json:"files,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Entity is one record of the blueprint data model.
type Entity struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields,omitempty"`
}

// Field is a single attribute of an Entity.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Endpoint is one route of the blueprint API spec.
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// BlueprintPayload extends the plan with the system architecture: components,
// data model, API surface and a deployment plan. It is purely structural and
// performs no external writes.
type BlueprintPayload struct {
	Submission Submission `json:"submission"`
	Priority   Priority   `json:"priority,omitempty"`

	Intent      string   `json:"intent"`
	Constraints []string `json:"constraints,omitempty"`
	Tasks       []Task   `json:"tasks"`

	OrderedTasks []string            `json:"ordered_tasks"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	Timeline     []PlanPhase         `json:"timeline,omitempty"`
	Risks        []string            `json:"risks,omitempty"`

	Components     []Component `json:"components"`
	DataModel      []Entity    `json:"data_model,omitempty"`
	APISpec        []Endpoint  `json:"api_spec,omitempty"`
	DeploymentPlan string      `json:"deployment_plan,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (p *BlueprintPayload) Kind() string { return "blueprint" }

func (p *BlueprintPayload) Validate() error {
	if err := p.Submission.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Intent) == "" {
		return NewValidationError("intent", "intent is required")
	}
	if err := ValidateTasks(p.Tasks); err != nil {
		return err
	}
	if err := validateOrdering(p.Tasks, p.OrderedTasks); err != nil {
		return err
	}
	if len(p.Components) == 0 {
		return NewValidationError("components", "at least one component is required")
	}
	seen := make(map[string]struct{}, len(p.Components))
	for i, c := range p.Components {
		if strings.TrimSpace(c.Name) == "" {
			return NewValidationError("components", "component %d has no name", i)
		}
		if _, dup := seen[c.Name]; dup {
			return NewValidationError("components", "duplicate component name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		for _, f := range c.Files {
			if err := validateFilePath(f); err != nil {
				return NewValidationError("components", "component %q: %v", c.Name, err)
			}
		}
	}
	return nil
}

func (p *BlueprintPayload) Summary() Summary {
	return Summary{
		Kind:       p.Kind(),
		Tasks:      len(p.Tasks),
		Risks:      len(p.Risks),
		Components: len(p.Components),
	}
}

func (p *BlueprintPayload) extra() map[string]json.RawMessage     { return p.Extra }
func (p *BlueprintPayload) setExtra(m map[string]json.RawMessage) { p.Extra = m }

// PlannedFiles returns the union of all file paths referenced by the
// blueprint components, deduplicated, in first-mention order.
func (p *BlueprintPayload) PlannedFiles() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, c := range p.Components {
		for _, f := range c.Files {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// CodingPayload extends the blueprint with the generated source tree. Files
// maps repository-relative paths to UTF-8 content and is closed over the
// blueprint: every path a component references appears as a key.
type CodingPayload struct {
	Submission Submission `json:"submission"`
	Priority   Priority   `json:"priority,omitempty"`

	Intent      string   `json:"intent"`
	Constraints []string `json:"constraints,omitempty"`
	Tasks       []Task   `json:"tasks"`

	OrderedTasks []string            `json:"ordered_tasks"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	Timeline     []PlanPhase         `json:"timeline,omitempty"`
	Risks        []string            `json:"risks,omitempty"`

	Components     []Component `json:"components"`
	DataModel      []Entity    `json:"data_model,omitempty"`
	APISpec        []Endpoint  `json:"api_spec,omitempty"`
	DeploymentPlan string      `json:"deployment_plan,omitempty"`

	Files    map[string]string `json:"files"`
	RepoHint string            `json:"repo_hint,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (p *CodingPayload) Kind() string { return "coding" }

func (p *CodingPayload) Validate() error {
	if err := p.Submission.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Intent) == "" {
		return NewValidationError("intent", "intent is required")
	}
	if err := ValidateTasks(p.Tasks); err != nil {
		return err
	}
	if err := validateOrdering(p.Tasks, p.OrderedTasks); err != nil {
		return err
	}
	if len(p.Files) == 0 {
		return NewValidationError("files", "generated file set is empty")
	}
	for path := range p.Files {
		if err := validateFilePath(path); err != nil {
			return NewValidationError("files", "%v", err)
		}
	}
	for _, c := range p.Components {
		for _, f := range c.Files {
			if _, ok := p.Files[f]; !ok {
				return NewValidationError("files", "blueprint path %q missing from generated files", f)
			}
		}
	}
	return nil
}

func (p *CodingPayload) Summary() Summary {
	return Summary{
		Kind:       p.Kind(),
		Tasks:      len(p.Tasks),
		Components: len(p.Components),
		Files:      len(p.Files),
		Bytes:      treeBytes(p.Files),
	}
}

func (p *CodingPayload) extra() map[string]json.RawMessage     { return p.Extra }
func (p *CodingPayload) setExtra(m map[string]json.RawMessage) { p.Extra = m }

// TestResults summarizes a test run performed by the testing stage.
type TestResults struct {
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped,omitempty"`
	Report  string `json:"report,omitempty"`
}

// Success reports whether the run counts as passing.
func (r TestResults) Success() bool { return r.Failed == 0 && r.Passed > 0 }

// TestingPayload is the richest payload: the full coding output plus test
// results, coverage and the artifact reference returned by the store write.
// It never rides a stage topic; the testing transform projects it into the
// completion event.
type TestingPayload struct {
	Submission Submission `json:"submission"`
	Priority   Priority   `json:"priority,omitempty"`

	Intent      string   `json:"intent"`
	Constraints []string `json:"constraints,omitempty"`
	Tasks       []Task   `json:"tasks"`

	OrderedTasks []string            `json:"ordered_tasks"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	Timeline     []PlanPhase         `json:"timeline,omitempty"`
	Risks        []string            `json:"risks,omitempty"`

	Components     []Component `json:"components"`
	DataModel      []Entity    `json:"data_model,omitempty"`
	APISpec        []Endpoint  `json:"api_spec,omitempty"`
	DeploymentPlan string      `json:"deployment_plan,omitempty"`

	Files    map[string]string `json:"files"`
	RepoHint string            `json:"repo_hint,omitempty"`

	TestResults TestResults  `json:"test_results"`
	Coverage    float64      `json:"coverage"`
	ArtifactRef *ArtifactRef `json:"artifact_ref,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (p *TestingPayload) Kind() string { return "testing" }

func (p *TestingPayload) Validate() error {
	if err := p.Submission.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Intent) == "" {
		return NewValidationError("intent", "intent is required")
	}
	if err := ValidateTasks(p.Tasks); err != nil {
		return err
	}
	if err := validateOrdering(p.Tasks, p.OrderedTasks); err != nil {
		return err
	}
	if p.TestResults.Passed < 0 || p.TestResults.Failed < 0 || p.TestResults.Skipped < 0 {
		return NewValidationError("test_results", "counts must not be negative")
	}
	if p.Coverage < 0 || p.Coverage > 100 {
		return NewValidationError("coverage", "coverage %v outside [0,100]", p.Coverage)
	}
	if p.ArtifactRef != nil {
		if err := p.ArtifactRef.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *TestingPayload) Summary() Summary {
	return Summary{
		Kind:        p.Kind(),
		Tasks:       len(p.Tasks),
		Components:  len(p.Components),
		Files:       len(p.Files),
		Bytes:       treeBytes(p.Files),
		TestsPassed: p.TestResults.Passed,
		TestsFailed: p.TestResults.Failed,
	}
}

func (p *TestingPayload) extra() map[string]json.RawMessage     { return p.Extra }
func (p *TestingPayload) setExtra(m map[string]json.RawMessage) { p.Extra = m }

// PayloadFor returns a fresh payload value of the type expected on an
// envelope at the given stage.
func PayloadFor(stage Stage) (Payload, error) {
	switch stage {
	case StageAnalysis:
		return &SubmissionPayload{}, nil
	case StagePlanning:
		return &AnalysisPayload{}, nil
	case StageBlueprint:
		return &PlanningPayload{}, nil
	case StageCoding:
		return &BlueprintPayload{}, nil
	case StageTesting:
		return &CodingPayload{}, nil
	}
	return nil, NewValidationError("stage", "no payload type for stage %q", stage)
}

func treeBytes(files map[string]string) int {
	total := 0
	for _, content := range files {
		total += len(content)
	}
	return total
}

// validateFilePath rejects absolute paths, parent traversal and empty
// segments so a payload can never escape its repository root.
func validateFilePath(p string) error {
	if p == "" {
		return NewValidationError("path", "empty file path")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return NewValidationError("path", "absolute file path %q", p)
	}
	if strings.Contains(p, "\x00") {
		return NewValidationError("path", "file path %q contains NUL", p)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return NewValidationError("path", "file path %q has an empty segment", p)
		case ".", "..":
			return NewValidationError("path", "file path %q traverses outside the tree", p)
		}
	}
	return nil
}
