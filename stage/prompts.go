package stage

import (
	"fmt"
	"strings"

	"github.com/c360studio/devflow/envelope"
)

// promptTreeCap bounds how many archive paths a prompt lists.
const promptTreeCap = 200

// Response shapes the transforms expect back from the generator. Parsing is
// lenient: ExtractJSON pulls the document out of markdown fences, and each
// transform normalizes what the model returned before validating it.

type analysisResponse struct {
	Intent      string          `json:"intent"`
	Constraints []string        `json:"constraints"`
	Tasks       []envelope.Task `json:"tasks"`
}

type blueprintResponse struct {
	Components     []envelope.Component `json:"components"`
	DataModel      []envelope.Entity    `json:"data_model"`
	APISpec        []envelope.Endpoint  `json:"api_spec"`
	DeploymentPlan string               `json:"deployment_plan"`
}

type codeResponse struct {
	Files map[string]string `json:"files"`
}

const analysisSystem = `You are a requirements analyst for an automated development pipeline.

## Your Task

Break the submitted project down into a concrete task graph. State the
overall intent, list any constraints the implementation must respect, and
produce a set of development tasks with explicit dependencies.

## Output Format

Return ONLY valid JSON in this exact format:

` + "```json" + `
{
  "intent": "One-sentence statement of what is being built",
  "constraints": ["constraint the implementation must respect"],
  "tasks": [
    {
      "id": "t1",
      "title": "Short imperative title",
      "description": "What to implement and how to tell it is done",
      "dependencies": [],
      "priority": 3
    }
  ]
}
` + "```" + `

## Task Rules

1. Generate 3-10 tasks. Each task is one discrete piece of work.
2. Task ids use only letters, digits, hyphen and underscore.
3. "dependencies" lists ids of tasks that must finish first. No cycles.
4. "priority" runs from 1 (most urgent) to 5 (least urgent). Default is 3.
5. Foundational tasks come first and carry no dependencies.

Return ONLY the JSON output, no other text.`

const riskSystem = `You are a delivery planner reviewing an execution plan.

## Your Task

Reword the draft risk annotations so each one names the affected tasks and
the concrete consequence. Keep exactly one output entry per draft risk, in
the same order. Do not invent risks that have no draft entry.

## Output Format

Return ONLY a JSON array of strings, one per draft risk:

` + "```json" + `
["first risk, reworded", "second risk, reworded"]
` + "```" + `

Return ONLY the JSON output, no other text.`

const blueprintSystem = `You are a software architect for an automated development pipeline.

## Your Task

Design the system architecture for the planned project: the components to
build, the data model, the external API surface and a deployment plan.

## Output Format

Return ONLY valid JSON in this exact format:

` + "```json" + `
{
  "components": [
    {
      "name": "api-server",
      "purpose": "What this component is responsible for",
      "files": ["cmd/server/main.go", "internal/api/handler.go"],
      "depends_on": ["storage"]
    }
  ],
  "data_model": [
    {
      "name": "User",
      "fields": [
        {"name": "id", "type": "string", "description": "primary key"}
      ]
    }
  ],
  "api_spec": [
    {"method": "GET", "path": "/users/{id}", "description": "Fetch one user"}
  ],
  "deployment_plan": "How the system is built, configured and run"
}
` + "```" + `

## Rules

1. Every component has a unique name and one clear purpose.
2. "files" lists repository-relative paths the component will occupy.
   No absolute paths and no "..".
3. "depends_on" references other component names only.
4. Cover every planned task with at least one component.
5. Leave "data_model" or "api_spec" empty when the project has none.

Return ONLY the JSON output, no other text.`

const codingSystem = `You are a software developer generating production files for one component.

## Your Task

Write the complete content of every file the component owns. Respect the
project constraints and the blueprint contracts. When an existing file is
shown, produce its full updated content rather than a diff.

## Output Format

Return ONLY valid JSON in this exact format:

` + "```json" + `
{
  "files": {
    "path/to/file.go": "full file content"
  }
}
` + "```" + `

## Rules

1. Keys are repository-relative paths. No absolute paths and no "..".
2. Values are complete file contents, never fragments or diffs.
3. Generate every file listed for the component. Add small helper files
   only when the component cannot work without them.
4. All content must be plain UTF-8 text.

Return ONLY the JSON output, no other text.`

// describeSubmission renders the submission for a prompt. Git credentials
// never reach the generator.
func describeSubmission(sub envelope.Submission) string {
	var b strings.Builder
	switch sub.Kind {
	case envelope.SubmissionNewProject:
		b.WriteString("## Project\n\n")
		if sub.NewProject.Name != "" {
			fmt.Fprintf(&b, "%s: ", sub.NewProject.Name)
		}
		b.WriteString(strings.TrimSpace(sub.NewProject.Description))
		b.WriteString("\n")
		writeList(&b, "Requirements", sub.NewProject.Requirements)
		writeList(&b, "Constraints", sub.NewProject.Constraints)
		writeList(&b, "Preferences", sub.NewProject.Preferences)
	case envelope.SubmissionGit:
		b.WriteString("## Project\n\nExtend the existing repository at ")
		b.WriteString(sub.Git.URL)
		if sub.Git.Branch != "" {
			fmt.Fprintf(&b, " (branch %s)", sub.Git.Branch)
		}
		b.WriteString(".\n")
	case envelope.SubmissionArchive:
		names := sortedKeys(sub.Archive.Tree)
		fmt.Fprintf(&b, "## Project\n\nExtend an existing source tree of %d files", len(names))
		if sub.Git != nil && sub.Git.URL != "" {
			fmt.Fprintf(&b, " (cloned from %s)", sub.Git.URL)
		}
		b.WriteString(":\n\n")
		rest := 0
		if len(names) > promptTreeCap {
			rest = len(names) - promptTreeCap
			names = names[:promptTreeCap]
		}
		for _, name := range names {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString("\n")
		}
		if rest > 0 {
			fmt.Fprintf(&b, "- (%d more files)\n", rest)
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n**%s:**\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func analysisUser(p *envelope.SubmissionPayload) string {
	var b strings.Builder
	b.WriteString(describeSubmission(p.Submission))
	if p.Priority != "" {
		fmt.Fprintf(&b, "\nRequest priority: %s.\n", p.Priority)
	}
	b.WriteString("\nAnalyze the submission and return the task breakdown JSON.")
	return b.String()
}

func riskUser(intent string, phases []envelope.PlanPhase, draft []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Intent:** %s\n\n**Execution phases:**\n", intent)
	for _, ph := range phases {
		fmt.Fprintf(&b, "%d. %s\n", ph.Phase, strings.Join(ph.TaskIDs, ", "))
	}
	b.WriteString("\n**Draft risks:**\n")
	for _, r := range draft {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	b.WriteString("\nReword each draft risk and return the JSON array.")
	return b.String()
}

func blueprintUser(p *envelope.PlanningPayload) string {
	var b strings.Builder
	b.WriteString(describeSubmission(p.Submission))
	fmt.Fprintf(&b, "\n**Intent:** %s\n", p.Intent)
	writeList(&b, "Constraints", p.Constraints)

	titles := make(map[string]string, len(p.Tasks))
	for _, t := range p.Tasks {
		titles[t.ID] = t.Title
	}
	b.WriteString("\n**Planned tasks in execution order:**\n")
	for i, id := range p.OrderedTasks {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, id, titles[id])
	}
	writeList(&b, "Known risks", p.Risks)
	b.WriteString("\nDesign the architecture and return the blueprint JSON.")
	return b.String()
}

func codingUser(p *envelope.BlueprintPayload, comp envelope.Component, existing map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Intent:** %s\n", p.Intent)
	writeList(&b, "Constraints", p.Constraints)

	fmt.Fprintf(&b, "\n## Component: %s\n\n", comp.Name)
	if comp.Purpose != "" {
		b.WriteString(comp.Purpose)
		b.WriteString("\n")
	}
	writeList(&b, "Files to generate", comp.Files)
	writeList(&b, "Depends on components", comp.DependsOn)

	if len(p.DataModel) > 0 {
		b.WriteString("\n**Data model:**\n")
		for _, e := range p.DataModel {
			fmt.Fprintf(&b, "- %s", e.Name)
			if len(e.Fields) > 0 {
				parts := make([]string, len(e.Fields))
				for i, f := range e.Fields {
					parts[i] = f.Name + " " + f.Type
				}
				fmt.Fprintf(&b, " {%s}", strings.Join(parts, ", "))
			}
			b.WriteString("\n")
		}
	}
	if len(p.APISpec) > 0 {
		b.WriteString("\n**API surface:**\n")
		for _, ep := range p.APISpec {
			fmt.Fprintf(&b, "- %s %s", ep.Method, ep.Path)
			if ep.Description != "" {
				fmt.Fprintf(&b, " (%s)", ep.Description)
			}
			b.WriteString("\n")
		}
	}
	if p.DeploymentPlan != "" {
		fmt.Fprintf(&b, "\n**Deployment plan:** %s\n", p.DeploymentPlan)
	}

	if len(existing) > 0 {
		b.WriteString("\n## Existing Files\n")
		for _, name := range sortedKeys(existing) {
			fmt.Fprintf(&b, "\n### %s\n\n```\n%s\n```\n", name, clip(existing[name], codingPromptFileCap))
		}
	}

	b.WriteString("\nGenerate the component files and return the JSON.")
	return b.String()
}
