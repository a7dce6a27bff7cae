package envelope

import (
	"regexp"
)

// TaskStatus is the lifecycle state of a single analysis task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// Task priority bounds. DefaultTaskPriority applies when the analysis
// transform leaves priority unset.
const (
	MinTaskPriority     = 1
	MaxTaskPriority     = 5
	DefaultTaskPriority = 3
)

// taskIDPattern constrains task identifiers to URL- and path-safe characters.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Task is a unit of work inside an analysis payload. IDs are unique within a
// request; dependencies reference other task IDs of the same request.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Priority     int        `json:"priority"`
	Status       TaskStatus `json:"status"`
}

// Normalize fills defaulted fields in place: zero priority becomes
// DefaultTaskPriority and an empty status becomes pending.
func (t *Task) Normalize() {
	if t.Priority == 0 {
		t.Priority = DefaultTaskPriority
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
}

// Validate checks the single-task invariants. Cross-task invariants
// (ID uniqueness, dependency resolution, acyclicity) live in ValidateTasks.
func (t *Task) Validate() error {
	if t.ID == "" {
		return NewValidationError("id", "task id is required")
	}
	if !taskIDPattern.MatchString(t.ID) {
		return NewValidationError("id", "task id %q must match [A-Za-z0-9_-]+", t.ID)
	}
	if t.Title == "" {
		return NewValidationError("title", "task %s: title is required", t.ID)
	}
	if t.Description == "" {
		return NewValidationError("description", "task %s: description is required", t.ID)
	}
	if t.Priority < MinTaskPriority || t.Priority > MaxTaskPriority {
		return NewValidationError("priority", "task %s: priority %d outside %d..%d",
			t.ID, t.Priority, MinTaskPriority, MaxTaskPriority)
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted:
	default:
		return NewValidationError("status", "task %s: unknown status %q", t.ID, t.Status)
	}
	return nil
}

// ValidateTasks checks the full task-set invariants: at least one task,
// per-task validity, unique IDs, dependencies that resolve within the set
// without duplicates, and an acyclic dependency graph. Violations are fatal
// for the analysis stage (non-retryable).
func ValidateTasks(tasks []Task) error {
	if len(tasks) == 0 {
		return NewValidationError("tasks", "at least one task is required")
	}

	byID := make(map[string]int, len(tasks))
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return err
		}
		if _, dup := byID[tasks[i].ID]; dup {
			return NewValidationError("tasks", "duplicate task id %q", tasks[i].ID)
		}
		byID[tasks[i].ID] = i
	}

	for i := range tasks {
		seen := make(map[string]bool, len(tasks[i].Dependencies))
		for _, dep := range tasks[i].Dependencies {
			if dep == tasks[i].ID {
				return NewValidationError("dependencies", "task %q depends on itself", tasks[i].ID)
			}
			if seen[dep] {
				return NewValidationError("dependencies", "task %q lists dependency %q twice", tasks[i].ID, dep)
			}
			seen[dep] = true
			if _, ok := byID[dep]; !ok {
				return NewValidationError("dependencies", "task %q depends on unknown task %q", tasks[i].ID, dep)
			}
		}
	}

	if cycle := findCycle(tasks, byID); len(cycle) > 0 {
		return NewValidationError("dependencies", "dependency cycle: %v", cycle)
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns
// one cycle's task IDs, or nil when the graph is acyclic.
func findCycle(tasks []Task, byID map[string]int) []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make([]int, len(tasks))

	var path []string
	var visit func(i int) []string
	visit = func(i int) []string {
		color[i] = grey
		path = append(path, tasks[i].ID)
		for _, dep := range tasks[i].Dependencies {
			j := byID[dep]
			switch color[j] {
			case grey:
				// Cycle closes at dep; slice the path from its first occurrence.
				for k, id := range path {
					if id == dep {
						return append(append([]string{}, path[k:]...), dep)
					}
				}
				return []string{dep, tasks[i].ID, dep}
			case white:
				if c := visit(j); c != nil {
					return c
				}
			}
		}
		color[i] = black
		path = path[:len(path)-1]
		return nil
	}

	for i := range tasks {
		if color[i] == white {
			path = path[:0]
			if c := visit(i); c != nil {
				return c
			}
		}
	}
	return nil
}
