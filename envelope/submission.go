package envelope

// Priority is advisory request priority. The broker does not enforce it;
// the orchestrator exposes it for filtering and the dashboard displays it.
type Priority string

// Request priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps a wire string onto a Priority, defaulting empty input
// to medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", NewValidationError("priority", "unknown priority %q", s)
}

// SubmissionKind discriminates the submission variants.
type SubmissionKind string

// Submission variants.
const (
	SubmissionNewProject SubmissionKind = "new_project"
	SubmissionGit        SubmissionKind = "existing_git"
	SubmissionArchive    SubmissionKind = "existing_archive"
)

// NewProject describes a green-field request: free-form description plus
// structured requirement lists.
type NewProject struct {
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	Preferences  []string `json:"preferences,omitempty"`
}

// GitSource references an existing repository to ingest. Credentials are
// consumed during ingestion and never serialized back out.
type GitSource struct {
	URL         string `json:"url"`
	Branch      string `json:"branch,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

// ArchiveSource carries an already-extracted source tree: relative path to
// UTF-8 file content.
type ArchiveSource struct {
	Tree map[string]string `json:"tree"`
}

// Submission is the tagged union of the three ways work enters the pipeline.
// Exactly one variant is set, selected by Kind.
type Submission struct {
	Kind       SubmissionKind `json:"kind"`
	NewProject *NewProject    `json:"new_project,omitempty"`
	Git        *GitSource     `json:"existing_git,omitempty"`
	Archive    *ArchiveSource `json:"existing_archive,omitempty"`
}

// Validate checks that exactly the variant named by Kind is present and
// itself well-formed.
func (s *Submission) Validate() error {
	switch s.Kind {
	case SubmissionNewProject:
		if s.NewProject == nil {
			return NewValidationError("new_project", "missing new_project body")
		}
		if s.NewProject.Description == "" {
			return NewValidationError("new_project.description", "description is required")
		}
	case SubmissionGit:
		if s.Git == nil {
			return NewValidationError("existing_git", "missing existing_git body")
		}
		if s.Git.URL == "" {
			return NewValidationError("existing_git.url", "url is required")
		}
	case SubmissionArchive:
		if s.Archive == nil {
			return NewValidationError("existing_archive", "missing existing_archive body")
		}
		if len(s.Archive.Tree) == 0 {
			return NewValidationError("existing_archive.tree", "tree is empty")
		}
	case "":
		return NewValidationError("kind", "submission kind is required")
	default:
		return NewValidationError("kind", "unknown submission kind %q", s.Kind)
	}
	return nil
}

// Redacted returns a copy safe for persistence and event emission:
// git credentials are stripped.
func (s *Submission) Redacted() Submission {
	out := *s
	if out.Git != nil {
		g := *out.Git
		g.Credentials = ""
		out.Git = &g
	}
	return out
}

// FileCount returns the number of files carried by an archive submission,
// zero otherwise. Used by payload summaries.
func (s *Submission) FileCount() int {
	if s.Kind == SubmissionArchive && s.Archive != nil {
		return len(s.Archive.Tree)
	}
	return 0
}
