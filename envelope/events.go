package envelope

import (
	"encoding/json"
	"time"
)

// Phase is the orchestrator's view of where a request stands. It extends
// the stage enum with the submitted marker and the three terminal states.
type Phase string

// Non-stage phases.
const (
	PhaseSubmitted Phase = "submitted"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// PhaseOf converts a stage into its phase representation.
func PhaseOf(s Stage) Phase { return Phase(s) }

// Terminal reports whether the phase ends a request's lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// StageIndex returns the pipeline position when the phase is a stage, or
// -1 for submitted and the terminal phases.
func (p Phase) StageIndex() int {
	return Stage(p).Index()
}

// ArtifactRef is the handle returned by the artifact store after the test
// stage persists the generated tree. Exactly one exists per completed
// request.
type ArtifactRef struct {
	RepoURL    string   `json:"repo_url"`
	Branch     string   `json:"branch"`
	CommitHash string   `json:"commit_hash"`
	Paths      []string `json:"paths"`
}

// Validate checks the fields a completion event consumer relies on.
func (r *ArtifactRef) Validate() error {
	if r.Branch == "" {
		return NewValidationError("artifact_ref.branch", "branch is required")
	}
	if r.CommitHash == "" {
		return NewValidationError("artifact_ref.commit_hash", "commit hash is required")
	}
	return nil
}

// Completion statuses.
const (
	CompletionSuccess = "success"
	CompletionFailure = "failure"
)

// CompletionEvent is published by the testing worker to the completion
// topic. It is a projection of the testing payload, never the payload
// itself.
type CompletionEvent struct {
	RequestID   string       `json:"request_id"`
	Status      string       `json:"status"`
	ArtifactRef *ArtifactRef `json:"artifact_ref,omitempty"`
	TestResults *TestResults `json:"test_results,omitempty"`
	Coverage    float64      `json:"coverage,omitempty"`
	ProducedAt  time.Time    `json:"produced_at"`
	WorkerID    string       `json:"worker_id,omitempty"`
}

// Validate checks the event shape before the orchestrator applies it.
func (c *CompletionEvent) Validate() error {
	if c.RequestID == "" {
		return NewValidationError("request_id", "request_id is required")
	}
	if c.Status != CompletionSuccess && c.Status != CompletionFailure {
		return NewValidationError("status", "unknown completion status %q", c.Status)
	}
	if c.Status == CompletionSuccess {
		if c.ArtifactRef == nil {
			return NewValidationError("artifact_ref", "successful completion requires an artifact ref")
		}
		if err := c.ArtifactRef.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FailureEvent is published by a worker when a delivery fails terminally,
// either because the error is not retryable or because attempts are
// exhausted.
type FailureEvent struct {
	RequestID  string    `json:"request_id"`
	Stage      Stage     `json:"stage"`
	Error      string    `json:"error"`
	Retryable  bool      `json:"retryable"`
	Attempt    int       `json:"attempt,omitempty"`
	ProducedAt time.Time `json:"produced_at"`
	WorkerID   string    `json:"worker_id,omitempty"`
}

// CancelEvent is published by the gateway when a caller requests
// cancellation. The orchestrator applies it as a tombstone: the state goes
// terminal and later envelopes for the request are discarded.
type CancelEvent struct {
	RequestID   string    `json:"request_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	ProducedAt  time.Time `json:"produced_at"`
}

// StageHistoryEntry records one stage a request passed through.
type StageHistoryEntry struct {
	Stage       Phase      `json:"stage"`
	EnteredAt   time.Time  `json:"entered_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

// PipelineState is the orchestrator's per-request view, rebuilt at any time
// by replaying broker traffic. It holds nothing that is not derivable from
// the event stream.
type PipelineState struct {
	RequestID     string              `json:"request_id"`
	CurrentStage  Phase               `json:"current_stage"`
	StageHistory  []StageHistoryEntry `json:"stage_history"`
	LastEventAt   time.Time           `json:"last_event_at"`
	Terminal      bool                `json:"terminal"`
	Stalled       bool                `json:"stalled,omitempty"`
	Duplicates    int                 `json:"duplicates,omitempty"`
	Priority      Priority            `json:"priority,omitempty"`
	FailureStage  Phase               `json:"failure_stage,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	ArtifactRef   *ArtifactRef        `json:"artifact_ref,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *PipelineState) Clone() *PipelineState {
	out := *s
	out.StageHistory = make([]StageHistoryEntry, len(s.StageHistory))
	copy(out.StageHistory, s.StageHistory)
	if s.ArtifactRef != nil {
		ref := *s.ArtifactRef
		ref.Paths = append([]string(nil), s.ArtifactRef.Paths...)
		out.ArtifactRef = &ref
	}
	return &out
}

// Dashboard event types.
const (
	EventStateTransition = "state_transition"
	EventStalled         = "stalled"
	EventSnapshot        = "snapshot"
)

// PipelineEvent is what the dashboard fan-out broadcasts: state transitions,
// stall notices and per-request snapshots emitted after a replay.
type PipelineEvent struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	From      Phase          `json:"from,omitempty"`
	To        Phase          `json:"to,omitempty"`
	At        time.Time      `json:"at"`
	Summary   *Summary       `json:"summary,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	State     *PipelineState `json:"state,omitempty"`
}

// DeadLetter wraps a message routed to a DLQ topic with the reason it was
// rejected. Envelope holds the original bytes when they were valid JSON;
// Raw carries them verbatim otherwise.
type DeadLetter struct {
	Stage    Stage           `json:"stage"`
	Reason   string          `json:"reason"`
	Attempt  int             `json:"attempt,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Raw      []byte          `json:"raw,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
	WorkerID string          `json:"worker_id,omitempty"`
}

// NewDeadLetter builds a DLQ record from the original message bytes.
func NewDeadLetter(stage Stage, data []byte, reason string, attempt int, workerID string) *DeadLetter {
	dl := &DeadLetter{
		Stage:    stage,
		Reason:   reason,
		Attempt:  attempt,
		FailedAt: time.Now().UTC(),
		WorkerID: workerID,
	}
	if json.Valid(data) {
		dl.Envelope = json.RawMessage(append([]byte(nil), data...))
	} else {
		dl.Raw = append([]byte(nil), data...)
	}
	return dl
}
