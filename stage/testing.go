package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/devflow/artifact"
	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/worker"
)

// Testing ends the pipeline. It statically verifies the generated tree,
// persists it through the artifact store, and projects the result into a
// completion event for the runtime to publish. Generated code is never
// executed; verification is structural only.
type Testing struct {
	store  artifact.Store
	logger *slog.Logger
}

// NewTesting builds the testing transform.
func NewTesting(store artifact.Store, logger *slog.Logger) (*Testing, error) {
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Testing{store: store, logger: logger.With("stage", envelope.StageTesting.String())}, nil
}

// Stage implements worker.Transform.
func (t *Testing) Stage() envelope.Stage { return envelope.StageTesting }

// Run implements worker.Transform.
func (t *Testing) Run(ctx context.Context, env *envelope.Envelope) (*worker.Outcome, error) {
	in, ok := env.Payload.(*envelope.CodingPayload)
	if !ok {
		return nil, worker.Permanent(fmt.Errorf("unexpected payload %T on stage %s", env.Payload, env.Stage))
	}

	results, coverage := verifyTree(in)

	// The tree is persisted even when verification failed, so a failed run
	// still leaves an inspectable artifact behind.
	ref, err := t.store.Write(ctx, env.RequestID, in.Files, env.Provenance)
	if err != nil {
		return nil, fmt.Errorf("persist artifacts: %w", err)
	}

	status := envelope.CompletionFailure
	if results.Success() {
		status = envelope.CompletionSuccess
	}
	evt := &envelope.CompletionEvent{
		RequestID:   env.RequestID,
		Status:      status,
		ArtifactRef: ref,
		TestResults: &results,
		Coverage:    coverage,
	}

	t.logger.Info("Verification finished",
		"request_id", env.RequestID,
		"status", status,
		"passed", results.Passed,
		"failed", results.Failed,
		"skipped", results.Skipped,
		"commit", ref.CommitHash)
	return &worker.Outcome{Completion: evt}, nil
}
