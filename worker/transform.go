// Package worker runs the consume-transform-publish loop shared by every
// pipeline stage. The runtime owns all broker traffic: it decodes and
// validates deliveries, invokes the stage transform under a deadline,
// publishes the successor envelope or completion event, and settles the
// delivery. Transforms stay pure apart from the sanctioned artifact write
// in the final stage.
package worker

import (
	"context"

	"github.com/c360studio/devflow/envelope"
)

// Outcome is what a transform hands back to the runtime. Exactly one field
// is set: Payload carries the next stage's input, Completion ends the
// pipeline from the final stage. A nil Outcome means skip, acking the
// delivery without publishing anything.
type Outcome struct {
	Payload    envelope.Payload
	Completion *envelope.CompletionEvent
}

// Transform is one stage's computation over an envelope.
type Transform interface {
	// Stage names the stage whose topic the runtime consumes.
	Stage() envelope.Stage

	// Run computes the stage output for one envelope. The context carries
	// the per-delivery deadline; a returned error is classified with
	// IsRetryable to pick between requeue and terminal failure.
	Run(ctx context.Context, env *envelope.Envelope) (*Outcome, error)
}
