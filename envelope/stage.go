// Package envelope defines the wire model carried between pipeline stages:
// the stage enumeration, the cumulative per-stage payloads, the StageEnvelope
// itself, and the orchestration-level event types derived from it.
//
// Payloads are tagged variants keyed on the envelope's stage. Decoders are
// strict about required keys but preserve unknown keys in an Extra map so
// envelopes produced by newer components survive a round-trip through older
// ones.
package envelope

import (
	"fmt"
)

// Stage identifies one of the five pipeline phases.
type Stage string

// Pipeline stages in execution order.
const (
	StageAnalysis  Stage = "analysis"
	StagePlanning  Stage = "planning"
	StageBlueprint Stage = "blueprint"
	StageCoding    Stage = "coding"
	StageTesting   Stage = "testing"
)

// stageOrder is the canonical execution order. Index in this slice is the
// stage's position; provenance length on an input envelope must equal it.
var stageOrder = []Stage{
	StageAnalysis,
	StagePlanning,
	StageBlueprint,
	StageCoding,
	StageTesting,
}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage converts a wire string into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Valid reports whether the stage is one of the five pipeline stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the stage's zero-based position in the execution order,
// or -1 for an unknown stage.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. ok is false for the final stage
// (testing publishes a completion event instead of a successor envelope)
// and for unknown stages.
func (s Stage) Next() (next Stage, ok bool) {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[idx+1], true
}

// Before reports whether s strictly precedes other in the execution order.
// Unknown stages never precede anything.
func (s Stage) Before(other Stage) bool {
	si, oi := s.Index(), other.Index()
	return si >= 0 && oi >= 0 && si < oi
}

func (s Stage) String() string {
	return string(s)
}

// First returns the entry stage of the pipeline.
func First() Stage {
	return stageOrder[0]
}

// Last returns the final stage of the pipeline.
func Last() Stage {
	return stageOrder[len(stageOrder)-1]
}
