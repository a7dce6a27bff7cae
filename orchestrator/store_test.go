package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/devflow/envelope"
)

var storeEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func phase(s envelope.Stage) envelope.Phase { return envelope.PhaseOf(s) }

func TestAdvanceCreatesAtSubmitted(t *testing.T) {
	s := newStore()

	res := s.advance("req-1", phase(envelope.StageAnalysis), storeEpoch, envelope.PriorityHigh, 1)

	assert.True(t, res.OK)
	assert.True(t, res.Created)
	assert.Equal(t, envelope.PhaseSubmitted, res.From)

	st, ok := s.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, phase(envelope.StageAnalysis), st.CurrentStage)
	assert.Equal(t, envelope.PriorityHigh, st.Priority)
	assert.Equal(t, storeEpoch, st.CreatedAt)
	assert.Equal(t, storeEpoch, st.LastEventAt)
	require.Len(t, st.StageHistory, 2)
	assert.Equal(t, envelope.PhaseSubmitted, st.StageHistory[0].Stage)
	require.NotNil(t, st.StageHistory[0].CompletedAt)
	assert.False(t, st.Terminal)
}

func TestAdvanceForwardOnly(t *testing.T) {
	s := newStore()
	s.advance("req-1", phase(envelope.StageAnalysis), storeEpoch, "", 1)
	s.advance("req-1", phase(envelope.StagePlanning), storeEpoch.Add(time.Minute), "", 1)

	// Same stage again and an earlier stage are both late duplicates.
	res := s.advance("req-1", phase(envelope.StagePlanning), storeEpoch.Add(2*time.Minute), "", 2)
	assert.False(t, res.OK)
	res = s.advance("req-1", phase(envelope.StageAnalysis), storeEpoch.Add(3*time.Minute), "", 1)
	assert.False(t, res.OK)

	st, _ := s.Get("req-1")
	assert.Equal(t, phase(envelope.StagePlanning), st.CurrentStage)
	assert.Equal(t, 2, st.Duplicates)
	// Duplicates do not count as progress.
	assert.Equal(t, storeEpoch.Add(time.Minute), st.LastEventAt)
}

func TestAdvanceSkipsToLaterStage(t *testing.T) {
	s := newStore()

	// A restart can make a mid-pipeline envelope the first one seen.
	res := s.advance("req-1", phase(envelope.StageCoding), storeEpoch, "", 1)

	assert.True(t, res.OK)
	assert.True(t, res.Created)
	assert.Equal(t, envelope.PhaseSubmitted, res.From)

	st, _ := s.Get("req-1")
	assert.Equal(t, phase(envelope.StageCoding), st.CurrentStage)
}

func TestDwellMeasuredBetweenEvents(t *testing.T) {
	s := newStore()
	s.advance("req-1", phase(envelope.StageAnalysis), storeEpoch, "", 1)

	res := s.advance("req-1", phase(envelope.StagePlanning), storeEpoch.Add(90*time.Second), "", 1)

	assert.Equal(t, 90*time.Second, res.Dwell)
	st, _ := s.Get("req-1")
	require.Len(t, st.StageHistory, 3)
	require.NotNil(t, st.StageHistory[1].CompletedAt)
	assert.Equal(t, storeEpoch.Add(90*time.Second), *st.StageHistory[1].CompletedAt)
}

func TestFinishTerminalIsSticky(t *testing.T) {
	s := newStore()
	s.advance("req-1", phase(envelope.StageTesting), storeEpoch, "", 1)

	res := s.finish("req-1", envelope.PhaseCompleted, storeEpoch.Add(time.Minute), func(st *envelope.PipelineState) {
		st.ArtifactRef = &envelope.ArtifactRef{Branch: "req/req-1", CommitHash: "abc"}
	})
	require.True(t, res.OK)

	// Envelopes and further terminal events bounce off the tombstone.
	assert.False(t, s.advance("req-1", phase(envelope.StageTesting), storeEpoch.Add(2*time.Minute), "", 1).OK)
	assert.False(t, s.finish("req-1", envelope.PhaseFailed, storeEpoch.Add(3*time.Minute), nil).OK)

	st, _ := s.Get("req-1")
	assert.Equal(t, envelope.PhaseCompleted, st.CurrentStage)
	assert.True(t, st.Terminal)
	assert.Equal(t, 2, st.Duplicates)
	require.NotNil(t, st.ArtifactRef)
	assert.Equal(t, "req/req-1", st.ArtifactRef.Branch)
}

func TestFinishUnknownRequestCreatesState(t *testing.T) {
	s := newStore()

	res := s.finish("req-ghost", envelope.PhaseFailed, storeEpoch, func(st *envelope.PipelineState) {
		st.FailureStage = phase(envelope.StagePlanning)
		st.FailureReason = "boom"
	})

	assert.True(t, res.OK)
	assert.True(t, res.Created)
	st, ok := s.Get("req-ghost")
	require.True(t, ok)
	assert.True(t, st.Terminal)
	assert.Equal(t, envelope.PhaseFailed, st.CurrentStage)
	assert.Equal(t, "boom", st.FailureReason)
}

func TestMarkStalledHonorsOverride(t *testing.T) {
	s := newStore()
	s.advance("req-slow", phase(envelope.StageAnalysis), storeEpoch, "", 1)
	s.advance("req-fine", phase(envelope.StagePlanning), storeEpoch, "", 1)
	s.advance("req-done", phase(envelope.StageTesting), storeEpoch, "", 1)
	s.finish("req-done", envelope.PhaseCompleted, storeEpoch.Add(time.Second), nil)

	threshold := func(p envelope.Phase) time.Duration {
		if p == phase(envelope.StageAnalysis) {
			return 30 * time.Second
		}
		return 10 * time.Minute
	}

	marked := s.markStalled(storeEpoch.Add(time.Minute), threshold)

	require.Len(t, marked, 1)
	assert.Equal(t, "req-slow", marked[0].RequestID)
	assert.True(t, marked[0].Stalled)

	// Already flagged and terminal requests are not re-marked.
	assert.Empty(t, s.markStalled(storeEpoch.Add(2*time.Minute), threshold))
}

func TestAdvanceClearsStall(t *testing.T) {
	s := newStore()
	s.advance("req-1", phase(envelope.StageAnalysis), storeEpoch, "", 1)
	s.markStalled(storeEpoch.Add(time.Hour), func(envelope.Phase) time.Duration { return time.Minute })

	res := s.advance("req-1", phase(envelope.StagePlanning), storeEpoch.Add(2*time.Hour), "", 1)

	assert.True(t, res.OK)
	assert.True(t, res.Unstalled)
	st, _ := s.Get("req-1")
	assert.False(t, st.Stalled)
}

func TestListFiltersAndPages(t *testing.T) {
	s := newStore()
	for i, id := range []string{"req-a", "req-b", "req-c", "req-d"} {
		s.advance(id, phase(envelope.StageAnalysis), storeEpoch.Add(time.Duration(i)*time.Minute), envelope.PriorityMedium, 1)
	}
	s.advance("req-b", phase(envelope.StagePlanning), storeEpoch.Add(time.Hour), "", 1)
	s.advance("req-e", phase(envelope.StageAnalysis), storeEpoch.Add(2*time.Hour), envelope.PriorityUrgent, 1)

	states, total := s.List(Query{})
	assert.Equal(t, 5, total)
	require.Len(t, states, 5)
	// Newest first.
	assert.Equal(t, "req-e", states[0].RequestID)

	states, total = s.List(Query{Status: "analysis"})
	assert.Equal(t, 4, total)
	for _, st := range states {
		assert.Equal(t, phase(envelope.StageAnalysis), st.CurrentStage)
	}

	states, total = s.List(Query{Priority: "urgent"})
	assert.Equal(t, 1, total)
	require.Len(t, states, 1)
	assert.Equal(t, "req-e", states[0].RequestID)

	states, total = s.List(Query{Page: 2, Limit: 2})
	assert.Equal(t, 5, total)
	require.Len(t, states, 2)
	assert.Equal(t, "req-c", states[0].RequestID)
	assert.Equal(t, "req-b", states[1].RequestID)

	states, _ = s.List(Query{Page: 9})
	assert.Empty(t, states)
}

func TestGetReturnsCopies(t *testing.T) {
	s := newStore()
	s.advance("req-1", phase(envelope.StageAnalysis), storeEpoch, "", 1)

	st, _ := s.Get("req-1")
	st.CurrentStage = envelope.PhaseFailed
	st.StageHistory[0].Stage = envelope.PhaseCancelled

	fresh, _ := s.Get("req-1")
	assert.Equal(t, phase(envelope.StageAnalysis), fresh.CurrentStage)
	assert.Equal(t, envelope.PhaseSubmitted, fresh.StageHistory[0].Stage)
}

func TestActiveCount(t *testing.T) {
	s := newStore()
	s.advance("req-1", phase(envelope.StageAnalysis), storeEpoch, "", 1)
	s.advance("req-2", phase(envelope.StageAnalysis), storeEpoch, "", 1)
	s.finish("req-2", envelope.PhaseCancelled, storeEpoch.Add(time.Minute), nil)

	assert.Equal(t, 1, s.ActiveCount())
	assert.Len(t, s.NonTerminal(), 1)
}
