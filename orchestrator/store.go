package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/c360studio/devflow/envelope"
)

// Pagination bounds for the state list API.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Query filters and pages the state list. Zero values mean no filter, page
// one, and the default limit.
type Query struct {
	Status   string
	Priority string
	Page     int
	Limit    int
}

// advanceResult reports what one applied event did to a request's state.
type advanceResult struct {
	// OK means a transition happened. False marks a late duplicate.
	OK bool
	// Created means the request was first seen by this event.
	Created bool
	// From is the phase the request held before the event.
	From envelope.Phase
	// Dwell is the time spent in From, zero when From was just created.
	Dwell time.Duration
	// Unstalled means the event cleared a stall flag.
	Unstalled bool
}

// store holds every tracked request. Writes happen only on the
// orchestrator's apply goroutine; reads copy the state out under the lock
// so callers never alias live entries.
type store struct {
	mu     sync.RWMutex
	states map[string]*envelope.PipelineState
}

func newStore() *store {
	return &store{states: make(map[string]*envelope.PipelineState)}
}

// getOrCreate inserts a fresh state at the submitted phase when the request
// is unknown. Timestamps come from the triggering event so a replay of the
// same stream rebuilds identical states.
func (s *store) getOrCreate(id string, at time.Time) (*envelope.PipelineState, bool) {
	if st, ok := s.states[id]; ok {
		return st, false
	}
	st := &envelope.PipelineState{
		RequestID:    id,
		CurrentStage: envelope.PhaseSubmitted,
		CreatedAt:    at,
		LastEventAt:  at,
		StageHistory: []envelope.StageHistoryEntry{{Stage: envelope.PhaseSubmitted, EnteredAt: at}},
	}
	s.states[id] = st
	return st, true
}

// advance moves a request forward to a stage phase. Events landing on a
// terminal state or at the current stage or earlier are counted as
// duplicates and change nothing else.
func (s *store) advance(id string, to envelope.Phase, at time.Time, priority envelope.Priority, attempt int) advanceResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, created := s.getOrCreate(id, at)
	if st.Terminal || to.StageIndex() <= st.CurrentStage.StageIndex() {
		st.Duplicates++
		return advanceResult{From: st.CurrentStage}
	}

	from := st.CurrentStage
	dwell := closeHistory(st, at)
	st.StageHistory = append(st.StageHistory, envelope.StageHistoryEntry{
		Stage:     to,
		EnteredAt: at,
		Attempts:  attempt,
	})
	unstalled := st.Stalled
	st.Stalled = false
	st.CurrentStage = to
	st.LastEventAt = at
	if priority != "" {
		st.Priority = priority
	}
	return advanceResult{OK: true, Created: created, From: from, Dwell: dwell, Unstalled: unstalled}
}

// finish moves a request into a terminal phase. mod runs under the lock to
// attach outcome details. A second terminal event is a duplicate.
func (s *store) finish(id string, to envelope.Phase, at time.Time, mod func(*envelope.PipelineState)) advanceResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, created := s.getOrCreate(id, at)
	if st.Terminal {
		st.Duplicates++
		return advanceResult{From: st.CurrentStage}
	}

	from := st.CurrentStage
	dwell := closeHistory(st, at)
	st.StageHistory = append(st.StageHistory, envelope.StageHistoryEntry{Stage: to, EnteredAt: at})
	unstalled := st.Stalled
	st.Stalled = false
	st.CurrentStage = to
	st.Terminal = true
	st.LastEventAt = at
	if mod != nil {
		mod(st)
	}
	return advanceResult{OK: true, Created: created, From: from, Dwell: dwell, Unstalled: unstalled}
}

// closeHistory stamps the open history entry and returns how long the
// request dwelled in it. Caller holds the write lock.
func closeHistory(st *envelope.PipelineState, at time.Time) time.Duration {
	n := len(st.StageHistory)
	if n == 0 || st.StageHistory[n-1].CompletedAt != nil {
		return 0
	}
	entry := &st.StageHistory[n-1]
	done := at
	entry.CompletedAt = &done
	return at.Sub(entry.EnteredAt)
}

// markStalled flags every non-terminal request without progress inside its
// threshold and returns copies of the newly flagged states.
func (s *store) markStalled(now time.Time, threshold func(envelope.Phase) time.Duration) []*envelope.PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked []*envelope.PipelineState
	for _, st := range s.states {
		if st.Terminal || st.Stalled {
			continue
		}
		if now.Sub(st.LastEventAt) > threshold(st.CurrentStage) {
			st.Stalled = true
			marked = append(marked, st.Clone())
		}
	}
	sort.Slice(marked, func(i, j int) bool { return marked[i].RequestID < marked[j].RequestID })
	return marked
}

// Get returns a copy of one request's state.
func (s *store) Get(id string) (*envelope.PipelineState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// List returns one page of matching states, newest first, plus the total
// match count before paging.
func (s *store) List(q Query) ([]*envelope.PipelineState, int) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}

	matched := s.collect(func(st *envelope.PipelineState) bool {
		if q.Status != "" && string(st.CurrentStage) != q.Status {
			return false
		}
		if q.Priority != "" && string(st.Priority) != q.Priority {
			return false
		}
		return true
	})
	sortNewestFirst(matched)

	total := len(matched)
	start := (q.Page - 1) * q.Limit
	if start >= total {
		return []*envelope.PipelineState{}, total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// NonTerminal returns copies of every in-flight request, newest first.
func (s *store) NonTerminal() []*envelope.PipelineState {
	out := s.collect(func(st *envelope.PipelineState) bool { return !st.Terminal })
	sortNewestFirst(out)
	return out
}

// All returns copies of every tracked request in creation order.
func (s *store) All() []*envelope.PipelineState {
	out := s.collect(func(*envelope.PipelineState) bool { return true })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// ActiveCount reports how many tracked requests are not terminal.
func (s *store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.states {
		if !st.Terminal {
			n++
		}
	}
	return n
}

func (s *store) collect(keep func(*envelope.PipelineState) bool) []*envelope.PipelineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*envelope.PipelineState, 0, len(s.states))
	for _, st := range s.states {
		if keep(st) {
			out = append(out, st.Clone())
		}
	}
	return out
}

func sortNewestFirst(states []*envelope.PipelineState) {
	sort.Slice(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.After(states[j].CreatedAt)
		}
		return states[i].RequestID < states[j].RequestID
	})
}
