// Package memstore implements the persistence ports in memory for tests
// and the memory transport dev mode. Uniqueness rules match the SQL schema.
package memstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/agentwire/internal/domain"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/domain/registry"
	"github.com/Strob0t/agentwire/internal/port/database"
)

// Store is an in-memory database.Store.
type Store struct {
	mu         sync.Mutex
	runs       map[string]checkpoint.Run
	steps      map[string]map[int]checkpoint.Step
	activities map[checkpoint.ActivityKey]checkpoint.Activity
	agents     map[string]registry.Agent
	topics     map[string][]registry.AgentTopic

	// FailWrites makes every write return this error when set.
	FailWrites error
}

// Compile-time interface check.
var _ database.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		runs:       make(map[string]checkpoint.Run),
		steps:      make(map[string]map[int]checkpoint.Step),
		activities: make(map[checkpoint.ActivityKey]checkpoint.Activity),
		agents:     make(map[string]registry.Agent),
		topics:     make(map[string][]registry.AgentTopic),
	}
}

func (s *Store) CreateRun(_ context.Context, r *checkpoint.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.runs[r.TraceID]; ok {
		return fmt.Errorf("create run %s: %w", r.TraceID, domain.ErrConflict)
	}
	s.runs[r.TraceID] = *r
	return nil
}

func (s *Store) GetRun(_ context.Context, traceID string) (*checkpoint.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[traceID]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", traceID, domain.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) FinishRun(_ context.Context, traceID string, status checkpoint.RunStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	r, ok := s.runs[traceID]
	if !ok {
		return fmt.Errorf("finish run %s: %w", traceID, domain.ErrNotFound)
	}
	if r.Status.Closed() {
		return fmt.Errorf("finish run %s: already closed: %w", traceID, domain.ErrConflict)
	}
	r.Status = status
	r.CompletedAt = &completedAt
	s.runs[traceID] = r
	return nil
}

func (s *Store) AppendStep(_ context.Context, st *checkpoint.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.runs[st.TraceID]; !ok {
		return fmt.Errorf("append step %s/%d: run: %w", st.TraceID, st.StepIndex, domain.ErrNotFound)
	}
	m, ok := s.steps[st.TraceID]
	if !ok {
		m = make(map[int]checkpoint.Step)
		s.steps[st.TraceID] = m
	}
	if _, dup := m[st.StepIndex]; dup {
		return fmt.Errorf("append step %s/%d: %w", st.TraceID, st.StepIndex, domain.ErrConflict)
	}
	m[st.StepIndex] = *st
	return nil
}

func (s *Store) ListSteps(_ context.Context, traceID string) ([]checkpoint.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := slices.Collect(maps.Values(s.steps[traceID]))
	slices.SortFunc(steps, func(a, b checkpoint.Step) int { return cmp.Compare(a.StepIndex, b.StepIndex) })
	return steps, nil
}

func (s *Store) InsertActivity(_ context.Context, a *checkpoint.Activity) (*checkpoint.Activity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, false, s.FailWrites
	}
	if existing, ok := s.activities[a.ActivityKey]; ok {
		return &existing, false, nil
	}
	rec := *a
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.ResponseData = nil
	s.activities[a.ActivityKey] = rec
	return nil, true, nil
}

func (s *Store) CompleteActivity(_ context.Context, key checkpoint.ActivityKey, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	a, ok := s.activities[key]
	if !ok {
		return fmt.Errorf("complete activity %s/%d/%s: %w", key.TraceID, key.StepIndex, key.ActivityType, domain.ErrNotFound)
	}
	a.ResponseData = append(json.RawMessage(nil), response...)
	s.activities[key] = a
	return nil
}

func (s *Store) ReleaseActivity(_ context.Context, key checkpoint.ActivityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if a, ok := s.activities[key]; ok && !a.Completed() {
		delete(s.activities, key)
	}
	return nil
}

func (s *Store) ListActivities(_ context.Context, traceID string) ([]checkpoint.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []checkpoint.Activity
	for k, a := range s.activities {
		if k.TraceID == traceID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b checkpoint.Activity) int {
		if c := cmp.Compare(a.StepIndex, b.StepIndex); c != 0 {
			return c
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

func (s *Store) UpsertAgent(_ context.Context, a *registry.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.agents[a.AgentID] = *a
	return nil
}

func (s *Store) GetAgent(_ context.Context, agentID string) (*registry.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("get agent %s: %w", agentID, domain.ErrNotFound)
	}
	return &a, nil
}

func (s *Store) ListAgents(_ context.Context) ([]registry.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.agents))
	slices.SortFunc(out, func(a, b registry.Agent) int { return cmp.Compare(a.AgentID, b.AgentID) })
	return out, nil
}

func (s *Store) SetAgentTopics(_ context.Context, agentID string, topics []registry.AgentTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.topics[agentID] = slices.Clone(topics)
	return nil
}

func (s *Store) ListAgentTopics(_ context.Context, agentID string) ([]registry.AgentTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.topics[agentID]), nil
}

func (s *Store) MarkExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, s.FailWrites
	}
	var ids []string
	for id, a := range s.agents {
		if a.LeaseUntil.Before(now) && a.Status != registry.StatusUnavailable {
			a.Status = registry.StatusUnavailable
			s.agents[id] = a
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
