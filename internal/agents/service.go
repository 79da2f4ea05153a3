// Package agents maintains the agent availability registry and the
// performance view derived from the handoff log.
package agents

import (
	"context"
	"errors"
	"time"

	"leadrouter_backend/internal/agents/repository"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/cache"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// Registry is the persistence surface the service needs. Narrow by design so
// tests can substitute fakes.
type Registry interface {
	Upsert(ctx context.Context, agent repository.Agent) (repository.Agent, error)
	GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (repository.Agent, error)
	ListAvailable(ctx context.Context, tenantID uuid.UUID) ([]repository.Agent, error)
	ClaimSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	ReleaseSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	GetPerformance(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID) (repository.Performance, error)
	ListPerformance(ctx context.Context, tenantID uuid.UUID, agentIDs []uuid.UUID) (map[uuid.UUID]repository.Performance, error)
	RecordOutcome(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID, resolutionSeconds float64, success bool) error
}

// Snapshot is a time-bounded view of the agent pool taken at the start of an
// optimizer sweep. The sweep works against this snapshot rather than
// re-reading mid-sweep, which would invite oscillating reassignments.
type Snapshot struct {
	TakenAt     time.Time
	Agents      []repository.Agent
	Performance map[uuid.UUID]repository.Performance
}

// Service wraps the registry with a bounded performance cache.
type Service struct {
	repo      Registry
	perfCache *cache.Cache[repository.Performance]
	log       *logger.Logger
}

// NewService creates the agents service. Performance reads are cached for a
// short TTL and explicitly invalidated on writes.
func NewService(repo Registry, log *logger.Logger) (*Service, error) {
	perfCache, err := cache.New[repository.Performance](4096, time.Minute)
	if err != nil {
		return nil, err
	}
	return &Service{repo: repo, perfCache: perfCache, log: log}, nil
}

// UpdatePresence applies an agent-presence feed update.
func (s *Service) UpdatePresence(ctx context.Context, agent repository.Agent) (repository.Agent, error) {
	return s.repo.Upsert(ctx, agent)
}

// Get returns the agent by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (repository.Agent, error) {
	return s.repo.GetByID(ctx, id, tenantID)
}

// Available returns the tenant's current candidate pool.
func (s *Service) Available(ctx context.Context, tenantID uuid.UUID) ([]repository.Agent, error) {
	return s.repo.ListAvailable(ctx, tenantID)
}

// Claim takes one capacity slot on the agent.
func (s *Service) Claim(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	return s.repo.ClaimSlot(ctx, id, tenantID)
}

// Release returns one capacity slot to the agent.
func (s *Service) Release(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	return s.repo.ReleaseSlot(ctx, id, tenantID)
}

// Performance returns the derived performance for the agent, cached.
func (s *Service) Performance(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID) (repository.Performance, error) {
	key := tenantID.String() + ":" + agentID.String()
	if cached, ok := s.perfCache.Get(key); ok {
		return cached, nil
	}

	perf, err := s.repo.GetPerformance(ctx, agentID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return repository.Performance{}, apperr.NotFound("agent performance not found")
	}
	if err != nil {
		return repository.Performance{}, err
	}

	s.perfCache.Set(key, perf)
	return perf, nil
}

// RecordOutcome folds a handled lead into the agent's aggregates and
// invalidates the cached view.
func (s *Service) RecordOutcome(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID, resolution time.Duration, success bool) error {
	if err := s.repo.RecordOutcome(ctx, agentID, tenantID, resolution.Seconds(), success); err != nil {
		return err
	}
	s.perfCache.Invalidate(tenantID.String() + ":" + agentID.String())
	return nil
}

// TakeSnapshot reads the available pool and its performance once, for use by
// a whole optimizer sweep.
func (s *Service) TakeSnapshot(ctx context.Context, tenantID uuid.UUID) (Snapshot, error) {
	pool, err := s.repo.ListAvailable(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}

	ids := make([]uuid.UUID, len(pool))
	for i, agent := range pool {
		ids[i] = agent.ID
	}

	perf, err := s.repo.ListPerformance(ctx, tenantID, ids)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{TakenAt: time.Now(), Agents: pool, Performance: perf}, nil
}
