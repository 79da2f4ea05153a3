// Package service implements the handoff optimizer: a periodic review of
// every assigned lead that detects assignments worth revising, executes
// reassignments, and enforces SLA timeouts.
package service

import (
	"context"
	"time"

	"leadrouter_backend/internal/agents"
	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/notification"
	"leadrouter_backend/internal/queue"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// LeadStore is the lead persistence the optimizer needs.
type LeadStore interface {
	GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (domain.Lead, error)
	ListAssigned(ctx context.Context, tenantID uuid.UUID) ([]domain.Lead, error)
	ListTenants(ctx context.Context) ([]uuid.UUID, error)
	ReassignAgent(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, fromAgent, toAgent uuid.UUID, expectedVersion int) error
	ClearAssignment(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, status domain.Status) error
	UpdateScore(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, score int, breakdown map[string]float64, scoredAt time.Time) error
	FlagForReview(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// AgentPool is the agent registry surface the optimizer needs.
type AgentPool interface {
	TakeSnapshot(ctx context.Context, tenantID uuid.UUID) (agents.Snapshot, error)
	Claim(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	RecordOutcome(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID, resolution time.Duration, success bool) error
}

// HandoffLog appends handoff events and manages SLA assignment rows.
type HandoffLog interface {
	Append(ctx context.Context, event handoffrepo.Event) (handoffrepo.Event, error)
	OpenAssignment(ctx context.Context, a handoffrepo.Assignment) error
	ClaimOverdue(ctx context.Context, now time.Time, limit int) ([]handoffrepo.Assignment, error)
}

// Queue is the priority queue surface the optimizer needs.
type Queue interface {
	Enqueue(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID, overall int) (string, error)
	Remove(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID, queueName string) (bool, error)
	ListOlderThan(ctx context.Context, tenantID uuid.UUID, age time.Duration) ([]queue.Entry, error)
}

// Rerouter enqueues the matcher re-entry that follows a claimed timeout.
type Rerouter interface {
	EnqueueReroute(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) error
}

// Service is the handoff optimizer.
type Service struct {
	leads    LeadStore
	agents   AgentPool
	handoffs HandoffLog
	queue    Queue
	rerouter Rerouter
	notifier notification.Notifier
	bus      events.Bus
	cfg      config.OptimizerConfig
	log      *logger.Logger
	now      func() time.Time
}

// New creates the optimizer service.
func New(
	leads LeadStore,
	agentPool AgentPool,
	handoffs HandoffLog,
	q Queue,
	rerouter Rerouter,
	notifier notification.Notifier,
	bus events.Bus,
	cfg config.OptimizerConfig,
	log *logger.Logger,
) *Service {
	return &Service{
		leads:    leads,
		agents:   agentPool,
		handoffs: handoffs,
		queue:    q,
		rerouter: rerouter,
		notifier: notifier,
		bus:      bus,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Tenants lists tenants with leads, for sweep fan-out.
func (s *Service) Tenants(ctx context.Context) ([]uuid.UUID, error) {
	return s.leads.ListTenants(ctx)
}

func (s *Service) slaFor(level string) time.Duration {
	minutes, ok := s.cfg.GetSLAMinutes()[level]
	if !ok {
		minutes = s.cfg.GetSLAMinutes()[string(domain.PriorityLow)]
	}
	return time.Duration(minutes) * time.Minute
}
