// Package service implements the agent matcher: given a scored, queued lead
// and the pool of available agents it produces a routing decision and commits
// the assignment.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	agentrepo "leadrouter_backend/internal/agents/repository"
	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	"leadrouter_backend/internal/leads/domain"
	leadrepo "leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/notification"
	"leadrouter_backend/internal/queue"
	"leadrouter_backend/internal/routing/repository"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// ErrNoAgentAvailable means the candidate pool is empty. The lead stays in
// its queue untouched; the sweeper retries later. Expected, recoverable.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrAssignmentConflict means the chosen agent was lost to a concurrent
// caller and one retry did not produce a committable match.
var ErrAssignmentConflict = errors.New("assignment conflict")

// Cached scores older than this are recomputed before matching.
const scoreMaxAge = 15 * time.Minute

// LeadStore is the lead persistence the matcher needs.
type LeadStore interface {
	Create(ctx context.Context, params leadrepo.CreateLeadParams) (domain.Lead, error)
	GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (domain.Lead, error)
	UpdateScore(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, score int, breakdown map[string]float64, scoredAt time.Time) error
	SetStatus(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, status domain.Status) error
	AssignAgent(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, agentID uuid.UUID, status domain.Status, expectedVersion int) error
	ClearAssignment(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	IncrementEngagement(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, count int) error
	FlagForReview(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// AgentPool is the agent registry surface the matcher needs.
type AgentPool interface {
	Get(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (agentrepo.Agent, error)
	Available(ctx context.Context, tenantID uuid.UUID) ([]agentrepo.Agent, error)
	Claim(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	Performance(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID) (agentrepo.Performance, error)
	UpdatePresence(ctx context.Context, agent agentrepo.Agent) (agentrepo.Agent, error)
	RecordOutcome(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID, resolution time.Duration, success bool) error
}

// Queue is the priority queue surface the matcher needs.
type Queue interface {
	Enqueue(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID, overall int) (string, error)
	DequeueNext(ctx context.Context, tenantID uuid.UUID) (*queue.Entry, error)
	Requeue(ctx context.Context, tenantID uuid.UUID, entry queue.Entry) (string, error)
	Remove(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID, queueName string) (bool, error)
	Location(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID) (string, bool, error)
	Len(ctx context.Context, tenantID uuid.UUID, queueName string) (int64, error)
	QueueStats(ctx context.Context, tenantID uuid.UUID) (map[string]queue.Stats, error)
}

// Scorer computes priority scores.
type Scorer interface {
	Score(ctx context.Context, lead domain.Lead) domain.PriorityScore
}

// DecisionStore persists the routing audit trail.
type DecisionStore interface {
	Create(ctx context.Context, d repository.Decision) (repository.Decision, error)
	LatestByLead(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) (repository.Decision, error)
}

// HandoffLog appends handoff events and manages SLA assignment rows.
type HandoffLog interface {
	Append(ctx context.Context, event handoffrepo.Event) (handoffrepo.Event, error)
	OpenAssignment(ctx context.Context, a handoffrepo.Assignment) error
	CloseAssignment(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID, at time.Time) (handoffrepo.Assignment, error)
}

// Service is the agent matcher.
type Service struct {
	leads     LeadStore
	agents    AgentPool
	queue     Queue
	scorer    Scorer
	decisions DecisionStore
	handoffs  HandoffLog
	notifier  notification.Notifier
	bus       events.Bus
	cfg       config.MatchingConfig
	sla       map[string]int
	log       *logger.Logger
	now       func() time.Time
}

// New creates the matcher service.
func New(
	leads LeadStore,
	agents AgentPool,
	q Queue,
	scorer Scorer,
	decisions DecisionStore,
	handoffs HandoffLog,
	notifier notification.Notifier,
	bus events.Bus,
	cfg config.MatchingConfig,
	optCfg config.OptimizerConfig,
	log *logger.Logger,
) *Service {
	return &Service{
		leads:     leads,
		agents:    agents,
		queue:     q,
		scorer:    scorer,
		decisions: decisions,
		handoffs:  handoffs,
		notifier:  notifier,
		bus:       bus,
		cfg:       cfg,
		sla:       optCfg.GetSLAMinutes(),
		log:       log,
		now:       time.Now,
	}
}

// Route produces a routing decision for the lead without committing it.
// Routing an already-assigned lead returns the stored decision.
func (s *Service) Route(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) (repository.Decision, error) {
	decision, _, err := s.route(ctx, leadID, tenantID)
	return decision, err
}

// RouteLead routes and assigns in one call, the exposed routeLeadToAgent
// operation. If the chosen agent is lost to a race, matching is retried once
// before failing with ErrAssignmentConflict.
func (s *Service) RouteLead(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) (repository.Decision, error) {
	for attempt := 0; attempt < 2; attempt++ {
		decision, existing, err := s.route(ctx, leadID, tenantID)
		if err != nil {
			return repository.Decision{}, err
		}
		if existing {
			return decision, nil
		}

		stored, err := s.Assign(ctx, decision)
		if errors.Is(err, agentrepo.ErrCapacityExhausted) {
			// Lost the agent between match and claim. Re-match against
			// the refreshed pool.
			continue
		}
		if err != nil {
			return repository.Decision{}, err
		}
		return stored, nil
	}
	return repository.Decision{}, ErrAssignmentConflict
}

func (s *Service) route(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) (repository.Decision, bool, error) {
	lead, err := s.leads.GetByID(ctx, leadID, tenantID)
	if errors.Is(err, leadrepo.ErrNotFound) {
		return repository.Decision{}, false, apperr.NotFound("lead not found")
	}
	if err != nil {
		return repository.Decision{}, false, err
	}

	if lead.Status.Assigned() {
		stored, err := s.decisions.LatestByLead(ctx, leadID, tenantID)
		if errors.Is(err, repository.ErrNotFound) {
			return repository.Decision{}, false, apperr.Conflict("lead already assigned without a stored decision")
		}
		if err != nil {
			return repository.Decision{}, false, err
		}
		return stored, true, nil
	}
	if lead.Status.Terminal() {
		return repository.Decision{}, false, apperr.Conflict(fmt.Sprintf("lead is %s", lead.Status))
	}

	lead, overall, err := s.freshScore(ctx, lead)
	if err != nil {
		return repository.Decision{}, false, err
	}
	level := domain.LevelFor(overall)

	candidates, err := s.agents.Available(ctx, tenantID)
	if err != nil {
		return repository.Decision{}, false, err
	}
	if len(candidates) == 0 {
		return repository.Decision{}, false, ErrNoAgentAvailable
	}

	best, bestScore := s.pickAgent(lead, candidates)

	queueLen, err := s.queue.Len(ctx, tenantID, level.QueueName())
	if err != nil {
		return repository.Decision{}, false, err
	}

	decision := repository.Decision{
		TenantID:             tenantID,
		LeadID:               leadID,
		AgentID:              best.ID,
		Queue:                level.QueueName(),
		PriorityLevel:        string(level),
		Reasoning:            s.reasoning(overall, level, best, bestScore, len(candidates)),
		Confidence:           s.confidence(overall, best, len(candidates)),
		EstimatedWaitMinutes: estimateWait(queueLen, best),
	}
	return decision, false, nil
}

// Assign commits a routing decision: claims an agent slot, updates the lead
// under its version, persists the decision and the SLA row, removes the
// queue entry, appends the handoff event, and notifies the agent. Returns
// the persisted decision. A failure after the lead update rolls the
// assignment back so the lead is never left assigned without a decision and
// an outstanding SLA row.
func (s *Service) Assign(ctx context.Context, decision repository.Decision) (repository.Decision, error) {
	if err := s.agents.Claim(ctx, decision.AgentID, decision.TenantID); err != nil {
		return repository.Decision{}, err
	}

	lead, err := s.leads.GetByID(ctx, decision.LeadID, decision.TenantID)
	if err != nil {
		s.releaseQuietly(ctx, decision)
		return repository.Decision{}, err
	}
	if lead.Status.Assigned() {
		// A concurrent caller committed first; honor idempotence.
		s.releaseQuietly(ctx, decision)
		stored, err := s.decisions.LatestByLead(ctx, decision.LeadID, decision.TenantID)
		if errors.Is(err, repository.ErrNotFound) {
			return repository.Decision{}, apperr.Conflict("lead already assigned without a stored decision")
		}
		return stored, err
	}

	status := domain.StatusAssigned
	if lead.Status == domain.StatusReassigned || lead.AssignedAgentID != nil {
		status = domain.StatusReassigned
	}
	err = s.leads.AssignAgent(ctx, decision.LeadID, decision.TenantID, decision.AgentID, status, lead.Version)
	if errors.Is(err, leadrepo.ErrVersionConflict) {
		s.releaseQuietly(ctx, decision)
		return repository.Decision{}, ErrAssignmentConflict
	}
	if err != nil {
		s.releaseQuietly(ctx, decision)
		return repository.Decision{}, err
	}

	stored, err := s.decisions.Create(ctx, decision)
	if err != nil {
		s.rollbackAssign(ctx, decision)
		return repository.Decision{}, err
	}

	deadline := s.now().Add(s.slaFor(decision.PriorityLevel))
	err = s.handoffs.OpenAssignment(ctx, handoffrepo.Assignment{
		LeadID:        decision.LeadID,
		TenantID:      decision.TenantID,
		AgentID:       decision.AgentID,
		PriorityLevel: decision.PriorityLevel,
		Deadline:      deadline,
	})
	if err != nil {
		s.rollbackAssign(ctx, decision)
		return repository.Decision{}, err
	}

	// The assignment is committed from here on. The remaining cleanup is
	// logged rather than failed: a stale queue entry self-heals on the
	// next dispatch pass, a missed audit event is a logged gap.
	if removed, err := s.queue.Remove(ctx, decision.TenantID, decision.LeadID, decision.Queue); err != nil {
		s.log.DatabaseError("remove queue entry after assignment", err)
	} else if !removed {
		// The lead may never have been queued (direct route) or was
		// re-tiered concurrently. Clear whichever entry exists.
		if loc, ok, err := s.queue.Location(ctx, decision.TenantID, decision.LeadID); err == nil && ok {
			if _, err := s.queue.Remove(ctx, decision.TenantID, decision.LeadID, loc); err != nil {
				s.log.DatabaseError("remove relocated queue entry", err)
			}
		}
	}

	_, err = s.handoffs.Append(ctx, handoffrepo.Event{
		TenantID:      decision.TenantID,
		LeadID:        decision.LeadID,
		ToAgentID:     &decision.AgentID,
		Type:          handoffrepo.EventAssignment,
		Reason:        strings.Join(decision.Reasoning, "; "),
		PriorityLevel: decision.PriorityLevel,
		Metadata:      map[string]any{"confidence": decision.Confidence, "decisionId": stored.ID.String()},
	})
	if err != nil {
		s.log.DatabaseError("append assignment event", err)
	}

	s.log.RoutingEvent("lead assigned", decision.LeadID.String(), decision.AgentID.String(), decision.Confidence)
	if err := s.notifier.NotifyAssignment(ctx, events.LeadAssigned{
		BaseEvent:     events.NewBaseEvent(),
		LeadID:        decision.LeadID,
		TenantID:      decision.TenantID,
		AgentID:       decision.AgentID,
		PriorityLevel: decision.PriorityLevel,
		Confidence:    decision.Confidence,
	}); err != nil {
		s.log.Error("assignment notification failed", "leadId", decision.LeadID.String(), "error", err)
	}
	return stored, nil
}

// rollbackAssign undoes a half-committed assignment: the lead returns to the
// queued state and the claimed slot is released.
func (s *Service) rollbackAssign(ctx context.Context, decision repository.Decision) {
	if err := s.leads.ClearAssignment(ctx, decision.LeadID, decision.TenantID); err != nil {
		s.log.DatabaseError("rollback lead assignment", err)
	}
	s.releaseQuietly(ctx, decision)
}

func (s *Service) releaseQuietly(ctx context.Context, decision repository.Decision) {
	if err := s.agents.Release(ctx, decision.AgentID, decision.TenantID); err != nil {
		s.log.DatabaseError("release agent slot", err)
	}
}

func (s *Service) freshScore(ctx context.Context, lead domain.Lead) (domain.Lead, int, error) {
	if !lead.ScoreStale(scoreMaxAge, s.now()) {
		return lead, lead.Score, nil
	}

	score := s.scorer.Score(ctx, lead)
	scoredAt := s.now()
	if err := s.leads.UpdateScore(ctx, lead.ID, lead.TenantID, score.Overall, score.Breakdown, scoredAt); err != nil {
		return lead, 0, err
	}
	lead.Score = score.Overall
	lead.ScoreBreakdown = score.Breakdown
	lead.ScoredAt = &scoredAt
	return lead, score.Overall, nil
}

func (s *Service) slaFor(level string) time.Duration {
	minutes, ok := s.sla[level]
	if !ok {
		minutes = s.sla[string(domain.PriorityLow)]
	}
	return time.Duration(minutes) * time.Minute
}

// pickAgent scores every candidate and returns the best one. Ties go to the
// agent with the lowest current load.
func (s *Service) pickAgent(lead domain.Lead, candidates []agentrepo.Agent) (agentrepo.Agent, float64) {
	// Stable iteration so equal pools produce equal decisions.
	sorted := make([]agentrepo.Agent, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	signals := SkillSignals(lead)
	best := sorted[0]
	bestScore := s.matchScore(best, signals)
	for _, candidate := range sorted[1:] {
		score := s.matchScore(candidate, signals)
		switch {
		case score > bestScore+1e-9:
			best, bestScore = candidate, score
		case math.Abs(score-bestScore) <= 1e-9 && candidate.CurrentLoad < best.CurrentLoad:
			best = candidate
		}
	}
	return best, bestScore
}

func (s *Service) matchScore(agent agentrepo.Agent, signals []string) float64 {
	loadTerm := 1 - agent.LoadRatio()

	norm := s.cfg.GetResponseTimeNormSeconds()
	responseTerm := 1 - math.Min(agent.AvgResponseSeconds/norm, 1)

	return s.cfg.GetLoadBalanceWeight()*loadTerm +
		s.cfg.GetSkillMatchWeight()*SkillMatch(agent.Skills, signals) +
		s.cfg.GetResponseTimeWeight()*responseTerm
}

// SkillMatch is the proficiency-weighted overlap between the agent's skills
// and the lead's requirement signals. 0.5 when either side carries no data.
func SkillMatch(skills map[string]float64, signals []string) float64 {
	if len(skills) == 0 || len(signals) == 0 {
		return 0.5
	}
	var total float64
	for _, signal := range signals {
		if proficiency, ok := skills[signal]; ok {
			total += math.Min(proficiency, 1)
		}
	}
	return total / float64(len(signals))
}

// SkillSignals derives requirement signals from the lead's attributes.
func SkillSignals(lead domain.Lead) []string {
	var signals []string
	for _, key := range []string{"industry", "product_interest", "language", "region"} {
		if raw, ok := lead.Attributes[key]; ok {
			if value, ok := raw.(string); ok && value != "" {
				signals = append(signals, strings.ToLower(strings.TrimSpace(value)))
			}
		}
	}
	if lead.Source != "" {
		signals = append(signals, strings.ToLower(lead.Source))
	}
	return signals
}

func (s *Service) confidence(overall int, agent agentrepo.Agent, candidateCount int) float64 {
	confidence := 0.5
	switch {
	case overall >= 90:
		confidence += 0.2
	case overall >= 75:
		confidence += 0.1
	}
	if agent.LoadRatio() < 0.5 {
		confidence += 0.2
	}
	if candidateCount > 3 {
		confidence += 0.1
	}
	// Summed increments accumulate float error; keep the published value
	// at two decimals.
	return math.Round(math.Min(confidence, 1)*100) / 100
}

// estimateWait is queue length over the agent's remaining capacity, in
// minutes, rounded up.
func estimateWait(queueLen int64, agent agentrepo.Agent) int {
	slack := agent.MaxCapacity - agent.CurrentLoad
	if slack < 1 {
		slack = 1
	}
	wait := int(math.Ceil(float64(queueLen) / float64(slack)))
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *Service) reasoning(overall int, level domain.PriorityLevel, agent agentrepo.Agent, matchScore float64, candidateCount int) []string {
	return []string{
		fmt.Sprintf("priority %s (score %d)", level, overall),
		fmt.Sprintf("agent %s load %d/%d", agent.Name, agent.CurrentLoad, agent.MaxCapacity),
		fmt.Sprintf("match score %.2f across %d candidates", matchScore, candidateCount),
		fmt.Sprintf("avg response %.0fs", agent.AvgResponseSeconds),
	}
}
