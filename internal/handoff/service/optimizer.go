package service

import (
	"context"
	"errors"
	"fmt"

	"leadrouter_backend/internal/agents"
	agentrepo "leadrouter_backend/internal/agents/repository"
	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	"leadrouter_backend/internal/leads/domain"
	leadrepo "leadrouter_backend/internal/leads/repository"
	routingsvc "leadrouter_backend/internal/routing/service"

	"github.com/google/uuid"
)

// opportunity is one candidate reassignment under consideration.
type opportunity struct {
	candidate   agentrepo.Agent
	improvement float64
	kind        string
	reason      string
}

// OptimizeTenant runs one optimization sweep over the tenant's assigned
// leads. The sweep works against a single snapshot of the agent pool taken
// at the start; re-reading mid-sweep would invite oscillating reassignments.
func (s *Service) OptimizeTenant(ctx context.Context, tenantID uuid.UUID) error {
	snapshot, err := s.agents.TakeSnapshot(ctx, tenantID)
	if err != nil {
		return err
	}
	assigned, err := s.leads.ListAssigned(ctx, tenantID)
	if err != nil {
		return err
	}

	pool := make(map[uuid.UUID]agentrepo.Agent, len(snapshot.Agents))
	for _, agent := range snapshot.Agents {
		pool[agent.ID] = agent
	}

	for _, lead := range assigned {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lead.AssignedAgentID == nil {
			continue
		}
		current, ok := pool[*lead.AssignedAgentID]
		if !ok {
			// Current agent is not in the available pool; the SLA sweep
			// covers leads stuck with unavailable agents.
			continue
		}

		best := s.evaluate(lead, current, snapshot, pool)
		if best == nil || best.improvement <= s.cfg.GetMinImprovement() {
			continue
		}

		if err := s.reassign(ctx, lead, current, *best); err != nil {
			s.log.Warn("reassignment skipped",
				"leadId", lead.ID.String(), "error", err)
			continue
		}

		// Keep the in-sweep view of both loads coherent so one sweep does
		// not pile every lead onto the same candidate.
		current.CurrentLoad--
		pool[current.ID] = current
		candidate := pool[best.candidate.ID]
		candidate.CurrentLoad++
		pool[candidate.ID] = candidate
	}
	return nil
}

// evaluate inspects every other agent in the snapshot and returns the single
// highest-improvement opportunity, or nil. Analyses run in priority order:
// load balancing, then skill match, then historical performance.
func (s *Service) evaluate(lead domain.Lead, current agentrepo.Agent, snapshot agents.Snapshot, pool map[uuid.UUID]agentrepo.Agent) *opportunity {
	signals := routingsvc.SkillSignals(lead)
	currentSkill := routingsvc.SkillMatch(current.Skills, signals)
	currentPerf := snapshot.Performance[current.ID]

	var best *opportunity
	consider := func(o opportunity) {
		if best == nil || o.improvement > best.improvement {
			copied := o
			best = &copied
		}
	}

	for _, candidate := range pool {
		if candidate.ID == current.ID {
			continue
		}
		if candidate.CurrentLoad >= candidate.MaxCapacity {
			continue
		}

		if current.LoadRatio() > s.cfg.GetOverloadedRatio() && candidate.LoadRatio() < s.cfg.GetUnderloadedRatio() {
			consider(opportunity{
				candidate:   candidate,
				improvement: (current.LoadRatio() - candidate.LoadRatio()) / 2,
				kind:        "load_balancing",
				reason: fmt.Sprintf("load %0.2f -> %0.2f",
					current.LoadRatio(), candidate.LoadRatio()),
			})
		}

		if candidateSkill := routingsvc.SkillMatch(candidate.Skills, signals); candidateSkill > currentSkill+s.cfg.GetSkillGap() {
			consider(opportunity{
				candidate:   candidate,
				improvement: (candidateSkill - currentSkill) / 2,
				kind:        "skill_match",
				reason:      fmt.Sprintf("skill match %0.2f -> %0.2f", currentSkill, candidateSkill),
			})
		}

		if candidatePerf, ok := snapshot.Performance[candidate.ID]; ok {
			if candidatePerf.SuccessRate > currentPerf.SuccessRate+s.cfg.GetPerformanceGap() {
				consider(opportunity{
					candidate:   candidate,
					improvement: (candidatePerf.SuccessRate - currentPerf.SuccessRate) / 2,
					kind:        "performance",
					reason: fmt.Sprintf("success rate %0.2f -> %0.2f",
						currentPerf.SuccessRate, candidatePerf.SuccessRate),
				})
			}
		}
	}
	return best
}

// reassign executes one reassignment under an optimistic assigned-agent
// check. A conflict aborts; the lead is re-evaluated on the next sweep.
func (s *Service) reassign(ctx context.Context, lead domain.Lead, current agentrepo.Agent, o opportunity) error {
	if err := s.agents.Claim(ctx, o.candidate.ID, lead.TenantID); err != nil {
		return err
	}

	err := s.leads.ReassignAgent(ctx, lead.ID, lead.TenantID, current.ID, o.candidate.ID, lead.Version)
	if err != nil {
		if releaseErr := s.agents.Release(ctx, o.candidate.ID, lead.TenantID); releaseErr != nil {
			s.log.DatabaseError("release candidate slot", releaseErr)
		}
		if errors.Is(err, leadrepo.ErrVersionConflict) {
			return fmt.Errorf("lead changed under optimization: %w", err)
		}
		return err
	}

	if err := s.agents.Release(ctx, current.ID, lead.TenantID); err != nil {
		s.log.DatabaseError("release previous agent slot", err)
	}

	level := domain.LevelFor(lead.Score)
	deadline := s.now().Add(s.slaFor(string(level)))
	if err := s.handoffs.OpenAssignment(ctx, handoffrepo.Assignment{
		LeadID:        lead.ID,
		TenantID:      lead.TenantID,
		AgentID:       o.candidate.ID,
		PriorityLevel: string(level),
		Deadline:      deadline,
	}); err != nil {
		return err
	}

	fromID, toID := current.ID, o.candidate.ID
	if _, err := s.handoffs.Append(ctx, handoffrepo.Event{
		TenantID:      lead.TenantID,
		LeadID:        lead.ID,
		FromAgentID:   &fromID,
		ToAgentID:     &toID,
		Type:          handoffrepo.EventReassignment,
		Reason:        o.reason,
		PriorityLevel: string(level),
		Metadata: map[string]any{
			"kind":                o.kind,
			"expectedImprovement": o.improvement,
		},
	}); err != nil {
		return err
	}

	s.log.RoutingEvent("lead reassigned", lead.ID.String(), o.candidate.ID.String(), o.improvement)
	return s.notifier.NotifyHandoff(ctx, events.LeadReassigned{
		BaseEvent: events.NewBaseEvent(),
		LeadID:    lead.ID,
		TenantID:  lead.TenantID,
		FromAgent: current.ID,
		ToAgent:   o.candidate.ID,
		Reason:    o.kind + ": " + o.reason,
	})
}
