package service

import (
	"context"
	"errors"

	agentrepo "leadrouter_backend/internal/agents/repository"
	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	"leadrouter_backend/internal/leads/domain"
	leadrepo "leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/queue"
	"leadrouter_backend/platform/apperr"

	"github.com/google/uuid"
)

// Intake accepts a new lead, scores it, and places it in its priority queue.
func (s *Service) Intake(ctx context.Context, params leadrepo.CreateLeadParams) (domain.Lead, string, error) {
	lead, err := s.leads.Create(ctx, params)
	if err != nil {
		return domain.Lead{}, "", err
	}

	score := s.scorer.Score(ctx, lead)
	scoredAt := s.now()
	if err := s.leads.UpdateScore(ctx, lead.ID, lead.TenantID, score.Overall, score.Breakdown, scoredAt); err != nil {
		return domain.Lead{}, "", err
	}
	lead.Score = score.Overall
	lead.ScoreBreakdown = score.Breakdown
	lead.ScoredAt = &scoredAt

	queueName, err := s.queue.Enqueue(ctx, lead.TenantID, lead.ID, score.Overall)
	if err != nil {
		return domain.Lead{}, "", err
	}
	if err := s.leads.SetStatus(ctx, lead.ID, lead.TenantID, domain.StatusQueued); err != nil {
		return domain.Lead{}, "", err
	}
	lead.Status = domain.StatusQueued

	s.log.QueueEvent("lead queued", queueName, lead.ID.String())
	s.bus.Publish(ctx, events.LeadQueued{
		BaseEvent: events.NewBaseEvent(),
		LeadID:    lead.ID,
		TenantID:  lead.TenantID,
		Queue:     queueName,
		Score:     score.Overall,
	})
	return lead, queueName, nil
}

// Dispatch drains queued leads to available agents in strict priority order.
// It stops when the queues are empty or the pool refuses the next lead; a
// refused entry returns to its tier with its original enqueue time so its
// FIFO position survives the pass. Returns the number of leads assigned.
func (s *Service) Dispatch(ctx context.Context, tenantID uuid.UUID) (int, error) {
	assigned := 0
	for {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}

		entry, err := s.queue.DequeueNext(ctx, tenantID)
		if err != nil {
			if errors.Is(err, queue.ErrCorrupted) {
				s.log.Error("dropping corrupted queue entry during dispatch", "error", err)
				continue
			}
			return assigned, err
		}
		if entry == nil {
			return assigned, nil
		}

		_, err = s.RouteLead(ctx, entry.LeadID, tenantID)
		switch {
		case err == nil:
			assigned++
		case errors.Is(err, ErrNoAgentAvailable):
			if _, requeueErr := s.queue.Requeue(ctx, tenantID, *entry); requeueErr != nil {
				return assigned, requeueErr
			}
			return assigned, nil
		case errors.Is(err, ErrAssignmentConflict):
			// Contended with a concurrent router; put the entry back and
			// let the next pass retry.
			if _, requeueErr := s.queue.Requeue(ctx, tenantID, *entry); requeueErr != nil {
				return assigned, requeueErr
			}
			return assigned, nil
		case apperr.Is(err, apperr.KindNotFound), apperr.Is(err, apperr.KindConflict):
			// The lead was deleted, assigned, or closed since it queued.
			// Its entry is already popped; nothing to restore.
			s.log.QueueEvent("stale entry dropped", entry.Queue, entry.LeadID.String())
		default:
			if _, requeueErr := s.queue.Requeue(ctx, tenantID, *entry); requeueErr != nil {
				s.log.DatabaseError("requeue lead after dispatch failure", requeueErr)
			}
			return assigned, err
		}
	}
}

// Resolve closes an assignment: the success path of the lead state machine.
func (s *Service) Resolve(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) error {
	lead, err := s.leads.GetByID(ctx, leadID, tenantID)
	if errors.Is(err, leadrepo.ErrNotFound) {
		return apperr.NotFound("lead not found")
	}
	if err != nil {
		return err
	}
	if !lead.Status.Assigned() || lead.AssignedAgentID == nil {
		return apperr.Conflict("lead is not assigned")
	}
	agentID := *lead.AssignedAgentID

	resolvedAt := s.now()
	assignment, err := s.handoffs.CloseAssignment(ctx, leadID, tenantID, resolvedAt)
	if err != nil && !errors.Is(err, handoffrepo.ErrNotFound) {
		return err
	}

	if err := s.leads.SetStatus(ctx, leadID, tenantID, domain.StatusResolved); err != nil {
		return err
	}
	if err := s.agents.Release(ctx, agentID, tenantID); err != nil {
		return err
	}

	resolution := resolvedAt.Sub(assignment.CreatedAt)
	if assignment.CreatedAt.IsZero() {
		resolution = resolvedAt.Sub(lead.UpdatedAt)
	}
	if err := s.agents.RecordOutcome(ctx, agentID, tenantID, resolution, true); err != nil {
		return err
	}

	_, err = s.handoffs.Append(ctx, handoffrepo.Event{
		TenantID:      tenantID,
		LeadID:        leadID,
		FromAgentID:   &agentID,
		Type:          handoffrepo.EventResolution,
		Reason:        "resolving activity observed",
		PriorityLevel: string(domain.LevelFor(lead.Score)),
		Metadata:      map[string]any{"resolutionSeconds": resolution.Seconds()},
	})
	if err != nil {
		return err
	}

	s.bus.Publish(ctx, events.LeadResolved{
		BaseEvent: events.NewBaseEvent(),
		LeadID:    leadID,
		TenantID:  tenantID,
		AgentID:   agentID,
	})
	return nil
}

// Escalate moves the lead to its escalated terminal state, releasing any
// held agent slot and queue entry.
func (s *Service) Escalate(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID, reason string) error {
	lead, err := s.leads.GetByID(ctx, leadID, tenantID)
	if errors.Is(err, leadrepo.ErrNotFound) {
		return apperr.NotFound("lead not found")
	}
	if err != nil {
		return err
	}
	if lead.Status.Terminal() {
		return apperr.Conflict("lead is already in a terminal state")
	}
	if reason == "" {
		reason = "manual escalation"
	}

	var fromAgent *uuid.UUID
	if lead.Status.Assigned() && lead.AssignedAgentID != nil {
		agentID := *lead.AssignedAgentID
		fromAgent = &agentID
		if _, err := s.handoffs.CloseAssignment(ctx, leadID, tenantID, s.now()); err != nil && !errors.Is(err, handoffrepo.ErrNotFound) {
			return err
		}
		if err := s.agents.Release(ctx, agentID, tenantID); err != nil {
			return err
		}
		if err := s.agents.RecordOutcome(ctx, agentID, tenantID, s.now().Sub(lead.UpdatedAt), false); err != nil {
			return err
		}
	}

	if location, ok, err := s.queue.Location(ctx, tenantID, leadID); err != nil {
		return err
	} else if ok {
		if _, err := s.queue.Remove(ctx, tenantID, leadID, location); err != nil {
			return err
		}
	}

	if err := s.leads.SetStatus(ctx, leadID, tenantID, domain.StatusEscalated); err != nil {
		return err
	}

	_, err = s.handoffs.Append(ctx, handoffrepo.Event{
		TenantID:      tenantID,
		LeadID:        leadID,
		FromAgentID:   fromAgent,
		Type:          handoffrepo.EventEscalation,
		Reason:        reason,
		PriorityLevel: string(domain.LevelFor(lead.Score)),
	})
	if err != nil {
		return err
	}

	s.bus.Publish(ctx, events.LeadEscalated{
		BaseEvent: events.NewBaseEvent(),
		LeadID:    leadID,
		TenantID:  tenantID,
		Reason:    reason,
	})
	return nil
}

// RecordEngagement counts engagement-feed events for the lead. The counter
// feeds buying-stage urgency on the next score.
func (s *Service) RecordEngagement(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID, count int) error {
	if count < 1 {
		count = 1
	}
	err := s.leads.IncrementEngagement(ctx, leadID, tenantID, count)
	if errors.Is(err, leadrepo.ErrNotFound) {
		return apperr.NotFound("lead not found")
	}
	return err
}

// QueueStats returns per-tier queue depth and age for dashboards.
func (s *Service) QueueStats(ctx context.Context, tenantID uuid.UUID) (map[string]queue.Stats, error) {
	return s.queue.QueueStats(ctx, tenantID)
}

// AgentPerformance returns the derived performance view for one agent.
func (s *Service) AgentPerformance(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID) (agentrepo.Performance, error) {
	return s.agents.Performance(ctx, agentID, tenantID)
}

// UpdatePresence applies an agent-presence feed update.
func (s *Service) UpdatePresence(ctx context.Context, agent agentrepo.Agent) (agentrepo.Agent, error) {
	agent.LastActivity = s.now()
	return s.agents.UpdatePresence(ctx, agent)
}

// FlagCorrupted marks a lead for manual review after a queue corruption.
// The lead is never silently dropped.
func (s *Service) FlagCorrupted(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID, cause error) error {
	s.log.Error("queue entry corrupted, lead flagged for review",
		"leadId", leadID.String(), "error", cause)
	return s.leads.FlagForReview(ctx, leadID, tenantID)
}
