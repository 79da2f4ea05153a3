package service

import (
	"context"
	"errors"
	"time"

	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	"leadrouter_backend/internal/leads/domain"
	leadrepo "leadrouter_backend/internal/leads/repository"
	queuepkg "leadrouter_backend/internal/queue"

	"github.com/google/uuid"
)

// slaBatchSize bounds how many overdue assignments one sweep pass claims.
const slaBatchSize = 100

// SweepSLA claims assignments whose deadline passed and re-enters each lead
// into the matching pipeline. A timeout is an expected state transition, not
// a hard failure; it is logged at warning level so supervisors see it.
// Runs across all tenants: the claim itself is tenant-agnostic and atomic.
func (s *Service) SweepSLA(ctx context.Context) (int, error) {
	now := s.now()
	claimed, err := s.handoffs.ClaimOverdue(ctx, now, slaBatchSize)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, assignment := range claimed {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if err := s.timeOut(ctx, assignment, now); err != nil {
			s.log.Error("timeout handling failed",
				"leadId", assignment.LeadID.String(), "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

func (s *Service) timeOut(ctx context.Context, assignment handoffrepo.Assignment, now time.Time) error {
	lead, err := s.leads.GetByID(ctx, assignment.LeadID, assignment.TenantID)
	if errors.Is(err, leadrepo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !lead.Status.Assigned() {
		// Resolved or escalated concurrently; the claim already removed
		// the stale SLA row.
		return nil
	}

	overdue := now.Sub(assignment.Deadline).Seconds()
	s.log.SLABreach(lead.ID.String(), assignment.AgentID.String(), assignment.PriorityLevel, overdue)

	if err := s.leads.ClearAssignment(ctx, lead.ID, lead.TenantID); err != nil {
		return err
	}
	if err := s.agents.Release(ctx, assignment.AgentID, lead.TenantID); err != nil {
		s.log.DatabaseError("release timed-out agent slot", err)
	}
	if err := s.agents.RecordOutcome(ctx, assignment.AgentID, lead.TenantID, now.Sub(assignment.CreatedAt), false); err != nil {
		s.log.DatabaseError("record timeout outcome", err)
	}

	// Back into the queue first so the lead is never lost, then the
	// immediate matcher re-entry.
	if _, err := s.queue.Enqueue(ctx, lead.TenantID, lead.ID, lead.Score); err != nil {
		return err
	}

	agentID := assignment.AgentID
	if _, err := s.handoffs.Append(ctx, handoffrepo.Event{
		TenantID:      lead.TenantID,
		LeadID:        lead.ID,
		FromAgentID:   &agentID,
		Type:          handoffrepo.EventTimeout,
		Reason:        "sla deadline missed",
		PriorityLevel: assignment.PriorityLevel,
		Metadata:      map[string]any{"overdueSeconds": overdue},
	}); err != nil {
		return err
	}

	s.bus.Publish(ctx, events.LeadTimedOut{
		BaseEvent:     events.NewBaseEvent(),
		LeadID:        lead.ID,
		TenantID:      lead.TenantID,
		AgentID:       assignment.AgentID,
		PriorityLevel: assignment.PriorityLevel,
	})
	return s.rerouter.EnqueueReroute(ctx, lead.ID, lead.TenantID)
}

// SweepQueueAge boosts leads that have been waiting in queue beyond the
// escalation threshold. The priority score is raised (capped at 100) and the
// lead re-enters the normal queue path rather than forcing an agent change.
func (s *Service) SweepQueueAge(ctx context.Context, tenantID uuid.UUID) (int, error) {
	entries, err := s.queue.ListOlderThan(ctx, tenantID, s.cfg.GetQueueWaitEscalation())
	if err != nil {
		if errors.Is(err, queuepkg.ErrCorrupted) {
			s.log.Error("queue corrupted during age sweep", "tenantId", tenantID.String(), "error", err)
		}
		return 0, err
	}

	boosted := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return boosted, ctx.Err()
		}

		lead, err := s.leads.GetByID(ctx, entry.LeadID, tenantID)
		if errors.Is(err, leadrepo.ErrNotFound) {
			// Queued entry without a lead row: corruption. Remove the
			// entry and move on; nothing to flag.
			if _, err := s.queue.Remove(ctx, tenantID, entry.LeadID, entry.Queue); err != nil {
				return boosted, err
			}
			continue
		}
		if err != nil {
			return boosted, err
		}
		if lead.Status != domain.StatusQueued {
			continue
		}
		if _, alreadyBoosted := lead.ScoreBreakdown["wait_boost"]; alreadyBoosted {
			continue
		}

		newScore := lead.Score + int(s.cfg.GetEscalationBoost())
		if newScore > 100 {
			newScore = 100
		}
		breakdown := make(map[string]float64, len(lead.ScoreBreakdown)+1)
		for k, v := range lead.ScoreBreakdown {
			breakdown[k] = v
		}
		breakdown["wait_boost"] = s.cfg.GetEscalationBoost()

		if err := s.leads.UpdateScore(ctx, lead.ID, tenantID, newScore, breakdown, s.now()); err != nil {
			return boosted, err
		}
		// Re-enqueue through the normal path; the entry moves tier if the
		// boost crossed a threshold.
		if _, err := s.queue.Enqueue(ctx, tenantID, lead.ID, newScore); err != nil {
			return boosted, err
		}

		if _, err := s.handoffs.Append(ctx, handoffrepo.Event{
			TenantID:      tenantID,
			LeadID:        lead.ID,
			Type:          handoffrepo.EventEscalation,
			Reason:        "queue wait exceeded threshold",
			PriorityLevel: string(domain.LevelFor(newScore)),
			Metadata: map[string]any{
				"previousScore": lead.Score,
				"boostedScore":  newScore,
				"waitedSince":   entry.EnqueuedAt,
			},
		}); err != nil {
			return boosted, err
		}

		s.log.QueueEvent("queued lead boosted", entry.Queue, lead.ID.String())
		boosted++
	}
	return boosted, nil
}

// SweepRetention purges queue entries older than the retention window.
// Unresolved leads are escalated before removal; the purge itself is always
// published as a data-hygiene event, never a silent loss.
func (s *Service) SweepRetention(ctx context.Context, tenantID uuid.UUID) (int, error) {
	entries, err := s.queue.ListOlderThan(ctx, tenantID, s.cfg.GetQueueRetention())
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}

		lead, err := s.leads.GetByID(ctx, entry.LeadID, tenantID)
		if err != nil && !errors.Is(err, leadrepo.ErrNotFound) {
			return purged, err
		}
		if err == nil && !lead.Status.Terminal() {
			if err := s.leads.SetStatus(ctx, lead.ID, tenantID, domain.StatusEscalated); err != nil {
				return purged, err
			}
			if _, err := s.handoffs.Append(ctx, handoffrepo.Event{
				TenantID:      tenantID,
				LeadID:        lead.ID,
				Type:          handoffrepo.EventEscalation,
				Reason:        "retention window expired while queued",
				PriorityLevel: string(domain.LevelFor(lead.Score)),
			}); err != nil {
				return purged, err
			}
			s.bus.Publish(ctx, events.LeadEscalated{
				BaseEvent: events.NewBaseEvent(),
				LeadID:    lead.ID,
				TenantID:  tenantID,
				Reason:    "retention window expired",
			})
		}

		if _, err := s.queue.Remove(ctx, tenantID, entry.LeadID, entry.Queue); err != nil {
			return purged, err
		}

		age := s.now().Sub(entry.EnqueuedAt)
		s.log.QueueEvent("stale queue entry purged", entry.Queue, entry.LeadID.String())
		s.bus.Publish(ctx, events.QueueEntryPurged{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    entry.LeadID,
			TenantID:  tenantID,
			Queue:     entry.Queue,
			AgeDays:   age.Hours() / 24,
		})
		purged++
	}
	return purged, nil
}
