// Package domain holds the core lead routing domain types shared by the
// scoring, queueing, matching, and handoff modules.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a lead inside the routing core.
type Status string

const (
	StatusNew        Status = "new"
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusReassigned Status = "reassigned"
	StatusEscalated  Status = "escalated"
	StatusResolved   Status = "resolved"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusEscalated
}

// Assigned reports whether the lead currently has an owning agent.
func (s Status) Assigned() bool {
	return s == StatusAssigned || s == StatusReassigned
}

// Lead is a sales/support lead that needs a human owner. Intake creates it;
// the routing core mutates status, score cache, and assignment. Leads are
// never deleted by the core: terminal states persist.
type Lead struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Company         string
	Title           string
	Source          string
	Attributes      map[string]any
	Status          Status
	AssignedAgentID *uuid.UUID
	NeedsReview     bool

	// Cached priority score; recomputed on demand.
	Score          int
	ScoreBreakdown map[string]float64
	ScoredAt       *time.Time

	// EngagementEvents counts engagement-feed events, used by urgency scoring.
	EngagementEvents int

	// Version supports optimistic concurrency on assignment updates.
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScoreStale reports whether the cached score is missing or older than maxAge.
func (l Lead) ScoreStale(maxAge time.Duration, now time.Time) bool {
	return l.ScoredAt == nil || now.Sub(*l.ScoredAt) > maxAge
}
