// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"leadrouter_backend/platform/events"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// NewInMemoryBus creates a new in-memory event bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return events.NewInMemoryBus(log)
}

// =============================================================================
// Routing Domain Events
// =============================================================================

// LeadQueued is published when a scored lead enters a priority queue.
type LeadQueued struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	Queue    string    `json:"queue"`
	Score    int       `json:"score"`
}

func (e LeadQueued) EventName() string { return "routing.lead.queued" }

// LeadAssigned is published after a routing decision is committed.
type LeadAssigned struct {
	BaseEvent
	LeadID        uuid.UUID `json:"leadId"`
	TenantID      uuid.UUID `json:"tenantId"`
	AgentID       uuid.UUID `json:"agentId"`
	PriorityLevel string    `json:"priorityLevel"`
	Confidence    float64   `json:"confidence"`
}

func (e LeadAssigned) EventName() string { return "routing.lead.assigned" }

// LeadReassigned is published when the optimizer moves a lead between agents.
type LeadReassigned struct {
	BaseEvent
	LeadID    uuid.UUID `json:"leadId"`
	TenantID  uuid.UUID `json:"tenantId"`
	FromAgent uuid.UUID `json:"fromAgent"`
	ToAgent   uuid.UUID `json:"toAgent"`
	Reason    string    `json:"reason"`
}

func (e LeadReassigned) EventName() string { return "routing.lead.reassigned" }

// LeadTimedOut is published when an assignment misses its SLA deadline.
type LeadTimedOut struct {
	BaseEvent
	LeadID        uuid.UUID `json:"leadId"`
	TenantID      uuid.UUID `json:"tenantId"`
	AgentID       uuid.UUID `json:"agentId"`
	PriorityLevel string    `json:"priorityLevel"`
}

func (e LeadTimedOut) EventName() string { return "routing.lead.timed_out" }

// LeadEscalated is published when a lead is escalated, either explicitly,
// after an SLA timeout, or after waiting in queue beyond the threshold.
type LeadEscalated struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	Reason   string    `json:"reason"`
}

func (e LeadEscalated) EventName() string { return "routing.lead.escalated" }

// LeadResolved is published when an assigned lead reaches its terminal
// resolved state.
type LeadResolved struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	AgentID  uuid.UUID `json:"agentId"`
}

func (e LeadResolved) EventName() string { return "routing.lead.resolved" }

// QueueEntryPurged is published when retention removes a stale queue entry.
// Data hygiene must be visible, never a silent loss.
type QueueEntryPurged struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	Queue    string    `json:"queue"`
	AgeDays  float64   `json:"ageDays"`
}

func (e QueueEntryPurged) EventName() string { return "routing.queue.entry_purged" }
