// Package notification delivers assignment and handoff notices to agents.
// Delivery channels (push, mail, chat) live outside this service; the default
// implementation publishes domain events on the in-memory bus and logs, which
// is the seam external deliverers subscribe to.
package notification

import (
	"context"

	"leadrouter_backend/internal/events"
	"leadrouter_backend/platform/logger"
)

// Notifier informs agents about work arriving at or leaving their desk.
type Notifier interface {
	NotifyAssignment(ctx context.Context, ev events.LeadAssigned) error
	NotifyHandoff(ctx context.Context, ev events.LeadReassigned) error
}

// BusNotifier publishes the notice as a domain event and logs it.
type BusNotifier struct {
	bus events.Bus
	log *logger.Logger
}

// NewBusNotifier creates the default notifier.
func NewBusNotifier(bus events.Bus, log *logger.Logger) *BusNotifier {
	return &BusNotifier{bus: bus, log: log}
}

var _ Notifier = (*BusNotifier)(nil)

// NotifyAssignment announces a fresh assignment to the receiving agent.
func (n *BusNotifier) NotifyAssignment(ctx context.Context, ev events.LeadAssigned) error {
	n.log.RoutingEvent("agent notified of assignment", ev.LeadID.String(), ev.AgentID.String(), ev.Confidence)
	n.bus.Publish(ctx, ev)
	return nil
}

// NotifyHandoff announces a reassignment to both agents involved.
func (n *BusNotifier) NotifyHandoff(ctx context.Context, ev events.LeadReassigned) error {
	n.log.RoutingEvent("agents notified of handoff", ev.LeadID.String(), ev.ToAgent.String(), 0)
	n.bus.Publish(ctx, ev)
	return nil
}
