// Package transport defines the request and response shapes of the routing
// HTTP API.
package transport

import (
	"time"

	agentrepo "leadrouter_backend/internal/agents/repository"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/queue"
	"leadrouter_backend/internal/routing/repository"
)

// CreateLeadRequest is the intake payload.
type CreateLeadRequest struct {
	Company    string         `json:"company" validate:"required,max=255"`
	Title      string         `json:"title" validate:"max=255"`
	Source     string         `json:"source" validate:"required,max=64"`
	Attributes map[string]any `json:"attributes"`
}

// LeadResponse is the wire form of a lead.
type LeadResponse struct {
	ID              string     `json:"id"`
	Company         string     `json:"company"`
	Title           string     `json:"title,omitempty"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	Queue           string     `json:"queue,omitempty"`
	Score           int        `json:"score"`
	PriorityLevel   string     `json:"priorityLevel"`
	AssignedAgentID *string    `json:"assignedAgentId,omitempty"`
	NeedsReview     bool       `json:"needsReview,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ScoredAt        *time.Time `json:"scoredAt,omitempty"`
}

// FromLead maps a domain lead to its wire form.
func FromLead(lead domain.Lead, queueName string) LeadResponse {
	resp := LeadResponse{
		ID:            lead.ID.String(),
		Company:       lead.Company,
		Title:         lead.Title,
		Source:        lead.Source,
		Status:        string(lead.Status),
		Queue:         queueName,
		Score:         lead.Score,
		PriorityLevel: string(domain.LevelFor(lead.Score)),
		NeedsReview:   lead.NeedsReview,
		CreatedAt:     lead.CreatedAt,
		ScoredAt:      lead.ScoredAt,
	}
	if lead.AssignedAgentID != nil {
		id := lead.AssignedAgentID.String()
		resp.AssignedAgentID = &id
	}
	return resp
}

// DecisionResponse is the wire form of a routing decision.
type DecisionResponse struct {
	ID                   string    `json:"id"`
	LeadID               string    `json:"leadId"`
	AgentID              string    `json:"agentId"`
	Queue                string    `json:"queue"`
	PriorityLevel        string    `json:"priorityLevel"`
	Reasoning            []string  `json:"reasoning"`
	Confidence           float64   `json:"confidence"`
	EstimatedWaitMinutes int       `json:"estimatedWaitMinutes"`
	CreatedAt            time.Time `json:"createdAt"`
}

// FromDecision maps a stored decision to its wire form.
func FromDecision(d repository.Decision) DecisionResponse {
	return DecisionResponse{
		ID:                   d.ID.String(),
		LeadID:               d.LeadID.String(),
		AgentID:              d.AgentID.String(),
		Queue:                d.Queue,
		PriorityLevel:        d.PriorityLevel,
		Reasoning:            d.Reasoning,
		Confidence:           d.Confidence,
		EstimatedWaitMinutes: d.EstimatedWaitMinutes,
		CreatedAt:            d.CreatedAt,
	}
}

// QueueStatsResponse reports per-tier queue depth and age.
type QueueStatsResponse struct {
	Queues map[string]QueueTierStats `json:"queues"`
}

// QueueTierStats is one tier's stats.
type QueueTierStats struct {
	Count            int64      `json:"count"`
	OldestEnqueuedAt *time.Time `json:"oldestEnqueuedAt,omitempty"`
}

// FromQueueStats maps manager stats to the wire form.
func FromQueueStats(stats map[string]queue.Stats) QueueStatsResponse {
	out := QueueStatsResponse{Queues: make(map[string]QueueTierStats, len(stats))}
	for name, s := range stats {
		out.Queues[name] = QueueTierStats{Count: s.Count, OldestEnqueuedAt: s.OldestEnqueuedAt}
	}
	return out
}

// PresenceRequest is the agent-presence feed payload.
type PresenceRequest struct {
	Name               string             `json:"name" validate:"required,max=255"`
	MaxCapacity        int                `json:"maxCapacity" validate:"required,min=1,max=1000"`
	Skills             map[string]float64 `json:"skills" validate:"dive,min=0,max=1"`
	AvgResponseSeconds float64            `json:"avgResponseSeconds" validate:"min=0"`
	IsAvailable        bool               `json:"isAvailable"`
}

// AgentResponse is the wire form of an agent.
type AgentResponse struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	CurrentLoad        int                `json:"currentLoad"`
	MaxCapacity        int                `json:"maxCapacity"`
	Skills             map[string]float64 `json:"skills,omitempty"`
	AvgResponseSeconds float64            `json:"avgResponseSeconds"`
	IsAvailable        bool               `json:"isAvailable"`
	LastActivity       time.Time          `json:"lastActivity"`
}

// FromAgent maps an agent to its wire form.
func FromAgent(a agentrepo.Agent) AgentResponse {
	return AgentResponse{
		ID:                 a.ID.String(),
		Name:               a.Name,
		CurrentLoad:        a.CurrentLoad,
		MaxCapacity:        a.MaxCapacity,
		Skills:             a.Skills,
		AvgResponseSeconds: a.AvgResponseSeconds,
		IsAvailable:        a.IsAvailable,
		LastActivity:       a.LastActivity,
	}
}

// PerformanceResponse is the wire form of derived agent performance.
type PerformanceResponse struct {
	AgentID              string     `json:"agentId"`
	LeadsHandled         int        `json:"leadsHandled"`
	AvgResolutionSeconds float64    `json:"avgResolutionSeconds"`
	SuccessRate          float64    `json:"successRate"`
	CustomerSatisfaction float64    `json:"customerSatisfaction"`
	CurrentStreak        int        `json:"currentStreak"`
	LastActivity         *time.Time `json:"lastActivity,omitempty"`
}

// FromPerformance maps derived performance to its wire form.
func FromPerformance(p agentrepo.Performance) PerformanceResponse {
	return PerformanceResponse{
		AgentID:              p.AgentID.String(),
		LeadsHandled:         p.LeadsHandled,
		AvgResolutionSeconds: p.AvgResolutionSeconds,
		SuccessRate:          p.SuccessRate,
		CustomerSatisfaction: p.CustomerSatisfaction,
		CurrentStreak:        p.CurrentStreak,
		LastActivity:         p.LastActivity,
	}
}

// EscalateRequest carries the optional escalation reason.
type EscalateRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// EngagementRequest counts engagement-feed events.
type EngagementRequest struct {
	Count int `json:"count" validate:"min=1,max=1000"`
}
