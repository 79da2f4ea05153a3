// Package handler exposes the routing operations over HTTP.
package handler

import (
	"errors"
	"net/http"

	agentrepo "leadrouter_backend/internal/agents/repository"
	leadrepo "leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/routing/service"
	"leadrouter_backend/internal/routing/transport"
	"leadrouter_backend/platform/httpkit"
	"leadrouter_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidID        = "invalid id"
)

// Handler handles HTTP requests for the routing core.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a routing handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// tenantFrom reads the tenant scope set by the TenantRequired middleware.
func tenantFrom(c *gin.Context) (uuid.UUID, bool) {
	tenantID, ok := httpkit.GetTenantID(c)
	if !ok {
		httpkit.Error(c, http.StatusBadRequest, "missing tenant", nil)
	}
	return tenantID, ok
}

// RegisterRoutes registers the routing routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/leads", h.CreateLead)
	rg.POST("/leads/:id/route", h.RouteLead)
	rg.POST("/leads/:id/resolve", h.ResolveLead)
	rg.POST("/leads/:id/escalate", h.EscalateLead)
	rg.POST("/leads/:id/engagement", h.RecordEngagement)
	rg.GET("/queues/stats", h.QueueStats)
	rg.GET("/agents/:id/performance", h.AgentPerformance)
	rg.POST("/agents/:id/presence", h.UpdatePresence)
}

// CreateLead accepts a new lead, scores it, and queues it.
func (h *Handler) CreateLead(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}

	var req transport.CreateLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	lead, queueName, err := h.svc.Intake(c.Request.Context(), leadrepo.CreateLeadParams{
		TenantID:   tenantID,
		Company:    req.Company,
		Title:      req.Title,
		Source:     req.Source,
		Attributes: req.Attributes,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, transport.FromLead(lead, queueName))
}

// RouteLead runs the matcher for a queued lead and commits the assignment.
func (h *Handler) RouteLead(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	leadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	decision, err := h.svc.RouteLead(c.Request.Context(), leadID, tenantID)
	if errors.Is(err, service.ErrNoAgentAvailable) {
		// Expected condition: the lead stays queued and is retried later.
		httpkit.Error(c, http.StatusConflict, "no agent available", gin.H{"leadStatus": "queued"})
		return
	}
	if errors.Is(err, service.ErrAssignmentConflict) {
		httpkit.Error(c, http.StatusConflict, "assignment conflict, retry later", nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.FromDecision(decision))
}

// ResolveLead closes the lead's assignment.
func (h *Handler) ResolveLead(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	leadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	if httpkit.HandleError(c, h.svc.Resolve(c.Request.Context(), leadID, tenantID)) {
		return
	}
	httpkit.OK(c, gin.H{"status": "resolved"})
}

// EscalateLead escalates the lead explicitly.
func (h *Handler) EscalateLead(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	leadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	var req transport.EscalateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
			return
		}
		if err := h.val.Struct(req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
			return
		}
	}

	if httpkit.HandleError(c, h.svc.Escalate(c.Request.Context(), leadID, tenantID, req.Reason)) {
		return
	}
	httpkit.OK(c, gin.H{"status": "escalated"})
}

// RecordEngagement counts engagement-feed events for the lead.
func (h *Handler) RecordEngagement(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	leadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	req := transport.EngagementRequest{Count: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
			return
		}
		if err := h.val.Struct(req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
			return
		}
	}

	if httpkit.HandleError(c, h.svc.RecordEngagement(c.Request.Context(), leadID, tenantID, req.Count)) {
		return
	}
	httpkit.OK(c, gin.H{"status": "recorded"})
}

// QueueStats returns per-tier queue depth and age.
func (h *Handler) QueueStats(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}

	stats, err := h.svc.QueueStats(c.Request.Context(), tenantID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.FromQueueStats(stats))
}

// AgentPerformance returns the derived performance view for an agent.
func (h *Handler) AgentPerformance(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	perf, err := h.svc.AgentPerformance(c.Request.Context(), agentID, tenantID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.FromPerformance(perf))
}

// UpdatePresence applies an agent-presence feed update.
func (h *Handler) UpdatePresence(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	var req transport.PresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	agent, err := h.svc.UpdatePresence(c.Request.Context(), agentrepo.Agent{
		ID:                 agentID,
		TenantID:           tenantID,
		Name:               req.Name,
		MaxCapacity:        req.MaxCapacity,
		Skills:             req.Skills,
		AvgResponseSeconds: req.AvgResponseSeconds,
		IsAvailable:        req.IsAvailable,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.FromAgent(agent))
}
