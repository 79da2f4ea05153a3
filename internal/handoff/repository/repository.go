// Package repository persists handoff events and SLA assignment records.
// The handoff event log is append-only and is the sole source of truth for
// derived agent performance.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("handoff record not found")

// EventType classifies a handoff event.
type EventType string

const (
	EventAssignment   EventType = "assignment"
	EventReassignment EventType = "reassignment"
	EventEscalation   EventType = "escalation"
	EventTimeout      EventType = "timeout"
	EventResolution   EventType = "resolution"
)

// Event is one append-only entry in the handoff log.
type Event struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	LeadID        uuid.UUID
	FromAgentID   *uuid.UUID
	ToAgentID     *uuid.UUID
	Type          EventType
	Reason        string
	PriorityLevel string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// Repository is the pgx-backed handoff store.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a handoff repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes one event to the log. Events are never updated or deleted.
func (r *Repository) Append(ctx context.Context, event Event) (Event, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return Event{}, fmt.Errorf("marshal handoff metadata: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO handoff_events (id, tenant_id, lead_id, from_agent_id, to_agent_id, type, reason, priority_level, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		event.ID, event.TenantID, event.LeadID, event.FromAgentID, event.ToAgentID,
		event.Type, event.Reason, event.PriorityLevel, metadata,
	)
	if err := row.Scan(&event.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("append handoff event: %w", err)
	}
	return event, nil
}

// ListByLead returns the lead's handoff history, oldest first.
func (r *Repository) ListByLead(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, lead_id, from_agent_id, to_agent_id, type, reason, priority_level, metadata, created_at
		FROM handoff_events
		WHERE lead_id = $1 AND tenant_id = $2
		ORDER BY created_at ASC`,
		leadID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list handoff events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var event Event
	var metadata []byte
	err := row.Scan(&event.ID, &event.TenantID, &event.LeadID, &event.FromAgentID,
		&event.ToAgentID, &event.Type, &event.Reason, &event.PriorityLevel,
		&metadata, &event.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("scan handoff event: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return Event{}, fmt.Errorf("unmarshal handoff metadata: %w", err)
		}
	}
	return event, nil
}
