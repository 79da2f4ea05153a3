package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("agent not found")

// ErrCapacityExhausted is returned when a slot claim finds the agent full or
// unavailable. The claim is a single conditional UPDATE, so two concurrent
// claims can never both take the last slot.
var ErrCapacityExhausted = errors.New("agent capacity exhausted")

// Agent is the availability record for one human agent.
type Agent struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	Name               string
	CurrentLoad        int
	MaxCapacity        int
	Skills             map[string]float64 // skill -> proficiency in [0,1]
	AvgResponseSeconds float64
	IsAvailable        bool
	LastActivity       time.Time
}

// LoadRatio returns currentLoad/maxCapacity, 1.0 when capacity is zero.
func (a Agent) LoadRatio() float64 {
	if a.MaxCapacity <= 0 {
		return 1.0
	}
	return float64(a.CurrentLoad) / float64(a.MaxCapacity)
}

// Performance is the derived view of an agent's handoff history.
type Performance struct {
	AgentID              uuid.UUID
	TenantID             uuid.UUID
	LeadsHandled         int
	AvgResolutionSeconds float64
	SuccessRate          float64
	CustomerSatisfaction float64
	CurrentStreak        int
	LastActivity         *time.Time
	UpdatedAt            time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const agentColumns = `id, tenant_id, name, current_load, max_capacity, skills,
	avg_response_seconds, is_available, last_activity`

// Upsert applies a presence-feed update for the agent.
func (r *Repository) Upsert(ctx context.Context, agent Agent) (Agent, error) {
	skills, err := json.Marshal(agent.Skills)
	if err != nil {
		return Agent{}, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO agents (id, tenant_id, name, max_capacity, skills, avg_response_seconds, is_available, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			max_capacity = EXCLUDED.max_capacity,
			skills = EXCLUDED.skills,
			avg_response_seconds = EXCLUDED.avg_response_seconds,
			is_available = EXCLUDED.is_available,
			last_activity = now()
		WHERE agents.tenant_id = EXCLUDED.tenant_id
		RETURNING `+agentColumns+`
	`, agent.ID, agent.TenantID, agent.Name, agent.MaxCapacity, skills, agent.AvgResponseSeconds, agent.IsAvailable)

	return scanAgent(row)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (Agent, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	return agent, err
}

// ListAvailable returns the current candidate pool for the tenant.
func (r *Repository) ListAvailable(ctx context.Context, tenantID uuid.UUID) ([]Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE tenant_id = $1 AND is_available = true
		ORDER BY current_load ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ClaimSlot atomically takes one unit of the agent's capacity. The condition
// lives inside the UPDATE so the claim can never race past max_capacity.
func (r *Repository) ClaimSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET current_load = current_load + 1, last_activity = now()
		WHERE id = $1 AND tenant_id = $2 AND is_available = true AND current_load < max_capacity
	`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCapacityExhausted
	}
	return nil
}

// ReleaseSlot returns one unit of capacity, never dropping below zero.
func (r *Repository) ReleaseSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET current_load = GREATEST(current_load - 1, 0), last_activity = now()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return err
}

// GetPerformance returns the derived performance row for the agent.
func (r *Repository) GetPerformance(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID) (Performance, error) {
	var p Performance
	err := r.pool.QueryRow(ctx, `
		SELECT agent_id, tenant_id, leads_handled, avg_resolution_seconds, success_rate,
			customer_satisfaction, current_streak, last_activity, updated_at
		FROM agent_performance
		WHERE agent_id = $1 AND tenant_id = $2
	`, agentID, tenantID).Scan(
		&p.AgentID, &p.TenantID, &p.LeadsHandled, &p.AvgResolutionSeconds, &p.SuccessRate,
		&p.CustomerSatisfaction, &p.CurrentStreak, &p.LastActivity, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Performance{}, ErrNotFound
	}
	return p, err
}

// RecordOutcome folds one handled lead into the agent's running performance
// aggregates. Incremental: avg and rate are recomputed from the previous
// count in a single statement, eventually consistent with the handoff log.
func (r *Repository) RecordOutcome(ctx context.Context, agentID uuid.UUID, tenantID uuid.UUID, resolutionSeconds float64, success bool) error {
	successValue := 0.0
	if success {
		successValue = 1.0
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO agent_performance (agent_id, tenant_id, leads_handled, avg_resolution_seconds, success_rate, current_streak, last_activity, updated_at)
		VALUES ($1, $2, 1, $3, $4, CASE WHEN $4 = 1.0 THEN 1 ELSE 0 END, now(), now())
		ON CONFLICT (agent_id) DO UPDATE SET
			leads_handled = agent_performance.leads_handled + 1,
			avg_resolution_seconds = (agent_performance.avg_resolution_seconds * agent_performance.leads_handled + $3)
				/ (agent_performance.leads_handled + 1),
			success_rate = (agent_performance.success_rate * agent_performance.leads_handled + $4)
				/ (agent_performance.leads_handled + 1),
			current_streak = CASE WHEN $4 = 1.0 THEN agent_performance.current_streak + 1 ELSE 0 END,
			last_activity = now(),
			updated_at = now()
		WHERE agent_performance.tenant_id = $2
	`, agentID, tenantID, resolutionSeconds, successValue)
	return err
}

// ListPerformance returns performance rows for the given agents.
func (r *Repository) ListPerformance(ctx context.Context, tenantID uuid.UUID, agentIDs []uuid.UUID) (map[uuid.UUID]Performance, error) {
	if len(agentIDs) == 0 {
		return map[uuid.UUID]Performance{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT agent_id, tenant_id, leads_handled, avg_resolution_seconds, success_rate,
			customer_satisfaction, current_streak, last_activity, updated_at
		FROM agent_performance
		WHERE tenant_id = $1 AND agent_id = ANY($2)
	`, tenantID, agentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]Performance, len(agentIDs))
	for rows.Next() {
		var p Performance
		if err := rows.Scan(
			&p.AgentID, &p.TenantID, &p.LeadsHandled, &p.AvgResolutionSeconds, &p.SuccessRate,
			&p.CustomerSatisfaction, &p.CurrentStreak, &p.LastActivity, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out[p.AgentID] = p
	}
	return out, rows.Err()
}

func scanAgent(row pgx.Row) (Agent, error) {
	var agent Agent
	var skills []byte

	err := row.Scan(
		&agent.ID, &agent.TenantID, &agent.Name, &agent.CurrentLoad, &agent.MaxCapacity,
		&skills, &agent.AvgResponseSeconds, &agent.IsAvailable, &agent.LastActivity,
	)
	if err != nil {
		return Agent{}, err
	}

	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &agent.Skills); err != nil {
			return Agent{}, err
		}
	}

	return agent, nil
}
