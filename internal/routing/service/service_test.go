package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	agentrepo "leadrouter_backend/internal/agents/repository"
	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	"leadrouter_backend/internal/leads/domain"
	leadrepo "leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/queue"
	"leadrouter_backend/internal/routing/repository"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// --- fakes -----------------------------------------------------------------

type fakeLeads struct {
	mu    sync.Mutex
	leads map[uuid.UUID]domain.Lead
}

func newFakeLeads(leads ...domain.Lead) *fakeLeads {
	f := &fakeLeads{leads: make(map[uuid.UUID]domain.Lead)}
	for _, l := range leads {
		f.leads[l.ID] = l
	}
	return f
}

func (f *fakeLeads) Create(_ context.Context, params leadrepo.CreateLeadParams) (domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := domain.Lead{
		ID: uuid.New(), TenantID: params.TenantID, Company: params.Company,
		Title: params.Title, Source: params.Source, Attributes: params.Attributes,
		Status: domain.StatusNew, Version: 1, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.leads[lead.ID] = lead
	return lead, nil
}

func (f *fakeLeads) GetByID(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead, ok := f.leads[id]
	if !ok || lead.TenantID != tenantID {
		return domain.Lead{}, leadrepo.ErrNotFound
	}
	return lead, nil
}

func (f *fakeLeads) UpdateScore(_ context.Context, id uuid.UUID, _ uuid.UUID, score int, breakdown map[string]float64, scoredAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.leads[id]
	lead.Score = score
	lead.ScoreBreakdown = breakdown
	lead.ScoredAt = &scoredAt
	f.leads[id] = lead
	return nil
}

func (f *fakeLeads) SetStatus(_ context.Context, id uuid.UUID, _ uuid.UUID, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.leads[id]
	lead.Status = status
	if !status.Assigned() {
		lead.AssignedAgentID = nil
	}
	f.leads[id] = lead
	return nil
}

func (f *fakeLeads) AssignAgent(_ context.Context, id uuid.UUID, _ uuid.UUID, agentID uuid.UUID, status domain.Status, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.leads[id]
	if lead.Version != expectedVersion {
		return leadrepo.ErrVersionConflict
	}
	lead.AssignedAgentID = &agentID
	lead.Status = status
	lead.Version++
	f.leads[id] = lead
	return nil
}

func (f *fakeLeads) ClearAssignment(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.leads[id]
	lead.AssignedAgentID = nil
	lead.Status = domain.StatusQueued
	lead.Version++
	f.leads[id] = lead
	return nil
}

func (f *fakeLeads) IncrementEngagement(_ context.Context, id uuid.UUID, _ uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.leads[id]
	lead.EngagementEvents += count
	f.leads[id] = lead
	return nil
}

func (f *fakeLeads) FlagForReview(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.leads[id]
	lead.NeedsReview = true
	f.leads[id] = lead
	return nil
}

type fakeAgents struct {
	mu       sync.Mutex
	agents   map[uuid.UUID]agentrepo.Agent
	claims   int
	releases int
	outcomes int
}

func newFakeAgents(agents ...agentrepo.Agent) *fakeAgents {
	f := &fakeAgents{agents: make(map[uuid.UUID]agentrepo.Agent)}
	for _, a := range agents {
		f.agents[a.ID] = a
	}
	return f
}

func (f *fakeAgents) Get(_ context.Context, id uuid.UUID, _ uuid.UUID) (agentrepo.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return agentrepo.Agent{}, agentrepo.ErrNotFound
	}
	return agent, nil
}

func (f *fakeAgents) Available(_ context.Context, tenantID uuid.UUID) ([]agentrepo.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agentrepo.Agent
	for _, a := range f.agents {
		if a.TenantID == tenantID && a.IsAvailable && a.CurrentLoad < a.MaxCapacity {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAgents) Claim(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent := f.agents[id]
	if !agent.IsAvailable || agent.CurrentLoad >= agent.MaxCapacity {
		return agentrepo.ErrCapacityExhausted
	}
	agent.CurrentLoad++
	f.agents[id] = agent
	f.claims++
	return nil
}

func (f *fakeAgents) Release(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent := f.agents[id]
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	f.agents[id] = agent
	f.releases++
	return nil
}

func (f *fakeAgents) Performance(_ context.Context, agentID uuid.UUID, _ uuid.UUID) (agentrepo.Performance, error) {
	return agentrepo.Performance{AgentID: agentID}, nil
}

func (f *fakeAgents) UpdatePresence(_ context.Context, agent agentrepo.Agent) (agentrepo.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agent.ID] = agent
	return agent, nil
}

func (f *fakeAgents) RecordOutcome(_ context.Context, _ uuid.UUID, _ uuid.UUID, _ time.Duration, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes++
	return nil
}

func (f *fakeAgents) load(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[id].CurrentLoad
}

type queueEntry struct {
	queue      string
	score      int
	enqueuedAt time.Time
}

type fakeQueue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]queueEntry
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[uuid.UUID]queueEntry)}
}

func (f *fakeQueue) Enqueue(_ context.Context, _ uuid.UUID, leadID uuid.UUID, overall int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := domain.LevelFor(overall).QueueName()
	f.entries[leadID] = queueEntry{queue: name, score: overall, enqueuedAt: time.Now()}
	return name, nil
}

func (f *fakeQueue) DequeueNext(_ context.Context, _ uuid.UUID) (*queue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, level := range domain.Levels() {
		var best *queue.Entry
		for leadID, entry := range f.entries {
			if entry.queue != level.QueueName() {
				continue
			}
			if best == nil || entry.enqueuedAt.Before(best.EnqueuedAt) {
				best = &queue.Entry{
					LeadID: leadID, Queue: entry.queue,
					Score: entry.score, EnqueuedAt: entry.enqueuedAt,
				}
			}
		}
		if best != nil {
			delete(f.entries, best.LeadID)
			return best, nil
		}
	}
	return nil, nil
}

func (f *fakeQueue) Requeue(_ context.Context, _ uuid.UUID, entry queue.Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := domain.LevelFor(entry.Score).QueueName()
	f.entries[entry.LeadID] = queueEntry{queue: name, score: entry.Score, enqueuedAt: entry.EnqueuedAt}
	return name, nil
}

func (f *fakeQueue) Remove(_ context.Context, _ uuid.UUID, leadID uuid.UUID, queueName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[leadID]
	if !ok || entry.queue != queueName {
		return false, nil
	}
	delete(f.entries, leadID)
	return true, nil
}

func (f *fakeQueue) Location(_ context.Context, _ uuid.UUID, leadID uuid.UUID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[leadID]
	return entry.queue, ok, nil
}

func (f *fakeQueue) Len(_ context.Context, _ uuid.UUID, queueName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, entry := range f.entries {
		if entry.queue == queueName {
			n++
		}
	}
	return n, nil
}

func (f *fakeQueue) QueueStats(_ context.Context, _ uuid.UUID) (map[string]queue.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[string]queue.Stats)
	for _, entry := range f.entries {
		s := stats[entry.queue]
		s.Count++
		stats[entry.queue] = s
	}
	return stats, nil
}

func (f *fakeQueue) entryFor(leadID uuid.UUID) (queueEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[leadID]
	return entry, ok
}

type fakeScorer struct{ overall int }

func (f fakeScorer) Score(_ context.Context, _ domain.Lead) domain.PriorityScore {
	return domain.PriorityScore{Overall: f.overall, Breakdown: map[string]float64{}}
}

type fakeDecisions struct {
	mu     sync.Mutex
	byLead map[uuid.UUID][]repository.Decision
}

func newFakeDecisions() *fakeDecisions {
	return &fakeDecisions{byLead: make(map[uuid.UUID][]repository.Decision)}
}

func (f *fakeDecisions) Create(_ context.Context, d repository.Decision) (repository.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	f.byLead[d.LeadID] = append(f.byLead[d.LeadID], d)
	return d, nil
}

func (f *fakeDecisions) LatestByLead(_ context.Context, leadID uuid.UUID, _ uuid.UUID) (repository.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.byLead[leadID]
	if len(all) == 0 {
		return repository.Decision{}, repository.ErrNotFound
	}
	return all[len(all)-1], nil
}

func (f *fakeDecisions) count(leadID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byLead[leadID])
}

type fakeHandoffs struct {
	mu          sync.Mutex
	events      []handoffrepo.Event
	assignments map[uuid.UUID]handoffrepo.Assignment
}

func newFakeHandoffs() *fakeHandoffs {
	return &fakeHandoffs{assignments: make(map[uuid.UUID]handoffrepo.Assignment)}
}

func (f *fakeHandoffs) Append(_ context.Context, event handoffrepo.Event) (handoffrepo.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ID = uuid.New()
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeHandoffs) OpenAssignment(_ context.Context, a handoffrepo.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.CreatedAt = time.Now()
	f.assignments[a.LeadID] = a
	return nil
}

func (f *fakeHandoffs) CloseAssignment(_ context.Context, leadID uuid.UUID, _ uuid.UUID, at time.Time) (handoffrepo.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[leadID]
	if !ok {
		return handoffrepo.Assignment{}, handoffrepo.ErrNotFound
	}
	a.ResolvedAt = &at
	delete(f.assignments, leadID)
	return a, nil
}

func (f *fakeHandoffs) eventsOfType(t handoffrepo.EventType) []handoffrepo.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []handoffrepo.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu          sync.Mutex
	assignments int
	handoffs    int
}

func (f *fakeNotifier) NotifyAssignment(_ context.Context, _ events.LeadAssigned) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments++
	return nil
}

func (f *fakeNotifier) NotifyHandoff(_ context.Context, _ events.LeadReassigned) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handoffs++
	return nil
}

type matchingConfig struct{}

func (matchingConfig) GetLoadBalanceWeight() float64       { return 0.40 }
func (matchingConfig) GetSkillMatchWeight() float64        { return 0.35 }
func (matchingConfig) GetResponseTimeWeight() float64      { return 0.25 }
func (matchingConfig) GetResponseTimeNormSeconds() float64 { return 600 }

type optimizerConfig struct{}

func (optimizerConfig) GetOptimizerInterval() time.Duration   { return 3 * time.Minute }
func (optimizerConfig) GetMinImprovement() float64            { return 0.10 }
func (optimizerConfig) GetOverloadedRatio() float64           { return 0.8 }
func (optimizerConfig) GetUnderloadedRatio() float64          { return 0.6 }
func (optimizerConfig) GetPerformanceGap() float64            { return 0.20 }
func (optimizerConfig) GetSkillGap() float64                  { return 0.20 }
func (optimizerConfig) GetQueueWaitEscalation() time.Duration { return 30 * time.Minute }
func (optimizerConfig) GetEscalationBoost() float64           { return 15 }
func (optimizerConfig) GetQueueRetention() time.Duration      { return 7 * 24 * time.Hour }
func (optimizerConfig) GetSLAMinutes() map[string]int {
	return map[string]int{"critical": 2, "high": 10, "medium": 30, "low": 60}
}

// --- harness ---------------------------------------------------------------

type harness struct {
	svc       *Service
	leads     *fakeLeads
	agents    *fakeAgents
	queue     *fakeQueue
	decisions *fakeDecisions
	handoffs  *fakeHandoffs
	notifier  *fakeNotifier
}

func newHarness(t *testing.T, overall int, leads *fakeLeads, agents *fakeAgents) *harness {
	t.Helper()
	h := &harness{
		leads:     leads,
		agents:    agents,
		queue:     newFakeQueue(),
		decisions: newFakeDecisions(),
		handoffs:  newFakeHandoffs(),
		notifier:  &fakeNotifier{},
	}
	h.svc = New(h.leads, h.agents, h.queue, fakeScorer{overall: overall},
		h.decisions, h.handoffs, h.notifier,
		events.NewInMemoryBus(logger.New("development")),
		matchingConfig{}, optimizerConfig{}, logger.New("development"))
	return h
}

func queuedLead(tenantID uuid.UUID, score int) domain.Lead {
	now := time.Now()
	return domain.Lead{
		ID:       uuid.New(),
		TenantID: tenantID,
		Company:  "Initech",
		Status:   domain.StatusQueued,
		Score:    score,
		ScoredAt: &now,
		Version:  1,
	}
}

func agent(tenantID uuid.UUID, load, capacity int) agentrepo.Agent {
	return agentrepo.Agent{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Name:        "agent",
		CurrentLoad: load,
		MaxCapacity: capacity,
		IsAvailable: true,
	}
}

// --- tests -----------------------------------------------------------------

func TestRouteLead_Idempotent(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 80)
	a := agent(tenant, 2, 10)
	h := newHarness(t, 80, newFakeLeads(lead), newFakeAgents(a))

	ctx := context.Background()
	first, err := h.svc.RouteLead(ctx, lead.ID, tenant)
	if err != nil {
		t.Fatalf("first RouteLead: %v", err)
	}
	second, err := h.svc.RouteLead(ctx, lead.ID, tenant)
	if err != nil {
		t.Fatalf("second RouteLead: %v", err)
	}

	if first.ID == uuid.Nil {
		t.Fatal("first route returned a decision without its persisted ID")
	}
	if first.ID != second.ID {
		t.Fatalf("second route returned a new decision: %s vs %s", first.ID, second.ID)
	}
	if got := h.agents.load(a.ID); got != 3 {
		t.Fatalf("agent load = %d, want 3 (no double increment)", got)
	}
	if n := h.decisions.count(lead.ID); n != 1 {
		t.Fatalf("decisions persisted = %d, want 1", n)
	}
}

func TestRouteLead_NoAgentAvailable_LeavesQueueEntry(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 80)
	h := newHarness(t, 80, newFakeLeads(lead), newFakeAgents())

	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, tenant, lead.ID, lead.Score); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	before, ok := h.queue.entryFor(lead.ID)
	if !ok {
		t.Fatal("lead not queued")
	}

	_, err := h.svc.RouteLead(ctx, lead.ID, tenant)
	if !errors.Is(err, ErrNoAgentAvailable) {
		t.Fatalf("err = %v, want ErrNoAgentAvailable", err)
	}

	after, ok := h.queue.entryFor(lead.ID)
	if !ok {
		t.Fatal("queue entry was removed on NoAgentAvailable")
	}
	if !after.enqueuedAt.Equal(before.enqueuedAt) {
		t.Fatal("enqueuedAt changed on NoAgentAvailable")
	}
}

func TestRouteLead_PrefersLeastLoadedAgent(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 60)
	busy := agent(tenant, 9, 10)
	idle := agent(tenant, 2, 10)
	h := newHarness(t, 60, newFakeLeads(lead), newFakeAgents(busy, idle))

	decision, err := h.svc.RouteLead(context.Background(), lead.ID, tenant)
	if err != nil {
		t.Fatalf("RouteLead: %v", err)
	}
	if decision.AgentID != idle.ID {
		t.Fatalf("chose agent with load 9/10 over 2/10")
	}
}

func TestRouteLead_CriticalLead(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 95)
	a := agent(tenant, 1, 10)
	h := newHarness(t, 95, newFakeLeads(lead), newFakeAgents(a))

	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, tenant, lead.ID, lead.Score); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	decision, err := h.svc.RouteLead(ctx, lead.ID, tenant)
	if err != nil {
		t.Fatalf("RouteLead: %v", err)
	}

	if decision.Queue != "priority_critical" || decision.PriorityLevel != "critical" {
		t.Fatalf("decision tier = %s/%s, want priority_critical/critical", decision.Queue, decision.PriorityLevel)
	}
	// base 0.5 + 0.2 (>=90) + 0.2 (load ratio 0.1) = 0.9
	if decision.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9", decision.Confidence)
	}
	if _, stillQueued := h.queue.entryFor(lead.ID); stillQueued {
		t.Fatal("queue entry not removed after assignment")
	}

	a2, ok := h.handoffs.assignments[lead.ID]
	if !ok {
		t.Fatal("no SLA assignment row opened")
	}
	wantDeadline := time.Now().Add(2 * time.Minute)
	if diff := a2.Deadline.Sub(wantDeadline); diff < -5*time.Second || diff > 5*time.Second {
		t.Fatalf("critical deadline %v, want about 2 minutes out", a2.Deadline)
	}
}

func TestRouteLead_ConfidenceClamped(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 95)
	pool := []agentrepo.Agent{
		agent(tenant, 0, 10), agent(tenant, 0, 10),
		agent(tenant, 0, 10), agent(tenant, 0, 10),
	}
	h := newHarness(t, 95, newFakeLeads(lead), newFakeAgents(pool...))

	decision, err := h.svc.RouteLead(context.Background(), lead.ID, tenant)
	if err != nil {
		t.Fatalf("RouteLead: %v", err)
	}
	// 0.5 + 0.2 + 0.2 + 0.1 = 1.0, must not exceed 1.
	if decision.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want clamped 1.0", decision.Confidence)
	}
}

func TestRouteLead_ClaimRaceFailsWithConflict(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 60)
	// Available per the listing but at capacity when claimed, simulating a
	// concurrent claim between match and commit.
	racy := agentrepo.Agent{
		ID: uuid.New(), TenantID: tenant, Name: "racy",
		CurrentLoad: 10, MaxCapacity: 10, IsAvailable: true,
	}
	agents := newFakeAgents(racy)
	h := newHarness(t, 60, newFakeLeads(lead), agents)

	// Bypass the pool filter so the racy agent is offered as a candidate.
	h.svc.agents = poolWithForcedCandidates{AgentPool: agents, forced: []agentrepo.Agent{racy}}

	_, err := h.svc.RouteLead(context.Background(), lead.ID, tenant)
	if !errors.Is(err, ErrAssignmentConflict) {
		t.Fatalf("err = %v, want ErrAssignmentConflict after one retry", err)
	}
}

type poolWithForcedCandidates struct {
	AgentPool
	forced []agentrepo.Agent
}

func (p poolWithForcedCandidates) Available(_ context.Context, _ uuid.UUID) ([]agentrepo.Agent, error) {
	return p.forced, nil
}

func TestIntake_ScoresAndQueues(t *testing.T) {
	tenant := uuid.New()
	h := newHarness(t, 78, newFakeLeads(), newFakeAgents())

	lead, queueName, err := h.svc.Intake(context.Background(), leadrepo.CreateLeadParams{
		TenantID: tenant, Company: "Globex", Source: "webform",
	})
	if err != nil {
		t.Fatalf("Intake: %v", err)
	}
	if queueName != "priority_high" {
		t.Fatalf("queue = %s, want priority_high for score 78", queueName)
	}
	if lead.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", lead.Status)
	}
	if _, ok := h.queue.entryFor(lead.ID); !ok {
		t.Fatal("lead missing from queue after intake")
	}
}

func TestResolve_ClosesAssignmentAndReleasesAgent(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 80)
	a := agent(tenant, 1, 10)
	h := newHarness(t, 80, newFakeLeads(lead), newFakeAgents(a))

	ctx := context.Background()
	if _, err := h.svc.RouteLead(ctx, lead.ID, tenant); err != nil {
		t.Fatalf("RouteLead: %v", err)
	}
	if err := h.svc.Resolve(ctx, lead.ID, tenant); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, _ := h.leads.GetByID(ctx, lead.ID, tenant)
	if got.Status != domain.StatusResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
	if load := h.agents.load(a.ID); load != 1 {
		t.Fatalf("agent load = %d, want 1 after release", load)
	}
	if len(h.handoffs.assignments) != 0 {
		t.Fatal("SLA assignment row still open after resolve")
	}
	if len(h.handoffs.eventsOfType(handoffrepo.EventResolution)) != 1 {
		t.Fatal("missing resolution handoff event")
	}
	if h.agents.outcomes != 1 {
		t.Fatalf("outcomes recorded = %d, want 1", h.agents.outcomes)
	}
}

func TestEscalate_QueuedLead(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 55)
	h := newHarness(t, 55, newFakeLeads(lead), newFakeAgents())

	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, tenant, lead.ID, lead.Score); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.svc.Escalate(ctx, lead.ID, tenant, "waited too long"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	got, _ := h.leads.GetByID(ctx, lead.ID, tenant)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	if _, stillQueued := h.queue.entryFor(lead.ID); stillQueued {
		t.Fatal("queue entry not removed on escalation")
	}
	if len(h.handoffs.eventsOfType(handoffrepo.EventEscalation)) != 1 {
		t.Fatal("missing escalation handoff event")
	}

	// Terminal states reject further routing.
	if _, err := h.svc.RouteLead(ctx, lead.ID, tenant); err == nil {
		t.Fatal("routing an escalated lead should fail")
	}
}

func TestDispatch_AssignsQueuedLeads(t *testing.T) {
	tenant := uuid.New()
	critical := queuedLead(tenant, 95)
	low := queuedLead(tenant, 30)
	a := agent(tenant, 0, 10)
	h := newHarness(t, 80, newFakeLeads(critical, low), newFakeAgents(a))

	ctx := context.Background()
	for _, lead := range []domain.Lead{low, critical} {
		if _, err := h.queue.Enqueue(ctx, tenant, lead.ID, lead.Score); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	assigned, err := h.svc.Dispatch(ctx, tenant)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if assigned != 2 {
		t.Fatalf("assigned = %d, want 2", assigned)
	}
	for _, lead := range []domain.Lead{critical, low} {
		got, _ := h.leads.GetByID(ctx, lead.ID, tenant)
		if !got.Status.Assigned() || got.AssignedAgentID == nil {
			t.Fatalf("lead %s status = %s, want assigned", lead.ID, got.Status)
		}
		if _, stillQueued := h.queue.entryFor(lead.ID); stillQueued {
			t.Fatalf("lead %s still queued after dispatch", lead.ID)
		}
	}
	if load := h.agents.load(a.ID); load != 2 {
		t.Fatalf("agent load = %d, want 2", load)
	}
}

func TestDispatch_NoAgentRequeuesWithOriginalPosition(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 80)
	h := newHarness(t, 80, newFakeLeads(lead), newFakeAgents())

	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, tenant, lead.ID, lead.Score); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	before, _ := h.queue.entryFor(lead.ID)

	assigned, err := h.svc.Dispatch(ctx, tenant)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if assigned != 0 {
		t.Fatalf("assigned = %d, want 0 with an empty pool", assigned)
	}

	after, ok := h.queue.entryFor(lead.ID)
	if !ok {
		t.Fatal("lead lost from the queue when no agent was available")
	}
	if !after.enqueuedAt.Equal(before.enqueuedAt) {
		t.Fatal("requeue reset the original enqueue time")
	}
}

func TestDispatch_DropsStaleEntries(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 80)
	a := agent(tenant, 0, 10)
	h := newHarness(t, 80, newFakeLeads(lead), newFakeAgents(a))

	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, tenant, lead.ID, lead.Score); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// The lead reached a terminal state while its entry sat in the queue.
	if err := h.leads.SetStatus(ctx, lead.ID, tenant, domain.StatusResolved); err != nil {
		t.Fatalf("set status: %v", err)
	}

	assigned, err := h.svc.Dispatch(ctx, tenant)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if assigned != 0 {
		t.Fatalf("assigned = %d, want 0", assigned)
	}
	if _, stillQueued := h.queue.entryFor(lead.ID); stillQueued {
		t.Fatal("stale entry survived the dispatch pass")
	}
	if load := h.agents.load(a.ID); load != 0 {
		t.Fatalf("agent load = %d, want 0", load)
	}
}

type failingDecisions struct {
	*fakeDecisions
	createErr error
}

func (f failingDecisions) Create(ctx context.Context, d repository.Decision) (repository.Decision, error) {
	if f.createErr != nil {
		return repository.Decision{}, f.createErr
	}
	return f.fakeDecisions.Create(ctx, d)
}

func TestAssign_DecisionWriteFailureRollsBack(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 80)
	a := agent(tenant, 2, 10)
	h := newHarness(t, 80, newFakeLeads(lead), newFakeAgents(a))
	h.svc.decisions = failingDecisions{fakeDecisions: h.decisions, createErr: errors.New("decision store down")}

	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, tenant, lead.ID, lead.Score); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := h.svc.RouteLead(ctx, lead.ID, tenant); err == nil {
		t.Fatal("RouteLead succeeded with a failing decision store")
	}

	got, _ := h.leads.GetByID(ctx, lead.ID, tenant)
	if got.Status != domain.StatusQueued || got.AssignedAgentID != nil {
		t.Fatalf("lead left half-assigned: status %s, agent %v", got.Status, got.AssignedAgentID)
	}
	if load := h.agents.load(a.ID); load != 2 {
		t.Fatalf("agent load = %d, want 2 after rollback", load)
	}
	if _, stillQueued := h.queue.entryFor(lead.ID); !stillQueued {
		t.Fatal("queue entry lost on rollback")
	}
	if len(h.handoffs.assignments) != 0 {
		t.Fatal("SLA row opened despite the rollback")
	}
}

type failingHandoffs struct {
	*fakeHandoffs
	openErr error
}

func (f failingHandoffs) OpenAssignment(ctx context.Context, a handoffrepo.Assignment) error {
	if f.openErr != nil {
		return f.openErr
	}
	return f.fakeHandoffs.OpenAssignment(ctx, a)
}

func TestAssign_SLAWriteFailureRollsBack(t *testing.T) {
	tenant := uuid.New()
	lead := queuedLead(tenant, 80)
	a := agent(tenant, 2, 10)
	h := newHarness(t, 80, newFakeLeads(lead), newFakeAgents(a))
	h.svc.handoffs = failingHandoffs{fakeHandoffs: h.handoffs, openErr: errors.New("assignments table down")}

	ctx := context.Background()
	if _, err := h.svc.RouteLead(ctx, lead.ID, tenant); err == nil {
		t.Fatal("RouteLead succeeded with a failing SLA store")
	}

	got, _ := h.leads.GetByID(ctx, lead.ID, tenant)
	if got.Status != domain.StatusQueued || got.AssignedAgentID != nil {
		t.Fatalf("lead left half-assigned: status %s, agent %v", got.Status, got.AssignedAgentID)
	}
	if load := h.agents.load(a.ID); load != 2 {
		t.Fatalf("agent load = %d, want 2 after rollback", load)
	}
}

func TestEstimateWait_Floor(t *testing.T) {
	a := agentrepo.Agent{CurrentLoad: 2, MaxCapacity: 10}
	if got := estimateWait(0, a); got != 0 {
		t.Fatalf("empty queue wait = %d, want 0", got)
	}
	if got := estimateWait(17, a); got != 3 {
		t.Fatalf("wait = %d, want ceil(17/8) = 3", got)
	}
	// No slack must not divide by zero.
	full := agentrepo.Agent{CurrentLoad: 10, MaxCapacity: 10}
	if got := estimateWait(5, full); got != 5 {
		t.Fatalf("wait = %d, want 5 with slack floored at 1", got)
	}
}
