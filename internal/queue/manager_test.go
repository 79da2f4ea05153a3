package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*Manager, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, nil), client
}

func TestEnqueue_SelectsQueueByScore(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()

	cases := []struct {
		overall int
		want    string
	}{
		{95, "priority_critical"},
		{80, "priority_high"},
		{60, "priority_medium"},
		{10, "priority_low"},
	}

	for _, tc := range cases {
		queue, err := m.Enqueue(ctx, tenant, uuid.New(), tc.overall)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if queue != tc.want {
			t.Fatalf("overall %d routed to %s, want %s", tc.overall, queue, tc.want)
		}
	}
}

func TestEnqueue_SingleLiveEntryInvariant(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()
	leadID := uuid.New()

	// Interleave re-prioritizations across tiers for the same lead.
	for _, overall := range []int{95, 40, 80, 60, 92} {
		if _, err := m.Enqueue(ctx, tenant, leadID, overall); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	stats, err := m.QueueStats(ctx, tenant)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	total := int64(0)
	for _, s := range stats {
		total += s.Count
	}
	if total != 1 {
		t.Fatalf("expected exactly one live entry, found %d", total)
	}

	queue, queued, err := m.Location(ctx, tenant, leadID)
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if !queued || queue != "priority_critical" {
		t.Fatalf("expected lead in priority_critical, got %q (queued=%v)", queue, queued)
	}
}

func TestDequeueHighest_OrderScoreThenFIFO(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := uuid.New()
	second := uuid.New()
	highest := uuid.New()

	// Same score: FIFO by enqueue time. Higher score: always first.
	if _, err := m.enqueueAt(ctx, tenant, second, 80, base.Add(5*time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.enqueueAt(ctx, tenant, first, 80, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.enqueueAt(ctx, tenant, highest, 88, base.Add(10*time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []uuid.UUID{highest, first, second}
	for i, expected := range want {
		entry, err := m.DequeueHighest(ctx, tenant, "priority_high")
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if entry == nil {
			t.Fatalf("dequeue %d: queue unexpectedly empty", i)
		}
		if entry.LeadID != expected {
			t.Fatalf("dequeue %d: got %s, want %s", i, entry.LeadID, expected)
		}
	}

	entry, err := m.DequeueHighest(ctx, tenant, "priority_high")
	if err != nil {
		t.Fatalf("final dequeue: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected empty queue, got %s", entry.LeadID)
	}
}

func TestDequeueHighest_ConcurrentNoDuplicatesNoDrops(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := m.Enqueue(ctx, tenant, uuid.New(), 95); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]bool)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := m.DequeueHighest(ctx, tenant, "priority_critical")
			if err != nil || entry == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[entry.LeadID] {
				t.Errorf("lead %s dequeued twice", entry.LeadID)
			}
			seen[entry.LeadID] = true
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct leads dequeued, got %d", n, len(seen))
	}
}

func TestDequeueNext_DrainsCriticalFirst(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()

	low := uuid.New()
	critical := uuid.New()
	if _, err := m.Enqueue(ctx, tenant, low, 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, tenant, critical, 99); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entry, err := m.DequeueNext(ctx, tenant)
	if err != nil {
		t.Fatalf("dequeue next: %v", err)
	}
	if entry == nil || entry.LeadID != critical {
		t.Fatalf("expected critical lead first, got %+v", entry)
	}
}

func TestRequeue_KeepsOriginalFIFOPosition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := uuid.New()
	newer := uuid.New()
	if _, err := m.enqueueAt(ctx, tenant, older, 80, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.enqueueAt(ctx, tenant, newer, 80, base.Add(time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	popped, err := m.DequeueHighest(ctx, tenant, "priority_high")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if popped == nil || popped.LeadID != older {
		t.Fatalf("expected the older entry first, got %+v", popped)
	}

	// Putting the entry back must not push it behind the newer one.
	if _, err := m.Requeue(ctx, tenant, *popped); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	entry, err := m.DequeueHighest(ctx, tenant, "priority_high")
	if err != nil {
		t.Fatalf("dequeue after requeue: %v", err)
	}
	if entry == nil || entry.LeadID != older {
		t.Fatalf("requeued entry lost its position, got %+v", entry)
	}
	if !entry.EnqueuedAt.Equal(popped.EnqueuedAt) {
		t.Fatalf("enqueuedAt changed: %v vs %v", entry.EnqueuedAt, popped.EnqueuedAt)
	}
}

func TestRemove_AndTenantIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()
	leadID := uuid.New()

	if _, err := m.Enqueue(ctx, tenantA, leadID, 95); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Tenant B must not see or remove tenant A's entry.
	removed, err := m.Remove(ctx, tenantB, leadID, "priority_critical")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed {
		t.Fatal("cross-tenant remove must not succeed")
	}

	statsB, err := m.QueueStats(ctx, tenantB)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if statsB["priority_critical"].Count != 0 {
		t.Fatal("tenant B must not see tenant A's queue entries")
	}

	removed, err = m.Remove(ctx, tenantA, leadID, "priority_critical")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected removal in owning tenant")
	}
}

func TestListOlderThan_FindsStaleEntries(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()

	fresh := uuid.New()
	stale := uuid.New()
	now := time.Now()

	if _, err := m.enqueueAt(ctx, tenant, stale, 60, now.Add(-8*24*time.Hour)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.enqueueAt(ctx, tenant, fresh, 60, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	old, err := m.ListOlderThan(ctx, tenant, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("list older than: %v", err)
	}
	if len(old) != 1 || old[0].LeadID != stale {
		t.Fatalf("expected only the stale lead, got %+v", old)
	}
}

func TestQueueStats_CountsAndOldest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tenant := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := m.enqueueAt(ctx, tenant, uuid.New(), 80, base.Add(time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.enqueueAt(ctx, tenant, uuid.New(), 82, base); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := m.QueueStats(ctx, tenant)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	high := stats["priority_high"]
	if high.Count != 2 {
		t.Fatalf("expected 2 entries in priority_high, got %d", high.Count)
	}
	if high.OldestEnqueuedAt == nil || !high.OldestEnqueuedAt.Equal(base) {
		t.Fatalf("expected oldest %v, got %v", base, high.OldestEnqueuedAt)
	}
}
