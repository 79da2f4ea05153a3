// Package queue implements the tiered priority queues backing lead routing.
// Queues live in redis sorted sets; every mutation is a single Lua script so
// concurrent callers never observe partial state and no entry can be popped
// twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCorrupted reports an inconsistency between the queue index and the
// sorted sets. The affected lead must be flagged for manual review, never
// silently dropped.
var ErrCorrupted = errors.New("queue state corrupted")

// Sorted-set score encoding: overall*1e13 + (epochCeiling - enqueuedAtMilli).
// A single ZRANGE from the top therefore yields highest priority first and
// FIFO order within equal priority. The ceiling is 2100-01-01 UTC in millis,
// far enough out that the remainder stays below the multiplier.
const (
	scoreMultiplier = 1e13
	epochCeilingMS  = 4102444800000
)

// Entry is a lead waiting in a priority queue.
type Entry struct {
	LeadID     uuid.UUID
	Queue      string
	Score      int
	EnqueuedAt time.Time
}

// Stats describes one queue tier.
type Stats struct {
	Count            int64
	OldestEnqueuedAt *time.Time
}

// Manager maintains the four tenant-scoped priority queues.
type Manager struct {
	client *redis.Client
	log    *logger.Logger
	now    func() time.Time
}

// NewManager creates a queue manager on the given redis client.
func NewManager(client *redis.Client, log *logger.Logger) *Manager {
	return &Manager{client: client, log: log, now: time.Now}
}

func keyPrefix(tenantID uuid.UUID) string {
	return "route:" + tenantID.String() + ":"
}

func queueKey(tenantID uuid.UUID, queue string) string {
	return keyPrefix(tenantID) + "queue:" + queue
}

func indexKey(tenantID uuid.UUID) string {
	return keyPrefix(tenantID) + "queued"
}

// enqueueScript moves the lead into its target queue, removing any previous
// entry in another tier first. One script call, so a lead can never hold two
// live entries.
var enqueueScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if old and old ~= ARGV[3] then
  redis.call('ZREM', ARGV[4] .. 'queue:' .. old, ARGV[1])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// dequeueScript pops the highest-ranked member and clears the index entry
// atomically. Never check-then-act from the client side.
var dequeueScript = redis.NewScript(`
local top = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
if #top == 0 then
  return false
end
redis.call('ZREM', KEYS[1], top[1])
redis.call('HDEL', KEYS[2], top[1])
return top
`)

// removeScript drops a specific lead from a queue and its index entry.
var removeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
  redis.call('HDEL', KEYS[2], ARGV[1])
end
return removed
`)

// Enqueue places the lead in the queue implied by its overall score.
// Re-enqueueing a lead already queued elsewhere moves it (idempotent
// re-prioritization); the single-live-entry invariant holds throughout.
func (m *Manager) Enqueue(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID, overall int) (string, error) {
	return m.enqueueAt(ctx, tenantID, leadID, overall, m.now())
}

func (m *Manager) enqueueAt(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID, overall int, enqueuedAt time.Time) (string, error) {
	queue := domain.LevelFor(overall).QueueName()
	score := encodeScore(overall, enqueuedAt)

	err := enqueueScript.Run(ctx, m.client,
		[]string{indexKey(tenantID), queueKey(tenantID, queue)},
		leadID.String(), score, queue, keyPrefix(tenantID),
	).Err()
	if err != nil {
		return "", fmt.Errorf("enqueue lead %s: %w", leadID, err)
	}

	if m.log != nil {
		m.log.QueueEvent("enqueued", queue, leadID.String())
	}
	return queue, nil
}

// DequeueHighest atomically pops the best entry from the named queue.
// Returns nil when the queue is empty.
func (m *Manager) DequeueHighest(ctx context.Context, tenantID uuid.UUID, queue string) (*Entry, error) {
	result, err := dequeueScript.Run(ctx, m.client,
		[]string{queueKey(tenantID, queue), indexKey(tenantID)},
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}

	popped, ok := result.([]interface{})
	if !ok || len(popped) < 2 {
		return nil, nil
	}

	entry, err := parseEntry(popped[0], popped[1], queue)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, err)
	}

	if m.log != nil {
		m.log.QueueEvent("dequeued", queue, entry.LeadID.String())
	}
	return entry, nil
}

// DequeueNext drains tiers strictly in priority order: critical entries
// always leave before high, high before medium, medium before low.
func (m *Manager) DequeueNext(ctx context.Context, tenantID uuid.UUID) (*Entry, error) {
	for _, level := range domain.Levels() {
		entry, err := m.DequeueHighest(ctx, tenantID, level.QueueName())
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

// Requeue returns a popped entry to its tier keeping the original enqueue
// time, so a dispatch pass that found no agent never resets FIFO order.
func (m *Manager) Requeue(ctx context.Context, tenantID uuid.UUID, entry Entry) (string, error) {
	return m.enqueueAt(ctx, tenantID, entry.LeadID, entry.Score, entry.EnqueuedAt)
}

// Remove drops the lead from the named queue. Returns false when the lead
// was not present.
func (m *Manager) Remove(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID, queue string) (bool, error) {
	removed, err := removeScript.Run(ctx, m.client,
		[]string{queueKey(tenantID, queue), indexKey(tenantID)},
		leadID.String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove lead %s from %s: %w", leadID, queue, err)
	}
	return removed == 1, nil
}

// Location returns the queue currently holding the lead, if any.
func (m *Manager) Location(ctx context.Context, tenantID uuid.UUID, leadID uuid.UUID) (string, bool, error) {
	queue, err := m.client.HGet(ctx, indexKey(tenantID), leadID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return queue, true, nil
}

// QueueStats returns per-tier count and oldest enqueue time.
func (m *Manager) QueueStats(ctx context.Context, tenantID uuid.UUID) (map[string]Stats, error) {
	stats := make(map[string]Stats, len(domain.Levels()))

	for _, level := range domain.Levels() {
		queue := level.QueueName()
		members, err := m.client.ZRangeWithScores(ctx, queueKey(tenantID, queue), 0, -1).Result()
		if err != nil {
			return nil, err
		}

		entry := Stats{Count: int64(len(members))}
		for _, member := range members {
			enqueuedAt := decodeEnqueuedAt(member.Score)
			if entry.OldestEnqueuedAt == nil || enqueuedAt.Before(*entry.OldestEnqueuedAt) {
				entry.OldestEnqueuedAt = &enqueuedAt
			}
		}
		stats[queue] = entry
	}

	return stats, nil
}

// Len returns the number of entries waiting in the named queue.
func (m *Manager) Len(ctx context.Context, tenantID uuid.UUID, queue string) (int64, error) {
	return m.client.ZCard(ctx, queueKey(tenantID, queue)).Result()
}

// ListOlderThan returns all entries that have been waiting longer than age,
// across all tiers. Used by the wait-escalation and retention sweeps.
func (m *Manager) ListOlderThan(ctx context.Context, tenantID uuid.UUID, age time.Duration) ([]Entry, error) {
	cutoff := m.now().Add(-age)
	var stale []Entry

	for _, level := range domain.Levels() {
		queue := level.QueueName()
		members, err := m.client.ZRangeWithScores(ctx, queueKey(tenantID, queue), 0, -1).Result()
		if err != nil {
			return nil, err
		}

		for _, member := range members {
			raw, ok := member.Member.(string)
			if !ok {
				continue
			}
			leadID, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad member %q in %s", ErrCorrupted, raw, queue)
			}
			enqueuedAt := decodeEnqueuedAt(member.Score)
			if enqueuedAt.Before(cutoff) {
				stale = append(stale, Entry{
					LeadID:     leadID,
					Queue:      queue,
					Score:      decodeOverall(member.Score),
					EnqueuedAt: enqueuedAt,
				})
			}
		}
	}

	return stale, nil
}

func encodeScore(overall int, enqueuedAt time.Time) float64 {
	return float64(overall)*scoreMultiplier + float64(epochCeilingMS-enqueuedAt.UnixMilli())
}

func decodeOverall(score float64) int {
	return int(score / scoreMultiplier)
}

func decodeEnqueuedAt(score float64) time.Time {
	remainder := score - float64(decodeOverall(score))*scoreMultiplier
	return time.UnixMilli(epochCeilingMS - int64(remainder))
}

func parseEntry(member, score interface{}, queue string) (*Entry, error) {
	raw, ok := member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type %T", member)
	}
	leadID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad lead id %q", raw)
	}

	var zscore float64
	switch v := score.(type) {
	case string:
		zscore, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("bad score %q", v)
		}
	case int64:
		zscore = float64(v)
	case float64:
		zscore = v
	default:
		return nil, fmt.Errorf("unexpected score type %T", score)
	}

	return &Entry{
		LeadID:     leadID,
		Queue:      queue,
		Score:      decodeOverall(zscore),
		EnqueuedAt: decodeEnqueuedAt(zscore),
	}, nil
}
