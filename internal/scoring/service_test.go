package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadrouter_backend/internal/leads/domain"

	"github.com/google/uuid"
)

type scoringConfig struct{}

func (scoringConfig) GetBusinessValueWeight() float64   { return 0.40 }
func (scoringConfig) GetUrgencyWeight() float64         { return 0.35 }
func (scoringConfig) GetTimeSensitivityWeight() float64 { return 0.25 }
func (scoringConfig) GetDegradedSubScore() float64      { return 12.5 }

type failingClassifier struct {
	HeuristicClassifier
}

func (failingClassifier) CompanySize(_ context.Context, _ domain.Lead) (float64, error) {
	return 0, errors.New("classification service unreachable")
}

func testLead(attrs map[string]any) domain.Lead {
	return domain.Lead{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		Company:    "Acme BV",
		Title:      "Director of Operations",
		Source:     "website",
		Attributes: attrs,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
	}
}

func TestLevelFor_StepFunction(t *testing.T) {
	cases := []struct {
		overall int
		want    domain.PriorityLevel
	}{
		{0, domain.PriorityLow},
		{49, domain.PriorityLow},
		{50, domain.PriorityMedium},
		{74, domain.PriorityMedium},
		{75, domain.PriorityHigh},
		{89, domain.PriorityHigh},
		{90, domain.PriorityCritical},
		{100, domain.PriorityCritical},
	}

	for _, tc := range cases {
		if got := domain.LevelFor(tc.overall); got != tc.want {
			t.Fatalf("LevelFor(%d) = %s, want %s", tc.overall, got, tc.want)
		}
	}

	// Monotonic: levels never get less urgent as the score grows.
	rank := map[domain.PriorityLevel]int{
		domain.PriorityLow:      0,
		domain.PriorityMedium:   1,
		domain.PriorityHigh:     2,
		domain.PriorityCritical: 3,
	}
	prev := rank[domain.LevelFor(0)]
	for overall := 1; overall <= 100; overall++ {
		cur := rank[domain.LevelFor(overall)]
		if cur < prev {
			t.Fatalf("level rank decreased at overall=%d", overall)
		}
		prev = cur
	}
}

func TestScore_BoundedAndDeterministic(t *testing.T) {
	svc := New(HeuristicClassifier{}, scoringConfig{}, nil)
	lead := testLead(map[string]any{
		"employees": float64(500),
		"industry":  "software",
		"budget":    float64(50000),
	})
	lead.EngagementEvents = 12

	first := svc.Score(context.Background(), lead)
	second := svc.Score(context.Background(), lead)

	if first.Overall < 0 || first.Overall > 100 {
		t.Fatalf("overall out of range: %d", first.Overall)
	}
	if first.Overall != second.Overall {
		t.Fatalf("scoring not deterministic: %d != %d", first.Overall, second.Overall)
	}
	if first.Degraded {
		t.Fatal("heuristic classifier must not degrade")
	}
	if len(first.Breakdown) == 0 {
		t.Fatal("expected breakdown factors for audit")
	}
}

func TestScore_ClassifierFailureDegradesNotFails(t *testing.T) {
	svc := New(failingClassifier{}, scoringConfig{}, nil)
	lead := testLead(map[string]any{"industry": "software"})

	score := svc.Score(context.Background(), lead)

	if !score.Degraded {
		t.Fatal("expected degraded score after classifier failure")
	}
	if score.Overall < 0 || score.Overall > 100 {
		t.Fatalf("degraded overall out of range: %d", score.Overall)
	}
	if _, ok := score.Breakdown["company_size_degraded"]; !ok {
		t.Fatal("expected degraded marker in breakdown")
	}
	if score.Breakdown["company_size_degraded"] != 12.5 {
		t.Fatalf("expected documented default 12.5, got %v", score.Breakdown["company_size_degraded"])
	}
}

func TestScoreBuyingStage_Thresholds(t *testing.T) {
	cases := []struct {
		events int
		want   float64
	}{
		{0, 25},
		{2, 25},
		{3, 50},
		{5, 50},
		{6, 70},
		{10, 70},
		{11, 90},
	}
	for _, tc := range cases {
		if got := scoreBuyingStage(tc.events); got != tc.want {
			t.Fatalf("scoreBuyingStage(%d) = %v, want %v", tc.events, got, tc.want)
		}
	}
}

func TestScore_HigherSignalsScoreHigher(t *testing.T) {
	svc := New(HeuristicClassifier{}, scoringConfig{}, nil)

	weak := testLead(map[string]any{})
	weak.Title = "intern"
	weak.Source = "purchased list"

	strong := testLead(map[string]any{
		"employees":         float64(2000),
		"industry":          "finance",
		"budget":            float64(250000),
		"competing_vendors": float64(3),
		"deadline":          time.Now().Add(48 * time.Hour).Format(time.RFC3339),
	})
	strong.Title = "CEO"
	strong.Source = "phone"
	strong.EngagementEvents = 15

	weakScore := svc.Score(context.Background(), weak)
	strongScore := svc.Score(context.Background(), strong)

	if strongScore.Overall <= weakScore.Overall {
		t.Fatalf("expected strong lead to outscore weak lead: %d <= %d", strongScore.Overall, weakScore.Overall)
	}
}
