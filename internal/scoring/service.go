// Package scoring computes composite priority scores for leads.
package scoring

import (
	"context"
	"math"
	"strings"
	"time"

	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"
)

// Sub-term weights inside each composite. The composite weights (40/35/25)
// come from config; these describe how each composite is assembled.
const (
	bvCompanySizeWeight = 0.30
	bvIndustryWeight    = 0.25
	bvSeniorityWeight   = 0.25
	bvBudgetWeight      = 0.20

	urgResponseWeight    = 0.40
	urgCompetitiveWeight = 0.30
	urgBuyingStageWeight = 0.30

	tsDeadlineWeight    = 0.45
	tsSeasonalityWeight = 0.30
	tsMarketWeight      = 0.25
)

// Service computes priority scores. Scoring is total: a classifier failure
// substitutes the configured default sub-term and marks the score degraded
// instead of failing.
type Service struct {
	classifier Classifier
	cfg        config.ScoringConfig
	log        *logger.Logger
	now        func() time.Time
}

// New creates a scoring service backed by the given classifier.
func New(classifier Classifier, cfg config.ScoringConfig, log *logger.Logger) *Service {
	return &Service{
		classifier: classifier,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Score computes the lead's priority score from its attributes and activity.
// Pure given the lead and the clock; no side effects.
func (s *Service) Score(ctx context.Context, lead domain.Lead) domain.PriorityScore {
	breakdown := map[string]float64{}
	degraded := false

	businessValue := s.businessValue(ctx, lead, breakdown, &degraded)
	urgency := s.urgency(lead, breakdown)
	timeSensitivity := s.timeSensitivity(lead, breakdown)

	overall := businessValue*s.cfg.GetBusinessValueWeight() +
		urgency*s.cfg.GetUrgencyWeight() +
		timeSensitivity*s.cfg.GetTimeSensitivityWeight()

	breakdown["business_value"] = round1(businessValue)
	breakdown["urgency"] = round1(urgency)
	breakdown["time_sensitivity"] = round1(timeSensitivity)

	return domain.PriorityScore{
		Overall:         clampScore(overall),
		BusinessValue:   clampFloat(businessValue, 0, 100),
		Urgency:         clampFloat(urgency, 0, 100),
		TimeSensitivity: clampFloat(timeSensitivity, 0, 100),
		Breakdown:       breakdown,
		Degraded:        degraded,
	}
}

// businessValue combines company size, industry, title seniority, and budget
// signals. Each sub-term is bounded to [0,100] before weighting; classifier
// failures substitute the configured default weighted term.
func (s *Service) businessValue(ctx context.Context, lead domain.Lead, breakdown map[string]float64, degraded *bool) float64 {
	total := 0.0

	total += s.classifiedTerm(ctx, lead, "company_size", bvCompanySizeWeight, s.classifier.CompanySize, breakdown, degraded)
	total += s.classifiedTerm(ctx, lead, "industry", bvIndustryWeight, s.classifier.IndustryWeight, breakdown, degraded)

	seniority := clampFloat(scoreTitleSeniority(lead.Title), 0, 100)
	breakdown["seniority"] = round1(seniority * bvSeniorityWeight)
	total += seniority * bvSeniorityWeight

	total += s.classifiedTerm(ctx, lead, "budget", bvBudgetWeight, s.classifier.BudgetSignal, breakdown, degraded)

	return clampFloat(total, 0, 100)
}

type classifyFunc func(ctx context.Context, lead domain.Lead) (float64, error)

func (s *Service) classifiedTerm(ctx context.Context, lead domain.Lead, name string, weight float64, classify classifyFunc, breakdown map[string]float64, degraded *bool) float64 {
	raw, err := classify(ctx, lead)
	if err != nil {
		// Documented mid-range default: scoring stays total on classifier failure.
		*degraded = true
		term := s.cfg.GetDegradedSubScore()
		breakdown[name+"_degraded"] = round1(term)
		if s.log != nil {
			s.log.Warn("classifier degraded", "term", name, "lead_id", lead.ID.String(), "error", err.Error())
		}
		return term
	}

	term := clampFloat(raw, 0, 100) * weight
	breakdown[name] = round1(term)
	return term
}

// urgency combines response-time expectation, competitive pressure, and the
// buying-stage signal derived from engagement events.
func (s *Service) urgency(lead domain.Lead, breakdown map[string]float64) float64 {
	response := clampFloat(s.scoreResponseExpectation(lead), 0, 100)
	competitive := clampFloat(scoreCompetitivePressure(lead), 0, 100)
	buying := clampFloat(scoreBuyingStage(lead.EngagementEvents), 0, 100)

	breakdown["response_expectation"] = round1(response * urgResponseWeight)
	breakdown["competitive_pressure"] = round1(competitive * urgCompetitiveWeight)
	breakdown["buying_stage"] = round1(buying * urgBuyingStageWeight)

	total := response*urgResponseWeight + competitive*urgCompetitiveWeight + buying*urgBuyingStageWeight
	return clampFloat(total, 0, 100)
}

// timeSensitivity combines explicit-deadline proximity, calendar seasonality,
// and a market-timing heuristic.
func (s *Service) timeSensitivity(lead domain.Lead, breakdown map[string]float64) float64 {
	deadline := clampFloat(s.scoreDeadlineProximity(lead), 0, 100)
	seasonality := clampFloat(s.scoreSeasonality(), 0, 100)
	market := clampFloat(scoreMarketTiming(lead), 0, 100)

	breakdown["deadline_proximity"] = round1(deadline * tsDeadlineWeight)
	breakdown["seasonality"] = round1(seasonality * tsSeasonalityWeight)
	breakdown["market_timing"] = round1(market * tsMarketWeight)

	total := deadline*tsDeadlineWeight + seasonality*tsSeasonalityWeight + market*tsMarketWeight
	return clampFloat(total, 0, 100)
}

// scoreTitleSeniority evaluates job-title seniority.
// Decision-makers move deals; individual contributors rarely hold budget.
func scoreTitleSeniority(title string) float64 {
	lower := strings.ToLower(title)
	switch {
	case containsAny(lower, []string{"ceo", "cto", "cfo", "coo", "chief", "founder", "owner", "president"}):
		return 90
	case containsAny(lower, []string{"vp", "vice president", "director", "head of"}):
		return 75
	case containsAny(lower, []string{"manager", "lead"}):
		return 60
	case lower == "":
		return 40
	default:
		return 40
	}
}

// scoreResponseExpectation evaluates how quickly this lead expects contact,
// given its acquisition source. Recent activity raises the expectation.
func (s *Service) scoreResponseExpectation(lead domain.Lead) float64 {
	base := 50.0
	source := strings.ToLower(lead.Source)
	switch {
	case containsAny(source, []string{"chat", "phone", "call"}):
		base = 90 // live channels expect immediate contact
	case containsAny(source, []string{"referral", "demo"}):
		base = 80
	case containsAny(source, []string{"website", "form", "inbound"}):
		base = 70
	case containsAny(source, []string{"email", "newsletter"}):
		base = 55
	case containsAny(source, []string{"cold", "list", "purchased"}):
		base = 35
	}

	age := s.now().Sub(lead.CreatedAt)
	switch {
	case age <= time.Hour:
		base += 10
	case age <= 24*time.Hour:
		base += 5
	}

	return base
}

// scoreCompetitivePressure evaluates whether the lead is actively comparing
// vendors.
func scoreCompetitivePressure(lead domain.Lead) float64 {
	vendors, ok := numericAttr(lead, "competing_vendors")
	if !ok {
		return 45
	}
	switch {
	case vendors >= 2:
		return 85
	case vendors >= 1:
		return 65
	default:
		return 45
	}
}

// scoreBuyingStage derives the buying stage from engagement-event count:
// more than 10 events signals high stage, more than 5 medium, more than 2
// low, otherwise minimal.
func scoreBuyingStage(events int) float64 {
	switch {
	case events > 10:
		return 90
	case events > 5:
		return 70
	case events > 2:
		return 50
	default:
		return 25
	}
}

// scoreDeadlineProximity evaluates an explicit deadline attribute, if any.
func (s *Service) scoreDeadlineProximity(lead domain.Lead) float64 {
	raw, ok := lead.Attributes["deadline"].(string)
	if !ok || raw == "" {
		return 30
	}
	deadline, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 30
	}

	until := deadline.Sub(s.now())
	switch {
	case until <= 0:
		return 100 // past due
	case until <= 3*24*time.Hour:
		return 95
	case until <= 7*24*time.Hour:
		return 80
	case until <= 30*24*time.Hour:
		return 60
	default:
		return 40
	}
}

// scoreSeasonality applies a fixed calendar heuristic: Q4 budget-flush
// raises sensitivity, Q1 planning slightly.
func (s *Service) scoreSeasonality() float64 {
	switch s.now().Month() {
	case time.October, time.November, time.December:
		return 80
	case time.January, time.February, time.March:
		return 60
	default:
		return 50
	}
}

// scoreMarketTiming evaluates campaign-driven timing signals.
func scoreMarketTiming(lead domain.Lead) float64 {
	if campaign, ok := lead.Attributes["campaign"].(string); ok && campaign != "" {
		return 70
	}
	if strings.Contains(strings.ToLower(lead.Source), "campaign") {
		return 70
	}
	return 50
}

// containsAny checks if s contains any of the keywords.
func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func clampScore(value float64) int {
	rounded := int(math.Round(value))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

func clampFloat(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}
