package scoring

import (
	"context"
	"strings"

	"leadrouter_backend/internal/leads/domain"
)

// Classifier estimates business-value signals for a lead. The production
// implementation may call an external classification service; scoring treats
// every classifier error as a degraded sub-term with a documented default,
// never as a scoring failure.
type Classifier interface {
	// CompanySize returns a 0-100 estimate of company size/value.
	CompanySize(ctx context.Context, lead domain.Lead) (float64, error)
	// IndustryWeight returns a 0-100 weight for the lead's industry.
	IndustryWeight(ctx context.Context, lead domain.Lead) (float64, error)
	// BudgetSignal returns a 0-100 estimate of budget strength.
	BudgetSignal(ctx context.Context, lead domain.Lead) (float64, error)
}

// HeuristicClassifier is the default deterministic classifier built from
// lead attributes. It never errors.
type HeuristicClassifier struct{}

var _ Classifier = HeuristicClassifier{}

// CompanySize estimates company size from the employee-count attribute.
func (HeuristicClassifier) CompanySize(_ context.Context, lead domain.Lead) (float64, error) {
	employees, ok := numericAttr(lead, "employees")
	if !ok {
		return 40, nil // unknown size, slightly below mid
	}
	switch {
	case employees >= 1000:
		return 90, nil
	case employees >= 250:
		return 75, nil
	case employees >= 50:
		return 60, nil
	case employees >= 10:
		return 45, nil
	default:
		return 30, nil
	}
}

// industryWeightTable maps industry keywords to their value weight.
var industryWeightTable = []struct {
	keywords []string
	weight   float64
}{
	{[]string{"saas", "software", "technology", "tech"}, 85},
	{[]string{"finance", "banking", "insurance"}, 85},
	{[]string{"healthcare", "medical", "pharma"}, 75},
	{[]string{"manufacturing", "industrial"}, 65},
	{[]string{"retail", "ecommerce", "e-commerce"}, 60},
	{[]string{"education", "nonprofit", "non-profit"}, 45},
}

// IndustryWeight maps the industry attribute to a value weight.
func (HeuristicClassifier) IndustryWeight(_ context.Context, lead domain.Lead) (float64, error) {
	industry, ok := stringAttr(lead, "industry")
	if !ok {
		return 50, nil
	}
	industry = strings.ToLower(industry)
	for _, entry := range industryWeightTable {
		for _, kw := range entry.keywords {
			if strings.Contains(industry, kw) {
				return entry.weight, nil
			}
		}
	}
	return 50, nil
}

// BudgetSignal estimates budget strength from explicit budget attributes.
func (HeuristicClassifier) BudgetSignal(_ context.Context, lead domain.Lead) (float64, error) {
	if budget, ok := numericAttr(lead, "budget"); ok {
		switch {
		case budget >= 100000:
			return 95, nil
		case budget >= 25000:
			return 80, nil
		case budget >= 5000:
			return 60, nil
		case budget > 0:
			return 40, nil
		}
	}

	// Textual budget hints ("approved budget", "no budget yet").
	if hint, ok := stringAttr(lead, "budget_notes"); ok {
		lower := strings.ToLower(hint)
		switch {
		case strings.Contains(lower, "approved"):
			return 85, nil
		case strings.Contains(lower, "no budget"):
			return 20, nil
		}
	}

	return 50, nil
}

func stringAttr(lead domain.Lead, key string) (string, bool) {
	value, ok := lead.Attributes[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func numericAttr(lead domain.Lead, key string) (float64, bool) {
	value, ok := lead.Attributes[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
