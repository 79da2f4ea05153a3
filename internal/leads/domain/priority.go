package domain

// PriorityLevel is the routing tier of a lead. It determines both the queue
// the lead waits in and the SLA deadline once assigned.
type PriorityLevel string

const (
	PriorityCritical PriorityLevel = "critical"
	PriorityHigh     PriorityLevel = "high"
	PriorityMedium   PriorityLevel = "medium"
	PriorityLow      PriorityLevel = "low"
)

// Levels lists all priority levels from most to least urgent.
// Queue draining follows this order.
func Levels() []PriorityLevel {
	return []PriorityLevel{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// LevelFor maps an overall score to its priority level. This is a pure,
// monotonic step function of the score.
func LevelFor(overall int) PriorityLevel {
	switch {
	case overall >= 90:
		return PriorityCritical
	case overall >= 75:
		return PriorityHigh
	case overall >= 50:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// QueueName returns the fixed queue name for the level.
func (p PriorityLevel) QueueName() string {
	return "priority_" + string(p)
}

// PriorityScore is the immutable composite priority of a lead at scoring
// time. Sub-scores are each bounded to [0,100]; Overall is their weighted,
// rounded combination, also in [0,100].
type PriorityScore struct {
	Overall         int
	BusinessValue   float64
	Urgency         float64
	TimeSensitivity float64
	Breakdown       map[string]float64

	// Degraded marks that one or more sub-terms fell back to the documented
	// default after a classifier failure. Routing proceeds with reduced
	// confidence; scoring itself never fails.
	Degraded bool
}

// Level returns the priority level implied by the overall score.
func (s PriorityScore) Level() PriorityLevel {
	return LevelFor(s.Overall)
}
