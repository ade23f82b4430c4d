package election

import (
	"time"

	"github.com/hupe1980/swarmkit/core"
)

// Scorer rates a candidate's bid. Higher is better.
type Scorer interface {
	Score(profile core.CandidateProfile) float64
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(profile core.CandidateProfile) float64

// Score implements Scorer.
func (f ScorerFunc) Score(profile core.CandidateProfile) float64 { return f(profile) }

var typeWeights = map[core.AgentType]float64{
	core.AgentTypeCoordinator: 30,
	core.AgentTypeArchitect:   25,
	core.AgentTypeAnalyst:     20,
	core.AgentTypeReviewer:    20,
	core.AgentTypeCoder:       15,
	core.AgentTypeResearcher:  15,
	core.AgentTypeTester:      15,
	core.AgentTypeMonitor:     10,
}

const (
	maxResourceWeight    = 20.0
	maxReliabilityWeight = 40.0
	maxSpeedWeight       = 10.0
	slowResponse         = 5 * time.Second
)

// DefaultScorer implements
//
//	typeWeight(role) + resourceEfficiencyWeight(requirements) + performanceWeight(reliability, responseTime)
//
// Coordinators weigh most; cheaper and faster, more reliable candidates
// gain up to 70 more points.
var DefaultScorer Scorer = ScorerFunc(func(p core.CandidateProfile) float64 {
	return TypeWeight(p.Role) + ResourceEfficiencyWeight(p.Requirements) + PerformanceWeight(p.Reliability, p.ResponseTime)
})

// TypeWeight returns the base weight of a role; unknown roles get 5.
func TypeWeight(role core.AgentType) float64 {
	if w, ok := typeWeights[role]; ok {
		return w
	}
	return 5
}

// ResourceEfficiencyWeight favours candidates with small requirements.
func ResourceEfficiencyWeight(r core.ResourceRequirements) float64 {
	cost := r.CPU*2 + r.MemoryMB/512
	return clamp(maxResourceWeight-cost, 0, maxResourceWeight)
}

// PerformanceWeight combines reliability in [0,1] with response time; a
// response time of five seconds or more earns no speed points.
func PerformanceWeight(reliability float64, responseTime time.Duration) float64 {
	rel := clamp(reliability, 0, 1) * maxReliabilityWeight
	slowness := clamp(float64(responseTime)/float64(slowResponse), 0, 1)
	return rel + maxSpeedWeight*(1-slowness)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
