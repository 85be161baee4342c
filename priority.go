package main

import (
	"math"
	"strings"
	"time"
)

// complexityScoreForPriority maps complexity to the Priority Scorer's
// complexity_score input — distinct from the Breakdown Engine's
// complexityScoreTable, which scores MicroTasks, not WorkItems.
var complexityScoreForPriority = map[Complexity]float64{
	ComplexityCritical: 100,
	ComplexityHigh:     80,
	ComplexityMedium:   60,
	ComplexityLow:       40,
}

var priorityMultiplierTable = map[Priority]float64{
	PriorityCritical: 3.0,
	PriorityHigh:     2.5,
	PriorityMedium:   2.0,
	PriorityLow:       1.5,
}

// dependencyKeywords and businessKeywords drive the dependency_factor and
// business_value terms of the Priority Scorer.
var dependencyKeywords = []string{"depends on", "after", "blocked by", "requires", "prerequisite"}
var businessKeywords = []string{"revenue", "customer", "compliance", "sla", "critical path", "contract", "regulatory"}

// PriorityScorer computes the composite priority integer used to order Jobs.
type PriorityScorer struct {
	agents *AgentDirectory
}

// NewPriorityScorer constructs a scorer backed by the Agent directory for
// the resource_factor term.
func NewPriorityScorer(agents *AgentDirectory) *PriorityScorer {
	return &PriorityScorer{agents: agents}
}

// Score computes and stores item.PriorityBreakdown, returning the rounded
// composite score.
func (ps *PriorityScorer) Score(item *WorkItem) int {
	complexityScore := complexityScoreForPriority[item.Complexity]
	if complexityScore == 0 {
		complexityScore = 60
	}
	multiplier := priorityMultiplierTable[item.Priority]
	if multiplier == 0 {
		multiplier = 2.0
	}

	ageHours := time.Since(item.CreatedAt).Hours()
	urgency := math.Min(50, ageHours*2)

	available := 0
	if ps.agents != nil {
		available = ps.agents.AvailableWorkerCount(item.RequiredCapabilities)
	}
	resourceFactor := math.Min(30, float64(available)*10)

	dependencyFactor := dependencyFactorOf(item)
	businessValue := businessValueOf(item)

	breakdown := &PriorityBreakdown{
		ComplexityScore:    complexityScore,
		PriorityMultiplier: multiplier,
		Urgency:            urgency,
		ResourceFactor:     resourceFactor,
		DependencyFactor:   dependencyFactor,
		BusinessValue:      businessValue,
	}
	score := complexityScore*multiplier + urgency + resourceFactor + dependencyFactor + businessValue
	breakdown.Score = int(math.Round(score))

	item.PriorityBreakdown = breakdown
	return breakdown.Score
}

// dependencyFactorOf computes dependency_factor in [0,20]: +5 per dependency
// keyword found in the description, +3 per explicit dependency (capped at
// 15), +10 if the description mentions blocking other work (there is no
// separate blocks_others field in the data model, so this keyword match is
// the closest observable proxy).
func dependencyFactorOf(item *WorkItem) float64 {
	var factor float64
	lower := strings.ToLower(item.Description)
	for _, kw := range dependencyKeywords {
		if strings.Contains(lower, kw) {
			factor += 5
		}
	}

	explicit := math.Min(15, float64(len(item.Dependencies))*3)
	factor += explicit

	if strings.Contains(lower, "blocks") || strings.Contains(lower, "blocking") {
		factor += 10
	}

	return math.Min(20, factor)
}

// businessValueOf computes business_value in [0,25]: +3 per business-critical
// keyword; bonus by priority; auto-generated items incur -5.
func businessValueOf(item *WorkItem) float64 {
	var value float64
	lower := strings.ToLower(item.Description)
	for _, kw := range businessKeywords {
		if strings.Contains(lower, kw) {
			value += 3
		}
	}

	switch item.Priority {
	case PriorityCritical:
		value += 10
	case PriorityHigh:
		value += 6
	case PriorityMedium:
		value += 3
	}

	if item.AutoGenerated {
		value -= 5
	}

	if value < 0 {
		value = 0
	}
	return math.Min(25, value)
}
