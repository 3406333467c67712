package model

import "time"

// Complexity is the triage model's estimate of how much work a request needs.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// ParseComplexity normalises a triage-model label into a known tier.
// Unknown values fall back to standard so an odd label never blocks a request.
func ParseComplexity(v string) Complexity {
	switch Complexity(v) {
	case ComplexityTrivial:
		return ComplexityTrivial
	case ComplexityComplex:
		return ComplexityComplex
	default:
		return ComplexityStandard
	}
}

// Known rich-content preview types the response may need on the client side.
const (
	PreviewCode  = "code"
	PreviewMath  = "math"
	PreviewMusic = "music"
	PreviewChart = "chart"
	PreviewImage = "image"
)

// HarmAssessment is the safety verdict from the triage model.
type HarmAssessment struct {
	Flagged  bool    `json:"flagged"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
}

// TriageResult is the output of the triage stage. It is owned by the
// orchestrator, consumed once by the generation stage and then discarded.
type TriageResult struct {
	Harm          HarmAssessment
	Complexity    Complexity
	MemoryKeys    []string
	PreviewTypes  []string
	EstimatedCost Microcredits
	Affordable    bool
	ParseErrors   []string
	Timestamp     time.Time
}
