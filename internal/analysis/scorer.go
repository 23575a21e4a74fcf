package analysis

import (
	"math"
	"sort"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
)

const (
	// NavigationThreshold is used when screening navigations.
	NavigationThreshold = 0.0
	// InteractiveThreshold is used when a person asks for a verdict.
	InteractiveThreshold = 0.5
)

// Contributor is the signed contribution of one feature to a score.
type Contributor struct {
	Name         features.Name    `json:"name"`
	Value        features.Ternary `json:"value"`
	Weight       float64          `json:"weight"`
	Contribution float64          `json:"contribution"`
}

// ScoreResult is the reduction of a vector through a weight table.
type ScoreResult struct {
	Score        float64       `json:"score"`
	Threshold    float64       `json:"threshold"`
	Phishing     bool          `json:"phishing"`
	Contributors []Contributor `json:"contributors"`
}

// Score computes the weighted sum of v under w and applies threshold. The
// result is phishing only when the score is strictly above the threshold.
func Score(v features.Vector, w WeightTable, threshold float64) ScoreResult {
	var sum float64
	contribs := make([]Contributor, 0, features.Count)
	v.Each(func(n features.Name, t features.Ternary) {
		weight := w.Weight(n)
		c := t.Float() * weight
		sum += c
		if c != 0 {
			contribs = append(contribs, Contributor{Name: n, Value: t, Weight: weight, Contribution: c})
		}
	})
	return ScoreResult{
		Score:        sum,
		Threshold:    threshold,
		Phishing:     sum > threshold,
		Contributors: contribs,
	}
}

// TopContributors returns the n largest contributions by magnitude.
func (r ScoreResult) TopContributors(n int) []Contributor {
	out := make([]Contributor, len(r.Contributors))
	copy(out, r.Contributors)
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Contribution) > math.Abs(out[j].Contribution)
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Scorer binds a weight table to a threshold. Changing either means building
// a new Scorer.
type Scorer struct {
	weights   WeightTable
	threshold float64
}

// NewScorer creates a Scorer.
func NewScorer(weights WeightTable, threshold float64) *Scorer {
	return &Scorer{weights: weights, threshold: threshold}
}

// Score scores v.
func (s *Scorer) Score(v features.Vector) ScoreResult {
	return Score(v, s.weights, s.threshold)
}

// Weights returns the bound table.
func (s *Scorer) Weights() WeightTable { return s.weights }

// Threshold returns the bound threshold.
func (s *Scorer) Threshold() float64 { return s.threshold }
