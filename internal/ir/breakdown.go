package ir

import (
	"fmt"
	"math"
)

// Component maxima. They sum to exactly 100.
const (
	MaxSupplier  = 40.0
	MaxDate      = 25.0
	MaxLineItems = 30.0
	MaxValue     = 5.0
	MaxScore     = 100.0
)

// ScoreBreakdown is the fixed-shape record of the four scoring components.
//
// Construct it with NewScoreBreakdown; the zero value is a valid all-zero
// breakdown.
type ScoreBreakdown struct {
	Supplier  float64 `json:"supplier"`
	Date      float64 `json:"date"`
	LineItems float64 `json:"line_items"`
	Value     float64 `json:"value"`
}

// NewScoreBreakdown validates and rounds the components.
//
// Each component is rounded to two decimal places and must lie in
// [0, component max]. The rounded sum must not exceed 100.
func NewScoreBreakdown(supplier, date, lineItems, value float64) (ScoreBreakdown, error) {
	b := ScoreBreakdown{
		Supplier:  Round2(supplier),
		Date:      Round2(date),
		LineItems: Round2(lineItems),
		Value:     Round2(value),
	}
	checks := []struct {
		name string
		v    float64
		max  float64
	}{
		{"supplier", b.Supplier, MaxSupplier},
		{"date", b.Date, MaxDate},
		{"line_items", b.LineItems, MaxLineItems},
		{"value", b.Value, MaxValue},
	}
	for _, c := range checks {
		if math.IsNaN(c.v) || c.v < 0 || c.v > c.max {
			return ScoreBreakdown{}, &Error{
				Kind:    KindInput,
				Op:      "NewScoreBreakdown",
				Message: fmt.Sprintf("%s component %.2f outside [0, %.0f]", c.name, c.v, c.max),
			}
		}
	}
	if sum := b.Sum(); sum > MaxScore {
		return ScoreBreakdown{}, &Error{
			Kind:    KindInput,
			Op:      "NewScoreBreakdown",
			Message: fmt.Sprintf("component sum %.2f exceeds %.0f", sum, MaxScore),
		}
	}
	return b, nil
}

// MustScoreBreakdown is like NewScoreBreakdown but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustScoreBreakdown(supplier, date, lineItems, value float64) ScoreBreakdown {
	b, err := NewScoreBreakdown(supplier, date, lineItems, value)
	if err != nil {
		panic(err)
	}
	return b
}

// Sum returns the unclamped component sum rounded to two decimal places.
func (b ScoreBreakdown) Sum() float64 {
	return Round2(b.Supplier + b.Date + b.LineItems + b.Value)
}

// Confidence returns the component sum clamped to [0, 100].
func (b ScoreBreakdown) Confidence() float64 {
	return Clamp(b.Sum(), 0, MaxScore)
}

// Round2 rounds v half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
