package entity

import (
	"fmt"
	"math"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/shopspring/decimal"
)

// Amount check defaults.
const (
	DefaultAnomalyThreshold  = 2.5
	DefaultAnomalyMinHistory = 3
)

// AmountCheck flags amounts far from what an entity usually charges, using
// the z-score against the entity's earlier sightings.
type AmountCheck struct {
	// Threshold is how many standard deviations from the mean an amount may
	// be before it is anomalous. Zero disables the check.
	Threshold  float64
	MinHistory int
}

// DefaultAmountCheck returns the built-in thresholds.
func DefaultAmountCheck() AmountCheck {
	return AmountCheck{Threshold: DefaultAnomalyThreshold, MinHistory: DefaultAnomalyMinHistory}
}

// Enabled reports whether the check runs at all.
func (c AmountCheck) Enabled() bool {
	return c.Threshold > 0
}

// Check compares the sighting's amount with every other sighting of e that
// carries an amount. It returns nil when the check is disabled or the
// sighting has no amount.
func (c AmountCheck) Check(e *model.Entity, s model.Sighting) *model.AmountAnomaly {
	if !c.Enabled() || s.Amount.IsZero() {
		return nil
	}
	minHistory := c.MinHistory
	if minHistory < 1 {
		minHistory = DefaultAnomalyMinHistory
	}

	history := make([]float64, 0, len(e.Sightings))
	for _, prev := range e.Sightings {
		if prev.Fingerprint == s.Fingerprint || prev.Amount.IsZero() {
			continue
		}
		history = append(history, prev.Amount.Abs().InexactFloat64())
	}

	if len(history) < minHistory {
		return &model.AmountAnomaly{
			History:    len(history),
			Confidence: 0.1,
			Reasons:    []string{fmt.Sprintf("not enough history (need at least %d earlier amounts)", minHistory)},
		}
	}

	mean, std := meanStd(history)
	result := &model.AmountAnomaly{
		History: len(history),
		Mean:    decimal.NewFromFloat(mean).Round(2),
		Reasons: []string{},
	}
	if std == 0 {
		result.Confidence = 0.5
		result.Reasons = append(result.Reasons, "all earlier amounts are identical")
		return result
	}

	amount := s.Amount.Abs().InexactFloat64()
	z := math.Abs(amount-mean) / std
	result.Score = z
	result.Confidence = math.Min(0.99, 0.5+z/10)
	if z <= c.Threshold {
		return result
	}

	result.IsAnomaly = true
	result.Reasons = append(result.Reasons,
		fmt.Sprintf("amount %s is %.1f standard deviations from the mean %s", s.Amount.Abs().StringFixed(2), z, result.Mean.StringFixed(2)))
	if amount > mean {
		result.Reasons = append(result.Reasons, fmt.Sprintf("unusually high amount (threshold %.1f)", c.Threshold))
	} else {
		result.Reasons = append(result.Reasons, fmt.Sprintf("unusually low amount (threshold %.1f)", c.Threshold))
	}
	return result
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
