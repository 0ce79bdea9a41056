package pipeline

import (
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/google/uuid"
)

// HistogramBuckets is the number of equal-width confidence buckets.
const HistogramBuckets = 10

// Summary aggregates a processed batch for reporting.
type Summary struct {
	ByType            map[model.TransactionType]int      `json:"by_type"`
	ByDirection       map[model.Direction]int            `json:"by_direction"`
	ByMethod          map[model.DisambiguationMethod]int `json:"by_method"`
	ByMatch           map[model.MatchKind]int            `json:"by_match"`
	Histogram         [HistogramBuckets]int              `json:"confidence_histogram"`
	Total             int                                `json:"total"`
	MerchantExpected  int                                `json:"merchant_expected"`
	Resolved          int                                `json:"resolved"`
	Entities          int                                `json:"entities"`
	NeedsVerification int                                `json:"needs_verification"`
	Anomalies         int                                `json:"amount_anomalies"`
	Errors            int                                `json:"errors"`
	VerificationPct   float64                            `json:"verification_pct"`
	MeanConfidence    float64                            `json:"mean_confidence"`
}

// Summarize computes the type distribution, confidence histogram and share
// of transactions needing verification. Each transaction's confidence is
// that of the last stage that ran.
func Summarize(txns []*model.Transaction) Summary {
	s := Summary{
		ByType:      map[model.TransactionType]int{},
		ByDirection: map[model.Direction]int{},
		ByMethod:    map[model.DisambiguationMethod]int{},
		ByMatch:     map[model.MatchKind]int{},
		Total:       len(txns),
	}
	entities := map[uuid.UUID]bool{}
	var confSum float64

	for _, t := range txns {
		if t.Classification != nil {
			s.ByType[t.Classification.Type]++
			s.ByDirection[t.Classification.Direction]++
			if t.Classification.MerchantExpected {
				s.MerchantExpected++
			}
		}
		if t.Disambiguation != nil {
			s.ByMethod[t.Disambiguation.Method]++
		}
		if t.Resolution != nil {
			s.Resolved++
			s.ByMatch[t.Resolution.Match]++
			entities[t.Resolution.Entity.ID] = true
			if t.Resolution.Anomaly != nil && t.Resolution.Anomaly.IsAnomaly {
				s.Anomalies++
			}
		}
		if t.Error != "" {
			s.Errors++
		}
		if t.NeedsVerification() {
			s.NeedsVerification++
		}
		conf := t.Confidence()
		confSum += conf
		s.Histogram[bucket(conf)]++
	}

	s.Entities = len(entities)
	if s.Total > 0 {
		s.VerificationPct = 100 * float64(s.NeedsVerification) / float64(s.Total)
		s.MeanConfidence = confSum / float64(s.Total)
	}
	return s
}

// bucket maps a confidence to its histogram index; 1.0 falls in the last one.
func bucket(conf float64) int {
	switch {
	case conf <= 0:
		return 0
	case conf >= 1:
		return HistogramBuckets - 1
	}
	return int(conf * HistogramBuckets)
}
