package audit

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/parking-traffic-cv/server/models"
)

// Entry is one append-only audit row for a completed analysis run.
type Entry struct {
	Timestamp            time.Time              `json:"timestamp"`
	RunID                string                 `json:"run_id"`
	VideoID              string                 `json:"video_id"`
	AvgVehicles          float64                `json:"avg_vehicles"`
	Congestion           models.CongestionLevel `json:"congestion"`
	RiskScore            int                    `json:"risk_score"`
	EmergencySafe        bool                   `json:"emergency_safe"`
	EmergencyProbability float64                `json:"emergency_probability"`
	AccessibilityScore   int                    `json:"accessibility_score"`
	ClimateScore         float64                `json:"climate_score"`
	Recommendation       string                 `json:"recommendation"`
	Confidence           models.Confidence      `json:"confidence"`
}

// BuildEntry flattens an analysis and its impact results into an audit row.
// Integer scores are rounded to the nearest whole number.
// A run without an id gets a fresh one, which disables deduplication for it.
func BuildEntry(res *models.AnalysisResult, em models.EmergencyImpact, acc models.AccessibilityImpact, cl models.ClimateImpact) Entry {
	e := Entry{
		Timestamp:            time.Now().UTC(),
		RiskScore:            int(math.Round(em.Score)),
		EmergencySafe:        em.Classification == "Safe",
		EmergencyProbability: em.Probability,
		AccessibilityScore:   int(math.Round(acc.Score)),
		ClimateScore:         cl.Score,
		Confidence:           em.Confidence,
	}
	if res != nil {
		e.RunID = res.RunID
		e.VideoID = res.VideoID
		e.AvgVehicles = res.Summary.AvgCount
		e.Congestion = res.OverallCongestion
		e.Recommendation = res.RecommendationText
	}
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	return e
}
