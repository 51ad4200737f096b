package analytics

import (
	"fmt"
	"math"
	"strings"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

var CongestionPenalty = map[models.CongestionLevel]int{
	models.CongestionLow:    0,
	models.CongestionMedium: 10,
	models.CongestionHigh:   30,
}

const (
	RecommendAvoid     = "Avoid Parking – High Congestion"
	RecommendSecondary = "Secondary Preference Parking"
	RecommendHighly    = "Highly Recommended Parking"
)

// Margins around the classification thresholds inside which a frame's class
// is flagged as uncertain.
const (
	lowThresholdMargin    = 1.0
	mediumThresholdMargin = 2.0
)

// ParkingScore computes the signed suitability score for one frame. The base
// never goes below zero; the congestion penalty can push the final score negative.
func ParkingScore(rawCount int, level models.CongestionLevel, baseline float64) (int, models.ParkingExplanation) {
	base := math.Max(0, baseline-float64(rawCount))
	penalty := CongestionPenalty[level]
	final := int(math.Trunc(base - float64(penalty)))

	return final, models.ParkingExplanation{
		VehicleCount:      rawCount,
		Baseline95p:       baseline,
		BaseScore:         int(math.Trunc(base)),
		CongestionLevel:   level,
		CongestionPenalty: penalty,
		FinalScore:        final,
	}
}

func Recommendation(score int, level models.CongestionLevel) string {
	switch {
	case level == models.CongestionHigh || score < 0:
		return RecommendAvoid
	case level == models.CongestionMedium:
		return RecommendSecondary
	default:
		return RecommendHighly
	}
}

// ExplainDecision renders the per-frame rationale, including an uncertainty
// note when the smoothed count sits close to a class boundary.
func ExplainDecision(x models.ParkingExplanation, smoothed float64) string {
	var b strings.Builder
	b.WriteString("Reasoning (latest frame):\n")
	fmt.Fprintf(&b, "- Inputs: observed vehicles=%d, smoothed_count=%.1f, baseline_95p=%.1f.\n",
		x.VehicleCount, smoothed, x.Baseline95p)
	b.WriteString("- Preprocessing: trailing rolling mean; damps frame-to-frame noise and short spikes.\n")
	fmt.Fprintf(&b, "- Congestion classification: thresholds ≤%.0f Low, ≤%.0f Medium, >%.0f High; current class=%s.\n",
		LowMaxCount, MediumMaxCount, MediumMaxCount, x.CongestionLevel)
	fmt.Fprintf(&b, "- Scoring: base_score=baseline_95p−count=%.1f−%d=%d; penalty=%d (by class); final_score=%d.\n",
		x.Baseline95p, x.VehicleCount, x.BaseScore, x.CongestionPenalty, x.FinalScore)
	b.WriteString("- Decision: higher final_score means more suitable for nearby parking; negative scores indicate avoidance.")

	if thr, near := nearThreshold(smoothed); near {
		fmt.Fprintf(&b, "\n- Uncertainty note: smoothed_count is near a decision threshold (~%.0f); class may fluctuate with minor changes.", thr)
	}
	return b.String()
}

func nearThreshold(smoothed float64) (float64, bool) {
	if math.Abs(smoothed-LowMaxCount) <= lowThresholdMargin {
		return LowMaxCount, true
	}
	if math.Abs(smoothed-MediumMaxCount) <= mediumThresholdMargin {
		return MediumMaxCount, true
	}
	return 0, false
}
