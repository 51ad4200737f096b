package impact

import (
	"fmt"
	"math"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

const (
	EmergencySafe   = "Safe"
	EmergencyRisky  = "Risky"
	EmergencyUnsafe = "Unsafe"
)

var corridorLabels = []string{"Recommended for Ambulance", "Use Only If Necessary", "Secondary Option"}

// ClassifyRisk places a risk score into its band. Boundaries belong to the
// higher class.
func (c EmergencyConfig) ClassifyRisk(risk float64) string {
	switch {
	case risk < c.RiskyBand:
		return EmergencySafe
	case risk < c.UnsafeBand:
		return EmergencyRisky
	default:
		return EmergencyUnsafe
	}
}

// Emergency scores how safe the observed traffic is for emergency routing.
func (e *Engine) Emergency(res *models.AnalysisResult) models.EmergencyImpact {
	cfg := e.cfg.Emergency
	summary := summaryOf(res)
	congestion := overallCongestion(res)

	recent := recentSeries(res, e.cfg.RecentWindowFrames)
	_, recentStd := popStats(recent)
	changePct := volatilityChange(recent, cfg.MinQuarterFrames)

	risk := cfg.CongestionWeight[congestion] + cfg.RecentStdWeight*recentStd + cfg.OverallStdWeight*summary.StdCount
	class := cfg.ClassifyRisk(risk)
	prob := Logistic(risk, cfg.LogisticCenter, cfg.LogisticScale)

	threshold := RelativeThreshold(recent, cfg.CorridorThresholdRatio)
	if cfg.CorridorThreshold != nil {
		threshold = *cfg.CorridorThreshold
	}
	corridors := describeSegments(recent, FindLowSegments(recent, threshold), "corridor")
	for i := range corridors {
		corridors[i].Rank = i + 1
		corridors[i].Label = corridorLabels[min(i, len(corridorLabels)-1)]
		corridors[i].Note = "Lower, stable traffic segment"
	}

	var confidence models.Confidence
	switch {
	case len(recent) >= e.cfg.HighConfidenceSamples && recentStd >= cfg.HighConfidenceMinStd:
		confidence = models.ConfidenceHigh
	case len(recent) >= e.cfg.MediumConfidenceSamples:
		confidence = models.ConfidenceMedium
	default:
		confidence = models.ConfidenceLow
	}

	recentSlope := slope(recent)
	band := math.Max(cfg.TrendMinBand, recentStd*cfg.TrendBandStdRatio)
	trend := "Stable"
	switch {
	case math.Abs(recentSlope) <= band:
	case recentSlope > 0:
		trend = "Deteriorating"
	default:
		trend = "Improving"
	}

	sensitivity := "Low"
	switch class {
	case EmergencyUnsafe:
		sensitivity = "Critical"
	case EmergencyRisky:
		sensitivity = "Moderate"
	}

	explanation := fmt.Sprintf(
		"Emergency risk computed from congestion='%s', avg vehicles=%.2f, short-term volatility=%.2f, overall volatility=%.2f. "+
			"Volatility changed by %.0f%% in the latest window. Higher volatility increases risk for emergency routing.",
		congestion, summary.AvgCount, recentStd, summary.StdCount, changePct)

	return models.EmergencyImpact{
		ImpactResult: models.ImpactResult{
			Score:          risk,
			Classification: class,
			Probability:    prob,
			Confidence:     confidence,
			ConfidenceNote: confidenceNote(confidence, analyzedFrames(res, recent)),
			Explanation:    explanation,
			Segments:       corridors,
			Inputs: map[string]any{
				"avg_count":             summary.AvgCount,
				"recent_std":            recentStd,
				"overall_std":           summary.StdCount,
				"congestion":            congestion,
				"recent_slope":          recentSlope,
				"volatility_change_pct": changePct,
				"corridor_threshold":    threshold,
			},
			Thresholds: map[string]any{
				"bands":           []float64{cfg.RiskyBand, cfg.UnsafeBand},
				"logistic_center": cfg.LogisticCenter,
				"logistic_scale":  cfg.LogisticScale,
			},
		},
		DelayRiskSeconds:    math.Max(0, risk*cfg.DelayRiskWeight+recentStd*cfg.DelayRiskStdWeight),
		ResponseSensitivity: sensitivity,
		StabilityTrend:      trend,
		VolatilityChangePct: changePct,
	}
}

// volatilityChange compares the spread of the last quarter of the series with
// the first quarter, in percent. Zero when the first quarter is flat.
func volatilityChange(values []float64, minQuarter int) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	q := min(n, max(minQuarter, n/4))
	_, prev := popStats(values[:q])
	_, last := popStats(values[n-q:])
	if prev <= 0 {
		return 0
	}
	return (last - prev) / prev * 100
}
