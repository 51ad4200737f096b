package impact

import (
	"fmt"
	"math"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

const (
	ClimateLow      = "Low Impact"
	ClimateModerate = "Moderate Impact"
	ClimateHigh     = "High Impact"
)

// Climate estimates the emission cost of the congested part of the video.
// A non-positive emissionFactor uses the configured one (kg CO2 per vehicle
// per minute).
func (e *Engine) Climate(res *models.AnalysisResult, emissionFactor float64) models.ClimateImpact {
	cfg := e.cfg.Climate
	if emissionFactor <= 0 {
		emissionFactor = cfg.EmissionFactor
	}
	summary := summaryOf(res)
	fps := summary.FPSOr(e.cfg.DefaultFPS)

	congestedFrames := summary.MediumFrames + summary.HighFrames
	minutes := float64(congestedFrames) / fps / 60
	totalMinutes := float64(summary.TotalFrames) / fps / 60
	freeMinutes := math.Max(0, totalMinutes-minutes)

	emission := summary.AvgCount * minutes * emissionFactor

	level, intensity := ClimateHigh, "High"
	switch {
	case emission < cfg.ModerateBand:
		level, intensity = ClimateLow, "Low"
	case emission < cfg.HighBand:
		level, intensity = ClimateModerate, "Medium"
	}

	recent := recentSeries(res, e.cfg.RecentWindowFrames)
	alternatives := describeSegments(recent, FindLowSegments(recent, RelativeThreshold(recent, cfg.AlternativeThresholdRatio)), "alternative")
	for i := range alternatives {
		alternatives[i].Note = "Lower density; smoother flow"
		if alternatives[i].Volatility < cfg.SmoothFlowMaxStd {
			alternatives[i].Note = "Smoother flow; fewer stops"
		}
	}

	confidence := models.ConfidenceLow
	switch {
	case minutes >= cfg.HighConfidenceMinutes:
		confidence = models.ConfidenceHigh
	case minutes >= cfg.MediumConfidenceMinutes:
		confidence = models.ConfidenceMedium
	}

	var idling, ratio, fraction float64
	if summary.AvgCount > 0 {
		idling = emission / (summary.AvgCount * emissionFactor)
	}
	if totalMinutes > 0 && minutes > 0 {
		ratio = minutes / math.Max(1e-6, freeMinutes)
	}
	if totalMinutes > 0 {
		fraction = minutes / totalMinutes
	}

	explanation := fmt.Sprintf(
		"Emission impact is an estimate based on detected vehicles during congestion. "+
			"Observed avg vehicles=%.2f and congestion time=%.2f min out of %.2f min total (%.0f%%). "+
			"Using a factor of %.2f kg CO2 per vehicle per minute, the estimated score is %.2f. "+
			"This is decision support, not an exact emissions measurement.",
		summary.AvgCount, minutes, totalMinutes, fraction*100, emissionFactor, emission)

	return models.ClimateImpact{
		ImpactResult: models.ImpactResult{
			Score:          emission,
			Classification: level,
			Probability:    Logistic(emission, cfg.LogisticCenter, cfg.LogisticScale),
			Confidence:     confidence,
			ConfidenceNote: confidenceNote(confidence, analyzedFrames(res, recent)),
			Explanation:    explanation,
			Segments:       alternatives,
			Inputs: map[string]any{
				"avg_count":             summary.AvgCount,
				"congestion_minutes":    minutes,
				"total_minutes":         totalMinutes,
				"non_congested_minutes": freeMinutes,
				"congestion_fraction":   fraction,
				"emission_factor":       emissionFactor,
				"medium_frames":         summary.MediumFrames,
				"high_frames":           summary.HighFrames,
				"congested_frames":      congestedFrames,
				"total_frames":          summary.TotalFrames,
				"fps":                   fps,
			},
			Thresholds: map[string]any{
				"level_bands":     []float64{cfg.ModerateBand, cfg.HighBand},
				"logistic_center": cfg.LogisticCenter,
				"logistic_scale":  cfg.LogisticScale,
			},
		},
		EquivalentIdlingMinutes: idling,
		EmissionIntensity:       intensity,
		RelativeVsFreeflowRatio: ratio,
		CongestionFraction:      fraction,
	}
}
