package impact

import (
	"fmt"
	"math"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

const (
	RatingSeniorFriendly = "Senior-Friendly Zone"
	RatingWheelchair     = "Wheelchair Accessible Parking"
	RatingCaution        = "Caution: Variable Traffic"

	StressLow      = "Low Stress"
	StressModerate = "Moderate Stress"
	StressHigh     = "High Stress"
)

// Accessibility rates how calm the traffic is for vulnerable pedestrians.
// entranceBias is added to the score before clamping.
func (e *Engine) Accessibility(res *models.AnalysisResult, entranceBias float64) models.AccessibilityImpact {
	cfg := e.cfg.Accessibility
	congestion := overallCongestion(res)
	fps := summaryOf(res).FPSOr(e.cfg.DefaultFPS)

	recent := recentSeries(res, e.cfg.RecentWindowFrames)
	avg, std := popStats(recent)

	window := max(cfg.StressMinFrames, int(cfg.StressWindowSeconds*fps))
	last := recent
	if len(last) > window {
		last = last[len(last)-window:]
	}
	_, stdLast := popStats(last)
	spikeThreshold := math.Max(cfg.SpikeMinDelta, stdLast*cfg.SpikeStdRatio)
	spikes := countSpikes(last, spikeThreshold)

	stability := 100 / (1 + std)
	penalty := cfg.CongestionPenalty[congestion]
	score := math.Max(0, math.Min(100, stability-penalty+entranceBias))

	rating := RatingCaution
	switch {
	case score >= cfg.SeniorFriendlyMin:
		rating = RatingSeniorFriendly
	case score >= cfg.WheelchairMin:
		rating = RatingWheelchair
	}

	stress := StressHigh
	switch {
	case stdLast <= cfg.LowStressMaxStd && spikes <= cfg.LowStressMaxSpikes:
		stress = StressLow
	case stdLast <= cfg.ModerateStressMaxStd && spikes <= cfg.ModerateStressMaxSpikes:
		stress = StressModerate
	}

	zones := describeSegments(recent, FindLowSegments(recent, avg*cfg.ZoneThresholdRatio), "low-stress")
	for i := range zones {
		zones[i].Note = "Stable, low variability segment"
	}

	confidence := e.sampleConfidence(len(recent))
	explanation := fmt.Sprintf(
		"Accessibility emphasizes stability: recent std=%.2f gives stability=%.1f. "+
			"Congestion='%s' applies a penalty of %.0f; entrance bias=%.1f adjusts the score.",
		std, stability, congestion, penalty, entranceBias)

	return models.AccessibilityImpact{
		ImpactResult: models.ImpactResult{
			Score:          score,
			Classification: rating,
			Probability:    1 - Logistic(std, cfg.LogisticMidStd, cfg.LogisticScale),
			Confidence:     confidence,
			ConfidenceNote: confidenceNote(confidence, analyzedFrames(res, recent)),
			Explanation:    explanation,
			Segments:       zones,
			Inputs: map[string]any{
				"recent_std":      std,
				"congestion":      congestion,
				"entrance_bias":   entranceBias,
				"last_60s_std":    stdLast,
				"spike_threshold": spikeThreshold,
				"fps":             fps,
			},
			Thresholds: map[string]any{
				"std_mid":      cfg.LogisticMidStd,
				"rating_bands": []float64{cfg.WheelchairMin, cfg.SeniorFriendlyMin},
			},
		},
		StabilityScore:   stability,
		Last60sStd:       stdLast,
		SuddenSpikeCount: spikes,
		StressIndicator:  stress,
	}
}

func countSpikes(values []float64, threshold float64) int {
	var n int
	for i := 1; i < len(values); i++ {
		if math.Abs(values[i]-values[i-1]) > threshold {
			n++
		}
	}
	return n
}
