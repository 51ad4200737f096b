package analytics

import (
	"fmt"
	"math"
	"strings"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

// TrendConfig holds the calibration of the short-term outlook. Values are
// heuristics and can be tuned without touching EstimateTrend.
type TrendConfig struct {
	WindowSeconds float64
	MinFrames     int

	MinBand          float64
	BandMADRatio     float64
	MaterialMADRatio float64

	StableHighStability  float64
	StableHighSlopeRatio float64
	MediumStability      float64
	HighConsistency      float64
	MediumConsistency    float64
}

func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		WindowSeconds:        300,
		MinFrames:            10,
		MinBand:              0.5,
		BandMADRatio:         0.5,
		MaterialMADRatio:     0.3,
		StableHighStability:  0.8,
		StableHighSlopeRatio: 0.5,
		MediumStability:      0.5,
		HighConsistency:      0.7,
		MediumConsistency:    0.5,
	}
}

type TrendOutlook struct {
	Direction        models.TrendDirection `json:"direction"`
	Confidence       models.Confidence     `json:"confidence"`
	Explanation      string                `json:"explanation"`
	Slope            float64               `json:"slope"`
	Band             float64               `json:"band"`
	StabilityRatio   float64               `json:"stability_ratio"`
	ConsistencyRatio float64               `json:"consistency_ratio"`
	WindowFrames     int                   `json:"window_frames"`
}

const insufficientTrendExplanation = "Short-Term Trend Outlook is unavailable due to insufficient data from this session. " +
	"This system reports short-term behavior only and does not forecast beyond the current video."

func insufficientTrend() TrendOutlook {
	return TrendOutlook{
		Direction:        models.TrendStable,
		Confidence:       models.ConfidenceLow,
		Explanation:      insufficientTrendExplanation,
		ConsistencyRatio: 0.5,
	}
}

// TrendWindow is the number of trailing frames the outlook looks at:
// roughly WindowSeconds of video, never fewer than MinFrames, clipped to n.
func TrendWindow(n int, fps float64, cfg TrendConfig) int {
	target := int(cfg.WindowSeconds * fps)
	return min(n, max(cfg.MinFrames, min(n, target)))
}

// EstimateTrend classifies the direction of the trailing smoothed counts.
// It always returns an outlook; degenerate windows yield Stable/Low.
func EstimateTrend(smoothed []float64, levels []models.CongestionLevel, fps float64, cfg TrendConfig) TrendOutlook {
	if len(smoothed) != len(levels) || fps <= 0 {
		return insufficientTrend()
	}
	w := TrendWindow(len(smoothed), fps, cfg)
	if w < 2 {
		return insufficientTrend()
	}
	recent := smoothed[len(smoothed)-w:]
	recentLevels := levels[len(levels)-w:]

	slope := linearSlope(recent)
	diffs := successiveDiffs(recent)
	mad := meanAbs(diffs)
	band := math.Max(cfg.MinBand, mad*cfg.BandMADRatio)

	direction := models.TrendStable
	switch {
	case math.Abs(slope) <= band:
	case slope > 0:
		direction = models.TrendWorsening
	default:
		direction = models.TrendImproving
	}

	latest := recentLevels[len(recentLevels)-1]
	same := 0
	for _, lvl := range recentLevels {
		if lvl == latest {
			same++
		}
	}
	stability := float64(same) / float64(len(recentLevels))
	consistency := consistencyRatio(diffs, slope, mad*cfg.MaterialMADRatio)

	confidence := models.ConfidenceLow
	if direction == models.TrendStable {
		switch {
		case stability >= cfg.StableHighStability && math.Abs(slope) <= band*cfg.StableHighSlopeRatio:
			confidence = models.ConfidenceHigh
		case stability >= cfg.MediumStability:
			confidence = models.ConfidenceMedium
		}
	} else {
		switch {
		case consistency >= cfg.HighConsistency && stability >= cfg.MediumStability && math.Abs(slope) > band:
			confidence = models.ConfidenceHigh
		case consistency >= cfg.MediumConsistency:
			confidence = models.ConfidenceMedium
		}
	}

	return TrendOutlook{
		Direction:        direction,
		Confidence:       confidence,
		Explanation:      trendExplanation(direction, confidence, stability, consistency, w, fps, cfg),
		Slope:            slope,
		Band:             band,
		StabilityRatio:   stability,
		ConsistencyRatio: consistency,
		WindowFrames:     w,
	}
}

// consistencyRatio is the share of material diffs whose sign agrees with the
// slope. With no material diffs the answer is undecided (0.5).
func consistencyRatio(diffs []float64, slope, materialThreshold float64) float64 {
	var sign float64
	switch {
	case slope > 0:
		sign = 1
	case slope < 0:
		sign = -1
	}

	usable, agree := 0, 0
	for _, d := range diffs {
		if math.Abs(d) <= materialThreshold {
			continue
		}
		usable++
		if d*sign > 0 {
			agree++
		}
	}
	if usable == 0 {
		return 0.5
	}
	return float64(agree) / float64(usable)
}

func trendExplanation(direction models.TrendDirection, confidence models.Confidence, stability, consistency float64, window int, fps float64, cfg TrendConfig) string {
	windowText := "recent frames"
	if minutes := float64(window) / fps / 60; minutes >= 1 {
		windowText = fmt.Sprintf("last ~%.0f minutes", minutes)
	}

	movement := "holding steady"
	switch direction {
	case models.TrendWorsening:
		movement = "rising"
	case models.TrendImproving:
		movement = "falling"
	}

	stabilityText := "variable"
	switch {
	case stability >= cfg.StableHighStability:
		stabilityText = "mostly stable"
	case stability >= cfg.MediumStability:
		stabilityText = "somewhat stable"
	}

	consistencyText := "uncertain"
	switch {
	case consistency >= cfg.HighConsistency:
		consistencyText = "consistent"
	case consistency >= cfg.MediumConsistency:
		consistencyText = "mixed"
	}

	return fmt.Sprintf("Short-Term Trend Outlook indicates %s conditions over the next few minutes. "+
		"This is a short-term inference based on the %s in this video session. "+
		"Smoothed vehicle counts have been %s and recent congestion labels are %s. "+
		"Overall trend is %s; confidence is %s. "+
		"Use this as immediate guidance; it does not predict longer-term traffic.",
		strings.ToLower(string(direction)), windowText, movement, stabilityText, consistencyText, confidence)
}
