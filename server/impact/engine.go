package impact

import (
	"fmt"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

// Engine runs the three impact scorers over a finished analysis. Scorers never
// fail: empty or short input yields low-confidence defaults.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = 30
	}
	if cfg.Climate.EmissionFactor <= 0 {
		cfg.Climate.EmissionFactor = DefaultConfig().Climate.EmissionFactor
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) sampleConfidence(n int) models.Confidence {
	switch {
	case n >= e.cfg.HighConfidenceSamples:
		return models.ConfidenceHigh
	case n >= e.cfg.MediumConfidenceSamples:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func confidenceNote(c models.Confidence, frames int) string {
	return fmt.Sprintf("%s confidence (stable patterns, %d+ frames analyzed).", c, frames)
}

// analyzedFrames is the frame count quoted in confidence notes.
func analyzedFrames(res *models.AnalysisResult, recent []float64) int {
	if res != nil && res.Summary.TotalFrames > 0 {
		return res.Summary.TotalFrames
	}
	return len(recent)
}

func overallCongestion(res *models.AnalysisResult) models.CongestionLevel {
	if res == nil || res.OverallCongestion == "" {
		return models.CongestionLow
	}
	return res.OverallCongestion
}

func summaryOf(res *models.AnalysisResult) models.VideoSummary {
	if res == nil {
		return models.VideoSummary{}
	}
	return res.Summary
}

// describeSegments attaches per-segment statistics to the raw ranges.
func describeSegments(values []float64, segments []Segment, kind string) []models.RecommendedSegment {
	out := make([]models.RecommendedSegment, 0, len(segments))
	for _, s := range segments {
		avg, std := popStats(segmentValues(values, s))
		out = append(out, models.RecommendedSegment{
			Type:        kind,
			FrameStart:  s.Start,
			FrameEnd:    s.End,
			AvgVehicles: avg,
			Volatility:  std,
		})
	}
	return out
}
