package analytics

import (
	"fmt"
	"strings"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

// Summarize aggregates the scored frames. fps may be nil when the source
// did not report a frame rate; duration is then unknown as well.
func Summarize(frames []models.ScoredFrame, fps *float64) models.VideoSummary {
	s := models.VideoSummary{TotalFrames: len(frames)}
	if fps != nil && *fps > 0 {
		v := *fps
		s.FPS = &v
		if len(frames) > 0 {
			d := float64(len(frames)) / v
			s.DurationSeconds = &d
		}
	}
	if len(frames) == 0 {
		return s
	}

	counts := make([]float64, len(frames))
	for i, f := range frames {
		counts[i] = float64(f.RawCount)
		switch f.CongestionLevel {
		case models.CongestionLow:
			s.LowFrames++
		case models.CongestionMedium:
			s.MediumFrames++
		case models.CongestionHigh:
			s.HighFrames++
		}
	}

	total := float64(len(frames))
	s.AvgCount = mean(counts)
	s.MedianCount = Percentile(counts, 0.5)
	s.MaxCount = int(maxValue(counts))
	s.P95Count = Percentile(counts, DefaultBaselinePercentile)
	s.StdCount = sampleStdDev(counts)
	s.LowFraction = float64(s.LowFrames) / total
	s.MediumFraction = float64(s.MediumFrames) / total
	s.HighFraction = float64(s.HighFrames) / total
	return s
}

// BuildXAISummary renders the whole-video report: methodology, thresholds,
// distribution and the overall decision.
func BuildXAISummary(r *models.AnalysisResult) string {
	s := r.Summary
	cfg := r.Settings

	lines := []string{
		fmt.Sprintf("Methodology: object detection (%s); vehicle classes filtered; confidence ≥ %.2f.", cfg.Model, cfg.ConfThreshold),
		fmt.Sprintf("Temporal smoothing: rolling mean window=%d; congestion thresholds: ≤%.0f Low, ≤%.0f Medium, >%.0f High.",
			cfg.SmoothingWindow, LowMaxCount, MediumMaxCount, MediumMaxCount),
		fmt.Sprintf("Heatmap: centroid accumulation on a %d×%d grid; blended over last frame (alpha %.1f).",
			cfg.HeatmapGrid[0], cfg.HeatmapGrid[1], 0.5),
	}

	stats := fmt.Sprintf("Statistics: %d frames", s.TotalFrames)
	if s.DurationSeconds != nil && s.FPS != nil {
		stats += fmt.Sprintf(" (~%.1fs at %.1f fps)", *s.DurationSeconds, *s.FPS)
	}
	stats += fmt.Sprintf("; avg %.2f; median %.2f; max %d; std %.2f; %.0fth percentile %.2f.",
		s.AvgCount, s.MedianCount, s.MaxCount, s.StdCount, cfg.BaselinePercentile*100, s.P95Count)
	lines = append(lines, stats)

	lines = append(lines,
		fmt.Sprintf("Distribution: Low %d (%.1f%%), Medium %d (%.1f%%), High %d (%.1f%%).",
			s.LowFrames, s.LowFraction*100, s.MediumFrames, s.MediumFraction*100, s.HighFrames, s.HighFraction*100),
		fmt.Sprintf("Scoring: base=%.0fp−count; penalty by class (Low %d / Medium %d / High %d); decision uses final_score and class.",
			cfg.BaselinePercentile*100, CongestionPenalty[models.CongestionLow],
			CongestionPenalty[models.CongestionMedium], CongestionPenalty[models.CongestionHigh]),
		fmt.Sprintf("Overall: congestion=%s; parking_score=%d; recommendation=%s.",
			r.OverallCongestion, r.OverallParkingScore, r.RecommendationText),
		fmt.Sprintf("Trend: %s (confidence %s).", r.TrendOutlook, r.TrendConfidence),
	)
	if cfg.FPSAssumed {
		lines = append(lines, fmt.Sprintf("Assumption: frame rate unknown; time windows use an assumed %.0f fps.", cfg.AssumedFPS))
	}
	return strings.Join(lines, "\n")
}
