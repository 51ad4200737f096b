package analytics

import "github.com/san-kum/parking-traffic-cv/server/models"

// Congestion thresholds on the smoothed count. Both bounds are inclusive on
// the lower class.
const (
	LowMaxCount    = 5.0
	MediumMaxCount = 20.0
)

// DefaultBaselinePercentile is the quantile of raw counts used as the free-flow reference.
const DefaultBaselinePercentile = 0.95

func ClassifyCongestion(smoothed float64) models.CongestionLevel {
	switch {
	case smoothed <= LowMaxCount:
		return models.CongestionLow
	case smoothed <= MediumMaxCount:
		return models.CongestionMedium
	default:
		return models.CongestionHigh
	}
}

// Smooth applies a trailing moving average of width window to the raw counts.
// The window shrinks at the start of the series and never looks ahead.
func Smooth(frames []models.FrameSample, window int) []models.SmoothedFrame {
	if window < 1 {
		window = 1
	}
	out := make([]models.SmoothedFrame, len(frames))

	sum := 0
	for i, f := range frames {
		sum += f.RawCount
		if i >= window {
			sum -= frames[i-window].RawCount
		}
		n := min(i+1, window)
		smoothed := float64(sum) / float64(n)

		out[i] = models.SmoothedFrame{
			FrameIndex:      f.FrameIndex,
			RawCount:        f.RawCount,
			SmoothedCount:   smoothed,
			CongestionLevel: ClassifyCongestion(smoothed),
		}
	}
	return out
}

// Baseline returns the given percentile of the raw counts, 0 for an empty series.
func Baseline(counts []int, percentile float64) float64 {
	return Percentile(countsToFloats(counts), percentile)
}

func rawCounts(frames []models.FrameSample) []int {
	counts := make([]int, len(frames))
	for i, f := range frames {
		counts[i] = f.RawCount
	}
	return counts
}
