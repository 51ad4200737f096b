package impact

import (
	"math"
	"sort"

	"github.com/san-kum/parking-traffic-cv/server/models"
	"gonum.org/v1/gonum/stat"
)

// MaxSegments is how many low-value segments the finder returns.
const MaxSegments = 3

// Segment is an inclusive range of positions in a series.
type Segment struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Segment) Len() int {
	return s.End - s.Start + 1
}

// FindLowSegments scans values once and returns up to MaxSegments maximal runs
// of samples at or below threshold, longest first, ties in order of occurrence.
func FindLowSegments(values []float64, threshold float64) []Segment {
	var segments []Segment
	start := -1
	for i, v := range values {
		ok := v <= threshold
		switch {
		case ok && start < 0:
			start = i
		case !ok && start >= 0:
			segments = append(segments, Segment{Start: start, End: i - 1})
			start = -1
		}
	}
	if start >= 0 {
		segments = append(segments, Segment{Start: start, End: len(values) - 1})
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Len() > segments[j].Len()
	})
	if len(segments) > MaxSegments {
		segments = segments[:MaxSegments]
	}
	return segments
}

// RelativeThreshold is ratio times the series mean, floored at zero.
func RelativeThreshold(values []float64, ratio float64) float64 {
	m, _ := popStats(values)
	return math.Max(0, m*ratio)
}

// Logistic maps x onto (0,1) around center. The result is clamped to [0,1]
// so saturation holds for any input.
func Logistic(x, center, scale float64) float64 {
	p := 1 / (1 + math.Exp(-(x-center)/math.Max(1e-6, scale)))
	if math.IsNaN(p) {
		return 0.5
	}
	return math.Max(0, math.Min(1, p))
}

// popStats returns the mean and population standard deviation, zeros when empty.
func popStats(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(values, nil)
}

func slope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, values, nil, false)
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return 0
	}
	return beta
}

// recentSeries is the trailing window of smoothed counts of the result.
func recentSeries(res *models.AnalysisResult, window int) []float64 {
	all := res.SmoothedSeries()
	if window > 0 && len(all) > window {
		return all[len(all)-window:]
	}
	return all
}

func segmentValues(values []float64, s Segment) []float64 {
	return values[s.Start : s.End+1]
}
