package impact

import (
	"math"
	"testing"

	"github.com/san-kum/parking-traffic-cv/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultFromSeries(series []float64, level models.CongestionLevel) *models.AnalysisResult {
	frames := make([]models.ScoredFrame, len(series))
	for i, v := range series {
		frames[i] = models.ScoredFrame{SmoothedFrame: models.SmoothedFrame{FrameIndex: i, SmoothedCount: v}}
	}
	fps := 30.0
	return &models.AnalysisResult{
		OverallCongestion: level,
		Frames:            frames,
		Summary:           models.VideoSummary{TotalFrames: len(series), FPS: &fps},
	}
}

func TestFindLowSegments(t *testing.T) {
	t.Parallel()

	t.Run("two equal runs keep first occurrence order", func(t *testing.T) {
		t.Parallel()
		got := FindLowSegments([]float64{1, 1, 1, 9, 9, 1, 1, 1}, 2)
		assert.Equal(t, []Segment{{Start: 0, End: 2}, {Start: 5, End: 7}}, got)
	})

	t.Run("longest first and capped", func(t *testing.T) {
		t.Parallel()
		got := FindLowSegments([]float64{0, 9, 0, 0, 9, 0, 0, 0, 9, 0, 0, 0, 0}, 1)
		require.Len(t, got, MaxSegments)
		assert.Equal(t, Segment{Start: 9, End: 12}, got[0])
		assert.Equal(t, Segment{Start: 5, End: 7}, got[1])
		assert.Equal(t, Segment{Start: 2, End: 3}, got[2])
	})

	t.Run("empty series", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, FindLowSegments(nil, 1))
	})

	t.Run("nothing under threshold", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, FindLowSegments([]float64{5, 6, 7}, 1))
	})
}

func TestLogisticSaturates(t *testing.T) {
	t.Parallel()

	for _, x := range []float64{-1e308, -1e6, -50, 0, 45, 50, 1e6, 1e308, math.Inf(1), math.Inf(-1)} {
		p := Logistic(x, 45, 10)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
	assert.InDelta(t, 0.5, Logistic(45, 45, 10), 1e-12)
	assert.Equal(t, 0.5, Logistic(math.NaN(), 0, 1))
}

func TestClassifyRiskBands(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().Emergency
	tests := []struct {
		risk float64
		want string
	}{
		{29.9, EmergencySafe},
		{30.0, EmergencyRisky},
		{59.9, EmergencyRisky},
		{60.0, EmergencyUnsafe},
		{1000, EmergencyUnsafe},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.ClassifyRisk(tt.risk), "risk %v", tt.risk)
	}
}

func TestEmergency(t *testing.T) {
	t.Parallel()
	engine := NewEngine(DefaultConfig())

	t.Run("flat low traffic is safe", func(t *testing.T) {
		t.Parallel()
		series := make([]float64, 300)
		for i := range series {
			series[i] = 2
		}
		got := engine.Emergency(resultFromSeries(series, models.CongestionLow))

		assert.Equal(t, 10.0, got.Score)
		assert.Equal(t, EmergencySafe, got.Classification)
		assert.Equal(t, "Low", got.ResponseSensitivity)
		assert.Equal(t, "Stable", got.StabilityTrend)
		// std below the minimum keeps confidence at Medium despite the sample size
		assert.Equal(t, models.ConfidenceMedium, got.Confidence)
		assert.InDelta(t, 8.0, got.DelayRiskSeconds, 1e-9)
		// every sample sits above 0.8 of the mean
		assert.Empty(t, got.Segments)
	})

	t.Run("high congestion is unsafe", func(t *testing.T) {
		t.Parallel()
		got := engine.Emergency(resultFromSeries([]float64{25, 25, 25}, models.CongestionHigh))
		assert.Equal(t, EmergencyUnsafe, got.Classification)
		assert.Equal(t, "Critical", got.ResponseSensitivity)
		assert.Equal(t, models.ConfidenceLow, got.Confidence)
	})

	t.Run("corridors ranked with labels", func(t *testing.T) {
		t.Parallel()
		series := []float64{1, 1, 1, 1, 9, 1, 1, 1, 9, 1, 1, 9, 9}
		got := engine.Emergency(resultFromSeries(series, models.CongestionMedium))
		require.Len(t, got.Segments, 3)
		assert.Equal(t, []string{"Recommended for Ambulance", "Use Only If Necessary", "Secondary Option"},
			[]string{got.Segments[0].Label, got.Segments[1].Label, got.Segments[2].Label})
		assert.Equal(t, 0, got.Segments[0].FrameStart)
		assert.Equal(t, 3, got.Segments[0].FrameEnd)
	})

	t.Run("rising series deteriorates", func(t *testing.T) {
		t.Parallel()
		series := make([]float64, 40)
		for i := range series {
			series[i] = float64(i) / 2
		}
		got := engine.Emergency(resultFromSeries(series, models.CongestionMedium))
		assert.Equal(t, "Deteriorating", got.StabilityTrend)
	})

	t.Run("empty input degrades", func(t *testing.T) {
		t.Parallel()
		got := engine.Emergency(nil)
		assert.Equal(t, 10.0, got.Score)
		assert.Equal(t, EmergencySafe, got.Classification)
		assert.Equal(t, models.ConfidenceLow, got.Confidence)
		assert.Empty(t, got.Segments)
		assert.Zero(t, got.VolatilityChangePct)
	})

	t.Run("caller threshold override", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		thr := 100.0
		cfg.Emergency.CorridorThreshold = &thr
		got := NewEngine(cfg).Emergency(resultFromSeries([]float64{50, 60, 70}, models.CongestionLow))
		require.Len(t, got.Segments, 1)
		assert.Equal(t, 2, got.Segments[0].FrameEnd)
	})
}

func TestVolatilityChange(t *testing.T) {
	t.Parallel()

	series := []float64{1, 2, 1, 2, 0, 0, 0, 0, 1, 3, 1, 3}
	// quarter of 4: first spread 0.5, last spread 1.0
	assert.InDelta(t, 100.0, volatilityChange(series, 4), 1e-9)
	assert.Zero(t, volatilityChange([]float64{1, 1, 1, 1, 5, 9}, 4))
	assert.Zero(t, volatilityChange(nil, 4))
}

func TestAccessibility(t *testing.T) {
	t.Parallel()
	engine := NewEngine(DefaultConfig())

	t.Run("flat series is senior friendly", func(t *testing.T) {
		t.Parallel()
		got := engine.Accessibility(resultFromSeries([]float64{3, 3, 3, 3, 3}, models.CongestionLow), 0)
		assert.Equal(t, 100.0, got.Score)
		assert.Equal(t, RatingSeniorFriendly, got.Classification)
		assert.Equal(t, StressLow, got.StressIndicator)
		assert.Zero(t, got.SuddenSpikeCount)
		assert.InDelta(t, 1-Logistic(0, 1, 1), got.Probability, 1e-12)
		assert.Equal(t, models.ConfidenceLow, got.Confidence)
	})

	t.Run("penalty and bias", func(t *testing.T) {
		t.Parallel()
		res := resultFromSeries([]float64{3, 3, 3}, models.CongestionHigh)
		assert.Equal(t, 80.0, engine.Accessibility(res, 0).Score)
		assert.Equal(t, 50.0, engine.Accessibility(res, -30).Score)
		assert.Equal(t, RatingWheelchair, engine.Accessibility(res, -30).Classification)
		assert.Equal(t, 100.0, engine.Accessibility(res, 500).Score)
		assert.Equal(t, 0.0, engine.Accessibility(res, -500).Score)
	})

	t.Run("spiky series is stressful", func(t *testing.T) {
		t.Parallel()
		series := make([]float64, 40)
		for i := range series {
			if i%2 == 1 {
				series[i] = 10
			}
		}
		got := engine.Accessibility(resultFromSeries(series, models.CongestionMedium), 0)
		assert.Equal(t, StressHigh, got.StressIndicator)
		assert.Equal(t, 39, got.SuddenSpikeCount)
		assert.Equal(t, RatingCaution, got.Classification)
		for _, z := range got.Segments {
			assert.Equal(t, "low-stress", z.Type)
		}
	})

	t.Run("empty input degrades", func(t *testing.T) {
		t.Parallel()
		got := engine.Accessibility(&models.AnalysisResult{}, 0)
		assert.Equal(t, 100.0, got.Score)
		assert.Equal(t, models.ConfidenceLow, got.Confidence)
		assert.Empty(t, got.Segments)
	})
}

func TestClimate(t *testing.T) {
	t.Parallel()
	engine := NewEngine(DefaultConfig())

	fps := 30.0
	res := &models.AnalysisResult{
		Summary: models.VideoSummary{
			TotalFrames:  3600 * 2,
			FPS:          &fps,
			AvgCount:     10,
			MediumFrames: 1800 * 2,
			HighFrames:   1800,
		},
	}

	t.Run("emission from congested minutes", func(t *testing.T) {
		t.Parallel()
		got := engine.Climate(res, 0)
		// 5400 congested frames at 30 fps is 3 minutes
		assert.InDelta(t, 10*3*0.23, got.Score, 1e-9)
		assert.Equal(t, ClimateHigh, got.Classification)
		assert.Equal(t, "High", got.EmissionIntensity)
		assert.Equal(t, models.ConfidenceMedium, got.Confidence)
		assert.InDelta(t, 3.0, got.EquivalentIdlingMinutes, 1e-9)
		assert.InDelta(t, 0.75, got.CongestionFraction, 1e-9)
		assert.InDelta(t, 3.0, got.RelativeVsFreeflowRatio, 1e-9)
	})

	t.Run("factor override", func(t *testing.T) {
		t.Parallel()
		got := engine.Climate(res, 0.01)
		assert.InDelta(t, 0.3, got.Score, 1e-9)
		assert.Equal(t, ClimateLow, got.Classification)
		assert.Equal(t, 0.01, got.Inputs["emission_factor"])
	})

	t.Run("no data", func(t *testing.T) {
		t.Parallel()
		got := engine.Climate(nil, 0)
		assert.Zero(t, got.Score)
		assert.Equal(t, ClimateLow, got.Classification)
		assert.Equal(t, models.ConfidenceLow, got.Confidence)
		assert.Zero(t, got.EquivalentIdlingMinutes)
		assert.InDelta(t, Logistic(0, 2, 0.8), got.Probability, 1e-12)
	})

	t.Run("alternatives note", func(t *testing.T) {
		t.Parallel()
		got := engine.Climate(resultFromSeries([]float64{1, 1, 1, 9, 9, 9}, models.CongestionLow), 0)
		require.NotEmpty(t, got.Segments)
		assert.Equal(t, "Smoother flow; fewer stops", got.Segments[0].Note)
		assert.Equal(t, "alternative", got.Segments[0].Type)
	})
}
