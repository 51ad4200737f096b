package impact

import "github.com/san-kum/parking-traffic-cv/server/models"

// Config carries every calibration constant of the scorers. They are
// decision-support heuristics; DefaultConfig reproduces the shipped values.
type Config struct {
	RecentWindowFrames int
	DefaultFPS         float64

	HighConfidenceSamples   int
	MediumConfidenceSamples int

	Emergency     EmergencyConfig
	Accessibility AccessibilityConfig
	Climate       ClimateConfig
}

type EmergencyConfig struct {
	CongestionWeight map[models.CongestionLevel]float64
	RecentStdWeight  float64
	OverallStdWeight float64

	RiskyBand  float64
	UnsafeBand float64

	LogisticCenter float64
	LogisticScale  float64

	HighConfidenceMinStd float64

	// CorridorThreshold overrides the derived threshold when non-nil.
	CorridorThreshold      *float64
	CorridorThresholdRatio float64

	TrendMinBand       float64
	TrendBandStdRatio  float64
	MinQuarterFrames   int
	DelayRiskWeight    float64
	DelayRiskStdWeight float64
}

type AccessibilityConfig struct {
	CongestionPenalty map[models.CongestionLevel]float64

	SeniorFriendlyMin float64
	WheelchairMin     float64

	StressWindowSeconds float64
	StressMinFrames     int
	SpikeMinDelta       float64
	SpikeStdRatio       float64

	LowStressMaxStd         float64
	LowStressMaxSpikes      int
	ModerateStressMaxStd    float64
	ModerateStressMaxSpikes int

	LogisticMidStd float64
	LogisticScale  float64

	ZoneThresholdRatio float64
}

type ClimateConfig struct {
	EmissionFactor float64

	ModerateBand float64
	HighBand     float64

	LogisticCenter float64
	LogisticScale  float64

	HighConfidenceMinutes   float64
	MediumConfidenceMinutes float64

	SmoothFlowMaxStd          float64
	AlternativeThresholdRatio float64
}

func DefaultConfig() Config {
	return Config{
		RecentWindowFrames:      300,
		DefaultFPS:              30,
		HighConfidenceSamples:   240,
		MediumConfidenceSamples: 120,
		Emergency: EmergencyConfig{
			CongestionWeight: map[models.CongestionLevel]float64{
				models.CongestionLow:    10,
				models.CongestionMedium: 30,
				models.CongestionHigh:   60,
			},
			RecentStdWeight:        4,
			OverallStdWeight:       2,
			RiskyBand:              30,
			UnsafeBand:             60,
			LogisticCenter:         45,
			LogisticScale:          10,
			HighConfidenceMinStd:   1,
			CorridorThresholdRatio: 0.8,
			TrendMinBand:           0.02,
			TrendBandStdRatio:      0.05,
			MinQuarterFrames:       4,
			DelayRiskWeight:        0.8,
			DelayRiskStdWeight:     6,
		},
		Accessibility: AccessibilityConfig{
			CongestionPenalty: map[models.CongestionLevel]float64{
				models.CongestionLow:    0,
				models.CongestionMedium: 8,
				models.CongestionHigh:   20,
			},
			SeniorFriendlyMin:       70,
			WheelchairMin:           40,
			StressWindowSeconds:     60,
			StressMinFrames:         10,
			SpikeMinDelta:           1,
			SpikeStdRatio:           0.8,
			LowStressMaxStd:         0.8,
			LowStressMaxSpikes:      2,
			ModerateStressMaxStd:    1.6,
			ModerateStressMaxSpikes: 5,
			LogisticMidStd:          1,
			LogisticScale:           1,
			ZoneThresholdRatio:      0.9,
		},
		Climate: ClimateConfig{
			EmissionFactor:            0.23,
			ModerateBand:              1,
			HighBand:                  3,
			LogisticCenter:            2,
			LogisticScale:             0.8,
			HighConfidenceMinutes:     4,
			MediumConfidenceMinutes:   1.5,
			SmoothFlowMaxStd:          1,
			AlternativeThresholdRatio: 0.8,
		},
	}
}
