package models

// RecommendedSegment is a contiguous stretch of the recent series suggested as
// a corridor, zone, or alternative. Frame positions are offsets into the
// recent window.
type RecommendedSegment struct {
	Type        string  `json:"type"`
	FrameStart  int     `json:"frame_start"`
	FrameEnd    int     `json:"frame_end"`
	AvgVehicles float64 `json:"avg_vehicles"`
	Volatility  float64 `json:"volatility"`
	Rank        int     `json:"rank,omitempty"`
	Label       string  `json:"label,omitempty"`
	Note        string  `json:"note"`
}

// ImpactResult is the part shared by every impact scorer.
type ImpactResult struct {
	Score          float64              `json:"score"`
	Classification string               `json:"classification"`
	Probability    float64              `json:"probability"`
	Confidence     Confidence           `json:"confidence"`
	ConfidenceNote string               `json:"confidence_note"`
	Explanation    string               `json:"explanation"`
	Segments       []RecommendedSegment `json:"recommended_segments"`
	Inputs         map[string]any       `json:"inputs"`
	Thresholds     map[string]any       `json:"thresholds"`
}

type EmergencyImpact struct {
	ImpactResult
	DelayRiskSeconds    float64 `json:"delay_risk_seconds"`
	ResponseSensitivity string  `json:"response_sensitivity"`
	StabilityTrend      string  `json:"stability_trend"`
	VolatilityChangePct float64 `json:"volatility_change_pct"`
}

type AccessibilityImpact struct {
	ImpactResult
	StabilityScore   float64 `json:"stability_score"`
	Last60sStd       float64 `json:"stability_last_60s_std"`
	SuddenSpikeCount int     `json:"sudden_spike_count"`
	StressIndicator  string  `json:"stress_indicator"`
}

type ClimateImpact struct {
	ImpactResult
	EquivalentIdlingMinutes float64 `json:"equivalent_idling_minutes"`
	EmissionIntensity       string  `json:"emission_intensity"`
	RelativeVsFreeflowRatio float64 `json:"relative_vs_freeflow_ratio"`
	CongestionFraction      float64 `json:"congestion_fraction"`
}
