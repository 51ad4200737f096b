package models

type CongestionLevel string

const (
	CongestionLow    CongestionLevel = "Low"
	CongestionMedium CongestionLevel = "Medium"
	CongestionHigh   CongestionLevel = "High"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "Low"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceHigh   Confidence = "High"
)

type TrendDirection string

const (
	TrendStable    TrendDirection = "Stable"
	TrendWorsening TrendDirection = "Worsening"
	TrendImproving TrendDirection = "Improving"
)

// Point is a detection centroid in normalized image space ([0,1] on both axes).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FrameSample is one processed video frame as reported by the detector.
type FrameSample struct {
	FrameIndex int     `json:"frame_index" validate:"gte=0"`
	RawCount   int     `json:"raw_count" validate:"gte=0"`
	Detections []Point `json:"detections,omitempty"`
}

// FrameBatch is everything the detection collaborator hands over for one video.
type FrameBatch struct {
	VideoID            string        `json:"video_id"`
	Model              string        `json:"model"`
	ConfThreshold      float64       `json:"conf_threshold,omitempty" validate:"gte=0,lte=1"`
	FPS                float64       `json:"fps" validate:"gte=0"`
	TotalFrames        int           `json:"total_frames" validate:"gte=0"`
	FrameWidth         int           `json:"frame_width" validate:"gte=0"`
	FrameHeight        int           `json:"frame_height" validate:"gte=0"`
	Frames             []FrameSample `json:"frames" validate:"dive"`
	LastFrame          []byte        `json:"last_frame,omitempty"`
	ProcessedVideoPath string        `json:"processed_video_path,omitempty"`
	Snapshots          []string      `json:"snapshots,omitempty"`
}

type SmoothedFrame struct {
	FrameIndex      int             `json:"frame_index"`
	RawCount        int             `json:"vehicle_count"`
	SmoothedCount   float64         `json:"smoothed_count"`
	CongestionLevel CongestionLevel `json:"congestion_level"`
}

// ParkingExplanation carries every input of a parking score alongside the
// generated rationale.
type ParkingExplanation struct {
	VehicleCount      int             `json:"vehicle_count"`
	Baseline95p       float64         `json:"baseline_95p"`
	BaseScore         int             `json:"base_score"`
	CongestionLevel   CongestionLevel `json:"congestion_level"`
	CongestionPenalty int             `json:"congestion_penalty"`
	FinalScore        int             `json:"final_score"`
	ExplanationText   string          `json:"explanation_text"`
}

type ScoredFrame struct {
	SmoothedFrame
	ParkingScore int                `json:"parking_score"`
	XAI          ParkingExplanation `json:"xai"`
}

type VideoSummary struct {
	TotalFrames     int      `json:"total_frames"`
	FPS             *float64 `json:"fps"`
	DurationSeconds *float64 `json:"duration_seconds"`
	AvgCount        float64  `json:"avg_count"`
	MedianCount     float64  `json:"median_count"`
	MaxCount        int      `json:"max_count"`
	P95Count        float64  `json:"p95_count"`
	StdCount        float64  `json:"std_count"`
	LowFrames       int      `json:"low_frames"`
	MediumFrames    int      `json:"medium_frames"`
	HighFrames      int      `json:"high_frames"`
	LowFraction     float64  `json:"low_fraction"`
	MediumFraction  float64  `json:"medium_fraction"`
	HighFraction    float64  `json:"high_fraction"`
}

// FPSOr returns the observed frame rate, or fallback when the source did not report one.
func (s VideoSummary) FPSOr(fallback float64) float64 {
	if s.FPS != nil && *s.FPS > 0 {
		return *s.FPS
	}
	return fallback
}

type AnalysisSettings struct {
	ConfThreshold      float64 `json:"conf_threshold"`
	SmoothingWindow    int     `json:"smoothing_window"`
	BaselinePercentile float64 `json:"baseline_percentile"`
	Model              string  `json:"model"`
	HeatmapGrid        [2]int  `json:"heatmap_grid"`
	AssumedFPS         float64 `json:"assumed_fps"`
	FPSAssumed         bool    `json:"fps_assumed"`
}

type Progress struct {
	Processed  int      `json:"processed"`
	Total      int      `json:"total"`
	Percentage *float64 `json:"percentage"`
}

type AnalysisResult struct {
	RunID               string           `json:"run_id"`
	VideoID             string           `json:"video_id"`
	ProcessedVideoPath  string           `json:"processed_video_path,omitempty"`
	HeatmapPath         string           `json:"heatmap_path,omitempty"`
	TimelinePath        string           `json:"timeline_path,omitempty"`
	OverallCongestion   CongestionLevel  `json:"overall_congestion"`
	OverallParkingScore int              `json:"overall_parking_score"`
	RecommendationText  string           `json:"recommendation_text"`
	TrendOutlook        TrendDirection   `json:"trend_outlook"`
	TrendConfidence     Confidence       `json:"trend_confidence"`
	TrendExplanation    string           `json:"trend_explanation"`
	Frames              []ScoredFrame    `json:"frames"`
	Summary             VideoSummary     `json:"summary"`
	XAISummary          string           `json:"xai_summary"`
	Settings            AnalysisSettings `json:"settings"`
	Snapshots           []string         `json:"snapshots,omitempty"`
	Progress            Progress         `json:"progress"`
}

// SmoothedSeries returns the smoothed count of every frame in order.
func (r *AnalysisResult) SmoothedSeries() []float64 {
	if r == nil {
		return nil
	}
	out := make([]float64, len(r.Frames))
	for i, f := range r.Frames {
		out[i] = f.SmoothedCount
	}
	return out
}
