package analytics

import (
	"context"
	"errors"
	"image"

	"github.com/san-kum/parking-traffic-cv/server/heatmap"
	"github.com/san-kum/parking-traffic-cv/server/models"
	"go.uber.org/zap"
)

// ErrNoFrameSource is returned when there is no usable frame source at all,
// as opposed to a source that simply reported no detections.
var ErrNoFrameSource = errors.New("no usable frame source")

type Config struct {
	SmoothingWindow    int
	ConfThreshold      float64
	BaselinePercentile float64
	DefaultFPS         float64
	Trend              TrendConfig
}

func DefaultConfig() Config {
	return Config{
		SmoothingWindow:    5,
		ConfThreshold:      0.4,
		BaselinePercentile: DefaultBaselinePercentile,
		DefaultFPS:         30,
		Trend:              DefaultTrendConfig(),
	}
}

// RunOptions are the per-request overrides of Config. Zero values keep the defaults.
// The confidence threshold is not among them: it is applied at detection time
// and reported by the batch.
type RunOptions struct {
	SmoothingWindow int
}

// ProgressFunc is told how many frames of the pass have been processed.
type ProgressFunc func(processed, total int)

type Analyzer struct {
	config   Config
	exporter heatmap.Exporter
	logger   *zap.Logger
}

func NewAnalyzer(config Config, exporter heatmap.Exporter, logger *zap.Logger) *Analyzer {
	if exporter == nil {
		exporter = heatmap.NopExporter{}
	}
	if config.BaselinePercentile <= 0 || config.BaselinePercentile > 1 {
		config.BaselinePercentile = DefaultBaselinePercentile
	}
	if config.DefaultFPS <= 0 {
		config.DefaultFPS = 30
	}
	if config.SmoothingWindow < 1 {
		config.SmoothingWindow = 1
	}
	return &Analyzer{config: config, exporter: exporter, logger: logger}
}

func (a *Analyzer) Config() Config {
	return a.config
}

// ArtifactsEnabled reports whether runs are expected to produce artifacts.
func (a *Analyzer) ArtifactsEnabled() bool {
	_, nop := a.exporter.(heatmap.NopExporter)
	return !nop
}

// Run performs the batch statistics pass over one video's frames and returns
// a self-contained result. Artifact failures are logged and leave the
// corresponding reference empty.
func (a *Analyzer) Run(ctx context.Context, batch *models.FrameBatch, opts RunOptions, progress ProgressFunc) (*models.AnalysisResult, error) {
	if batch == nil {
		return nil, ErrNoFrameSource
	}

	window := a.config.SmoothingWindow
	if opts.SmoothingWindow > 0 {
		window = opts.SmoothingWindow
	}
	conf := a.config.ConfThreshold
	if batch.ConfThreshold > 0 {
		conf = batch.ConfThreshold
	}

	frames := batch.Frames
	if len(frames) == 0 {
		a.logger.Warn("No frames decoded, using a single empty frame", zap.String("video_id", batch.VideoID))
		frames = []models.FrameSample{{FrameIndex: 0, RawCount: 0}}
	}

	total := max(batch.TotalFrames, len(frames))
	grid := heatmap.NewGrid()
	for i, f := range frames {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		grid.AddAll(f.Detections)
		if progress != nil {
			progress(i+1, total)
		}
	}

	smoothed := Smooth(frames, window)
	baseline := Baseline(rawCounts(frames), a.config.BaselinePercentile)

	scored := make([]models.ScoredFrame, len(smoothed))
	levels := make([]models.CongestionLevel, len(smoothed))
	series := make([]float64, len(smoothed))
	for i, sf := range smoothed {
		score, xai := ParkingScore(sf.RawCount, sf.CongestionLevel, baseline)
		xai.ExplanationText = ExplainDecision(xai, sf.SmoothedCount)
		scored[i] = models.ScoredFrame{SmoothedFrame: sf, ParkingScore: score, XAI: xai}
		levels[i] = sf.CongestionLevel
		series[i] = sf.SmoothedCount
	}

	last := scored[len(scored)-1]
	result := &models.AnalysisResult{
		VideoID:             batch.VideoID,
		ProcessedVideoPath:  batch.ProcessedVideoPath,
		OverallCongestion:   last.CongestionLevel,
		OverallParkingScore: last.ParkingScore,
		RecommendationText:  Recommendation(last.ParkingScore, last.CongestionLevel),
		Frames:              scored,
		Snapshots:           batch.Snapshots,
		Settings: models.AnalysisSettings{
			ConfThreshold:      conf,
			SmoothingWindow:    window,
			BaselinePercentile: a.config.BaselinePercentile,
			Model:              modelLabel(batch.Model),
			HeatmapGrid:        [2]int{heatmap.GridWidth, heatmap.GridHeight},
			AssumedFPS:         a.config.DefaultFPS,
			FPSAssumed:         batch.FPS <= 0,
		},
		Progress: progressOf(len(frames), batch.TotalFrames),
	}

	var fps *float64
	if batch.FPS > 0 {
		fps = &batch.FPS
	}
	result.Summary = Summarize(scored, fps)

	outlook := EstimateTrend(series, levels, result.Summary.FPSOr(a.config.DefaultFPS), a.config.Trend)
	if outlook.WindowFrames == 0 {
		a.logger.Debug("Trend outlook fell back to insufficient data", zap.Int("frames", len(series)))
	}
	result.TrendOutlook = outlook.Direction
	result.TrendConfidence = outlook.Confidence
	result.TrendExplanation = outlook.Explanation

	result.HeatmapPath = a.exportHeatmap(batch, grid)
	result.TimelinePath = a.exportTimeline(batch.VideoID, scored)
	result.XAISummary = BuildXAISummary(result)
	return result, nil
}

func (a *Analyzer) exportHeatmap(batch *models.FrameBatch, grid *heatmap.Grid) string {
	var background image.Image
	if len(batch.LastFrame) > 0 {
		img, err := heatmap.DecodeFrame(batch.LastFrame)
		if err != nil {
			a.logger.Warn("Background frame unusable, rendering on flat canvas", zap.Error(err))
		} else {
			background = img
		}
	}

	path, err := a.exporter.ExportHeatmap(batch.VideoID, grid, background, batch.FrameWidth, batch.FrameHeight)
	if err != nil {
		a.logger.Warn("Heatmap export failed", zap.String("video_id", batch.VideoID), zap.Error(err))
		return ""
	}
	return path
}

func (a *Analyzer) exportTimeline(videoID string, frames []models.ScoredFrame) string {
	path, err := a.exporter.ExportTimeline(videoID, frames)
	if err != nil {
		a.logger.Warn("Timeline export failed", zap.String("video_id", videoID), zap.Error(err))
		return ""
	}
	return path
}

func modelLabel(model string) string {
	if model == "" {
		return "unknown"
	}
	return model
}

func progressOf(processed, total int) models.Progress {
	p := models.Progress{Processed: processed, Total: total}
	if total > 0 {
		pct := float64(processed) / float64(total) * 100
		p.Percentage = &pct
	}
	return p
}
