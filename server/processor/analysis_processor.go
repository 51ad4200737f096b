package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/parking-traffic-cv/server/analytics"
	"github.com/san-kum/parking-traffic-cv/server/audit"
	"github.com/san-kum/parking-traffic-cv/server/cache"
	"github.com/san-kum/parking-traffic-cv/server/impact"
	"github.com/san-kum/parking-traffic-cv/server/metrics"
	"github.com/san-kum/parking-traffic-cv/server/ml"
	"github.com/san-kum/parking-traffic-cv/server/models"
	"go.uber.org/zap"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrQueueFull     = errors.New("processing queue full, try again later")
	ErrResultPending = errors.New("analysis not finished")
)

// FrameSource yields the detection batch for one video.
type FrameSource interface {
	DetectFrames(ctx context.Context, request *ml.DetectionRequest) (*models.FrameBatch, error)
}

// AuditSink accepts one row per completed run. Submit must not block.
type AuditSink interface {
	Submit(e audit.Entry) bool
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type Job struct {
	ID         string    `json:"job_id"`
	VideoPath  string    `json:"video_path"`
	Status     JobStatus `json:"status"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Percentage *float64  `json:"percentage"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// AnalyzeRequest describes one video analysis. Zero overrides keep the
// analyzer defaults.
type AnalyzeRequest struct {
	VideoPath       string  `json:"video_path" binding:"required"`
	ConfThreshold   float64 `json:"conf_threshold" binding:"omitempty,gt=0,lte=1"`
	SmoothingWindow int     `json:"smoothing_window" binding:"omitempty,gte=1,lte=300"`
}

type ProcessorConfig struct {
	MaxQueueSize            int
	MaxWorkers              int
	ProcessingTimeout       time.Duration
	ProgressEvery           int
	SnapshotIntervalSeconds float64
	ResultTTL               time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxQueueSize:            32,
		MaxWorkers:              2,
		ProcessingTimeout:       15 * time.Minute,
		ProgressEvery:           10,
		SnapshotIntervalSeconds: 2,
		ResultTTL:               24 * time.Hour,
	}
}

type ProcessorStats struct {
	StartTime             time.Time `json:"start_time"`
	TotalProcessed        int64     `json:"total_processed"`
	SuccessfullyProcessed int64     `json:"successfully_processed"`
	FailedProcessed       int64     `json:"failed_processed"`
	AverageLatency        float64   `json:"average_latency_ms"`
	QueueSize             int       `json:"queue_size"`
	ActiveWorkers         int       `json:"active_workers"`
}

// AnalysisProcessor orchestrates detection, the statistics pass, the impact
// scorers and the audit hand-off, both inline and through the worker queue.
type AnalysisProcessor struct {
	source   FrameSource
	analyzer *analytics.Analyzer
	engine   *impact.Engine
	audit    AuditSink
	store    cache.Cache
	metrics  *metrics.PipelineMetrics
	logger   *zap.Logger
	queue    *ProcessingQueue
	config   ProcessorConfig

	mutex       sync.RWMutex
	jobTracker  map[string]*Job
	latestRunID string
	stats       ProcessorStats

	ctx    context.Context
	cancel context.CancelFunc
}

type Dependencies struct {
	Source   FrameSource
	Analyzer *analytics.Analyzer
	Engine   *impact.Engine
	Audit    AuditSink
	Store    cache.Cache
	Metrics  *metrics.PipelineMetrics
	Logger   *zap.Logger
}

func NewAnalysisProcessor(deps Dependencies, config ProcessorConfig) *AnalysisProcessor {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 10
	}
	if config.ResultTTL <= 0 {
		config.ResultTTL = 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := deps.Engine
	if engine == nil {
		engine = impact.NewEngine(impact.DefaultConfig())
	}
	analyzer := deps.Analyzer
	if analyzer == nil {
		analyzer = analytics.NewAnalyzer(analytics.DefaultConfig(), nil, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &AnalysisProcessor{
		source:     deps.Source,
		analyzer:   analyzer,
		engine:     engine,
		audit:      deps.Audit,
		store:      deps.Store,
		metrics:    deps.Metrics,
		logger:     logger,
		config:     config,
		jobTracker: make(map[string]*Job),
		stats: ProcessorStats{
			StartTime:     time.Now(),
			ActiveWorkers: config.MaxWorkers,
		},
		ctx:    ctx,
		cancel: cancel,
	}

	p.queue = NewProcessingQueue(config.MaxQueueSize, config.MaxWorkers, p.processJob)
	return p
}

// Analyze fetches detections for the video and runs the full pipeline inline.
func (p *AnalysisProcessor) Analyze(ctx context.Context, req AnalyzeRequest) (*models.AnalysisResult, error) {
	batch, err := p.detect(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.AnalyzeBatch(ctx, batch, req.runOptions(), nil)
}

// AnalyzeBatch runs the pipeline over an already detected batch. The result
// becomes the latest one for impact lookups.
func (p *AnalysisProcessor) AnalyzeBatch(ctx context.Context, batch *models.FrameBatch, opts analytics.RunOptions, progress analytics.ProgressFunc) (*models.AnalysisResult, error) {
	start := time.Now()
	p.metrics.JobStarted()
	defer p.metrics.JobFinished()

	result, err := p.analyzer.Run(ctx, batch, opts, progress)
	if err != nil {
		p.recordOutcome(false, 0, time.Since(start))
		return nil, err
	}
	result.RunID = uuid.NewString()
	if p.analyzer.ArtifactsEnabled() {
		if result.HeatmapPath == "" {
			p.metrics.IncrementArtifactFailure("heatmap")
		}
		if result.TimelinePath == "" {
			p.metrics.IncrementArtifactFailure("timeline")
		}
	}

	p.saveResult(result.RunID, result)
	p.mutex.Lock()
	p.latestRunID = result.RunID
	p.mutex.Unlock()

	p.submitAudit(result)
	p.recordOutcome(true, len(result.Frames), time.Since(start))
	p.logger.Info("Analysis completed",
		zap.String("run_id", result.RunID),
		zap.String("video_id", result.VideoID),
		zap.Int("frames", len(result.Frames)),
		zap.String("congestion", string(result.OverallCongestion)),
		zap.Int("parking_score", result.OverallParkingScore),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// CreateJob queues an asynchronous analysis and returns its id.
func (p *AnalysisProcessor) CreateJob(req AnalyzeRequest) (string, error) {
	job := &Job{
		ID:        uuid.NewString(),
		VideoPath: req.VideoPath,
		Status:    JobQueued,
		StartTime: time.Now(),
	}

	if pruned := p.pruneFinishedJobs(job.StartTime); pruned > 0 {
		p.logger.Debug("Pruned finished jobs", zap.Int("jobs", pruned))
	}

	p.mutex.Lock()
	p.jobTracker[job.ID] = job
	p.mutex.Unlock()
	p.publish(job)

	if !p.queue.Enqueue(&QueueItem{Job: job, Request: req, StartTime: job.StartTime}) {
		p.mutex.Lock()
		delete(p.jobTracker, job.ID)
		p.mutex.Unlock()
		p.deleteKey(progressKey(job.ID))
		return "", ErrQueueFull
	}

	p.logger.Info("Analysis job queued", zap.String("job_id", job.ID), zap.String("video_path", req.VideoPath))
	return job.ID, nil
}

// GetJobStatus returns a snapshot of the job, preferring the progress store.
func (p *AnalysisProcessor) GetJobStatus(jobID string) (*Job, error) {
	if p.store != nil {
		var job Job
		if err := p.store.Get(p.ctx, progressKey(jobID), &job); err == nil {
			return &job, nil
		}
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()
	job, exists := p.jobTracker[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// ResolveResult returns the result of a job or run id, or the latest
// completed analysis when id is empty.
func (p *AnalysisProcessor) ResolveResult(id string) (*models.AnalysisResult, error) {
	if id == "" {
		p.mutex.RLock()
		id = p.latestRunID
		p.mutex.RUnlock()
		if id == "" {
			return nil, ErrJobNotFound
		}
	}

	if p.store != nil {
		var result models.AnalysisResult
		if err := p.store.Get(p.ctx, resultKey(id), &result); err == nil {
			return &result, nil
		}
	}

	job, err := p.GetJobStatus(id)
	if err != nil {
		return nil, err
	}
	if job.Status == JobFailed {
		return nil, fmt.Errorf("job %s failed: %s", id, job.Error)
	}
	return nil, ErrResultPending
}

func (p *AnalysisProcessor) Impact() *impact.Engine {
	return p.engine
}

func (p *AnalysisProcessor) processJob(item *QueueItem) {
	job := item.Job
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Analysis job panic", zap.String("job_id", job.ID), zap.Any("panic", r))
			p.finishJob(job, nil, fmt.Errorf("processing failed: %v", r))
		}
	}()

	p.updateJob(job, func(j *Job) { j.Status = JobProcessing })

	ctx := p.ctx
	if p.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessingTimeout)
		defer cancel()
	}

	batch, err := p.detect(ctx, item.Request)
	if err != nil {
		p.finishJob(job, nil, err)
		return
	}

	result, err := p.AnalyzeBatch(ctx, batch, item.Request.runOptions(), p.progressReporter(job))
	p.finishJob(job, result, err)
}

// progressReporter pushes progress at most once per ProgressEvery frames and
// on the final frame.
func (p *AnalysisProcessor) progressReporter(job *Job) analytics.ProgressFunc {
	every := p.config.ProgressEvery
	return func(processed, total int) {
		if processed%every != 0 && processed != total {
			return
		}
		p.updateJob(job, func(j *Job) {
			j.Processed = processed
			j.Total = total
			j.Percentage = percentage(processed, total)
		})
	}
}

func (p *AnalysisProcessor) finishJob(job *Job, result *models.AnalysisResult, err error) {
	if err == nil && result != nil {
		// job ids resolve to the same result as the run id
		p.saveResult(job.ID, result)
	}

	p.updateJob(job, func(j *Job) {
		j.FinishedAt = time.Now()
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
			return
		}
		j.Status = JobCompleted
		j.Processed = result.Progress.Processed
		j.Total = result.Progress.Total
		j.Percentage = percentage(j.Total, j.Total)
	})

	if err != nil {
		p.logger.Error("Analysis job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.mutex.Lock()
	p.latestRunID = job.ID
	p.mutex.Unlock()
}

// pruneFinishedJobs forgets completed and failed jobs whose stored progress
// and results have already expired.
func (p *AnalysisProcessor) pruneFinishedJobs(now time.Time) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	pruned := 0
	for id, job := range p.jobTracker {
		if job.FinishedAt.IsZero() || now.Sub(job.FinishedAt) < p.config.ResultTTL {
			continue
		}
		delete(p.jobTracker, id)
		pruned++
	}
	return pruned
}

func (p *AnalysisProcessor) updateJob(job *Job, mutate func(*Job)) {
	p.mutex.Lock()
	mutate(job)
	p.mutex.Unlock()
	p.publish(job)
}

// publish copies the job into the progress store. Store failures never
// affect the analysis.
func (p *AnalysisProcessor) publish(job *Job) {
	if p.store == nil {
		return
	}
	p.mutex.RLock()
	snapshot := *job
	p.mutex.RUnlock()
	if err := p.store.SetWithTTL(p.ctx, progressKey(job.ID), snapshot, p.config.ResultTTL); err != nil {
		p.logger.Warn("Failed to publish job progress", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *AnalysisProcessor) saveResult(id string, result *models.AnalysisResult) {
	if p.store == nil {
		return
	}
	if err := p.store.SetWithTTL(p.ctx, resultKey(id), result, p.config.ResultTTL); err != nil {
		p.logger.Warn("Failed to store analysis result", zap.String("id", id), zap.Error(err))
	}
}

func (p *AnalysisProcessor) deleteKey(key string) {
	if p.store == nil {
		return
	}
	if err := p.store.Delete(p.ctx, key); err != nil {
		p.logger.Warn("Failed to delete store key", zap.String("key", key), zap.Error(err))
	}
}

func (p *AnalysisProcessor) submitAudit(result *models.AnalysisResult) {
	if p.audit == nil {
		return
	}
	entry := audit.BuildEntry(result,
		p.engine.Emergency(result),
		p.engine.Accessibility(result, 0),
		p.engine.Climate(result, 0))
	p.audit.Submit(entry)
}

func (p *AnalysisProcessor) detect(ctx context.Context, req AnalyzeRequest) (*models.FrameBatch, error) {
	if p.source == nil {
		return nil, analytics.ErrNoFrameSource
	}
	batch, err := p.source.DetectFrames(ctx, &ml.DetectionRequest{
		VideoPath:               req.VideoPath,
		ConfThreshold:           p.confThreshold(req),
		SnapshotIntervalSeconds: p.config.SnapshotIntervalSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}
	return batch, nil
}

func (p *AnalysisProcessor) confThreshold(req AnalyzeRequest) float64 {
	if req.ConfThreshold > 0 {
		return req.ConfThreshold
	}
	return p.analyzer.Config().ConfThreshold
}

func (p *AnalysisProcessor) recordOutcome(ok bool, frames int, elapsed time.Duration) {
	status := "completed"
	if !ok {
		status = "failed"
	}
	p.metrics.ObserveAnalysis(status, frames, elapsed)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stats.TotalProcessed++
	if !ok {
		p.stats.FailedProcessed++
		return
	}
	p.stats.SuccessfullyProcessed++
	current := float64(elapsed.Milliseconds())
	if p.stats.AverageLatency == 0 {
		p.stats.AverageLatency = current
	} else {
		alpha := 0.1
		p.stats.AverageLatency = alpha*current + (1-alpha)*p.stats.AverageLatency
	}
}

func (p *AnalysisProcessor) GetStats() *ProcessorStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := p.stats
	stats.QueueSize = p.queue.Size()
	return &stats
}

func (p *AnalysisProcessor) QueueStats() QueueStats {
	return p.queue.GetQueueStats()
}

// Shutdown stops the workers, fails any job still queued and closes the store.
func (p *AnalysisProcessor) Shutdown(timeout time.Duration) error {
	p.logger.Info("Shutting down analysis processor...")

	p.cancel()
	err := p.queue.Shutdown(timeout)
	if err != nil {
		p.logger.Error("Failed to shutdown queue", zap.Error(err))
	}

	drained := p.queue.DrainQueue(func(item *QueueItem) {
		p.finishJob(item.Job, nil, errors.New("processing cancelled - shutting down"))
	})
	if drained > 0 {
		p.logger.Warn("Dropped queued analysis jobs", zap.Int("jobs", drained))
	}

	if p.store != nil {
		if cerr := p.store.Close(); cerr != nil {
			p.logger.Error("Failed to close store", zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
	}

	p.logger.Info("Analysis processor shutdown complete")
	return err
}

func (r AnalyzeRequest) runOptions() analytics.RunOptions {
	return analytics.RunOptions{SmoothingWindow: r.SmoothingWindow}
}

func percentage(processed, total int) *float64 {
	if total <= 0 {
		return nil
	}
	pct := float64(processed) / float64(total) * 100
	return &pct
}

func progressKey(id string) string { return "progress:" + id }

func resultKey(id string) string { return "result:" + id }
