package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/san-kum/parking-traffic-cv/server/analytics"
	"github.com/san-kum/parking-traffic-cv/server/models"
	"github.com/san-kum/parking-traffic-cv/server/processor"
	"go.uber.org/zap"
)

var errConfThresholdOnFrames = errors.New("conf_threshold applies at detection time; report it in the frame batch instead")

type AnalysisHandler struct {
	processor     *processor.AnalysisProcessor
	validate      *validator.Validate
	uploadDir     string
	maxUploadSize int64
	logger        *zap.Logger

	mutex sync.Mutex
	stats SystemStats
}

type SystemStats struct {
	TotalRequests  int64     `json:"total_requests"`
	ProcessedOK    int64     `json:"processed_ok"`
	ProcessedError int64     `json:"processed_error"`
	AvgProcessTime float64   `json:"avg_process_time_ms"`
	LastUpdated    time.Time `json:"last_updated"`
}

type HandlerConfig struct {
	UploadDir     string
	MaxUploadSize int64
}

func NewAnalysisHandler(p *processor.AnalysisProcessor, config HandlerConfig, logger *zap.Logger) *AnalysisHandler {
	if config.UploadDir == "" {
		config.UploadDir = "uploads"
	}
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = 500 * 1024 * 1024
	}
	return &AnalysisHandler{
		processor:     p,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		uploadDir:     config.UploadDir,
		maxUploadSize: config.MaxUploadSize,
		logger:        logger,
		stats:         SystemStats{LastUpdated: time.Now()},
	}
}

// Analyze runs detection and the statistics pass for a video synchronously.
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	start := time.Now()

	var request processor.AnalyzeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "Invalid request format", err)
		return
	}

	result, err := h.processor.Analyze(c.Request.Context(), request)
	if err != nil {
		h.analysisFailed(c, err)
		return
	}

	h.recordRequest(true, time.Since(start))
	c.JSON(http.StatusOK, result)
}

// AnalyzeFrames runs the pipeline over a detection batch supplied in the body.
func (h *AnalysisHandler) AnalyzeFrames(c *gin.Context) {
	start := time.Now()

	var batch models.FrameBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		h.badRequest(c, "Invalid request format", err)
		return
	}
	if err := h.validate.Struct(&batch); err != nil {
		h.badRequest(c, "Invalid frame batch", err)
		return
	}

	opts, err := runOptionsFromQuery(c)
	if err != nil {
		h.badRequest(c, err.Error(), err)
		return
	}

	result, err := h.processor.AnalyzeBatch(c.Request.Context(), &batch, opts, nil)
	if err != nil {
		h.analysisFailed(c, err)
		return
	}

	h.recordRequest(true, time.Since(start))
	c.JSON(http.StatusOK, result)
}

func (h *AnalysisHandler) AnalyzeAsync(c *gin.Context) {
	var request processor.AnalyzeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "Invalid request format", err)
		return
	}
	h.enqueue(c, request)
}

// UploadVideo stores a multipart "video" file and queues its analysis.
func (h *AnalysisHandler) UploadVideo(c *gin.Context) {
	header, err := c.FormFile("video")
	if err != nil {
		h.badRequest(c, "No file uploaded", err)
		return
	}

	if !isValidVideoFile(header.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type"})
		return
	}

	if header.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":    "File too large",
			"max_size": h.maxUploadSize,
		})
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.logger.Error("Failed to create upload directory", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	name := uuid.NewString() + "_" + filepath.Base(header.Filename)
	path := filepath.Join(h.uploadDir, name)
	if err := c.SaveUploadedFile(header, path); err != nil {
		h.logger.Error("Failed to save uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	h.logger.Info("Video uploaded",
		zap.String("path", path),
		zap.Int64("size", header.Size),
		zap.String("client_ip", c.ClientIP()))

	request := processor.AnalyzeRequest{VideoPath: path}
	if v := c.PostForm("conf_threshold"); v != "" {
		conf, err := strconv.ParseFloat(v, 64)
		if err != nil || conf <= 0 || conf > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conf_threshold must be in (0, 1]"})
			return
		}
		request.ConfThreshold = conf
	}
	h.enqueue(c, request)
}

func (h *AnalysisHandler) enqueue(c *gin.Context, request processor.AnalyzeRequest) {
	jobID, err := h.processor.CreateJob(request)
	if err != nil {
		if errors.Is(err, processor.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to queue analysis", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue analysis"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     jobID,
		"video_path": request.VideoPath,
		"status":     processor.JobQueued,
	})
}

func (h *AnalysisHandler) GetProgress(c *gin.Context) {
	job, err := h.processor.GetJobStatus(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *AnalysisHandler) GetResult(c *gin.Context) {
	result, ok := h.resolve(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AnalysisHandler) EmergencyImpact(c *gin.Context) {
	result, ok := h.resolve(c, c.Query("job_id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.processor.Impact().Emergency(result))
}

func (h *AnalysisHandler) AccessibilityImpact(c *gin.Context) {
	bias, err := floatQuery(c, "entrance_bias", 0)
	if err != nil {
		h.badRequest(c, err.Error(), err)
		return
	}
	result, ok := h.resolve(c, c.Query("job_id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.processor.Impact().Accessibility(result, bias))
}

func (h *AnalysisHandler) ClimateImpact(c *gin.Context) {
	factor, err := floatQuery(c, "emission_factor", 0)
	if err != nil {
		h.badRequest(c, err.Error(), err)
		return
	}
	if factor < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emission_factor must not be negative"})
		return
	}
	result, ok := h.resolve(c, c.Query("job_id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.processor.Impact().Climate(result, factor))
}

func (h *AnalysisHandler) GetStats(c *gin.Context) {
	h.mutex.Lock()
	h.stats.LastUpdated = time.Now()
	system := h.stats
	h.mutex.Unlock()

	var successRate, errorRate float64
	if system.TotalRequests > 0 {
		successRate = float64(system.ProcessedOK) / float64(system.TotalRequests) * 100
		errorRate = float64(system.ProcessedError) / float64(system.TotalRequests) * 100
	}

	processorStats := h.processor.GetStats()

	c.JSON(http.StatusOK, gin.H{
		"system":    system,
		"processor": processorStats,
		"queue":     h.processor.QueueStats(),
		"metrics": gin.H{
			"success_rate":   successRate,
			"error_rate":     errorRate,
			"uptime_seconds": time.Since(processorStats.StartTime).Seconds(),
		},
	})
}

// resolve writes the error response itself and reports whether a result was found.
func (h *AnalysisHandler) resolve(c *gin.Context, id string) (*models.AnalysisResult, bool) {
	result, err := h.processor.ResolveResult(id)
	switch {
	case err == nil:
		return result, true
	case errors.Is(err, processor.ErrJobNotFound):
		message := "Analysis not found"
		if id == "" {
			message = "No completed analysis yet"
		}
		c.JSON(http.StatusNotFound, gin.H{"error": message})
	case errors.Is(err, processor.ErrResultPending):
		c.JSON(http.StatusConflict, gin.H{"error": "Analysis still in progress", "job_id": id})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	}
	return nil, false
}

func (h *AnalysisHandler) analysisFailed(c *gin.Context, err error) {
	h.recordRequest(false, 0)

	status := http.StatusBadGateway
	message := "Detection service unavailable"
	switch {
	case errors.Is(err, analytics.ErrNoFrameSource):
		status = http.StatusServiceUnavailable
		message = "No usable frame source configured"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		message = "Analysis timed out"
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
		message = "Analysis cancelled"
	}

	h.logger.Error("Analysis failed",
		zap.Error(err),
		zap.Int("status", status),
		zap.String("client_ip", c.ClientIP()))
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": message})
}

func (h *AnalysisHandler) badRequest(c *gin.Context, message string, err error) {
	h.recordRequest(false, 0)
	h.logger.Debug("Rejected request", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "details": err.Error()})
}

func (h *AnalysisHandler) recordRequest(ok bool, duration time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.stats.TotalRequests++
	if !ok {
		h.stats.ProcessedError++
		return
	}
	h.stats.ProcessedOK++

	current := float64(duration.Milliseconds())
	if h.stats.AvgProcessTime == 0 {
		h.stats.AvgProcessTime = current
	} else {
		alpha := 0.1
		h.stats.AvgProcessTime = alpha*current + (1-alpha)*h.stats.AvgProcessTime
	}
}

func runOptionsFromQuery(c *gin.Context) (analytics.RunOptions, error) {
	var opts analytics.RunOptions
	if v := c.Query("smoothing_window"); v != "" {
		window, err := strconv.Atoi(v)
		if err != nil || window < 1 || window > 300 {
			return opts, fmt.Errorf("smoothing_window must be an integer in [1, 300]")
		}
		opts.SmoothingWindow = window
	}
	// frames arrive already filtered, so a threshold here could never apply
	if c.Query("conf_threshold") != "" {
		return opts, errConfThresholdOnFrames
	}
	return opts, nil
}

func floatQuery(c *gin.Context, key string, fallback float64) (float64, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return f, nil
}

func isValidVideoFile(filename string) bool {
	validExtensions := []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}

	filename = strings.ToLower(filename)
	for _, ext := range validExtensions {
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}
