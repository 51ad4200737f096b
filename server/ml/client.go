package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/san-kum/parking-traffic-cv/server/models"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	fallbackWidth  = 640
	fallbackHeight = 384
)

// vehicleClasses are the detector labels counted as vehicles.
var vehicleClasses = map[string]bool{
	"car": true, "truck": true, "bus": true, "motorbike": true,
	"motorcycle": true, "bicycle": true, "van": true,
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *zap.Logger
	config     *ClientConfig
	sleepFn    func(time.Duration)
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             5 * time.Minute,
		MaxRetries:          3,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DetectionRequest asks the detection service to run over one stored video.
type DetectionRequest struct {
	VideoPath               string  `json:"video_path"`
	ConfThreshold           float64 `json:"conf_threshold"`
	SnapshotIntervalSeconds float64 `json:"snapshot_interval_seconds,omitempty"`
}

type DetectionResponse struct {
	VideoID            string           `json:"video_id"`
	Model              string           `json:"model"`
	FPS                float64          `json:"fps"`
	TotalFrames        int              `json:"total_frames"`
	FrameWidth         int              `json:"frame_width"`
	FrameHeight        int              `json:"frame_height"`
	Frames             []FrameDetection `json:"frames"`
	LastFrame          []byte           `json:"last_frame,omitempty"`
	ProcessedVideoPath string           `json:"processed_video_path,omitempty"`
	Snapshots          []string         `json:"snapshots,omitempty"`
}

type FrameDetection struct {
	FrameIndex int               `json:"frame_index"`
	Detections []ObjectDetection `json:"detections"`
}

type ObjectDetection struct {
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"`
	BoundingBox BBox    `json:"bounding_box"`
}

// BBox is a pixel-space box given by its corners.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func NewClient(baseURL string, config *ClientConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "detector",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Detector circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		config:  config,
		breaker: breaker,
		sleepFn: time.Sleep,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// DetectFrames runs detection over a video and converts the response into the
// frame batch consumed by the analyzer. Only vehicle classes at or above the
// confidence threshold are counted.
func (c *Client) DetectFrames(ctx context.Context, request *DetectionRequest) (*models.FrameBatch, error) {
	if request == nil || request.VideoPath == "" {
		return nil, fmt.Errorf("video path is required")
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying detection request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			c.sleepFn(c.config.RetryDelay * time.Duration(attempt))
		}

		data, err := c.breaker.Execute(func() ([]byte, error) {
			return c.post(ctx, "/detect", body)
		})
		if err == nil {
			var resp DetectionResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
			return ToFrameBatch(&resp, request.ConfThreshold), nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
	}

	return nil, fmt.Errorf("detection failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "parking-traffic-cv/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection service error (status %d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// ToFrameBatch filters detections and normalizes their centroids to [0,1].
func ToFrameBatch(resp *DetectionResponse, confThreshold float64) *models.FrameBatch {
	w, h := float64(resp.FrameWidth), float64(resp.FrameHeight)
	if w <= 0 || h <= 0 {
		w, h = fallbackWidth, fallbackHeight
	}

	batch := &models.FrameBatch{
		VideoID:            resp.VideoID,
		Model:              resp.Model,
		ConfThreshold:      confThreshold,
		FPS:                resp.FPS,
		TotalFrames:        resp.TotalFrames,
		FrameWidth:         resp.FrameWidth,
		FrameHeight:        resp.FrameHeight,
		Frames:             make([]models.FrameSample, 0, len(resp.Frames)),
		LastFrame:          resp.LastFrame,
		ProcessedVideoPath: resp.ProcessedVideoPath,
		Snapshots:          resp.Snapshots,
	}

	for _, f := range resp.Frames {
		sample := models.FrameSample{FrameIndex: f.FrameIndex}
		for _, d := range f.Detections {
			if d.Class != "" && !vehicleClasses[strings.ToLower(d.Class)] {
				continue
			}
			if d.Confidence < confThreshold {
				continue
			}
			sample.RawCount++
			sample.Detections = append(sample.Detections, models.Point{
				X: (d.BoundingBox.X1 + d.BoundingBox.X2) / 2 / w,
				Y: (d.BoundingBox.Y1 + d.BoundingBox.Y2) / 2 / h,
			})
		}
		batch.Frames = append(batch.Frames, sample)
	}
	return batch
}

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("detection service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

// RunHealthChecker polls the service until ctx is cancelled.
func (c *Client) RunHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Detection service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Detection service health check passed")
			}
		}
	}
}
