package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/parking-traffic-cv/server/audit"
	"github.com/san-kum/parking-traffic-cv/server/cache"
	"github.com/san-kum/parking-traffic-cv/server/ml"
	"github.com/san-kum/parking-traffic-cv/server/models"
	"github.com/san-kum/parking-traffic-cv/server/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticSource struct {
	batch *models.FrameBatch
}

func (s staticSource) DetectFrames(_ context.Context, req *ml.DetectionRequest) (*models.FrameBatch, error) {
	b := *s.batch
	b.VideoID = filepath.Base(req.VideoPath)
	return &b, nil
}

func frameBatch(counts ...int) *models.FrameBatch {
	frames := make([]models.FrameSample, len(counts))
	for i, c := range counts {
		frames[i] = models.FrameSample{FrameIndex: i, RawCount: c}
	}
	return &models.FrameBatch{VideoID: "lot.mp4", FPS: 10, TotalFrames: len(counts), Frames: frames}
}

type testEnv struct {
	router    *gin.Engine
	processor *processor.AnalysisProcessor
	uploadDir string
}

func newTestEnv(t *testing.T, source processor.FrameSource) *testEnv {
	t.Helper()

	p := processor.NewAnalysisProcessor(processor.Dependencies{
		Source: source,
		Store:  cache.NewMemoryCache(100, time.Hour, zap.NewNop()),
		Logger: zap.NewNop(),
	}, processor.DefaultProcessorConfig())
	t.Cleanup(func() { _ = p.Shutdown(5 * time.Second) })

	uploadDir := t.TempDir()
	h := NewAnalysisHandler(p, HandlerConfig{UploadDir: uploadDir, MaxUploadSize: 1024}, zap.NewNop())
	ws := NewWebSocketHandler(p, nil, zap.NewNop())
	ws.pollInterval = 10 * time.Millisecond

	router := gin.New()
	api := router.Group("/api/v1")
	api.POST("/analyze", h.Analyze)
	api.POST("/analyze-frames", h.AnalyzeFrames)
	api.POST("/analyze-async", h.AnalyzeAsync)
	api.POST("/upload", h.UploadVideo)
	api.GET("/progress/:job_id", h.GetProgress)
	api.GET("/results", h.GetResult)
	api.GET("/results/:id", h.GetResult)
	api.GET("/impact/emergency", h.EmergencyImpact)
	api.GET("/impact/accessibility", h.AccessibilityImpact)
	api.GET("/impact/climate", h.ClimateImpact)
	api.GET("/stats", h.GetStats)
	router.GET("/ws/progress/:job_id", ws.StreamProgress)

	return &testEnv{router: router, processor: p, uploadDir: uploadDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAnalyzeFrames(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/analyze-frames?smoothing_window=3", frameBatch(1, 2, 3, 4, 5, 6))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.NotEmpty(t, result.RunID)
	assert.Len(t, result.Frames, 6)
	assert.Equal(t, 3, result.Settings.SmoothingWindow)
	assert.NotEmpty(t, result.RecommendationText)
}

func withThreshold(b *models.FrameBatch, conf float64) *models.FrameBatch {
	b.ConfThreshold = conf
	return b
}

func TestAnalyzeFramesReportsDetectionThreshold(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		batch *models.FrameBatch
		want  float64
	}{
		{"reported by the detector", withThreshold(frameBatch(1, 2, 3), 0.55), 0.55},
		{"not reported", frameBatch(1, 2, 3), 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/analyze-frames", tt.batch)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var result models.AnalysisResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
			assert.Equal(t, tt.want, result.Settings.ConfThreshold)
		})
	}
}

func TestAnalyzeFramesRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"negative count", "/api/v1/analyze-frames", frameBatch(1, -2)},
		{"bad window", "/api/v1/analyze-frames?smoothing_window=0", frameBatch(1, 2)},
		{"bad threshold", "/api/v1/analyze-frames?conf_threshold=2", frameBatch(1, 2)},
		{"threshold override on detected frames", "/api/v1/analyze-frames?conf_threshold=0.5", frameBatch(1, 2)},
		{"batch threshold out of range", "/api/v1/analyze-frames", withThreshold(frameBatch(1, 2), 1.5)},
		{"not a batch", "/api/v1/analyze-frames", []int{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAnalyzeErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{"video_path": "lot.mp4"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAnalyzeWithSource(t *testing.T) {
	env := newTestEnv(t, staticSource{batch: frameBatch(2, 2, 3)})

	w := env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{"video_path": "uploads/gate.mp4", "smoothing_window": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "gate.mp4", result.VideoID)
	assert.Equal(t, 2, result.Settings.SmoothingWindow)
}

func TestImpactWithoutAnalysis(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/v1/impact/emergency", "/api/v1/impact/accessibility", "/api/v1/impact/climate", "/api/v1/results"} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestImpactUsesLatestAnalysis(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/analyze-frames", frameBatch(5, 5, 6, 7, 20, 22, 25, 3, 2, 1))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/impact/emergency", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var em models.EmergencyImpact
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &em))
	assert.Contains(t, []string{"Safe", "Risky", "Unsafe"}, em.Classification)
	assert.GreaterOrEqual(t, em.Probability, 0.0)
	assert.LessOrEqual(t, em.Probability, 1.0)

	w = env.do(t, http.MethodGet, "/api/v1/impact/accessibility?entrance_bias=0.2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acc models.AccessibilityImpact
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	assert.NotEmpty(t, acc.Classification)

	w = env.do(t, http.MethodGet, "/api/v1/impact/climate?emission_factor=0.5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cl models.ClimateImpact
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cl))
	assert.NotEmpty(t, cl.Classification)

	w = env.do(t, http.MethodGet, "/api/v1/impact/accessibility?entrance_bias=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/impact/climate?emission_factor=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/impact/emergency?job_id=unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func waitForJob(t *testing.T, env *testEnv, jobID string) processor.Job {
	t.Helper()

	var job processor.Job
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/v1/progress/"+jobID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status == processor.JobCompleted || job.Status == processor.JobFailed
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestAsyncAnalysis(t *testing.T) {
	env := newTestEnv(t, staticSource{batch: frameBatch(1, 2, 3, 4)})

	w := env.do(t, http.MethodPost, "/api/v1/analyze-async", gin.H{"video_path": "lot.mp4"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)
	assert.Equal(t, "queued", accepted.Status)

	job := waitForJob(t, env, accepted.JobID)
	assert.Equal(t, processor.JobCompleted, job.Status)
	require.NotNil(t, job.Percentage)
	assert.Equal(t, 100.0, *job.Percentage)

	w = env.do(t, http.MethodGet, "/api/v1/results/"+accepted.JobID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/impact/climate?job_id="+accepted.JobID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/progress/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func multipartUpload(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("video", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadVideo(t *testing.T) {
	env := newTestEnv(t, staticSource{batch: frameBatch(1, 1)})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "notes.txt", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "big.mp4", bytes.Repeat([]byte{1}, 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "Lot.MP4", []byte("fake video")))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		JobID     string `json:"job_id"`
		VideoPath string `json:"video_path"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.True(t, strings.HasPrefix(accepted.VideoPath, env.uploadDir))
	_, err := os.Stat(accepted.VideoPath)
	assert.NoError(t, err)

	job := waitForJob(t, env, accepted.JobID)
	assert.Equal(t, processor.JobCompleted, job.Status)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/v1/analyze-frames", frameBatch(1, 2))
	env.do(t, http.MethodPost, "/api/v1/analyze-frames?smoothing_window=x", frameBatch(1, 2))

	w := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		System    SystemStats              `json:"system"`
		Processor processor.ProcessorStats `json:"processor"`
		Queue     processor.QueueStats     `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.System.TotalRequests)
	assert.Equal(t, int64(1), stats.System.ProcessedOK)
	assert.Equal(t, int64(1), stats.Processor.SuccessfullyProcessed)
	assert.True(t, stats.Queue.IsRunning)
}

func TestStreamProgress(t *testing.T) {
	env := newTestEnv(t, staticSource{batch: frameBatch(1, 2, 3)})
	server := httptest.NewServer(env.router)
	defer server.Close()

	jobID, err := env.processor.CreateJob(processor.AnalyzeRequest{VideoPath: "lot.mp4"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/progress/" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var last processor.Job
	for {
		var msg struct {
			Type string        `json:"type"`
			Data processor.Job `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected error: %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
		assert.Equal(t, "progress", msg.Type)
		last = msg.Data
	}
	assert.Equal(t, processor.JobCompleted, last.Status)
	assert.Equal(t, jobID, last.ID)
}

func TestStreamProgressUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/ws/progress/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type stubAuditReader struct {
	entries []audit.Entry
	err     error
	limit   int
}

func (s *stubAuditReader) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	s.limit = limit
	return s.entries, s.err
}

func TestAuditHandler(t *testing.T) {
	reader := &stubAuditReader{entries: []audit.Entry{{RunID: "a"}, {RunID: "b"}}}
	router := gin.New()
	router.GET("/audit", NewAuditHandler(reader, zap.NewNop()).ListEntries)
	router.GET("/disabled", NewAuditHandler(nil, zap.NewNop()).ListEntries)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/audit?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, reader.limit)
	var body struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	assert.Equal(t, http.StatusBadRequest, get("/audit?limit=0").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/disabled").Code)

	reader.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, get("/audit").Code)
}
