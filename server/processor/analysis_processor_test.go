package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/san-kum/parking-traffic-cv/server/analytics"
	"github.com/san-kum/parking-traffic-cv/server/audit"
	"github.com/san-kum/parking-traffic-cv/server/cache"
	"github.com/san-kum/parking-traffic-cv/server/ml"
	"github.com/san-kum/parking-traffic-cv/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	batch   *models.FrameBatch
	err     error
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *fakeSource) DetectFrames(ctx context.Context, req *ml.DetectionRequest) (*models.FrameBatch, error) {
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.batch, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAudit) Submit(e audit.Entry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return true
}

func (a *fakeAudit) Entries() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

// countingStore counts progress writes on top of the memory cache.
type countingStore struct {
	*cache.MemoryCache
	mu     sync.Mutex
	writes int
}

func (s *countingStore) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	if len(key) > 9 && key[:9] == "progress:" {
		s.writes++
	}
	s.mu.Unlock()
	return s.MemoryCache.SetWithTTL(ctx, key, value, ttl)
}

func (s *countingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func batchOf(counts ...int) *models.FrameBatch {
	frames := make([]models.FrameSample, len(counts))
	for i, c := range counts {
		frames[i] = models.FrameSample{FrameIndex: i, RawCount: c}
	}
	return &models.FrameBatch{VideoID: "lot.mp4", FPS: 10, TotalFrames: len(counts), Frames: frames}
}

func newTestProcessor(t *testing.T, source FrameSource, sink AuditSink, config ProcessorConfig) (*AnalysisProcessor, *countingStore) {
	t.Helper()
	store := &countingStore{MemoryCache: cache.NewMemoryCache(100, time.Hour, zap.NewNop())}
	p := NewAnalysisProcessor(Dependencies{
		Source: source,
		Audit:  sink,
		Store:  store,
		Logger: zap.NewNop(),
	}, config)
	t.Cleanup(func() { _ = p.Shutdown(5 * time.Second) })
	return p, store
}

func TestAnalyzeBatchRecordsLatestAndAudits(t *testing.T) {
	sink := &fakeAudit{}
	p, _ := newTestProcessor(t, nil, sink, DefaultProcessorConfig())

	result, err := p.AnalyzeBatch(context.Background(), batchOf(3, 4, 30, 30, 30), analytics.RunOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	assert.Len(t, result.Frames, 5)

	latest, err := p.ResolveResult("")
	require.NoError(t, err)
	assert.Equal(t, result.RunID, latest.RunID)

	byID, err := p.ResolveResult(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, result.OverallCongestion, byID.OverallCongestion)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, result.RunID, entries[0].RunID)
	assert.Equal(t, result.OverallCongestion, entries[0].Congestion)

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.SuccessfullyProcessed)
}

func TestAnalyzeWithoutSource(t *testing.T) {
	p, _ := newTestProcessor(t, nil, nil, DefaultProcessorConfig())

	_, err := p.Analyze(context.Background(), AnalyzeRequest{VideoPath: "a.mp4"})
	assert.ErrorIs(t, err, analytics.ErrNoFrameSource)

	_, err = p.ResolveResult("")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestAsyncJobCompletes(t *testing.T) {
	counts := make([]int, 25)
	for i := range counts {
		counts[i] = i % 7
	}
	source := &fakeSource{batch: batchOf(counts...)}
	sink := &fakeAudit{}
	p, store := newTestProcessor(t, source, sink, DefaultProcessorConfig())

	jobID, err := p.CreateJob(AnalyzeRequest{VideoPath: "uploads/lot.mp4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := p.GetJobStatus(jobID)
		return err == nil && job.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	job, err := p.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, 25, job.Processed)
	assert.Equal(t, 25, job.Total)
	require.NotNil(t, job.Percentage)
	assert.Equal(t, 100.0, *job.Percentage)

	result, err := p.ResolveResult(jobID)
	require.NoError(t, err)
	assert.Len(t, result.Frames, 25)

	latest, err := p.ResolveResult("")
	require.NoError(t, err)
	assert.Equal(t, result.RunID, latest.RunID)

	// queued, processing, frames 10 and 20 and 25, completion
	assert.Equal(t, 6, store.Writes())
	assert.Len(t, sink.Entries(), 1)
}

func TestAsyncJobFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("detector offline")}
	p, _ := newTestProcessor(t, source, nil, DefaultProcessorConfig())

	jobID, err := p.CreateJob(AnalyzeRequest{VideoPath: "x.mp4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := p.GetJobStatus(jobID)
		return err == nil && job.Status == JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	job, _ := p.GetJobStatus(jobID)
	assert.Contains(t, job.Error, "detector offline")

	_, err = p.ResolveResult(jobID)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrResultPending)
}

func TestQueueFull(t *testing.T) {
	source := &fakeSource{
		batch:   batchOf(1, 2, 3),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	config := DefaultProcessorConfig()
	config.MaxWorkers = 1
	config.MaxQueueSize = 1
	p, _ := newTestProcessor(t, source, nil, config)

	first, err := p.CreateJob(AnalyzeRequest{VideoPath: "1.mp4"})
	require.NoError(t, err)
	<-source.started

	second, err := p.CreateJob(AnalyzeRequest{VideoPath: "2.mp4"})
	require.NoError(t, err)

	_, err = p.CreateJob(AnalyzeRequest{VideoPath: "3.mp4"})
	assert.ErrorIs(t, err, ErrQueueFull)

	pending, err := p.ResolveResult(second)
	assert.Nil(t, pending)
	assert.ErrorIs(t, err, ErrResultPending)

	close(source.release)
	require.Eventually(t, func() bool {
		a, _ := p.GetJobStatus(first)
		b, _ := p.GetJobStatus(second)
		return a != nil && b != nil && a.Status == JobCompleted && b.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownJob(t *testing.T) {
	p, _ := newTestProcessor(t, nil, nil, DefaultProcessorConfig())

	_, err := p.GetJobStatus("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = p.ResolveResult("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestShutdownFailsQueuedJobs(t *testing.T) {
	source := &fakeSource{
		batch:   batchOf(1),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	config := DefaultProcessorConfig()
	config.MaxWorkers = 1
	p := NewAnalysisProcessor(Dependencies{Source: source, Logger: zap.NewNop()}, config)

	_, err := p.CreateJob(AnalyzeRequest{VideoPath: "1.mp4"})
	require.NoError(t, err)
	<-source.started
	queued, err := p.CreateJob(AnalyzeRequest{VideoPath: "2.mp4"})
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(5*time.Second))

	job, err := p.GetJobStatus(queued)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)

	_, err = p.CreateJob(AnalyzeRequest{VideoPath: "3.mp4"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestFinishedJobsArePrunedAfterResultTTL(t *testing.T) {
	config := DefaultProcessorConfig()
	config.ResultTTL = time.Hour
	source := &fakeSource{batch: batchOf(1, 2)}
	p, _ := newTestProcessor(t, source, nil, config)

	now := time.Now()
	p.mutex.Lock()
	p.jobTracker["expired"] = &Job{ID: "expired", Status: JobCompleted, FinishedAt: now.Add(-2 * time.Hour)}
	p.jobTracker["expired-failed"] = &Job{ID: "expired-failed", Status: JobFailed, FinishedAt: now.Add(-3 * time.Hour)}
	p.jobTracker["recent"] = &Job{ID: "recent", Status: JobCompleted, FinishedAt: now.Add(-time.Minute)}
	p.jobTracker["running"] = &Job{ID: "running", Status: JobProcessing, StartTime: now.Add(-5 * time.Hour)}
	p.mutex.Unlock()

	assert.Equal(t, 2, p.pruneFinishedJobs(now))

	tracked := func() []string {
		p.mutex.RLock()
		defer p.mutex.RUnlock()
		ids := make([]string, 0, len(p.jobTracker))
		for id := range p.jobTracker {
			ids = append(ids, id)
		}
		return ids
	}
	assert.ElementsMatch(t, []string{"recent", "running"}, tracked())

	// queuing a new job sweeps the tracker as well
	p.mutex.Lock()
	p.jobTracker["stale"] = &Job{ID: "stale", Status: JobCompleted, FinishedAt: now.Add(-90 * time.Minute)}
	p.mutex.Unlock()

	jobID, err := p.CreateJob(AnalyzeRequest{VideoPath: "lot.mp4"})
	require.NoError(t, err)
	assert.NotContains(t, tracked(), "stale")
	assert.Contains(t, tracked(), jobID)

	require.Eventually(t, func() bool {
		job, err := p.GetJobStatus(jobID)
		return err == nil && job.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
