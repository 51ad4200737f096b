package audit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/san-kum/parking-traffic-cv/server/metrics"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Logger is the best-effort audit sink. Submissions are written in the
// background and at most once per run id: the TTL cache rejects repeats
// within the process and the store's primary key rejects the rest.
type Logger struct {
	store   Store
	seen    *cache.Cache
	metrics *metrics.PipelineMetrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewLogger(store Store, dedupTTL time.Duration, m *metrics.PipelineMetrics, logger *zap.Logger) *Logger {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &Logger{
		store:   store,
		seen:    cache.New(dedupTTL, dedupTTL/2),
		metrics: m,
		logger:  logger,
	}
}

// Submit queues e for writing and returns immediately. It reports false when
// the run id was already submitted.
func (l *Logger) Submit(e Entry) bool {
	if l == nil || l.store == nil {
		return false
	}
	if err := l.seen.Add(e.RunID, struct{}{}, cache.DefaultExpiration); err != nil {
		l.metrics.IncrementAuditWrite("duplicate")
		l.logger.Debug("Audit entry already submitted", zap.String("run_id", e.RunID))
		return false
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.write(e)
	}()
	return true
}

func (l *Logger) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	written, err := l.store.Append(ctx, e)
	switch {
	case err != nil:
		// let a later submission of the same run retry
		l.seen.Delete(e.RunID)
		l.metrics.IncrementAuditWrite("failed")
		l.logger.Warn("Audit write failed", zap.String("run_id", e.RunID), zap.Error(err))
	case !written:
		l.metrics.IncrementAuditWrite("duplicate")
		l.logger.Debug("Audit entry already recorded", zap.String("run_id", e.RunID))
	default:
		l.metrics.IncrementAuditWrite("written")
		l.logger.Info("Audit entry recorded",
			zap.String("run_id", e.RunID),
			zap.String("video_id", e.VideoID),
			zap.String("congestion", string(e.Congestion)))
	}
}

func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return l.store.List(ctx, limit)
}

// Close waits for pending writes and closes the store.
func (l *Logger) Close() error {
	if l == nil || l.store == nil {
		return nil
	}
	l.wg.Wait()
	return l.store.Close()
}
