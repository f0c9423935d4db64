package server

import (
	"context"
	"time"

	"github.com/blobkit/proxy/pkg/metrics"
)

const metricsSampleInterval = 10 * time.Second

// RunMetricsLoop periodically samples the breaker registry and the
// completion queue depth into the Metrics Registry's gauges, the same
// ticker shape the completion queue uses for its own drain loop. It
// blocks until ctx is cancelled.
func (s *Server) RunMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()

	s.sampleMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleMetrics(ctx)
		}
	}
}

func (s *Server) sampleMetrics(ctx context.Context) {
	for name, summary := range s.breakers.Summaries() {
		s.metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(summary.State))
	}

	if pending, _, err := s.queue.Status(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(pending))
	}
}
