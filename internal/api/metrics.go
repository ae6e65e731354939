package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"querymon/services/orchestrator/internal/queue"
)

type apiMetrics struct {
	startedAtUnix           int64
	queueStatsProvider      queue.StatsProvider
	capturesAcceptedTotal   atomic.Int64
	captureQueueErrorsTotal atomic.Int64
	analyzeRequestsTotal    atomic.Int64
	analysisCallbacksTotal  atomic.Int64
	slackInteractionsTotal  atomic.Int64
	reportDownloadsTotal    atomic.Int64
	cleanupRunsTotal        atomic.Int64
	cleanupDeletedRowsTotal atomic.Int64
	rateLimitedTotal        atomic.Int64
	queueMetricsErrorsTotal atomic.Int64
}

func newAPIMetrics(queueStatsProvider queue.StatsProvider) *apiMetrics {
	return &apiMetrics{
		startedAtUnix:      time.Now().Unix(),
		queueStatsProvider: queueStatsProvider,
	}
}

func (m *apiMetrics) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	uptimeSeconds := time.Now().Unix() - m.startedAtUnix
	writeCounter := func(name, help string, value int64, metricType string) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	writeCounter("querymon_uptime_seconds", "Process uptime in seconds.", uptimeSeconds, "gauge")
	writeCounter("querymon_captures_accepted_total", "Accepted slow-query capture events.", m.capturesAcceptedTotal.Load(), "counter")
	writeCounter("querymon_capture_queue_errors_total", "Capture enqueue failures.", m.captureQueueErrorsTotal.Load(), "counter")
	writeCounter("querymon_analyze_requests_total", "AI-analysis requests accepted.", m.analyzeRequestsTotal.Load(), "counter")
	writeCounter("querymon_analysis_callbacks_total", "Analysis callbacks received.", m.analysisCallbacksTotal.Load(), "counter")
	writeCounter("querymon_slack_interactions_total", "Slack interactive actions handled.", m.slackInteractionsTotal.Load(), "counter")
	writeCounter("querymon_report_downloads_total", "Report files served.", m.reportDownloadsTotal.Load(), "counter")
	writeCounter("querymon_cleanup_runs_total", "Retention cleanup runs executed.", m.cleanupRunsTotal.Load(), "counter")
	writeCounter("querymon_cleanup_deleted_rows_total", "Rows deleted by retention cleanup.", m.cleanupDeletedRowsTotal.Load(), "counter")
	writeCounter("querymon_rate_limited_total", "Requests rejected due to rate limiting.", m.rateLimitedTotal.Load(), "counter")

	if m.queueStatsProvider != nil {
		stats, err := m.loadQueueStats(r.Context())
		if err != nil {
			m.queueMetricsErrorsTotal.Add(1)
		} else {
			queues := []struct {
				name   string
				depths queue.QueueDepths
			}{
				{"capture", stats.Capture},
				{"slack", stats.Slack},
				{"analysis", stats.Analysis},
			}
			for _, q := range queues {
				writeCounter(
					fmt.Sprintf("querymon_%s_queue_stream_depth", q.name),
					fmt.Sprintf("Entries retained in the %s Redis stream.", q.name),
					q.depths.StreamDepth, "gauge",
				)
				writeCounter(
					fmt.Sprintf("querymon_%s_queue_pending_total", q.name),
					fmt.Sprintf("Pending entries for the %s consumer group.", q.name),
					q.depths.Pending, "gauge",
				)
				writeCounter(
					fmt.Sprintf("querymon_%s_queue_retry_depth", q.name),
					fmt.Sprintf("Entries in the %s retry zset.", q.name),
					q.depths.RetryDepth, "gauge",
				)
				writeCounter(
					fmt.Sprintf("querymon_%s_queue_failed_depth", q.name),
					fmt.Sprintf("Entries in the %s dead-letter list.", q.name),
					q.depths.FailedDepth, "gauge",
				)
			}
		}
	}

	writeCounter("querymon_queue_metrics_errors_total", "Queue metrics collection errors.", m.queueMetricsErrorsTotal.Load(), "counter")
}

func (m *apiMetrics) loadQueueStats(parent context.Context) (queue.Stats, error) {
	ctx := parent
	cancel := func() {}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, 1200*time.Millisecond)
	}
	defer cancel()

	return m.queueStatsProvider.QueueStats(ctx)
}
