// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsOpSync   = "sync_queue_actions"
	MetricsOpExport = "export"

	MetricsStageTotal = "total"

	// Sync stages (tx-level).
	MetricsStageRestriction = "restriction"
	MetricsStageInserts     = "inserts"
	MetricsStageUpdates     = "updates"
	MetricsStageDeletes     = "deletes"
	MetricsStageLog         = "action_log"
	MetricsStageEvents      = "events"
	MetricsStageFiles       = "file_links"

	// Export stages.
	MetricsStageExportSnapshot = "snapshot"
	MetricsStageExportStore    = "store"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is shared by the engine and the export runner
type stageObserver struct {
	recorder   StageMetricsRecorder
	logTimings bool
	logger     *slog.Logger
}

func (o stageObserver) enabled() bool {
	return o.recorder != nil || o.logTimings
}

func (o stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attemptFromContext(ctx),
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimings && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}

type attemptContextKey struct{}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptContextKey{}, attempt)
}

func attemptFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(attemptContextKey{}).(int); ok {
		return n
	}
	return 1
}

var stageActions = map[string]ActionKind{
	MetricsStageInserts: ActionInsert,
	MetricsStageUpdates: ActionUpdate,
	MetricsStageDeletes: ActionDelete,
}

// PrometheusStageMetrics exports stage timings and applied action counts
type PrometheusStageMetrics struct {
	stageDuration  *prometheus.HistogramVec
	actionsApplied *prometheus.CounterVec
}

// NewPrometheusStageMetrics registers the collectors with reg
func NewPrometheusStageMetrics(reg prometheus.Registerer) *PrometheusStageMetrics {
	factory := promauto.With(reg)
	return &PrometheusStageMetrics{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queuesync_stage_duration_seconds",
			Help:    "Duration of sync and export stages",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "stage"}),
		actionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queuesync_actions_applied_total",
			Help: "Queue actions applied to entity tables",
		}, []string{"action"}),
	}
}

// ObserveStage implements StageMetricsRecorder
func (m *PrometheusStageMetrics) ObserveStage(_ context.Context, t StageTiming) {
	m.stageDuration.WithLabelValues(t.Operation, t.Stage).Observe(t.Duration.Seconds())
	if t.Error || t.Operation != MetricsOpSync {
		return
	}
	if action, ok := stageActions[t.Stage]; ok && t.Count > 0 {
		m.actionsApplied.WithLabelValues(string(action)).Add(float64(t.Count))
	}
}
