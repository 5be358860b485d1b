package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// RegisterPoolMetrics exposes pgxpool statistics as observable gauges.
// Call after telemetry.Init so the gauges land on the real meter provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("tsumugi/storage")

	total, err := meter.Int64ObservableGauge("tsumugi.db.pool.connections_total",
		metric.WithDescription("Total connections in the pool"))
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}
	idle, err := meter.Int64ObservableGauge("tsumugi.db.pool.connections_idle",
		metric.WithDescription("Idle connections in the pool"))
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}
	acquired, err := meter.Int64ObservableGauge("tsumugi.db.pool.connections_acquired",
		metric.WithDescription("Connections currently checked out"))
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: register pool metrics callback", "error", err)
	}
}
