package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quiverdb/quiver/pkg/logger"
)

var (
	metricsOnce sync.Once
	metricsErr  error
	pools       sync.Map

	descConnectionsOpen = prometheus.NewDesc(
		"quiver_postgres_connections_open",
		"Number of open Postgres connections",
		[]string{"pool"}, nil,
	)
	descConnectionsInUse = prometheus.NewDesc(
		"quiver_postgres_connections_in_use",
		"Number of Postgres connections currently in use",
		[]string{"pool"}, nil,
	)
	descConnectionsIdle = prometheus.NewDesc(
		"quiver_postgres_connections_idle",
		"Number of idle Postgres connections",
		[]string{"pool"}, nil,
	)
	descMaxConns = prometheus.NewDesc(
		"quiver_postgres_max_open_connections",
		"Configured Postgres connection pool size",
		[]string{"pool"}, nil,
	)
	sessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_postgres_sessions_opened_total",
		Help: "Total sessions opened against Postgres-backed factories",
	}, []string{"pool"})
)

// poolMetrics tracks one pgx pool for async stat collection.
type poolMetrics struct {
	label string
	pool  atomic.Pointer[pgxpool.Pool]
}

// registerPoolMetrics wires the pool into the shared collector. Metric
// registration failures are logged and tolerated; the engine keeps working
// without instrumentation.
func registerPoolMetrics(ctx context.Context, label string, pool *pgxpool.Pool) *poolMetrics {
	if err := ensureMetrics(); err != nil {
		logger.FromContext(ctx).With("error", err).
			Warn("Postgres metrics not initialized; continuing without metrics")
		return nil
	}
	m := &poolMetrics{label: label}
	m.pool.Store(pool)
	pools.Store(m, m)
	return m
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		metricsErr = register(&poolCollector{})
		if metricsErr == nil {
			metricsErr = register(sessionsOpened)
		}
	})
	return metricsErr
}

func register(c prometheus.Collector) error {
	err := prometheus.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

func (m *poolMetrics) sessionOpened() {
	if m == nil {
		return
	}
	sessionsOpened.WithLabelValues(m.label).Inc()
}

func (m *poolMetrics) unregister() {
	if m == nil {
		return
	}
	pools.Delete(m)
	m.pool.Store(nil)
}

// poolCollector exposes live pgxpool.Stat values for every registered pool.
type poolCollector struct{}

func (poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descConnectionsOpen
	ch <- descConnectionsInUse
	ch <- descConnectionsIdle
	ch <- descMaxConns
}

func (poolCollector) Collect(ch chan<- prometheus.Metric) {
	pools.Range(func(_, value any) bool {
		m, ok := value.(*poolMetrics)
		if !ok {
			return true
		}
		pool := m.pool.Load()
		if pool == nil {
			return true
		}
		stats := pool.Stat()
		ch <- prometheus.MustNewConstMetric(
			descConnectionsOpen, prometheus.GaugeValue, float64(stats.TotalConns()), m.label)
		ch <- prometheus.MustNewConstMetric(
			descConnectionsInUse, prometheus.GaugeValue, float64(stats.AcquiredConns()), m.label)
		ch <- prometheus.MustNewConstMetric(
			descConnectionsIdle, prometheus.GaugeValue, float64(stats.IdleConns()), m.label)
		ch <- prometheus.MustNewConstMetric(
			descMaxConns, prometheus.GaugeValue, float64(stats.MaxConns()), m.label)
		return true
	})
}
