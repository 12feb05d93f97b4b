package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

const metricsRefreshInterval = 15 * time.Second

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	MessageReceived  prometheus.Counter
	MessageSent      prometheus.Counter

	// RPC method metrics
	RPCRequests *prometheus.CounterVec

	// Ledger metrics
	Ledgers           prometheus.Gauge
	ActionsAppended   *prometheus.CounterVec
	ProofRequests     *prometheus.CounterVec
	TreeBuildSeconds  prometheus.Histogram
	LedgerCacheHits   prometheus.Counter
	LedgerCacheMisses prometheus.Counter
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "custodian_connected_clients",
			Help: "The current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_connections_total",
			Help: "The total number of WebSocket connections made since server start",
		}),
		MessageReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_ws_messages_received_total",
			Help: "The total number of WebSocket messages received",
		}),
		MessageSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_ws_messages_sent_total",
			Help: "The total number of WebSocket messages sent",
		}),
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_rpc_requests_total",
				Help: "The total number of RPC requests by method",
			},
			[]string{"method", "status"},
		),
		Ledgers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "custodian_ledgers",
			Help: "The number of custody ledgers",
		}),
		ActionsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_actions_appended_total",
				Help: "The total number of actions appended by action type",
			},
			[]string{"type"},
		),
		ProofRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custodian_proof_requests_total",
				Help: "The total number of proof requests by lookup kind",
			},
			[]string{"kind", "result"},
		),
		TreeBuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodian_tree_build_seconds",
			Help:    "Time spent rebuilding a custody tree after a mutation",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		LedgerCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_ledger_cache_hits_total",
			Help: "The total number of catalog cache hits",
		}),
		LedgerCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_ledger_cache_misses_total",
			Help: "The total number of catalog cache misses",
		}),
	}
}

// RecordMetricsPeriodically refreshes the store backed gauges until ctx is done.
func (m *Metrics) RecordMetricsPeriodically(ctx context.Context, db *gorm.DB, logger Logger) {
	logger = logger.NewSystem("metrics")
	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.UpdateLedgerMetrics(db); err != nil {
				logger.Warn("failed to update ledger metrics", "error", err)
			}
		}
	}
}

func (m *Metrics) UpdateLedgerMetrics(db *gorm.DB) error {
	count, err := countLedgers(db)
	if err != nil {
		return err
	}
	m.Ledgers.Set(float64(count))
	return nil
}
