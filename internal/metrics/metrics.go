// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Scans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyclearb_scans_total",
		Help: "Total number of completed scan iterations",
	})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cyclearb_scan_duration_seconds",
		Help:    "Duration of one scan iteration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	RoutesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclearb_routes_evaluated_total",
		Help: "Total number of simulated routes by length",
	}, []string{"length"})

	RoutesViable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyclearb_routes_viable_total",
		Help: "Total number of routes meeting the profit threshold",
	})

	RoutesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclearb_routes_skipped_total",
		Help: "Total number of viable routes rejected by constraint checks",
	}, []string{"reason"})

	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclearb_trades_total",
		Help: "Total number of executed routes by final status",
	}, []string{"status"})

	IterationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyclearb_iteration_errors_total",
		Help: "Total number of iterations that ended in an error or panic",
	})

	FeeSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclearb_fee_settlements_total",
		Help: "Total number of commission settlement attempts by result",
	}, []string{"result"})

	ActiveLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cyclearb_active_loops",
		Help: "Number of running subject loops",
	})

	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cyclearb_stream_connections",
		Help: "Number of open ticker stream connections",
	})
)
