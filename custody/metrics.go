// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusBalance         *prometheus.GaugeVec
	prometheusPendingRequests prometheus.Gauge
	prometheusStaleRequests   prometheus.Gauge
	prometheusCheckpoints     prometheus.Counter

	// only init the metrics once
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_balance_sats",
			Help: "Vault funds of the current round by output status",
		},
		[]string{
			"status",
		},
	)
	prometheusPendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_pending_requests",
			Help: "Requests of the current round collecting signatures",
		},
	)
	prometheusStaleRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_stale_requests",
			Help: "Pending requests older than the pending request TTL",
		},
	)
	prometheusCheckpoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_checkpoints",
			Help: "Number of completed maintenance checkpoints",
		},
	)
}
