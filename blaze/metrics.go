// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blaze

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusUtxoPromotions     prometheus.Counter
	prometheusSelections         *prometheus.CounterVec
	prometheusSelectionFailures  prometheus.Counter
	prometheusSelectionThrottled prometheus.Gauge
	prometheusFeeRateFinalized   prometheus.Counter

	// only init the metrics once
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusUtxoPromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_blaze_utxo_promotions",
			Help: "Number of utxos that reached attestation quorum",
		},
	)
	prometheusSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_blaze_selections",
			Help: "Number of successful coin selections",
		},
		[]string{
			"strategy", // algorithm that produced the selection
		},
	)
	prometheusSelectionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_blaze_selection_failures",
			Help: "Number of coin selections that found no solution",
		},
	)
	prometheusSelectionThrottled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_blaze_selection_throttled",
			Help: "Set to 1 while coin selection is throttled",
		},
	)
	prometheusFeeRateFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_blaze_fee_rate_finalized",
			Help: "Number of fee-rate consensus rounds finalized",
		},
	)
}
