// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registration

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusVaultsRequested prometheus.Counter
	prometheusVaultsGenerated *prometheus.CounterVec

	// only init the metrics once
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusVaultsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_registration_vaults_requested",
			Help: "Number of user vaults requested",
		},
	)
	prometheusVaultsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_registration_vaults_generated",
			Help: "Number of vaults whose address was generated",
		},
		[]string{
			"kind", // user or system
		},
	)
}
