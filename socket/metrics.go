// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusRequestsComposed  prometheus.Counter
	prometheusRequestsFinalized prometheus.Counter
	prometheusRequestsExecuted  prometheus.Counter
	prometheusRollbacksApproved prometheus.Counter
	prometheusOperatorActions   *prometheus.CounterVec
	prometheusComposeFailures   *prometheus.CounterVec

	// only init the metrics once
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusRequestsComposed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_socket_requests_composed",
			Help: "Number of unsigned PSBTs composed",
		},
	)
	prometheusRequestsFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_socket_requests_finalized",
			Help: "Number of requests that collected enough signatures",
		},
	)
	prometheusRequestsExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_socket_requests_executed",
			Help: "Number of finalized requests attested as broadcast",
		},
	)
	prometheusRollbacksApproved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_socket_rollbacks_approved",
			Help: "Number of approved rollbacks",
		},
	)
	prometheusOperatorActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_socket_operator_actions",
			Help: "Number of privileged operator interventions",
		},
		[]string{
			"action", // force_unlock or force_push
		},
	)
	prometheusComposeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_socket_compose_failures",
			Help: "Number of failed compose attempts",
		},
		[]string{
			"reason", // error code
		},
	)
}
