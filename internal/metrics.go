package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationLatencyBuckets = prometheus.ExponentialBuckets(
		0.5, // Start: 500ms
		2.0, // Factor: double each time
		10,  // Count: 10 buckets
	)
	PromAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txengine_attempts_total",
		Help: "Submission attempts by outcome",
	}, []string{"chainID", "outcome"})
	PromOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txengine_operations_total",
		Help: "Completed RunTransaction calls by final outcome",
	}, []string{"chainID", "outcome"})
	PromOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txengine_operation_duration_seconds",
		Help:    "Wall time of RunTransaction calls, including retries",
		Buckets: operationLatencyBuckets,
	}, []string{"chainID"})
	PromGasPolicies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txengine_gas_policies_total",
		Help: "Gas policies built for attempts, by where the fees came from",
	}, []string{"chainID", "source"})
	PromTimedOutRechecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txengine_timed_out_rechecks_total",
		Help: "Lookups of earlier timed-out hashes before a new attempt, by result",
	}, []string{"chainID", "result"})
)
