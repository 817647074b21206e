package main

import (
	"errors"
	"time"

	netservice "github.com/devgianlu/go-netservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegisteredGauge mirrors the registration signal of the advertised service
	RegisteredGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netservice_registered",
			Help: "Whether the service is currently published (1) or not (0)",
		},
	)

	// OperationsTotal counts register and unregister calls by outcome
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netservice_operations_total",
			Help: "Total number of register/unregister operations",
		},
		[]string{"operation", "result"},
	)

	// OperationDurationSeconds measures how long the platform took to answer
	OperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netservice_operation_duration_seconds",
			Help:    "Latency of register/unregister operations",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)
)

func operationResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, netservice.ErrRegistrationTimeout):
		return "timeout"
	case errors.Is(err, netservice.ErrRegistrationRejected):
		return "rejected"
	default:
		return "error"
	}
}

func observeOperation(operation string, start time.Time, err error) {
	OperationsTotal.WithLabelValues(operation, operationResult(err)).Inc()
	OperationDurationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func observeRegistered(registered bool) {
	if registered {
		RegisteredGauge.Set(1)
	} else {
		RegisteredGauge.Set(0)
	}
}
