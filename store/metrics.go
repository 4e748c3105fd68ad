package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations by collection, operation and result.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_store_operations_total",
			Help: "Total number of record store operations",
		},
		[]string{"collection", "operation", "result"},
	)

	// UnsyncedRecords reports the unsynced record count per collection at the last scan.
	UnsyncedRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_store_unsynced_records",
			Help: "Number of records not yet acknowledged by the remote service",
		},
		[]string{"collection"},
	)
)

func recordOperation(c Collection, operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(string(c), operation, result).Inc()
}
