// Package metrics exposes Prometheus collectors for the BATV filter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batv_connections_total",
			Help: "Total number of milter connections by client classification",
		},
		[]string{"client"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batv_messages_total",
			Help: "Total number of messages by final disposition",
		},
		[]string{"outcome"},
	)

	SignedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batv_signed_total",
			Help: "Total number of envelope senders rewritten to BATV addresses",
		},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batv_verifications_total",
			Help: "Total number of BATV recipient verifications by result",
		},
		[]string{"result"},
	)

	InternalErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batv_internal_errors_total",
			Help: "Total number of failed requests to the MTA by operation",
		},
		[]string{"operation"},
	)
)

// Client classification labels.
const (
	ClientInternal = "internal"
	ClientExternal = "external"
)

// Verification result labels, matching the X-Batv-Status values.
const (
	ResultValid   = "valid"
	ResultInvalid = "invalid"
)
