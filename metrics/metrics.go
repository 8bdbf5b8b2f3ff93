package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junglevibe_messages_sent_total",
			Help: "Total messages accepted for sending",
		},
		[]string{"mode"}, // NORMAL or JUNGLE
	)

	SendRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junglevibe_send_rejected_total",
			Help: "Total sends rejected before reaching the store",
		},
		[]string{"reason"},
	)

	SessionsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "junglevibe_sessions_online",
			Help: "Websocket sessions currently connected",
		},
	)

	SessionsKickedOff = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "junglevibe_sessions_kicked_off_total",
			Help: "Sessions closed because the user exceeded the session quota",
		},
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "junglevibe_ingest_errors_total",
			Help: "Ingest pipeline errors",
		},
		[]string{"stage"}, // fetch, decode, duplicate, save, commit
	)
)
