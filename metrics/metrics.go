package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// operator-facing counters and gauges, served from the workers' /metrics
var (
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propbridge_messages_total",
		Help: "Canonical events processed, by kind and outcome.",
	}, []string{"kind", "result"})

	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propbridge_dropped_events_total",
		Help: "Raw events dropped as unrecognized or malformed.",
	})

	StageWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propbridge_stage_warnings_total",
		Help: "Stage consistency violations rejected by the synchronizer.",
	})

	LastScannedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "propbridge_last_scanned_block",
		Help: "Last fully processed block height per chain.",
	}, []string{"chain"})

	LockboxViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propbridge_lockbox_violations_total",
		Help: "Conservation sweeps that found locked and minted balances out of balance.",
	})
)
