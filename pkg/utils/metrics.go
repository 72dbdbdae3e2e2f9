package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveCall = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_engine_active_call",
		Help: "Whether a consultation call is currently incoming or connected (0/1)",
	})

	PendingCallDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_engine_pending_calls",
		Help: "Number of calls waiting behind the active session",
	})

	QueueMirrorSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_engine_queue_mirror_size",
		Help: "Number of waiting patients in the local queue mirror",
	})

	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_engine_channel_reconnects_total",
		Help: "Total realtime channel reconnect attempts",
	})

	DuplicateEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_engine_duplicate_events_dropped_total",
		Help: "Queue events discarded by the three-tier duplicate check",
	})

	PushesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_engine_pushes_total",
		Help: "Wake-up pushes processed by outcome",
	}, []string{"outcome"})
)
