// Package metrics exposes prometheus instrumentation for the companion
// sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState reports the broker connection as a one-hot gauge
	// labeled by state name.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "salonpad_connection_state",
		Help: "Broker connection state (1 for the current state, 0 otherwise)",
	}, []string{"state"})

	// PeerReachable is 1 while the paired station's heartbeats arrive
	// within the liveness window.
	PeerReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "salonpad_peer_reachable",
		Help: "Whether the paired station is considered reachable",
	})

	// QueueDepth is the number of messages waiting in the offline outbox.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "salonpad_queue_depth",
		Help: "Messages currently held in the offline queue",
	})

	QueueEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salonpad_queue_enqueued_total",
		Help: "Messages added to the offline queue",
	})

	QueueReplayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salonpad_queue_replayed_total",
		Help: "Replay outcomes for queued messages",
	}, []string{"outcome"})

	HeartbeatsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salonpad_heartbeats_sent_total",
		Help: "Liveness beacons published",
	})

	FlowEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salonpad_flow_events_total",
		Help: "Transaction flow events handled, labeled by event name",
	}, []string{"event"})

	OfflineAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salonpad_offline_alerts_total",
		Help: "Prolonged-offline alerts raised",
	})
)

// SetConnectionState flips the one-hot connection gauge to the named state.
func SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "reconnecting"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// SetPeerReachable records station reachability as 0 or 1.
func SetPeerReachable(reachable bool) {
	if reachable {
		PeerReachable.Set(1)
	} else {
		PeerReachable.Set(0)
	}
}
