// Package metrics exposes the Prometheus counters and gauges instrumented
// across internal/channel and internal/peer, following the teacher's choice
// of github.com/prometheus/client_golang for process observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerlinks_messages_accepted_total",
		Help: "Channel messages accepted into the DAG.",
	})

	MessagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlinks_messages_rejected_total",
		Help: "Channel messages rejected, by reason.",
	}, []string{"reason"})

	Bans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerlinks_bans_total",
		Help: "Peer sessions terminated for a protocol violation.",
	})

	SyncRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerlinks_sync_rounds_total",
		Help: "Completed SyncAgent synchronize() runs.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerlinks_peers_connected",
		Help: "Currently connected peer sessions.",
	})
)

func init() {
	prometheus.MustRegister(MessagesAccepted, MessagesRejected, Bans, SyncRounds, PeersConnected)
}

// Handler returns the HTTP handler a node's metrics listener should serve.
func Handler() http.Handler {
	return promhttp.Handler()
}
