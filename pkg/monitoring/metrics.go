// Package monitoring holds the prometheus counters shared by the signaling
// client and the signaling server.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webrtc_safari"

var (
	CandidatesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "candidates_sent_total",
		Help:      "Local ICE candidates delivered to the signaling server.",
	})
	CandidateSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "candidate_send_failures_total",
		Help:      "Local ICE candidates that could not be delivered.",
	})
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "candidate_polls_total",
		Help:      "Remote candidate fetches by outcome.",
	}, []string{"outcome"})
	RemoteCandidatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "remote_candidates_total",
		Help:      "Remote ICE candidates handed to the peer connection by outcome.",
	}, []string{"outcome"})
	HandshakeStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "handshake_transitions_total",
		Help:      "Handshake state transitions by target state.",
	}, []string{"state"})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "sessions_created_total",
		Help:      "Sessions created through POST /connection.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "sessions_active",
		Help:      "Sessions currently held by the signaling server.",
	})
	CandidatesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "candidates_received_total",
		Help:      "Remote candidates submitted through POST /{id}/candidate.",
	})
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomePending  = "pending"
	OutcomeComplete = "complete"
)

func Handler() http.Handler {
	return promhttp.Handler()
}
