// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus

// Package instrument exports the node's Prometheus metrics.
package instrument

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

const namespace = "hopr"

var (
	registry = prometheus.NewRegistry()

	packetsIncoming = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_incoming_total",
		Help:      "Number of packets received from other nodes",
	})
	packetsOutgoing = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_outgoing_total",
		Help:      "Number of packets created by this node",
	})
	packetsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_forwarded_total",
		Help:      "Number of packets relayed to the next hop",
	})
	packetsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_delivered_total",
		Help:      "Number of packets that reached this node as recipient",
	})
	packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Number of packets dropped, by reason",
	}, []string{"reason"})
	surbsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "surbs_stored_total",
		Help:      "Number of SURBs received and stored",
	})
	surbsUsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "surbs_used_total",
		Help:      "Number of SURBs used to send replies",
	})
	framesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_frames_completed_total",
		Help:      "Number of session frames reassembled",
	})
	framesDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_frames_discarded_total",
		Help:      "Number of incomplete session frames discarded",
	})
)

func init() {
	registry.MustRegister(
		packetsIncoming,
		packetsOutgoing,
		packetsForwarded,
		packetsDelivered,
		packetsDropped,
		surbsStored,
		surbsUsed,
		framesCompleted,
		framesDiscarded,
	)
}

// Listener serves the /metrics endpoint.
type Listener struct {
	srv *http.Server
}

// StartPrometheusListener serves the metrics on addr until Close is
// called.
func StartPrometheusListener(l *logging.Logger, addr string) *Listener {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Errorf("Metrics listener failed: %v", err)
		}
	}()
	l.Noticef("Serving metrics on %v.", addr)
	return &Listener{srv: srv}
}

// Close stops the listener.
func (l *Listener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return l.srv.Shutdown(ctx)
}

// PacketsIncoming increments the counter of received packets.
func PacketsIncoming() { packetsIncoming.Inc() }

// PacketsOutgoing increments the counter of created packets.
func PacketsOutgoing() { packetsOutgoing.Inc() }

// PacketsForwarded increments the counter of relayed packets.
func PacketsForwarded() { packetsForwarded.Inc() }

// PacketsDelivered increments the counter of final packets.
func PacketsDelivered() { packetsDelivered.Inc() }

// PacketsDropped increments the counter of dropped packets.
func PacketsDropped(reason string) { packetsDropped.WithLabelValues(reason).Inc() }

// SURBsStored adds n to the counter of stored SURBs.
func SURBsStored(n int) { surbsStored.Add(float64(n)) }

// SURBsUsed increments the counter of used SURBs.
func SURBsUsed() { surbsUsed.Inc() }

// FramesCompleted increments the counter of reassembled frames.
func FramesCompleted() { framesCompleted.Inc() }

// FramesDiscarded increments the counter of discarded frames.
func FramesDiscarded() { framesDiscarded.Inc() }
