/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ops API metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nmstereo_api_request_duration_seconds",
		Help:    "Duration of ops HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_api_requests_total",
		Help: "Total ops HTTP requests.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmstereo_api_active_connections",
		Help: "In-flight ops HTTP requests.",
	})

	NowPlayingListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmstereo_now_playing_listeners",
		Help: "Connected now playing websocket clients.",
	})
)

// Playlist store metrics
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nmstereo_database_query_duration_seconds",
		Help:    "Duration of database statements.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_database_errors_total",
		Help: "Failed database statements.",
	}, []string{"operation", "table"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmstereo_database_connections_active",
		Help: "Open connections in the database pool.",
	})
)

// Broadcaster metrics
var (
	PlaylistQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmstereo_playlist_queue_depth",
		Help: "Items waiting in the in-memory broadcast queue.",
	})

	ItemsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_items_ingested_total",
		Help: "Item ids received for queueing by outcome.",
	}, []string{"outcome"})

	BroadcastsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmstereo_broadcasts_sent_total",
		Help: "Items published to the broadcast fanout.",
	})

	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_confirmations_total",
		Help: "Playback confirmations by outcome.",
	}, []string{"outcome"})

	ItemsPlayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_items_played_total",
		Help: "Items moved to played by reason.",
	}, []string{"reason"})

	ExpiryTimerFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmstereo_expiry_timer_fires_total",
		Help: "Expiry timers that fired and triggered an advance evaluation.",
	})

	BroadcasterErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_broadcaster_errors_total",
		Help: "Broadcaster failures by stage.",
	}, []string{"stage"})
)

// Broker metrics
var (
	BrokerConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmstereo_broker_connection_status",
		Help: "1 while the broker session is consuming, 0 otherwise.",
	})

	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_broker_messages_published_total",
		Help: "Messages published by subject.",
	}, []string{"subject"})

	BrokerMessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_broker_messages_consumed_total",
		Help: "Messages settled by subject and outcome.",
	}, []string{"subject", "outcome"})
)

// Decoder, catalog, and stereo metrics
var (
	DecodeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_decode_requests_total",
		Help: "Decoded requests by outcome.",
	}, []string{"outcome"})

	CatalogLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nmstereo_catalog_lookup_duration_seconds",
		Help:    "Duration of remote track catalog lookups.",
		Buckets: prometheus.DefBuckets,
	})

	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_cache_operations_total",
		Help: "Track metadata cache lookups by result.",
	}, []string{"result"})

	StereoPlaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_stereo_plays_total",
		Help: "Broadcast messages handled by stereo clients by outcome.",
	}, []string{"outcome"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmstereo_webhook_deliveries_total",
		Help: "Now playing webhook deliveries by outcome.",
	}, []string{"outcome"})
)

// Leader election metrics
var (
	LeaderElectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmstereo_leader_election_status",
		Help: "1 if this instance holds the broadcaster lease.",
	})

	LeaderElectionChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmstereo_leader_election_changes_total",
		Help: "Leadership transitions observed by this instance.",
	})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
