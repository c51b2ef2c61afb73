// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planetradio_auth_attempts_total",
		Help: "Login handshakes by result",
	}, []string{"result"}) // result=success|failure

	StationCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planetradio_station_cache_total",
		Help: "Station cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|miss

	RelayStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planetradio_relay_starts_total",
		Help: "Relay start attempts by stream kind and result",
	}, []string{"kind", "result"})

	ActiveRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planetradio_active_relays",
		Help: "Relays currently bound to a local port",
	})

	SegmentsStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planetradio_hls_segments_streamed_total",
		Help: "HLS segments piped to the player",
	})

	SegmentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planetradio_hls_segment_failures_total",
		Help: "HLS segment downloads that failed and were skipped",
	})

	PlaylistRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planetradio_hls_playlist_refreshes_total",
		Help: "Media playlist refreshes by result",
	}, []string{"result"})

	MetadataPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planetradio_metadata_pushes_total",
		Help: "Now-playing updates resolved, by source",
	}, []string{"source"}) // source=track|show|station

	UpstreamReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planetradio_upstream_reachable",
		Help: "Whether the upstream API host accepted a connection on the last check",
	})
)
