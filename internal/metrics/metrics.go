// Package metrics holds the Prometheus collectors for the streaming pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BytesReceived counts raw bytes delivered by stream requests, before any
// metadata or junk is removed.
var BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamradio_bytes_received_total",
	Help: "Raw stream bytes received from the network",
})

// AudioBytes counts bytes forwarded to the decoder buffer.
var AudioBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamradio_audio_bytes_total",
	Help: "Audio bytes forwarded to the decoder",
})

var MetadataBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamradio_metadata_blocks_total",
	Help: "In-band ICY metadata blocks by outcome",
}, []string{"result"})

var Resync = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamradio_frame_resync_total",
	Help: "MPEG frame resynchronization outcomes",
}, []string{"result"})

var Redirects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamradio_redirects_total",
	Help: "Redirects seen on stream requests",
}, []string{"kind"})

var PlayerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamradio_player_state",
	Help: "Current player state (-1 inactive, 0 stopped, 1 playing, 2 buffering)",
})

var PlayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamradio_play_attempts_total",
	Help: "Playback attempts by outcome",
}, []string{"result"})

var Probes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamradio_probes_total",
	Help: "Station probes by outcome",
}, []string{"result"})
