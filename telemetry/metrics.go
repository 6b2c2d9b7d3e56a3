// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	ChunksCaptured   prometheus.Counter
	ChunksDropped    prometheus.Counter
	EventsDropped    prometheus.Counter
	Transcripts      prometheus.Counter
	Reconnects       prometheus.Counter
	ParseErrors      prometheus.Counter
	ShardRebuilds    prometheus.Counter

	// Histograms (seconds)
	TranscribeDuration prometheus.Observer
	PollDuration       prometheus.Observer

	// Gauges
	ActiveChannels    prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
	AudioQueueDepth   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_chat_messages_sent_total", Help: "Number of chat messages sent to IRC"})
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_chat_messages_received_total", Help: "Number of chat messages parsed from IRC"})
		ChunksCaptured = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_audio_chunks_captured_total", Help: "Number of audio chunks enqueued for transcription"})
		ChunksDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_audio_chunks_dropped_total", Help: "Number of audio chunks shed by backpressure"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_events_dropped_total", Help: "Number of events dropped on a full inbound queue"})
		Transcripts = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_transcripts_total", Help: "Number of non-empty transcripts produced"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_irc_reconnects_total", Help: "Number of IRC reconnect attempts"})
		ParseErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_irc_parse_errors_total", Help: "Number of malformed IRC lines dropped"})
		ShardRebuilds = promauto.NewCounter(prometheus.CounterOpts{Name: "sentry_shard_rebuilds_total", Help: "Number of full shard rebuilds"})
		TranscribeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sentry_transcribe_duration_seconds", Help: "Transcription duration seconds", Buckets: prometheus.DefBuckets})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sentry_monitor_poll_duration_seconds", Help: "Helix poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentry_active_channels", Help: "Current number of monitored channels"})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentry_irc_sessions", Help: "Current number of live IRC sessions"})
		ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentry_subscribers", Help: "Current number of attached subscribers"})
		AudioQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentry_audio_queue_depth", Help: "Current audio queue depth"})
	})
}

// SetAudioQueueDepth records the current audio queue depth.
func SetAudioQueueDepth(n int) {
	if AudioQueueDepth != nil {
		AudioQueueDepth.Set(float64(n))
	}
}

// SetActiveChannels records the current active-channel count.
func SetActiveChannels(n int) {
	if ActiveChannels != nil {
		ActiveChannels.Set(float64(n))
	}
}

// IncChunksDropped counts one audio chunk shed by backpressure.
func IncChunksDropped() {
	if ChunksDropped != nil {
		ChunksDropped.Inc()
	}
}

// IncEventsDropped counts one event dropped on a full inbound queue.
func IncEventsDropped() {
	if EventsDropped != nil {
		EventsDropped.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
