package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the wake audio service.
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Transport metrics
	BytesReceived       *prometheus.CounterVec
	ReadsReceived       *prometheus.CounterVec
	FramesDecoded       *prometheus.CounterVec
	ResyncBytesSkipped  *prometheus.CounterVec
	DatagramsDiscarded  prometheus.Counter
	ConnectionsAccepted prometheus.Counter
	ReadErrors          *prometheus.CounterVec

	// Session metrics
	ActiveSessions    *prometheus.GaugeVec
	SessionsOpened    *prometheus.CounterVec
	SessionsClosed    *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	AudioBytesWritten *prometheus.CounterVec
	FillerFrames      *prometheus.CounterVec
	OutOfOrderFrames  *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec

	// Transcription metrics
	TranscriptionQueued    prometheus.Counter
	TranscriptionRejected  prometheus.Counter
	TranscriptionQueueSize prometheus.Gauge
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_bytes_received_total",
			Help: "Total number of bytes read from the network",
		}, []string{"transport"}),
		ReadsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_reads_total",
			Help: "Total number of successful socket reads (datagrams for UDP)",
		}, []string{"transport"}),
		FramesDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_frames_decoded_total",
			Help: "Total number of protocol frames decoded",
		}, []string{"transport", "kind"}),
		ResyncBytesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_resync_bytes_skipped_total",
			Help: "Total number of bytes dropped while resynchronizing on the frame tag",
		}, []string{"transport"}),
		DatagramsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "wake_udp_datagrams_discarded_total",
			Help: "Total number of undersized or unrecognized datagrams",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wake_tcp_connections_accepted_total",
			Help: "Total number of TCP connections accepted",
		}),
		ReadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_read_errors_total",
			Help: "Total number of non-timeout socket errors",
		}, []string{"transport"}),

		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wake_active_sessions",
			Help: "Whether a recording session is currently open",
		}, []string{"transport"}),
		SessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_sessions_opened_total",
			Help: "Total number of recording sessions opened",
		}, []string{"transport"}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_sessions_closed_total",
			Help: "Total number of recording sessions closed",
		}, []string{"transport", "reason"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wake_session_duration_seconds",
			Help:    "Wall-clock duration of recording sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}, []string{"transport"}),
		AudioBytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_audio_bytes_written_total",
			Help: "Total number of PCM bytes written to recordings, filler included",
		}, []string{"transport"}),
		FillerFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_filler_frames_total",
			Help: "Total number of silent frames injected for sequence gaps",
		}, []string{"transport"}),
		OutOfOrderFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_out_of_order_frames_total",
			Help: "Total number of audio frames that forced a sequence resync",
		}, []string{"transport"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_sink_errors_total",
			Help: "Total number of recording file errors",
		}, []string{"transport", "op"}),

		TranscriptionQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "wake_transcription_queued_total",
			Help: "Total number of recordings submitted for transcription",
		}),
		TranscriptionRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "wake_transcription_rejected_total",
			Help: "Total number of recordings rejected because the queue was full",
		}),
		TranscriptionQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wake_transcription_queue_size",
			Help: "Current number of recordings waiting for transcription",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "wake_transcription_successes_total",
			Help: "Total number of successful transcriptions",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "wake_transcription_failures_total",
			Help: "Total number of failed transcriptions",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wake_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "wake_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wake_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wake_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordRead records one successful socket read of n bytes
func (m *Metrics) RecordRead(transport string, n int) {
	if m == nil {
		return
	}
	m.ReadsReceived.WithLabelValues(transport).Inc()
	m.BytesReceived.WithLabelValues(transport).Add(float64(n))
}

// RecordFrame increments the decoded frames counter for the frame kind
func (m *Metrics) RecordFrame(transport, kind string) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(transport, kind).Inc()
}

// RecordResync adds bytes skipped by the stream decoder
func (m *Metrics) RecordResync(transport string, skipped int) {
	if m == nil || skipped <= 0 {
		return
	}
	m.ResyncBytesSkipped.WithLabelValues(transport).Add(float64(skipped))
}

// RecordDatagramDiscarded increments the discarded datagrams counter
func (m *Metrics) RecordDatagramDiscarded() {
	if m == nil {
		return
	}
	m.DatagramsDiscarded.Inc()
}

// RecordConnectionAccepted increments the accepted connections counter
func (m *Metrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

// RecordReadError increments the socket error counter
func (m *Metrics) RecordReadError(transport string) {
	if m == nil {
		return
	}
	m.ReadErrors.WithLabelValues(transport).Inc()
}

// RecordSessionOpened marks a session as open
func (m *Metrics) RecordSessionOpened(transport string) {
	if m == nil {
		return
	}
	m.SessionsOpened.WithLabelValues(transport).Inc()
	m.ActiveSessions.WithLabelValues(transport).Set(1)
}

// RecordSessionClosed marks the session as closed and records its duration
func (m *Metrics) RecordSessionClosed(transport, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(transport, reason).Inc()
	m.ActiveSessions.WithLabelValues(transport).Set(0)
	m.SessionDuration.WithLabelValues(transport).Observe(durationSeconds)
}

// RecordAudioWritten adds PCM bytes written to a recording
func (m *Metrics) RecordAudioWritten(transport string, n int) {
	if m == nil {
		return
	}
	m.AudioBytesWritten.WithLabelValues(transport).Add(float64(n))
}

// RecordFiller adds injected filler frames
func (m *Metrics) RecordFiller(transport string, frames uint32) {
	if m == nil || frames == 0 {
		return
	}
	m.FillerFrames.WithLabelValues(transport).Add(float64(frames))
}

// RecordOutOfOrder increments the out-of-order counter
func (m *Metrics) RecordOutOfOrder(transport string) {
	if m == nil {
		return
	}
	m.OutOfOrderFrames.WithLabelValues(transport).Inc()
}

// RecordSinkError records a failed open, write or close of a recording
func (m *Metrics) RecordSinkError(transport, op string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(transport, op).Inc()
}

// RecordTranscriptionQueued records an accepted submission and the new queue size
func (m *Metrics) RecordTranscriptionQueued(queueSize int) {
	if m == nil {
		return
	}
	m.TranscriptionQueued.Inc()
	m.TranscriptionQueueSize.Set(float64(queueSize))
}

// RecordTranscriptionRejected increments the rejected submissions counter
func (m *Metrics) RecordTranscriptionRejected() {
	if m == nil {
		return
	}
	m.TranscriptionRejected.Inc()
}

// SetTranscriptionQueueSize sets the current queue size
func (m *Metrics) SetTranscriptionQueueSize(size int) {
	if m == nil {
		return
	}
	m.TranscriptionQueueSize.Set(float64(size))
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
