package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/wake-audio-service/internal/audio"
	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/protocol"
)

// DropLogInterval is the minimum time between two aggregated gap reports
const DropLogInterval = time.Second

// CloseReason says why a session ended
type CloseReason string

const (
	ReasonStop       CloseReason = "stop"
	ReasonTimeout    CloseReason = "timeout"
	ReasonDisconnect CloseReason = "disconnect"
	ReasonShutdown   CloseReason = "shutdown"
)

// Handoff receives the path of every finished recording.
// Submit must not block the caller.
type Handoff interface {
	Submit(path string)
}

// Config contains the settings of one recorder
type Config struct {
	SaveDir        string
	FilePrefix     string
	SampleRate     int
	SilenceTimeout time.Duration

	// MaxGapFill caps the number of filler frames for a single gap.
	// Larger gaps resynchronize without filler. Zero disables the cap.
	MaxGapFill uint32

	// ImplicitStart opens a session on audio received while idle
	ImplicitStart bool

	// Transport labels logs and metrics ("tcp" or "udp")
	Transport string
}

// Validate checks the recorder configuration
func (c *Config) Validate() error {
	if c.SaveDir == "" {
		return fmt.Errorf("save directory cannot be empty")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SilenceTimeout <= 0 {
		return fmt.Errorf("silence timeout must be positive, got %v", c.SilenceTimeout)
	}
	return nil
}

// Stats holds cumulative recorder counters
type Stats struct {
	Recording        bool   `json:"is_recording"`
	SessionsOpened   uint64 `json:"sessions_opened"`
	SessionsClosed   uint64 `json:"sessions_closed"`
	FramesWritten    uint64 `json:"frames_written"`
	BytesWritten     uint64 `json:"bytes_written"`
	FillerFrames     uint64 `json:"filler_frames"`
	OutOfOrderFrames uint64 `json:"out_of_order_frames"`
	IdleAudioDropped uint64 `json:"idle_audio_dropped"`
	SinkErrors       uint64 `json:"sink_errors"`
}

// session holds the state of the open recording
type session struct {
	id           string
	sink         *audio.Sink
	openedAt     time.Time
	lastActivity time.Time
	tracker      Tracker

	// Gap losses not yet reported and when they were last reported.
	// A zero dropLogAt lets the first loss of a session log immediately.
	dropCount uint64
	dropLogAt time.Time

	frames     uint64
	fillers    uint64
	outOfOrder uint64
}

// Recorder turns decoded frames into one recording at a time.
// Handle, CheckTimeout and Close must be called from a single goroutine;
// IsRecording and Stats may be called from any goroutine.
type Recorder struct {
	cfg     Config
	handoff Handoff
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	current *session

	recording        atomic.Bool
	sessionsOpened   atomic.Uint64
	sessionsClosed   atomic.Uint64
	framesWritten    atomic.Uint64
	bytesWritten     atomic.Uint64
	fillerFrames     atomic.Uint64
	outOfOrderFrames atomic.Uint64
	idleAudioDropped atomic.Uint64
	sinkErrors       atomic.Uint64
}

// NewRecorder creates an idle recorder. handoff and m may be nil.
func NewRecorder(cfg Config, handoff Handoff, logger *slog.Logger, m *metrics.Metrics) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recorder config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Transport != "" {
		logger = logger.With(slog.String("transport", cfg.Transport))
	}

	return &Recorder{
		cfg:     cfg,
		handoff: handoff,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Handle applies one decoded frame to the session state
func (r *Recorder) Handle(frame protocol.Frame) error {
	now := r.now()

	switch frame.Kind {
	case protocol.FrameStart:
		return r.handleStart(now)
	case protocol.FrameStop:
		if r.current == nil {
			r.logger.Debug("Stop received while idle")
			return nil
		}
		r.closeSession(ReasonStop, now)
		return nil
	case protocol.FrameAudio:
		return r.handleAudio(frame, now)
	default:
		return fmt.Errorf("unsupported frame kind: %v", frame.Kind)
	}
}

func (r *Recorder) handleStart(now time.Time) error {
	if r.current != nil {
		r.current.lastActivity = now
		r.logger.Debug("Start received while recording, keeping current file",
			slog.String("session_id", r.current.id))
		return nil
	}
	return r.open(now, false)
}

func (r *Recorder) handleAudio(frame protocol.Frame, now time.Time) error {
	if r.current == nil {
		if !r.cfg.ImplicitStart {
			r.idleAudioDropped.Add(1)
			r.logger.Debug("Audio received while idle, dropping",
				slog.Int("payload_len", len(frame.Payload)))
			return nil
		}
		if err := r.open(now, true); err != nil {
			return err
		}
	}

	s := r.current
	s.lastActivity = now

	if len(frame.Payload) == 0 {
		return nil
	}

	if frame.HasSequence {
		if err := r.applySequence(s, frame.Sequence, now); err != nil {
			return err
		}
	}

	if err := r.write(s, frame.Payload); err != nil {
		return err
	}
	s.frames++
	r.framesWritten.Add(1)

	if frame.HasSequence {
		s.tracker.Accept(frame.Sequence, len(frame.Payload))
	}
	return nil
}

// applySequence runs gap recovery for seq, writing filler ahead of the payload
func (r *Recorder) applySequence(s *session, seq uint32, now time.Time) error {
	step := s.tracker.Inspect(seq)

	switch step.Decision {
	case DecisionBaseline, DecisionInOrder:
		return nil

	case DecisionOutOfOrder:
		s.outOfOrder++
		r.outOfOrderFrames.Add(1)
		r.metrics.RecordOutOfOrder(r.cfg.Transport)
		r.logger.Warn("Out-of-order audio frame, resynchronizing",
			slog.String("session_id", s.id),
			slog.Uint64("sequence", uint64(seq)),
			slog.Uint64("expected", uint64(step.Expected)))
		return nil
	}

	if r.cfg.MaxGapFill > 0 && step.Gap > r.cfg.MaxGapFill {
		s.outOfOrder++
		r.outOfOrderFrames.Add(1)
		r.metrics.RecordOutOfOrder(r.cfg.Transport)
		r.logger.Warn("Sequence gap too large to fill, resynchronizing",
			slog.String("session_id", s.id),
			slog.Uint64("sequence", uint64(seq)),
			slog.Uint64("expected", uint64(step.Expected)),
			slog.Uint64("gap", uint64(step.Gap)))
		return nil
	}

	s.dropCount += uint64(step.Gap)

	if step.FillerLen > 0 {
		if err := r.writeSilence(s, step.Gap, step.FillerLen); err != nil {
			return err
		}
	}

	if now.Sub(s.dropLogAt) >= DropLogInterval {
		r.logger.Warn("Audio frames lost, filled with silence",
			slog.String("session_id", s.id),
			slog.Uint64("dropped", s.dropCount),
			slog.Uint64("sequence", uint64(seq)))
		s.dropCount = 0
		s.dropLogAt = now
	}
	return nil
}

func (r *Recorder) writeSilence(s *session, frames uint32, frameLen int) error {
	written := int64(frames) * int64(frameLen)
	if err := s.sink.WriteSilence(written); err != nil {
		r.sinkErrors.Add(1)
		r.metrics.RecordSinkError(r.cfg.Transport, "write")
		return fmt.Errorf("failed to write filler to %s: %w", s.sink.Path(), err)
	}

	s.fillers += uint64(frames)
	r.fillerFrames.Add(uint64(frames))
	r.bytesWritten.Add(uint64(written))
	r.metrics.RecordFiller(r.cfg.Transport, frames)
	r.metrics.RecordAudioWritten(r.cfg.Transport, int(written))
	return nil
}

func (r *Recorder) write(s *session, payload []byte) error {
	if err := s.sink.Write(payload); err != nil {
		r.sinkErrors.Add(1)
		r.metrics.RecordSinkError(r.cfg.Transport, "write")
		return fmt.Errorf("failed to write audio to %s: %w", s.sink.Path(), err)
	}
	r.bytesWritten.Add(uint64(len(payload)))
	r.metrics.RecordAudioWritten(r.cfg.Transport, len(payload))
	return nil
}

func (r *Recorder) open(now time.Time, implicit bool) error {
	sink, err := audio.CreateSink(r.cfg.SaveDir, r.cfg.FilePrefix, now, r.cfg.SampleRate)
	if err != nil {
		r.sinkErrors.Add(1)
		r.metrics.RecordSinkError(r.cfg.Transport, "open")
		return fmt.Errorf("failed to open recording: %w", err)
	}

	r.current = &session{
		id:           uuid.NewString(),
		sink:         sink,
		openedAt:     now,
		lastActivity: now,
	}
	r.recording.Store(true)
	r.sessionsOpened.Add(1)
	r.metrics.RecordSessionOpened(r.cfg.Transport)

	r.logger.Info("Recording started",
		slog.String("session_id", r.current.id),
		slog.String("path", sink.Path()),
		slog.Bool("implicit", implicit))
	return nil
}

// CheckTimeout closes the session if it has been inactive for longer than
// the silence timeout. It reports whether a session was closed.
func (r *Recorder) CheckTimeout() bool {
	if r.current == nil {
		return false
	}

	now := r.now()
	idle := now.Sub(r.current.lastActivity)
	if idle <= r.cfg.SilenceTimeout {
		return false
	}

	r.logger.Info("No audio received within silence timeout",
		slog.String("session_id", r.current.id),
		slog.Duration("idle", idle),
		slog.Duration("timeout", r.cfg.SilenceTimeout))
	r.closeSession(ReasonTimeout, now)
	return true
}

// Close ends the current session, if any, and reports whether one was open
func (r *Recorder) Close(reason CloseReason) bool {
	if r.current == nil {
		return false
	}
	r.closeSession(reason, r.now())
	return true
}

func (r *Recorder) closeSession(reason CloseReason, now time.Time) {
	s := r.current
	r.current = nil
	r.recording.Store(false)

	path := s.sink.Path()
	duration := s.sink.Duration()

	// Close errors are logged only; the loop keeps serving
	if err := s.sink.Close(); err != nil {
		r.sinkErrors.Add(1)
		r.metrics.RecordSinkError(r.cfg.Transport, "close")
		r.logger.Error("Failed to close recording",
			slog.String("session_id", s.id),
			slog.String("path", path),
			slog.String("error", err.Error()))
	}

	r.sessionsClosed.Add(1)
	r.metrics.RecordSessionClosed(r.cfg.Transport, string(reason), now.Sub(s.openedAt).Seconds())

	attrs := []any{
		slog.String("session_id", s.id),
		slog.String("path", path),
		slog.String("reason", string(reason)),
		slog.Duration("audio_duration", duration),
		slog.Uint64("frames", s.frames),
		slog.Uint64("filler_frames", s.fillers),
		slog.Uint64("out_of_order", s.outOfOrder),
	}
	if s.dropCount > 0 {
		attrs = append(attrs, slog.Uint64("unreported_dropped", s.dropCount))
	}
	r.logger.Info("Recording finished", attrs...)

	if r.handoff != nil {
		r.handoff.Submit(path)
	}
}

// IsRecording reports whether a session is open
func (r *Recorder) IsRecording() bool {
	return r.recording.Load()
}

// Stats returns a snapshot of the recorder counters
func (r *Recorder) Stats() Stats {
	return Stats{
		Recording:        r.recording.Load(),
		SessionsOpened:   r.sessionsOpened.Load(),
		SessionsClosed:   r.sessionsClosed.Load(),
		FramesWritten:    r.framesWritten.Load(),
		BytesWritten:     r.bytesWritten.Load(),
		FillerFrames:     r.fillerFrames.Load(),
		OutOfOrderFrames: r.outOfOrderFrames.Load(),
		IdleAudioDropped: r.idleAudioDropped.Load(),
		SinkErrors:       r.sinkErrors.Load(),
	}
}

// ErrNotRecording is returned by CurrentPath when no session is open
var ErrNotRecording = errors.New("no recording in progress")

// CurrentPath returns the file of the open session.
// Like Handle, it must be called from the control goroutine.
func (r *Recorder) CurrentPath() (string, error) {
	if r.current == nil {
		return "", ErrNotRecording
	}
	return r.current.sink.Path(), nil
}
