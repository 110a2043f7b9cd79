package session

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/protocol"
)

const wavHeaderSize = 44

type recordingHandoff struct {
	paths []string
}

func (h *recordingHandoff) Submit(path string) {
	h.paths = append(h.paths, path)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	rec     *Recorder
	handoff *recordingHandoff
	clock   *fakeClock
	metrics *metrics.Metrics
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := Config{
		SaveDir:        t.TempDir(),
		FilePrefix:     "wake_",
		SampleRate:     16000,
		SilenceTimeout: 6 * time.Second,
		MaxGapFill:     1000,
		Transport:      "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handoff := &recordingHandoff{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	rec, err := NewRecorder(cfg, handoff, logger, m)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)}
	rec.now = clock.Now

	return &fixture{rec: rec, handoff: handoff, clock: clock, metrics: m, logs: logs}
}

func (f *fixture) handle(t *testing.T, frames ...protocol.Frame) {
	t.Helper()
	for _, frame := range frames {
		require.NoError(t, f.rec.Handle(frame))
	}
}

func pcm(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), wavHeaderSize)
	return data[wavHeaderSize:]
}

func TestStartStopProducesEmptyRecordingAndOneHandoff(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t, protocol.StartFrame())
	assert.True(t, f.rec.IsRecording())

	f.handle(t, protocol.StopFrame())
	assert.False(t, f.rec.IsRecording())

	require.Len(t, f.handoff.paths, 1)
	assert.Empty(t, pcm(t, f.handoff.paths[0]))
	assert.Contains(t, f.handoff.paths[0], "wake_20260501_120000.wav")

	stats := f.rec.Stats()
	assert.Equal(t, uint64(1), stats.SessionsOpened)
	assert.Equal(t, uint64(1), stats.SessionsClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsClosed.WithLabelValues("test", "stop")))
}

func TestGapIsFilledWithSilence(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t,
		protocol.StartFrame(),
		protocol.AudioFrame(5, []byte{0xAA, 0xBB, 0xCC, 0xDD}),
	)
	expected, ok := f.rec.current.tracker.Expected()
	require.True(t, ok)
	assert.Equal(t, uint32(6), expected)

	f.handle(t, protocol.AudioFrame(8, []byte{0x11, 0x22, 0x33, 0x44}))
	expected, _ = f.rec.current.tracker.Expected()
	assert.Equal(t, uint32(9), expected)

	f.handle(t, protocol.StopFrame())
	require.Len(t, f.handoff.paths, 1)

	want := []byte{
		0xAA, 0xBB, 0xCC, 0xDD,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0x11, 0x22, 0x33, 0x44,
	}
	assert.Equal(t, want, pcm(t, f.handoff.paths[0]))
	assert.Equal(t, uint64(2), f.rec.Stats().FillerFrames)
	assert.Equal(t, uint64(len(want)), f.rec.Stats().BytesWritten)
}

func TestSingleFrameGap(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t, protocol.StartFrame())
	f.rec.current.tracker.Accept(4, 4) // expected == 5

	f.handle(t, protocol.AudioFrame(5, []byte{0xAA, 0xBB, 0xCC, 0xDD}))
	expected, _ := f.rec.current.tracker.Expected()
	assert.Equal(t, uint32(6), expected)

	// 7 against an expected 6 is one missing frame
	f.handle(t, protocol.AudioFrame(7, []byte{1, 2, 3, 4}))
	expected, _ = f.rec.current.tracker.Expected()
	assert.Equal(t, uint32(8), expected)

	f.handle(t, protocol.StopFrame())
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0, 0, 0, 0, 1, 2, 3, 4}
	assert.Equal(t, want, pcm(t, f.handoff.paths[0]))
	assert.Equal(t, uint64(1), f.rec.Stats().FillerFrames)
}

func TestOutOfOrderResynchronizesWithoutFiller(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t,
		protocol.StartFrame(),
		protocol.AudioFrame(10, []byte{1, 1}),
		protocol.AudioFrame(11, []byte{2, 2}),
		protocol.AudioFrame(9, []byte{3, 3}),
	)
	expected, _ := f.rec.current.tracker.Expected()
	assert.Equal(t, uint32(10), expected)

	f.handle(t, protocol.AudioFrame(10, []byte{4, 4}), protocol.StopFrame())

	assert.Equal(t, []byte{1, 1, 2, 2, 3, 3, 4, 4}, pcm(t, f.handoff.paths[0]))
	assert.Equal(t, uint64(0), f.rec.Stats().FillerFrames)
	assert.Equal(t, uint64(1), f.rec.Stats().OutOfOrderFrames)
	assert.Contains(t, f.logs.String(), "Out-of-order audio frame")
}

func TestGapBeforeAnyLengthIsNotFilled(t *testing.T) {
	f := newFixture(t, nil)

	// The baseline frame carries no payload, so no length is known at the gap
	f.handle(t, protocol.StartFrame())
	f.rec.current.tracker.Accept(1, 0)
	f.handle(t, protocol.AudioFrame(4, []byte{7, 7}), protocol.StopFrame())

	assert.Equal(t, []byte{7, 7}, pcm(t, f.handoff.paths[0]))
	assert.Equal(t, uint64(0), f.rec.Stats().FillerFrames)
}

func TestGapLargerThanCapResynchronizes(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxGapFill = 3 })

	f.handle(t,
		protocol.StartFrame(),
		protocol.AudioFrame(1, []byte{1, 1}),
		protocol.AudioFrame(10, []byte{2, 2}),
		protocol.StopFrame(),
	)

	assert.Equal(t, []byte{1, 1, 2, 2}, pcm(t, f.handoff.paths[0]))
	assert.Equal(t, uint64(0), f.rec.Stats().FillerFrames)
	assert.Contains(t, f.logs.String(), "Sequence gap too large to fill")
}

func TestUncappedLargeGapIsFilledFrameSized(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxGapFill = 0 })

	const gap = 20000
	frame := make([]byte, 640)
	for i := range frame {
		frame[i] = 0x7F
	}

	f.handle(t,
		protocol.StartFrame(),
		protocol.AudioFrame(0, frame),
		protocol.AudioFrame(gap+1, frame),
		protocol.StopFrame(),
	)

	require.Len(t, f.handoff.paths, 1)
	data, err := os.ReadFile(f.handoff.paths[0])
	require.NoError(t, err)

	expected := (gap + 2) * len(frame)
	assert.Equal(t, uint32(expected), binary.LittleEndian.Uint32(data[40:44]))
	require.Len(t, data, wavHeaderSize+expected)

	body := data[wavHeaderSize:]
	assert.Equal(t, frame, body[:len(frame)])
	assert.Equal(t, frame, body[expected-len(frame):])
	assert.Equal(t, make([]byte, gap*len(frame)), body[len(frame):expected-len(frame)])

	stats := f.rec.Stats()
	assert.Equal(t, uint64(gap), stats.FillerFrames)
	assert.Equal(t, uint64(expected), stats.BytesWritten)
}

func TestDropLogIsThrottled(t *testing.T) {
	f := newFixture(t, nil)
	lossLogs := func() int { return bytes.Count(f.logs.Bytes(), []byte("Audio frames lost")) }

	f.handle(t, protocol.StartFrame(), protocol.AudioFrame(0, []byte{0, 0}))

	// The first loss of a session is reported right away
	f.clock.Advance(100 * time.Millisecond)
	f.handle(t, protocol.AudioFrame(2, []byte{0, 0}))
	assert.Equal(t, 1, lossLogs())
	assert.Contains(t, f.logs.String(), "dropped=1")

	seq := uint32(2)
	for i := 0; i < 5; i++ {
		f.clock.Advance(100 * time.Millisecond)
		seq += 2
		f.handle(t, protocol.AudioFrame(seq, []byte{0, 0}))
	}
	assert.Equal(t, 1, lossLogs())
	assert.Equal(t, uint64(5), f.rec.current.dropCount)

	f.clock.Advance(600 * time.Millisecond)
	seq += 2
	f.handle(t, protocol.AudioFrame(seq, []byte{0, 0}))
	assert.Equal(t, 2, lossLogs())
	assert.Contains(t, f.logs.String(), "dropped=6")
	assert.Equal(t, uint64(0), f.rec.current.dropCount)
	assert.Equal(t, uint64(7), f.rec.Stats().FillerFrames)
}

func TestDoubleStopIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t, protocol.StopFrame())
	assert.Empty(t, f.handoff.paths)

	f.handle(t, protocol.StartFrame(), protocol.StopFrame(), protocol.StopFrame())
	assert.Len(t, f.handoff.paths, 1)

	assert.False(t, f.rec.Close(ReasonShutdown))
	assert.Len(t, f.handoff.paths, 1)
}

func TestSilenceTimeoutClosesSession(t *testing.T) {
	f := newFixture(t, nil)

	assert.False(t, f.rec.CheckTimeout(), "watchdog is inert while idle")

	f.handle(t, protocol.StartFrame(), protocol.AudioFrame(1, []byte{1, 2}))

	f.clock.Advance(6 * time.Second)
	assert.False(t, f.rec.CheckTimeout())
	assert.True(t, f.rec.IsRecording())

	f.clock.Advance(time.Millisecond)
	assert.True(t, f.rec.CheckTimeout())
	assert.False(t, f.rec.IsRecording())
	require.Len(t, f.handoff.paths, 1)
	assert.Equal(t, []byte{1, 2}, pcm(t, f.handoff.paths[0]))

	assert.False(t, f.rec.CheckTimeout())
	assert.Len(t, f.handoff.paths, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsClosed.WithLabelValues("test", "timeout")))
}

func TestActivityRefreshesWatchdog(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t, protocol.StartFrame())
	for i := 0; i < 4; i++ {
		f.clock.Advance(5 * time.Second)
		// Empty payloads still count as activity
		f.handle(t, protocol.AudioFrame(uint32(i), nil))
		assert.False(t, f.rec.CheckTimeout())
	}

	f.clock.Advance(5 * time.Second)
	f.handle(t, protocol.StartFrame())
	assert.False(t, f.rec.CheckTimeout())
	assert.Equal(t, uint64(1), f.rec.Stats().SessionsOpened, "repeated start keeps the open file")
	assert.Equal(t, uint64(0), f.rec.Stats().FramesWritten)
}

func TestAudioWhileIdleIsDroppedWithoutImplicitStart(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t, protocol.AudioFrame(1, []byte{1, 2}))

	assert.False(t, f.rec.IsRecording())
	assert.Equal(t, uint64(1), f.rec.Stats().IdleAudioDropped)
	assert.Equal(t, uint64(0), f.rec.Stats().SessionsOpened)
}

func TestLegacyAudioOpensImplicitSession(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ImplicitStart = true })

	f.handle(t, protocol.LegacyAudioFrame([]byte{5, 6, 7, 8}))
	assert.True(t, f.rec.IsRecording())
	_, tracked := f.rec.current.tracker.Expected()
	assert.False(t, tracked, "legacy frames carry no sequence")

	f.handle(t, protocol.LegacyAudioFrame([]byte{9, 10}))
	require.True(t, f.rec.Close(ReasonShutdown))

	require.Len(t, f.handoff.paths, 1)
	assert.Equal(t, []byte{5, 6, 7, 8, 9, 10}, pcm(t, f.handoff.paths[0]))
	assert.Equal(t, uint64(0), f.rec.Stats().FillerFrames)
}

func TestExtendedAudioOpensImplicitSession(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ImplicitStart = true })

	f.handle(t, protocol.AudioFrame(100, []byte{1, 2}))
	expected, tracked := f.rec.current.tracker.Expected()
	assert.True(t, tracked)
	assert.Equal(t, uint32(101), expected)
}

func TestSessionsAreIndependent(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t,
		protocol.StartFrame(),
		protocol.AudioFrame(50, []byte{1, 1}),
		protocol.StopFrame(),
	)

	f.clock.Advance(2 * time.Second)
	f.handle(t,
		protocol.StartFrame(),
		protocol.AudioFrame(3, []byte{2, 2}),
		protocol.StopFrame(),
	)

	require.Len(t, f.handoff.paths, 2)
	assert.NotEqual(t, f.handoff.paths[0], f.handoff.paths[1])
	// Sequence 3 after 50 in a new session is a fresh baseline, not out of order
	assert.Equal(t, []byte{2, 2}, pcm(t, f.handoff.paths[1]))
	assert.Equal(t, uint64(0), f.rec.Stats().OutOfOrderFrames)
}

func TestCloseForDisconnect(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(t, protocol.StartFrame())
	path, err := f.rec.CurrentPath()
	require.NoError(t, err)

	assert.True(t, f.rec.Close(ReasonDisconnect))
	require.Len(t, f.handoff.paths, 1)
	assert.Equal(t, path, f.handoff.paths[0])

	_, err = f.rec.CurrentPath()
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestNilHandoffAndMetrics(t *testing.T) {
	rec, err := NewRecorder(Config{
		SaveDir:        t.TempDir(),
		SampleRate:     8000,
		SilenceTimeout: time.Second,
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)

	require.NoError(t, rec.Handle(protocol.StartFrame()))
	require.NoError(t, rec.Handle(protocol.AudioFrame(1, []byte{0, 0})))
	require.NoError(t, rec.Handle(protocol.StopFrame()))
	assert.Equal(t, uint64(1), rec.Stats().SessionsClosed)
}

func TestOpenFailureKeepsRecorderIdle(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SaveDir = "/nonexistent/recordings" })

	err := f.rec.Handle(protocol.StartFrame())
	assert.Error(t, err)
	assert.False(t, f.rec.IsRecording())
	assert.Equal(t, uint64(1), f.rec.Stats().SinkErrors)

	f.handle(t, protocol.StopFrame())
	assert.Empty(t, f.handoff.paths)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{SaveDir: "x", SampleRate: 16000, SilenceTimeout: time.Second}, false},
		{"empty dir", Config{SampleRate: 16000, SilenceTimeout: time.Second}, true},
		{"zero rate", Config{SaveDir: "x", SilenceTimeout: time.Second}, true},
		{"zero timeout", Config{SaveDir: "x", SampleRate: 16000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
