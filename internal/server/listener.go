package server

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/skypro1111/wake-audio-service/internal/config"
	"github.com/skypro1111/wake-audio-service/internal/session"
)

// Transport names used in logs, metrics and statistics
const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// Listener is a transport that feeds frames into its own recorder
type Listener interface {
	Start() error
	Stop() error
	IsRunning() bool
	IsRecording() bool
	Statistics() ListenerStatistics
}

// ListenerConfig contains the settings shared by both transports
type ListenerConfig struct {
	Address string

	// ReadSize is the TCP read chunk or the largest accepted UDP datagram
	ReadSize int

	// SocketBufferSize is the requested SO_RCVBUF (UDP only, 0 keeps the OS default)
	SocketBufferSize int

	// PollInterval bounds how long a blocked read can delay the silence watchdog
	PollInterval time.Duration

	Recorder session.Config
}

func (c *ListenerConfig) validate() error {
	if c.Address == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.ReadSize <= 0 {
		return fmt.Errorf("read size must be positive, got %d", c.ReadSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	return c.Recorder.Validate()
}

// recorderConfig maps the recording section onto a recorder for one transport
func recorderConfig(rc config.RecordingConfig, transport string, implicitStart bool) session.Config {
	return session.Config{
		SaveDir:        rc.SaveDir,
		FilePrefix:     rc.FilePrefix,
		SampleRate:     rc.SampleRate,
		SilenceTimeout: rc.GetSilenceTimeoutDuration(),
		MaxGapFill:     uint32(rc.MaxGapFill),
		ImplicitStart:  implicitStart,
		Transport:      transport,
	}
}

// TCPListenerConfig builds the TCP listener settings from the service config.
// The byte stream always opens sessions explicitly with STRT.
func TCPListenerConfig(cfg *config.Config) ListenerConfig {
	return ListenerConfig{
		Address:      cfg.TCP.Address(),
		ReadSize:     cfg.TCP.ReadSize,
		PollInterval: cfg.Recording.GetPollIntervalDuration(),
		Recorder:     recorderConfig(cfg.Recording, TransportTCP, false),
	}
}

// UDPListenerConfig builds the UDP listener settings from the service config.
// A lost STRT datagram must not lose the whole utterance, so audio opens a session.
func UDPListenerConfig(cfg *config.Config) ListenerConfig {
	return ListenerConfig{
		Address:          cfg.UDP.Address(),
		ReadSize:         cfg.UDP.BufferSize,
		SocketBufferSize: cfg.UDP.SocketBufferSize,
		PollInterval:     cfg.Recording.GetPollIntervalDuration(),
		Recorder:         recorderConfig(cfg.Recording, TransportUDP, true),
	}
}

// ensureSaveDir creates the recording directory if it does not exist yet
func ensureSaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create save directory %s: %w", dir, err)
	}
	return nil
}

// ListenerStatistics represents listener performance counters
type ListenerStatistics struct {
	Transport           string        `json:"transport"`
	Address             string        `json:"address"`
	Running             bool          `json:"is_running"`
	Reads               uint64        `json:"reads"`
	BytesReceived       uint64        `json:"bytes_received"`
	FramesDecoded       uint64        `json:"frames_decoded"`
	BytesSkipped        uint64        `json:"bytes_skipped"`
	DatagramsDiscarded  uint64        `json:"datagrams_discarded"`
	ConnectionsAccepted uint64        `json:"connections_accepted"`
	ReadErrors          uint64        `json:"read_errors"`
	Session             session.Stats `json:"session"`
}

// counters are updated by the control goroutine and read by the HTTP API
type counters struct {
	reads               atomic.Uint64
	bytesReceived       atomic.Uint64
	framesDecoded       atomic.Uint64
	bytesSkipped        atomic.Uint64
	datagramsDiscarded  atomic.Uint64
	connectionsAccepted atomic.Uint64
	readErrors          atomic.Uint64
}

func (c *counters) fill(stats *ListenerStatistics) {
	stats.Reads = c.reads.Load()
	stats.BytesReceived = c.bytesReceived.Load()
	stats.FramesDecoded = c.framesDecoded.Load()
	stats.BytesSkipped = c.bytesSkipped.Load()
	stats.DatagramsDiscarded = c.datagramsDiscarded.Load()
	stats.ConnectionsAccepted = c.connectionsAccepted.Load()
	stats.ReadErrors = c.readErrors.Load()
}
