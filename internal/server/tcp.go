package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/protocol"
	"github.com/skypro1111/wake-audio-service/internal/session"
)

// TCPServer accepts one device connection at a time and decodes its byte
// stream into the recorder. Further connections wait in the accept backlog
// until the current one goes away.
type TCPServer struct {
	cfg      ListenerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	recorder *session.Recorder

	// Lifecycle
	mu       sync.Mutex
	running  bool
	listener *net.TCPListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// The connection being served, closed by Stop to unblock its read
	connMu sync.Mutex
	conn   *net.TCPConn

	counters
}

// NewTCPServer creates a stopped TCP listener. handoff and m may be nil.
func NewTCPServer(cfg ListenerConfig, handoff session.Handoff, logger *slog.Logger, m *metrics.Metrics) (*TCPServer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid tcp listener config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Recorder.Transport = TransportTCP
	cfg.Recorder.ImplicitStart = false

	recorder, err := session.NewRecorder(cfg.Recorder, handoff, logger, m)
	if err != nil {
		return nil, err
	}

	return &TCPServer{
		cfg:      cfg,
		logger:   logger.With(slog.String("transport", TransportTCP)),
		metrics:  m,
		recorder: recorder,
	}, nil
}

// Start binds the listening socket and begins accepting connections.
// Calling Start on a running server is a no-op.
func (s *TCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := ensureSaveDir(s.cfg.Recorder.SaveDir); err != nil {
		return err
	}

	addr, err := net.ResolveTCPAddr("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	s.running = true

	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.String("save_dir", s.cfg.Recorder.SaveDir),
		slog.Int("sample_rate", s.cfg.Recorder.SampleRate),
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	return nil
}

// Stop closes the listener and the active connection, waits for the control
// loop to exit and finalizes any open recording. Stop on a stopped server is a no-op.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping TCP server...")
	s.cancel()

	var result *multierror.Error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close tcp listener: %w", err))
	}

	s.connMu.Lock()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close tcp connection: %w", err))
		}
	}
	s.connMu.Unlock()

	s.wg.Wait()

	// The control loop is gone, so the recorder can be driven from here
	s.recorder.Close(session.ReasonShutdown)

	s.running = false
	s.listener = nil

	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", s.connectionsAccepted.Load()),
		slog.Uint64("bytes_received", s.bytesReceived.Load()),
		slog.Uint64("frames_decoded", s.framesDecoded.Load()),
		slog.Uint64("bytes_skipped", s.bytesSkipped.Load()),
	)

	return result.ErrorOrNil()
}

// acceptLoop waits for connections and serves them one after another.
// The accept deadline keeps the silence watchdog running while no device is connected.
func (s *TCPServer) acceptLoop(ctx context.Context, listener *net.TCPListener) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := listener.SetDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set accept deadline", slog.String("error", err.Error()))
		}

		conn, err := listener.AcceptTCP()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.recorder.CheckTimeout()
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.readErrors.Add(1)
			s.metrics.RecordReadError(TransportTCP)
			s.logger.Error("Failed to accept TCP connection", slog.String("error", err.Error()))
			continue
		}

		s.serveConn(ctx, conn)
	}
}

// serveConn reads one connection until it closes, then closes any open session
func (s *TCPServer) serveConn(ctx context.Context, conn *net.TCPConn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With(slog.String("remote_addr", remote))

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	s.connectionsAccepted.Add(1)
	s.metrics.RecordConnectionAccepted()
	logger.Info("Device connected")

	decoder := protocol.NewStreamDecoder()
	buffer := make([]byte, s.cfg.ReadSize)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
		}

		n, err := conn.Read(buffer)
		if n > 0 {
			s.consume(decoder, buffer[:n], logger)
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.recorder.CheckTimeout()
				continue
			}
			if ctx.Err() != nil {
				// Stop finalizes the session with its own reason
				return
			}

			if errors.Is(err, io.EOF) {
				logger.Info("Device disconnected", slog.Int("buffered_bytes", decoder.Buffered()))
			} else {
				s.readErrors.Add(1)
				s.metrics.RecordReadError(TransportTCP)
				logger.Warn("TCP read failed, dropping connection", slog.String("error", err.Error()))
			}

			s.recorder.Close(session.ReasonDisconnect)
			return
		}

		s.recorder.CheckTimeout()
	}
}

// consume decodes one chunk of the stream and applies every complete frame
func (s *TCPServer) consume(decoder *protocol.StreamDecoder, chunk []byte, logger *slog.Logger) {
	s.reads.Add(1)
	s.bytesReceived.Add(uint64(len(chunk)))
	s.metrics.RecordRead(TransportTCP, len(chunk))

	skippedBefore := decoder.Skipped()
	frames := decoder.Feed(chunk)
	if skipped := decoder.Skipped() - skippedBefore; skipped > 0 {
		s.bytesSkipped.Add(skipped)
		s.metrics.RecordResync(TransportTCP, int(skipped))
		logger.Debug("Skipped bytes while resynchronizing", slog.Uint64("skipped", skipped))
	}

	for _, frame := range frames {
		s.framesDecoded.Add(1)
		s.metrics.RecordFrame(TransportTCP, frame.Kind.String())

		if err := s.recorder.Handle(frame); err != nil {
			logger.Error("Failed to apply frame",
				slog.String("frame", frame.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// IsRunning reports whether the listener is accepting connections
func (s *TCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsRecording reports whether this listener has an open session
func (s *TCPServer) IsRecording() bool {
	return s.recorder.IsRecording()
}

// Addr returns the bound address, or nil when the server is stopped
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Statistics returns current listener statistics
func (s *TCPServer) Statistics() ListenerStatistics {
	stats := ListenerStatistics{
		Transport: TransportTCP,
		Address:   s.cfg.Address,
		Running:   s.IsRunning(),
		Session:   s.recorder.Stats(),
	}
	if addr := s.Addr(); addr != nil {
		stats.Address = addr.String()
	}
	s.counters.fill(&stats)
	return stats
}
