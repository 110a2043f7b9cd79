package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/protocol"
	"github.com/skypro1111/wake-audio-service/internal/session"
)

// UDPServer receives self-contained frame datagrams. Every datagram is
// applied in arrival order by a single receive loop.
type UDPServer struct {
	cfg      ListenerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	recorder *session.Recorder

	// Lifecycle
	mu      sync.Mutex
	running bool
	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	counters
}

// NewUDPServer creates a stopped UDP listener. handoff and m may be nil.
func NewUDPServer(cfg ListenerConfig, handoff session.Handoff, logger *slog.Logger, m *metrics.Metrics) (*UDPServer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid udp listener config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Recorder.Transport = TransportUDP

	recorder, err := session.NewRecorder(cfg.Recorder, handoff, logger, m)
	if err != nil {
		return nil, err
	}

	return &UDPServer{
		cfg:      cfg,
		logger:   logger.With(slog.String("transport", TransportUDP)),
		metrics:  m,
		recorder: recorder,
	}, nil
}

// Start begins listening for datagrams. Calling Start on a running server is a no-op.
func (s *UDPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := ensureSaveDir(s.cfg.Recorder.SaveDir); err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if s.cfg.SocketBufferSize > 0 {
		if err := conn.SetReadBuffer(s.cfg.SocketBufferSize); err != nil {
			s.logger.Warn("Failed to set UDP read buffer size",
				slog.Int("socket_buffer_size", s.cfg.SocketBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.running = true

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.cfg.ReadSize),
		slog.String("save_dir", s.cfg.Recorder.SaveDir),
		slog.Bool("implicit_start", s.cfg.Recorder.ImplicitStart),
	)

	s.wg.Add(1)
	go s.receiveLoop(ctx, conn)

	return nil
}

// Stop closes the socket, waits for the receive loop to exit and finalizes
// any open recording. Stop on a stopped server is a no-op.
func (s *UDPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping UDP server...")
	s.cancel()

	var result *multierror.Error
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close udp socket: %w", err))
	}

	s.wg.Wait()

	s.recorder.Close(session.ReasonShutdown)

	s.running = false
	s.conn = nil

	s.logger.Info("UDP server stopped",
		slog.Uint64("datagrams_received", s.reads.Load()),
		slog.Uint64("frames_decoded", s.framesDecoded.Load()),
		slog.Uint64("datagrams_discarded", s.datagramsDiscarded.Load()),
		slog.Uint64("read_errors", s.readErrors.Load()),
	)

	return result.ErrorOrNil()
}

// receiveLoop is the main datagram receiving loop
func (s *UDPServer) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	buffer := make([]byte, s.cfg.ReadSize)

	for {
		if ctx.Err() != nil {
			return
		}

		// The deadline lets the watchdog run while no datagrams arrive
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
		}

		n, remoteAddr, err := conn.ReadFromUDP(buffer)
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
			s.metrics.RecordReadError(TransportUDP)
			s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
			s.recorder.Close(session.ReasonDisconnect)
			continue
		}

		s.handleDatagram(buffer[:n], remoteAddr)
		s.recorder.CheckTimeout()
	}
}

// handleDatagram parses one datagram and applies it to the recorder.
// Short and unknown datagrams are counted and dropped.
func (s *UDPServer) handleDatagram(data []byte, remoteAddr *net.UDPAddr) {
	// Counted once the datagram has been fully applied
	defer s.reads.Add(1)

	s.bytesReceived.Add(uint64(len(data)))
	s.metrics.RecordRead(TransportUDP, len(data))

	frame, err := protocol.ParseDatagram(data)
	if err != nil {
		s.datagramsDiscarded.Add(1)
		s.metrics.RecordDatagramDiscarded()
		s.logger.Debug("Discarding datagram",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.framesDecoded.Add(1)
	s.metrics.RecordFrame(TransportUDP, frame.Kind.String())

	if err := s.recorder.Handle(frame); err != nil {
		s.logger.Error("Failed to apply frame",
			slog.String("remote_addr", remoteAddr.String()),
			slog.String("frame", frame.String()),
			slog.String("error", err.Error()),
		)
	}
}

// IsRunning reports whether the socket is open
func (s *UDPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsRecording reports whether this listener has an open session
func (s *UDPServer) IsRecording() bool {
	return s.recorder.IsRecording()
}

// Addr returns the bound address, or nil when the server is stopped
func (s *UDPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Statistics returns current listener statistics
func (s *UDPServer) Statistics() ListenerStatistics {
	stats := ListenerStatistics{
		Transport: TransportUDP,
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
