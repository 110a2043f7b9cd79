// Command wsbridge accepts device audio over WebSocket and relays every
// binary message to the recording service as one UDP datagram.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

func main() {
	listen := pflag.StringP("listen", "l", "0.0.0.0:8765", "WebSocket listen address")
	target := pflag.StringP("target", "t", "127.0.0.1:3334", "UDP address of the recording service")
	path := pflag.String("path", "/ws", "WebSocket endpoint path")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	bridge, err := newBridge(*target, logger)
	if err != nil {
		logger.Error("Failed to create bridge", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(*path, bridge)

	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("WebSocket bridge started",
			slog.String("listen", *listen),
			slog.String("path", *path),
			slog.String("target", *target),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Error stopping bridge", slog.String("error", err.Error()))
	}

	logger.Info("WebSocket bridge stopped",
		slog.Uint64("messages_relayed", bridge.relayed.Load()),
		slog.Uint64("messages_ignored", bridge.ignored.Load()),
	)
}

// bridge relays WebSocket binary messages to a UDP target
type bridge struct {
	target   *net.UDPAddr
	logger   *slog.Logger
	upgrader websocket.Upgrader

	relayed atomic.Uint64
	ignored atomic.Uint64
}

func newBridge(target string, logger *slog.Logger) (*bridge, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target %s: %w", target, err)
	}

	return &bridge{
		target: addr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Devices do not send an Origin header
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP upgrades the request and relays messages until the client goes away.
// Each client gets its own UDP socket.
func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	logger := b.logger.With(slog.String("remote_addr", r.RemoteAddr))

	conn, err := net.DialUDP("udp", nil, b.target)
	if err != nil {
		logger.Error("Failed to open UDP socket", slog.String("error", err.Error()))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream unavailable"),
			time.Now().Add(time.Second))
		return
	}
	defer conn.Close()

	logger.Info("Client connected")

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("WebSocket read failed", slog.String("error", err.Error()))
			} else {
				logger.Info("Client disconnected")
			}
			return
		}

		if msgType != websocket.BinaryMessage {
			b.ignored.Add(1)
			logger.Debug("Ignoring non-binary message", slog.Int("type", msgType))
			continue
		}

		if _, err := conn.Write(data); err != nil {
			logger.Warn("Failed to relay datagram",
				slog.Int("size", len(data)),
				slog.String("error", err.Error()),
			)
			continue
		}
		b.relayed.Add(1)
	}
}
