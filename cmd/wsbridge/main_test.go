package main

import (
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/wake-audio-service/internal/protocol"
)

func TestBridgeRelaysBinaryMessages(t *testing.T) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()

	b, err := newBridge(udp.LocalAddr().String(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(b)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	frame, err := protocol.AppendAudio(nil, 42, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, protocol.AppendStart(nil)))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

	buf := make([]byte, 2048)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))

	n, _, err := udp.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagStart, string(buf[:n]))

	n, _, err = udp.ReadFromUDP(buf)
	require.NoError(t, err)
	got, err := protocol.ParseDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.Sequence)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Payload)

	assert.Eventually(t, func() bool { return b.relayed.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), b.ignored.Load())
}

func TestNewBridgeRejectsBadTarget(t *testing.T) {
	_, err := newBridge("not-an-address", slog.Default())
	assert.Error(t, err)
}
