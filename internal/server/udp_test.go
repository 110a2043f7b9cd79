package server

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/protocol"
)

func startUDP(t *testing.T, implicitStart bool, m *metrics.Metrics) (*UDPServer, chanHandoff) {
	t.Helper()
	cfg := testListenerConfig(t)
	cfg.ReadSize = 2048
	cfg.Recorder.ImplicitStart = implicitStart

	handoff := make(chanHandoff, 4)
	srv, err := NewUDPServer(cfg, handoff, discardLogger(), m)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv, handoff
}

func dialUDP(t *testing.T, srv *UDPServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// send writes each datagram and waits until the server has read all of them
func send(t *testing.T, srv *UDPServer, conn net.Conn, datagrams ...[]byte) {
	t.Helper()
	before := srv.Statistics().Reads
	for _, d := range datagrams {
		_, err := conn.Write(d)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return srv.Statistics().Reads >= before+uint64(len(datagrams))
	}, 2*time.Second, 5*time.Millisecond)
}

func audioDatagram(t *testing.T, seq uint32, payload []byte) []byte {
	t.Helper()
	d, err := protocol.AppendAudio(nil, seq, payload)
	require.NoError(t, err)
	return d
}

func TestUDPAudioOpensImplicitSession(t *testing.T) {
	srv, handoff := startUDP(t, true, nil)
	conn := dialUDP(t, srv)

	send(t, srv, conn,
		audioDatagram(t, 0, pcm(320, 1)),
		audioDatagram(t, 1, pcm(320, 2)),
		audioDatagram(t, 3, pcm(320, 3)),
	)
	assert.True(t, srv.IsRecording())

	send(t, srv, conn, protocol.AppendStop(nil))

	path := waitForRecording(t, handoff)
	requireDataSize(t, path, 4*320)

	stats := srv.Statistics()
	assert.Equal(t, uint64(1), stats.Session.FillerFrames)
	assert.Equal(t, uint64(4), stats.FramesDecoded)
	assert.False(t, stats.Session.Recording)
}

func TestUDPLegacyAudio(t *testing.T) {
	srv, handoff := startUDP(t, true, nil)
	conn := dialUDP(t, srv)

	legacy, err := protocol.AppendLegacyAudio(nil, []byte{0x10, 0x20})
	require.NoError(t, err)
	require.Len(t, legacy, 8)

	send(t, srv, conn, protocol.AppendStart(nil), legacy, protocol.AppendStop(nil))

	path := waitForRecording(t, handoff)
	requireDataSize(t, path, 2)
}

func TestUDPIdleAudioDroppedWithoutImplicitStart(t *testing.T) {
	srv, _ := startUDP(t, false, nil)
	conn := dialUDP(t, srv)

	send(t, srv, conn, audioDatagram(t, 0, pcm(320, 1)))

	assert.False(t, srv.IsRecording())
	assert.Equal(t, uint64(1), srv.Statistics().Session.IdleAudioDropped)
}

func TestUDPDiscardsMalformedDatagrams(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	srv, _ := startUDP(t, true, m)
	conn := dialUDP(t, srv)

	send(t, srv, conn,
		[]byte("AUD0\x01"),    // audio too short for any header
		[]byte("XXXX1234"),    // unknown tag
		[]byte("ST"),          // shorter than a tag
		[]byte("STRTtrailer"), // control tags ignore trailing bytes
	)

	stats := srv.Statistics()
	assert.Equal(t, uint64(3), stats.DatagramsDiscarded)
	assert.Equal(t, uint64(1), stats.FramesDecoded)
	assert.True(t, srv.IsRecording())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DatagramsDiscarded))
}

func TestUDPSilenceTimeout(t *testing.T) {
	srv, handoff := startUDP(t, true, nil)
	conn := dialUDP(t, srv)

	send(t, srv, conn, audioDatagram(t, 0, pcm(320, 1)))

	path := waitForRecording(t, handoff)
	requireDataSize(t, path, 320)
	assert.False(t, srv.IsRecording())
}

func TestUDPStopFinalizesOpenSession(t *testing.T) {
	srv, handoff := startUDP(t, true, nil)
	conn := dialUDP(t, srv)

	send(t, srv, conn, protocol.AppendStart(nil), audioDatagram(t, 0, pcm(64, 1)))
	require.True(t, srv.IsRecording())

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())

	select {
	case path := <-handoff:
		requireDataSize(t, path, 64)
	default:
		t.Fatal("Stop must hand off the open recording")
	}

	assert.NoError(t, srv.Stop())
	require.NoError(t, srv.Start())
	assert.NotNil(t, srv.Addr())
}
