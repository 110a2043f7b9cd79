package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/wake-audio-service/internal/protocol"
)

func TestSplitFrames(t *testing.T) {
	frames := splitFrames([]int16{1, -1, 256, 7, 8}, 2)

	require.Len(t, frames, 3)
	assert.Equal(t, []byte{0x01, 0x00, 0xFF, 0xFF}, frames[0])
	assert.Equal(t, []byte{0x00, 0x01, 0x07, 0x00}, frames[1])
	assert.Equal(t, []byte{0x08, 0x00}, frames[2])
}

func TestLoadSamplesTone(t *testing.T) {
	samples, rate, err := loadSamples(options{
		toneHz:     1000,
		duration:   100 * time.Millisecond,
		sampleRate: 8000,
	})
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Len(t, samples, 800)
	assert.Equal(t, int16(0), samples[0])
}

func TestRunRejectsUnknownTransport(t *testing.T) {
	err := run(options{transport: "sctp", frameMs: 20}, nil)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestRunRejectsLegacyOverTCP(t *testing.T) {
	err := run(options{transport: "tcp", frameMs: 20, legacy: true}, nil)
	assert.ErrorContains(t, err, "legacy framing")
}

func TestSplitLegacyProducesLegacyDatagrams(t *testing.T) {
	frames := splitFrames(make([]int16, 320), 320)
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 640)

	chunks := splitLegacy(frames[0])
	require.Len(t, chunks, 320)

	var total int
	for _, chunk := range chunks {
		data, err := protocol.AppendLegacyAudio(nil, chunk)
		require.NoError(t, err)

		parsed, err := protocol.ParseDatagram(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.AudioFormatLegacy, parsed.Format)
		assert.Equal(t, chunk, parsed.Payload)
		total += len(parsed.Payload)
	}
	assert.Equal(t, 640, total)
}

func TestSplitLegacyOddLength(t *testing.T) {
	chunks := splitLegacy([]byte{1, 2, 3, 4, 5})
	assert.Equal(t, [][]byte{{1, 2}, {3, 4}, {5}}, chunks)
}
