// Command devicesim streams audio to the recording service the way a wake
// device does: STRT, a run of AUD0 frames and STOP, over TCP or UDP.
package main

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/skypro1111/wake-audio-service/internal/audio"
	"github.com/skypro1111/wake-audio-service/internal/protocol"
)

type options struct {
	addr       string
	transport  string
	wavPath    string
	toneHz     float64
	duration   time.Duration
	sampleRate int
	frameMs    int
	dropRate   float64
	legacy     bool
	skipStop   bool
	realtime   bool
}

func main() {
	var opts options
	pflag.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:3334", "Service address")
	pflag.StringVarP(&opts.transport, "transport", "t", "udp", "Transport: tcp or udp")
	pflag.StringVarP(&opts.wavPath, "wav", "w", "", "16-bit WAV file to send instead of a tone")
	pflag.Float64Var(&opts.toneHz, "tone", 440, "Tone frequency in Hz")
	pflag.DurationVarP(&opts.duration, "duration", "d", 2*time.Second, "Tone duration")
	pflag.IntVar(&opts.sampleRate, "sample-rate", 16000, "Tone sample rate")
	pflag.IntVar(&opts.frameMs, "frame-ms", 20, "Audio per frame in milliseconds")
	pflag.Float64Var(&opts.dropRate, "drop", 0, "Probability of skipping an audio frame (0-1)")
	pflag.BoolVar(&opts.legacy, "legacy", false, "Send legacy AUD0 frames without sequence numbers")
	pflag.BoolVar(&opts.skipStop, "no-stop", false, "Do not send STOP, leaving the silence timeout to end the session")
	pflag.BoolVar(&opts.realtime, "realtime", true, "Pace frames at the audio rate")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(opts, logger); err != nil {
		logger.Error("Simulation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	if opts.transport != "tcp" && opts.transport != "udp" {
		return fmt.Errorf("unknown transport %q", opts.transport)
	}
	if opts.frameMs <= 0 {
		return fmt.Errorf("frame-ms must be positive")
	}
	if opts.legacy && opts.transport != "udp" {
		return fmt.Errorf("legacy framing is only supported over udp")
	}

	samples, sampleRate, err := loadSamples(opts)
	if err != nil {
		return err
	}

	frames := splitFrames(samples, sampleRate*opts.frameMs/1000)

	conn, err := net.Dial(opts.transport, opts.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.addr, err)
	}
	defer conn.Close()

	logger.Info("Streaming audio",
		slog.String("transport", opts.transport),
		slog.String("addr", opts.addr),
		slog.Int("sample_rate", sampleRate),
		slog.Int("frames", len(frames)),
		slog.Bool("legacy", opts.legacy),
		slog.Float64("drop_rate", opts.dropRate),
	)

	if _, err := conn.Write(protocol.AppendStart(nil)); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	interval := time.Duration(opts.frameMs) * time.Millisecond
	next := time.Now()
	var sent, dropped int
	var buf []byte

	for seq, payload := range frames {
		if opts.realtime {
			next = next.Add(interval)
			time.Sleep(time.Until(next))
		}

		// The sequence number still advances for dropped frames
		if opts.dropRate > 0 && rand.Float64() < opts.dropRate {
			dropped++
			continue
		}

		if opts.legacy {
			for _, chunk := range splitLegacy(payload) {
				if buf, err = protocol.AppendLegacyAudio(buf[:0], chunk); err != nil {
					return err
				}
				if _, err := conn.Write(buf); err != nil {
					return fmt.Errorf("send legacy audio frame %d: %w", seq, err)
				}
			}
			sent++
			continue
		}

		if buf, err = protocol.AppendAudio(buf[:0], uint32(seq), payload); err != nil {
			return err
		}
		if _, err := conn.Write(buf); err != nil {
			return fmt.Errorf("send audio frame %d: %w", seq, err)
		}
		sent++
	}

	if !opts.skipStop {
		if _, err := conn.Write(protocol.AppendStop(nil)); err != nil {
			return fmt.Errorf("send stop: %w", err)
		}
	}

	logger.Info("Stream finished",
		slog.Int("sent", sent),
		slog.Int("dropped", dropped),
		slog.Bool("stop_sent", !opts.skipStop),
	)
	return nil
}

// loadSamples reads the WAV file, or synthesizes a tone when none is given
func loadSamples(opts options) ([]int16, int, error) {
	if opts.wavPath != "" {
		samples, rate, err := audio.ReadPCM16(opts.wavPath)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", opts.wavPath, err)
		}
		return samples, rate, nil
	}

	if opts.sampleRate <= 0 {
		return nil, 0, fmt.Errorf("sample-rate must be positive")
	}

	n := int(opts.duration.Seconds() * float64(opts.sampleRate))
	samples := make([]int16, n)
	for i := range samples {
		v := 0.3 * math.Sin(2*math.Pi*opts.toneHz*float64(i)/float64(opts.sampleRate))
		samples[i] = int16(v * math.MaxInt16)
	}
	return samples, opts.sampleRate, nil
}

// splitFrames encodes samples as little-endian PCM payloads of frameSamples each
func splitFrames(samples []int16, frameSamples int) [][]byte {
	if frameSamples <= 0 {
		frameSamples = 1
	}

	var frames [][]byte
	for start := 0; start < len(samples); start += frameSamples {
		end := min(start+frameSamples, len(samples))
		payload := make([]byte, 0, (end-start)*2)
		for _, s := range samples[start:end] {
			payload = append(payload, byte(s), byte(uint16(s)>>8))
		}
		frames = append(frames, payload)
	}
	return frames
}

// splitLegacy cuts a payload into whole samples that fit one legacy datagram
func splitLegacy(payload []byte) [][]byte {
	size := protocol.MaxLegacyPayloadSize - protocol.MaxLegacyPayloadSize%2

	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		chunks = append(chunks, payload[start:min(start+size, len(payload))])
	}
	return chunks
}
