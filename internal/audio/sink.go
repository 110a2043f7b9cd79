package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Output format of every recording
const (
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
	wavFormatPCM   = 1

	// RecordingTimeLayout encodes year/month/day/hour/minute/second
	RecordingTimeLayout = "20060102_150405"
	RecordingExt        = ".wav"

	// SilenceChunkSamples caps the samples encoded per silence write
	SilenceChunkSamples = 4096
)

// Sink owns one output WAV file for the lifetime of a recording session.
// Writes are append-only; the format is fixed when the file is created.
// A Sink is not safe for concurrent use.
type Sink struct {
	file       *os.File
	encoder    *wav.Encoder
	path       string
	sampleRate int
	format     *goaudio.Format

	// Odd trailing byte of the previous write, completed by the next one
	carry    byte
	hasCarry bool

	// Zeroed samples reused by WriteSilence
	silence []int

	bytesWritten int64
	closed       bool
}

// RecordingName builds the deterministic file name for a session opened at t
func RecordingName(prefix string, t time.Time) string {
	return prefix + t.Format(RecordingTimeLayout) + RecordingExt
}

// CreateSink creates a new recording named after openedAt inside dir.
// If that name is taken a numeric suffix is appended instead of
// overwriting an earlier recording.
func CreateSink(dir, prefix string, openedAt time.Time, sampleRate int) (*Sink, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	name := RecordingName(prefix, openedAt)
	file, path, err := createExclusive(dir, name)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		file:       file,
		encoder:    wav.NewEncoder(file, sampleRate, BitsPerSample, Channels, wavFormatPCM),
		path:       path,
		sampleRate: sampleRate,
		format: &goaudio.Format{
			NumChannels: Channels,
			SampleRate:  sampleRate,
		},
	}

	// Emit the RIFF/fmt/data headers now so an empty session is still a valid file
	if err := s.encoder.Write(s.newBuffer(nil)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return s, nil
}

// createExclusive opens dir/name, or dir/<base>_N<ext> when that exists
func createExclusive(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for attempt := 0; attempt < 100; attempt++ {
		candidate := name
		if attempt > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, attempt, ext)
		}
		path := filepath.Join(dir, candidate)

		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("failed to create recording %s: %w", path, err)
		}
	}

	return nil, "", fmt.Errorf("failed to create recording %s: too many files with the same name", filepath.Join(dir, name))
}

// Write appends little-endian 16-bit PCM bytes to the recording
func (s *Sink) Write(pcm []byte) error {
	if s.closed {
		return fmt.Errorf("write to closed sink %s", s.path)
	}
	if len(pcm) == 0 {
		return nil
	}

	data := pcm
	if s.hasCarry {
		data = make([]byte, 0, len(pcm)+1)
		data = append(data, s.carry)
		data = append(data, pcm...)
		s.hasCarry = false
	}

	numSamples := len(data) / BytesPerSample
	if len(data)%BytesPerSample != 0 {
		s.carry = data[len(data)-1]
		s.hasCarry = true
	}

	samples := make([]int, numSamples)
	for i := range samples {
		samples[i] = int(int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8))
	}

	if err := s.encoder.Write(s.newBuffer(samples)); err != nil {
		return fmt.Errorf("failed to write audio to %s: %w", s.path, err)
	}

	s.bytesWritten += int64(len(pcm))
	return nil
}

// WriteSilence appends n zero-valued bytes. Memory use does not grow with n;
// the silence is encoded from one reused buffer of at most
// SilenceChunkSamples samples.
func (s *Sink) WriteSilence(n int64) error {
	if s.closed {
		return fmt.Errorf("write to closed sink %s", s.path)
	}
	if n <= 0 {
		return nil
	}

	remaining := n
	if s.hasCarry {
		// The first zero byte completes the pending sample as its high byte
		s.hasCarry = false
		remaining--
		if err := s.encoder.Write(s.newBuffer([]int{int(int16(uint16(s.carry)))})); err != nil {
			return fmt.Errorf("failed to write silence to %s: %w", s.path, err)
		}
	}

	if s.silence == nil {
		s.silence = make([]int, SilenceChunkSamples)
	}

	samples := remaining / BytesPerSample
	for samples > 0 {
		chunk := min(samples, int64(len(s.silence)))
		if err := s.encoder.Write(s.newBuffer(s.silence[:chunk])); err != nil {
			return fmt.Errorf("failed to write silence to %s: %w", s.path, err)
		}
		samples -= chunk
	}

	if remaining%BytesPerSample != 0 {
		s.carry = 0
		s.hasCarry = true
	}

	s.bytesWritten += n
	return nil
}

// newBuffer wraps samples in the format the encoder was created with
func (s *Sink) newBuffer(samples []int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         s.format,
		Data:           samples,
		SourceBitDepth: BitsPerSample,
	}
}

// Close finalizes the WAV header sizes and releases the file.
// Closing twice is a no-op.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	encErr := s.encoder.Close()
	fileErr := s.file.Close()

	if encErr != nil {
		return fmt.Errorf("failed to finalize WAV %s: %w", s.path, encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close %s: %w", s.path, fileErr)
	}
	return nil
}

// Path returns the recording file path
func (s *Sink) Path() string {
	return s.path
}

// SampleRate returns the sample rate fixed at creation
func (s *Sink) SampleRate() int {
	return s.sampleRate
}

// BytesWritten returns the number of PCM bytes accepted so far
func (s *Sink) BytesWritten() int64 {
	return s.bytesWritten
}

// Duration returns the audio length accepted so far
func (s *Sink) Duration() time.Duration {
	return PCMDuration(s.bytesWritten, s.sampleRate)
}

// PCMDuration converts a mono 16-bit PCM byte count to playback time
func PCMDuration(numBytes int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := numBytes / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
