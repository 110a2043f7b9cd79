package audio

import (
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// WAVInfo describes a finished recording
type WAVInfo struct {
	Path          string        `json:"path"`
	SampleRate    uint32        `json:"sample_rate"`
	Channels      uint16        `json:"channels"`
	BitsPerSample uint16        `json:"bits_per_sample"`
	Duration      time.Duration `json:"duration"`
	DataSize      int64         `json:"data_size_bytes"`
	NumSamples    int64         `json:"num_samples"`
}

// InspectWAV reads the header of a WAV file and reports its format and length
func InspectWAV(path string) (*WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file: %s", path)
	}

	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", dec.WavAudioFormat)
	}

	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to locate WAV data chunk: %w", err)
	}

	bytesPerSample := int64(dec.BitDepth) / 8
	numSamples := int64(0)
	if bytesPerSample > 0 && dec.NumChans > 0 {
		numSamples = dec.PCMLen() / bytesPerSample / int64(dec.NumChans)
	}

	duration := time.Duration(0)
	if dec.SampleRate > 0 {
		duration = time.Duration(numSamples) * time.Second / time.Duration(dec.SampleRate)
	}

	return &WAVInfo{
		Path:          path,
		SampleRate:    dec.SampleRate,
		Channels:      dec.NumChans,
		BitsPerSample: dec.BitDepth,
		Duration:      duration,
		DataSize:      dec.PCMLen(),
		NumSamples:    numSamples,
	}, nil
}

// ReadPCM16 decodes a mono or multi-channel 16-bit WAV file into interleaved samples
func ReadPCM16(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open WAV file %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid WAV file: %s", path)
	}
	if dec.BitDepth != BitsPerSample {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}

	return samples, int(dec.SampleRate), nil
}
