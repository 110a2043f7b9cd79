package transcription

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transcript is the sidecar document stored next to a recording
type Transcript struct {
	Recording     string    `json:"recording"`
	Text          string    `json:"text"`
	Annotation    string    `json:"annotation,omitempty"`
	TranscribedAt time.Time `json:"transcribed_at"`
}

// SidecarWriter stores each transcript as <recording>.json beside the WAV file
type SidecarWriter struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSidecarWriter creates a result handler that writes JSON sidecar files
func NewSidecarWriter(logger *slog.Logger) *SidecarWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SidecarWriter{logger: logger, now: time.Now}
}

// SidecarPath returns the transcript file for a recording
func SidecarPath(recording string) string {
	return strings.TrimSuffix(recording, filepath.Ext(recording)) + ".json"
}

// HandleTranscript implements ResultHandler
func (s *SidecarWriter) HandleTranscript(path, text, annotation string) {
	if err := s.Write(path, text, annotation); err != nil {
		s.logger.Error("Failed to write transcript",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// Write stores the transcript atomically via a temporary file
func (s *SidecarWriter) Write(path, text, annotation string) error {
	doc := Transcript{
		Recording:     filepath.Base(path),
		Text:          text,
		Annotation:    annotation,
		TranscribedAt: s.now().UTC(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	target := SidecarPath(path)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize transcript: %w", err)
	}

	s.logger.Debug("Transcript written", slog.String("path", target))
	return nil
}

// ReadTranscript loads a sidecar document
func ReadTranscript(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	var doc Transcript
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}
	return &doc, nil
}
