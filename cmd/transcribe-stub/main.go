// Command transcribe-stub is a local stand-in for the speech-to-text API.
// It accepts the multipart upload sent by the recording service and answers
// with a fixed transcript.
package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/spf13/pflag"
)

type transcribeResponse struct {
	Text       string  `json:"text"`
	Annotation string  `json:"annotation,omitempty"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
	RequestID  string  `json:"request_id"`
}

type stub struct {
	logger   *slog.Logger
	text     string
	language string
	delay    time.Duration
}

func (s *stub) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// Reject anything that is not a readable WAV file
	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		http.Error(w, "Audio file is not a valid WAV", http.StatusUnsupportedMediaType)
		return
	}
	duration, err := decoder.Duration()
	if err != nil {
		http.Error(w, "Error reading audio duration", http.StatusBadRequest)
		return
	}

	requestID := r.FormValue("request_id")
	s.logger.Info("Transcription request received",
		slog.String("request_id", requestID),
		slog.String("filename", header.Filename),
		slog.Int64("size", header.Size),
		slog.Int("sample_rate", int(decoder.SampleRate)),
		slog.Duration("audio_duration", duration),
		slog.String("language", r.FormValue("language")),
		slog.Bool("authorized", r.Header.Get("Authorization") != ""),
	)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	language := r.FormValue("language")
	if language == "" {
		language = s.language
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcribeResponse{
		Text:      s.text,
		Language:  language,
		Duration:  duration.Seconds(),
		RequestID: requestID,
	})
}

func main() {
	addr := pflag.StringP("addr", "a", ":9000", "Listen address")
	text := pflag.String("text", "this is a test transcription", "Transcript returned for every request")
	language := pflag.String("language", "en", "Language reported when the request names none")
	delay := pflag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	s := &stub{logger: logger, text: *text, language: *language, delay: *delay}

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", s.handleTranscribe)

	logger.Info("Transcription stub starting",
		slog.String("addr", *addr),
		slog.String("endpoint", "/transcribe"),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
