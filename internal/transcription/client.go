package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/wake-audio-service/internal/audio"
	"github.com/skypro1111/wake-audio-service/internal/metrics"
)

// Config contains transcription client configuration
type Config struct {
	Endpoint   string
	APIKey     string // sent as a bearer token when set
	Timeout    time.Duration
	MaxRetries int
	Language   string
	Model      string

	// RetryBackoff is the first retry delay; it doubles per attempt up to MaxBackoff
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// HTTPStatusError is returned when the transcription API answers with a non-2xx status
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// apiResponse is the JSON body returned by the transcription API
type apiResponse struct {
	Text       string  `json:"text"`
	Annotation string  `json:"annotation,omitempty"`
	Language   string  `json:"language,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SkippedEmpty    uint64        `json:"skipped_empty"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// HTTPTranscriber uploads recordings to a hosted speech-to-text endpoint
type HTTPTranscriber struct {
	config     Config
	httpClient *http.Client
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	skippedEmpty    uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewHTTPTranscriber creates a new transcription HTTP client
func NewHTTPTranscriber(config Config, m *metrics.Metrics) (*HTTPTranscriber, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPTranscriber{
		config:     config,
		httpClient: httpClient,
		metrics:    m,
	}, nil
}

// Transcribe uploads the recording at path and returns the recognized text.
// A recording without samples is not uploaded and yields an empty result.
func (c *HTTPTranscriber) Transcribe(ctx context.Context, path string) (*Result, error) {
	info, err := audio.InspectWAV(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect recording: %w", err)
	}
	if info.NumSamples == 0 {
		c.mu.Lock()
		c.skippedEmpty++
		c.mu.Unlock()
		return &Result{}, nil
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	requestID := uuid.NewString()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordTranscriptionRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, path, requestID, info)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return &Result{
				Text:       strings.TrimSpace(response.Text),
				Annotation: strings.TrimSpace(response.Annotation),
				Language:   response.Language,
				RequestID:  requestID,
			}, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *HTTPTranscriber) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
	if d > c.config.MaxBackoff {
		d = c.config.MaxBackoff
	}
	return d
}

// doRequest performs a single HTTP request to the transcription API
func (c *HTTPTranscriber) doRequest(ctx context.Context, path, requestID string, info *audio.WAVInfo) (*apiResponse, error) {
	body, contentType, err := c.createMultipartRequest(path, requestID, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Wake-Audio-Service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &parsed, nil
}

// createMultipartRequest builds the multipart/form-data body for one recording
func (c *HTTPTranscriber) createMultipartRequest(path, requestID string, info *audio.WAVInfo) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	fileWriter, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fileWriter, f); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"request_id", requestID},
		{"sample_rate", fmt.Sprintf("%d", info.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", info.Duration.Seconds())},
		{"response_format", "json"},
	}
	if c.config.Language != "" {
		fields = append(fields, [2]string{"language", c.config.Language})
	}
	if c.config.Model != "" {
		fields = append(fields, [2]string{"model", c.config.Model})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed request may succeed when repeated
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	// Transport failures surface as *url.Error, which is a net.Error
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *HTTPTranscriber) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *HTTPTranscriber) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *HTTPTranscriber) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *HTTPTranscriber) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *HTTPTranscriber) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *HTTPTranscriber) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SkippedEmpty:    c.skippedEmpty,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
	}
}
