package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/wake-audio-service/internal/config"
	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/session"
	"github.com/skypro1111/wake-audio-service/internal/transcription"
)

type fakeListener struct {
	stats ListenerStatistics
}

func (f *fakeListener) Start() error                   { return nil }
func (f *fakeListener) Stop() error                    { return nil }
func (f *fakeListener) IsRunning() bool                { return f.stats.Running }
func (f *fakeListener) IsRecording() bool              { return f.stats.Session.Recording }
func (f *fakeListener) Statistics() ListenerStatistics { return f.stats }

func newTestHTTPServer(t *testing.T, listeners []Listener, tx TranscriptionSources) (*HTTPServer, *prometheus.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Transcription.APIKey = "super-secret"
	cfg.HTTP.Address = "127.0.0.1"
	cfg.HTTP.Port = 0

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	return NewHTTPServer(cfg.HTTP, discardLogger(), cfg, listeners, tx, m, reg), reg
}

func get(t *testing.T, h http.Handler, path string) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func runningListeners() []Listener {
	return []Listener{
		&fakeListener{stats: ListenerStatistics{Transport: TransportTCP, Running: true}},
		&fakeListener{stats: ListenerStatistics{
			Transport: TransportUDP,
			Running:   true,
			Session:   session.Stats{Recording: true, SessionsOpened: 1},
		}},
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestHTTPServer(t, runningListeners(), TranscriptionSources{})

	resp, body := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])

	components := health["components"].(map[string]any)
	assert.Contains(t, components, TransportTCP)
	assert.Contains(t, components, TransportUDP)
}

func TestHealthDegradedWhenListenerStopped(t *testing.T) {
	listeners := []Listener{&fakeListener{stats: ListenerStatistics{Transport: TransportTCP}}}
	srv, _ := newTestHTTPServer(t, listeners, TranscriptionSources{})

	resp, body := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"degraded"`)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestHTTPServer(t, runningListeners(), TranscriptionSources{})

	resp, body := get(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Recording bool                 `json:"is_recording"`
		Listeners []ListenerStatistics `json:"listeners"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Recording)
	require.Len(t, status.Listeners, 2)
	assert.Equal(t, uint64(1), status.Listeners[1].Session.SessionsOpened)
}

func TestConfigEndpointHidesAPIKey(t *testing.T) {
	srv, _ := newTestHTTPServer(t, nil, TranscriptionSources{})

	resp, body := get(t, srv.Handler(), "/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "super-secret")

	var cfg map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &cfg))
	assert.Equal(t, true, cfg["transcription"]["api_key_set"])
	assert.Equal(t, "./recordings", cfg["recording"]["save_dir"])
	assert.Equal(t, float64(3334), cfg["tcp"]["port"])
}

func TestTranscriptionStatsEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, _ := newTestHTTPServer(t, nil, TranscriptionSources{})
		_, body := get(t, srv.Handler(), "/stats/transcription")
		assert.JSONEq(t, `{"enabled":false}`, string(body))
	})

	t.Run("enabled", func(t *testing.T) {
		client, err := transcription.NewHTTPTranscriber(transcription.Config{
			Endpoint: "http://127.0.0.1:1/transcribe",
			Timeout:  time.Second,
		}, nil)
		require.NoError(t, err)
		worker, err := transcription.NewWorker(client, nil, 8, discardLogger(), nil)
		require.NoError(t, err)

		srv, _ := newTestHTTPServer(t, nil, TranscriptionSources{Worker: worker, Client: client})
		_, body := get(t, srv.Handler(), "/stats/transcription")

		var stats map[string]any
		require.NoError(t, json.Unmarshal(body, &stats))
		assert.Equal(t, true, stats["enabled"])
		assert.Contains(t, stats, "worker")
		assert.Contains(t, stats, "client")
	})
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestHTTPServer(t, nil, TranscriptionSources{})

	for _, path := range []string{"/health", "/status", "/config", "/stats/transcription", "/"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestRootAndUnknownPaths(t *testing.T) {
	srv, _ := newTestHTTPServer(t, nil, TranscriptionSources{})

	resp, body := get(t, srv.Handler(), "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/metrics")

	resp, _ = get(t, srv.Handler(), "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	srv, _ := newTestHTTPServer(t, runningListeners(), TranscriptionSources{})

	get(t, srv.Handler(), "/health")
	get(t, srv.Handler(), "/nope")

	resp, body := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `wake_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`)
	assert.Contains(t, string(body), `wake_http_errors_total`)
}

func TestHTTPServerStartStop(t *testing.T) {
	srv, _ := newTestHTTPServer(t, runningListeners(), TranscriptionSources{})
	assert.Nil(t, srv.Addr())

	require.NoError(t, srv.Start())
	addr := srv.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}
