package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	TCP           TCPConfig           `yaml:"tcp" json:"tcp"`
	UDP           UDPConfig           `yaml:"udp" json:"udp"`
	Recording     RecordingConfig     `yaml:"recording" json:"recording"`
	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription"`
	HTTP          HTTPConfig          `yaml:"http" json:"http"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// TCPConfig contains the byte-stream listener configuration
type TCPConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	BindAddress string `yaml:"bind_address" json:"bind_address"`
	Port        int    `yaml:"port" json:"port"`
	ReadSize    int    `yaml:"read_size" json:"read_size"` // bytes per socket read
}

// UDPConfig contains the datagram listener configuration
type UDPConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	BindAddress      string `yaml:"bind_address" json:"bind_address"`
	Port             int    `yaml:"port" json:"port"`
	BufferSize       int    `yaml:"buffer_size" json:"buffer_size"`               // largest accepted datagram
	SocketBufferSize int    `yaml:"socket_buffer_size" json:"socket_buffer_size"` // SO_RCVBUF
}

// RecordingConfig contains session and output file parameters
type RecordingConfig struct {
	SaveDir        string  `yaml:"save_dir" json:"save_dir"`
	FilePrefix     string  `yaml:"file_prefix" json:"file_prefix"`
	SampleRate     int     `yaml:"sample_rate" json:"sample_rate"`
	SilenceTimeout float64 `yaml:"silence_timeout" json:"silence_timeout"` // seconds
	PollInterval   float64 `yaml:"poll_interval" json:"poll_interval"`     // seconds
	MaxGapFill     int     `yaml:"max_gap_fill" json:"max_gap_fill"`       // frames, 0 disables the cap
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	APIKey        string `yaml:"api_key" json:"-"`
	Timeout       int    `yaml:"timeout" json:"timeout"`               // seconds
	MaxRetries    int    `yaml:"max_retries" json:"max_retries"`
	Language      string `yaml:"language" json:"language"`
	Model         string `yaml:"model" json:"model"`
	QueueCapacity int    `yaml:"queue_capacity" json:"queue_capacity"` // 0 is unbounded
	WriteSidecar  bool   `yaml:"write_sidecar" json:"write_sidecar"`
}

// HTTPConfig contains HTTP status API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		TCP: TCPConfig{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        3334,
			ReadSize:    4096,
		},
		UDP: UDPConfig{
			Enabled:          true,
			BindAddress:      "0.0.0.0",
			Port:             3334,
			BufferSize:       8192,
			SocketBufferSize: 1 << 20,
		},
		Recording: RecordingConfig{
			SaveDir:        "./recordings",
			FilePrefix:     "wake_",
			SampleRate:     16000,
			SilenceTimeout: 6,
			PollInterval:   0.5,
			MaxGapFill:     1000,
		},
		Transcription: TranscriptionConfig{
			Enabled:       false,
			Timeout:       60,
			MaxRetries:    3,
			QueueCapacity: 0,
			WriteSidecar:  true,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return finish(config)
}

// LoadOrDefault behaves like Load but falls back to defaults when path does not exist
func LoadOrDefault(path string) (*Config, error) {
	config, err := Load(path)
	if err == nil {
		return config, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return finish(Default())
}

func finish(config *Config) (*Config, error) {
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from environment variables looked up with lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("AUDIO_TCP_HOST", &c.TCP.BindAddress)
	str("AUDIO_UDP_HOST", &c.UDP.BindAddress)
	str("AUDIO_SAVE_DIR", &c.Recording.SaveDir)
	str("TRANSCRIPTION_API_KEY", &c.Transcription.APIKey)
	str("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("TRANSCRIPTION_ENDPOINT"); ok && v != "" {
		c.Transcription.Endpoint = v
		c.Transcription.Enabled = true
	}

	for _, err := range []error{
		num("AUDIO_TCP_PORT", &c.TCP.Port),
		num("AUDIO_UDP_PORT", &c.UDP.Port),
		num("AUDIO_SAMPLE_RATE", &c.Recording.SampleRate),
		flag("AUDIO_TCP_ENABLED", &c.TCP.Enabled),
		flag("AUDIO_UDP_ENABLED", &c.UDP.Enabled),
	} {
		if err != nil {
			return err
		}
	}

	if v, ok := lookup("AUDIO_SILENCE_TIMEOUT"); ok && v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AUDIO_SILENCE_TIMEOUT: %w", err)
		}
		c.Recording.SilenceTimeout = seconds
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if !c.TCP.Enabled && !c.UDP.Enabled {
		return fmt.Errorf("at least one of tcp or udp must be enabled")
	}

	if err := c.TCP.Validate(); err != nil {
		return fmt.Errorf("tcp config: %w", err)
	}

	if err := c.UDP.Validate(); err != nil {
		return fmt.Errorf("udp config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates TCP listener configuration
func (t *TCPConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", t.Port)
	}

	if t.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if t.ReadSize < 16 {
		return fmt.Errorf("read_size must be at least 16 bytes, got %d", t.ReadSize)
	}

	return nil
}

// Validate validates UDP listener configuration
func (u *UDPConfig) Validate() error {
	if !u.Enabled {
		return nil
	}

	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	if u.SocketBufferSize < 0 {
		return fmt.Errorf("socket_buffer_size cannot be negative, got %d", u.SocketBufferSize)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.SaveDir == "" {
		return fmt.Errorf("save_dir cannot be empty")
	}

	if r.SampleRate < 1000 || r.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 1000 and 192000 Hz, got %d", r.SampleRate)
	}

	if r.SilenceTimeout <= 0 {
		return fmt.Errorf("silence_timeout must be positive, got %f", r.SilenceTimeout)
	}

	if r.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %f", r.PollInterval)
	}

	if r.PollInterval > r.SilenceTimeout {
		return fmt.Errorf("poll_interval (%f) must not exceed silence_timeout (%f)",
			r.PollInterval, r.SilenceTimeout)
	}

	if r.MaxGapFill < 0 {
		return fmt.Errorf("max_gap_fill cannot be negative, got %d", r.MaxGapFill)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity cannot be negative, got %d", t.QueueCapacity)
	}

	if !t.Enabled {
		return nil
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when transcription is enabled")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	return nil
}

// GetSilenceTimeoutDuration returns the silence timeout as a time.Duration
func (r *RecordingConfig) GetSilenceTimeoutDuration() time.Duration {
	return time.Duration(r.SilenceTimeout * float64(time.Second))
}

// GetPollIntervalDuration returns the poll interval as a time.Duration
func (r *RecordingConfig) GetPollIntervalDuration() time.Duration {
	return time.Duration(r.PollInterval * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// Address returns host:port for the listener
func (t *TCPConfig) Address() string {
	return net.JoinHostPort(t.BindAddress, strconv.Itoa(t.Port))
}

// Address returns host:port for the listener
func (u *UDPConfig) Address() string {
	return net.JoinHostPort(u.BindAddress, strconv.Itoa(u.Port))
}
