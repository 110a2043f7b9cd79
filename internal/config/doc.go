// Package config provides configuration loading and validation for the wake audio service.
// Settings come from a YAML file layered over built-in defaults, followed by
// environment variable overrides (AUDIO_*, TRANSCRIPTION_*, LOG_LEVEL).
package config
