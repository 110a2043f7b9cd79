// Package audio writes session recordings as mono 16-bit PCM WAV files and
// reads them back for inspection.
package audio
