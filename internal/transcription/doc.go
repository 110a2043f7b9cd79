// Package transcription hands finished recordings to a speech-to-text backend.
// A Worker drains a queue of recording paths one file at a time, calling a
// Transcriber (usually the HTTPTranscriber, which uploads the WAV file as
// multipart form data with retry and exponential backoff) and passing any
// text to a ResultHandler. Failures are logged and counted; they never
// reach the caller of Submit.
package transcription
