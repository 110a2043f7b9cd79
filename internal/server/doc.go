// Package server implements the device-facing TCP and UDP listeners and the
// HTTP monitoring API.
//
// Each listener owns one session.Recorder and drives it from a single
// control goroutine. Reads use a deadline of one poll interval so the
// silence watchdog keeps running while the device is quiet. TCP serves one
// connection at a time through a protocol.StreamDecoder; UDP parses every
// datagram on its own and lets audio open a session implicitly.
package server
