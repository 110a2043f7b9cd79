// Package session implements the per-transport recording state machine.
//
// A Recorder is Idle until a start frame (or, when ImplicitStart is set,
// an audio frame) opens a WAV recording. Audio frames carrying a sequence
// number go through a Tracker: forward gaps are padded with silence sized
// like the previous payload, while late or duplicated frames only
// resynchronize the tracker. A stop frame, the silence timeout checked by
// CheckTimeout, or an explicit Close finishes the recording and passes its
// path to the Handoff exactly once.
package session
