// Package protocol implements the microphone streaming wire format.
// It decodes STRT/STOP control frames and AUD0 audio frames from a TCP byte
// stream (with resynchronization on garbage) and from individual UDP
// datagrams, including the legacy sequence-less audio datagram.
package protocol
