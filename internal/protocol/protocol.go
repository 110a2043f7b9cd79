package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants. All multi-byte integers are little-endian.
const (
	// Frame tags (4 ASCII bytes)
	TagStart = "STRT"
	TagStop  = "STOP"
	TagAudio = "AUD0"

	// Frame structure sizes
	TagSize              = 4
	SequenceSize         = 4
	LengthSize           = 2
	ExtendedHeaderSize   = TagSize + SequenceSize + LengthSize // 10 bytes
	LegacyHeaderSize     = TagSize + LengthSize                // 6 bytes
	MaxAudioPayloadSize  = 0xFFFF
	// Longer legacy datagrams would be classified as extended frames
	MaxLegacyPayloadSize = ExtendedHeaderSize - LegacyHeaderSize - 1 // 3 bytes
	MaxExtendedFrameSize = ExtendedHeaderSize + MaxAudioPayloadSize
)

// Sentinel errors returned by ParseDatagram
var (
	ErrShortDatagram = errors.New("datagram too short")
	ErrUnknownTag    = errors.New("unknown frame tag")
)

// FrameKind identifies the variant carried by a Frame
type FrameKind uint8

const (
	FrameStart FrameKind = iota + 1
	FrameStop
	FrameAudio
)

// String returns the wire tag of the frame kind
func (k FrameKind) String() string {
	switch k {
	case FrameStart:
		return TagStart
	case FrameStop:
		return TagStop
	case FrameAudio:
		return TagAudio
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// AudioFormat records which AUD0 sub-format an audio frame was decoded from
type AudioFormat uint8

const (
	// AudioFormatNone is used by control frames
	AudioFormatNone AudioFormat = iota
	// AudioFormatExtended is tag(4)+sequence(4)+length(2)+payload
	AudioFormatExtended
	// AudioFormatLegacy is tag(4)+length(2)+payload, datagram transport only
	AudioFormatLegacy
)

// String returns a human-readable name of the audio format
func (f AudioFormat) String() string {
	switch f {
	case AudioFormatNone:
		return "none"
	case AudioFormatExtended:
		return "extended"
	case AudioFormatLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(f))
	}
}

// Frame is one discrete protocol unit extracted from the wire.
// Sequence is only meaningful when HasSequence is set (extended framing).
type Frame struct {
	Kind        FrameKind
	Format      AudioFormat
	Sequence    uint32
	HasSequence bool
	Payload     []byte
}

// StartFrame returns a Start control frame
func StartFrame() Frame {
	return Frame{Kind: FrameStart}
}

// StopFrame returns a Stop control frame
func StopFrame() Frame {
	return Frame{Kind: FrameStop}
}

// AudioFrame returns an extended audio frame carrying a sequence number
func AudioFrame(sequence uint32, payload []byte) Frame {
	return Frame{
		Kind:        FrameAudio,
		Format:      AudioFormatExtended,
		Sequence:    sequence,
		HasSequence: true,
		Payload:     payload,
	}
}

// LegacyAudioFrame returns an audio frame without a sequence number
func LegacyAudioFrame(payload []byte) Frame {
	return Frame{
		Kind:    FrameAudio,
		Format:  AudioFormatLegacy,
		Payload: payload,
	}
}

// String returns a human-readable representation of the frame
func (f Frame) String() string {
	switch f.Kind {
	case FrameAudio:
		if f.HasSequence {
			return fmt.Sprintf("Frame{%s, Format:%s, Seq:%d, PayloadLen:%d}", f.Kind, f.Format, f.Sequence, len(f.Payload))
		}
		return fmt.Sprintf("Frame{%s, Format:%s, PayloadLen:%d}", f.Kind, f.Format, len(f.Payload))
	default:
		return fmt.Sprintf("Frame{%s}", f.Kind)
	}
}

// ClassifyAudioDatagram selects the AUD0 sub-format for a datagram of size n.
// Datagrams of at least ExtendedHeaderSize bytes use the extended form,
// 6-9 byte datagrams use the legacy form, anything smaller is rejected.
func ClassifyAudioDatagram(n int) (AudioFormat, bool) {
	switch {
	case n >= ExtendedHeaderSize:
		return AudioFormatExtended, true
	case n >= LegacyHeaderSize:
		return AudioFormatLegacy, true
	default:
		return AudioFormatNone, false
	}
}

// ParseDatagram parses one self-contained UDP datagram into a frame.
// Bytes after a control tag are ignored. An audio payload shorter than the
// declared length is truncated to what the datagram carries.
func ParseDatagram(data []byte) (Frame, error) {
	if len(data) < TagSize {
		return Frame{}, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrShortDatagram, TagSize, len(data))
	}

	switch string(data[:TagSize]) {
	case TagStart:
		return StartFrame(), nil
	case TagStop:
		return StopFrame(), nil
	case TagAudio:
		format, ok := ClassifyAudioDatagram(len(data))
		if !ok {
			return Frame{}, fmt.Errorf("%w: audio datagram needs at least %d bytes, got %d",
				ErrShortDatagram, LegacyHeaderSize, len(data))
		}

		if format == AudioFormatExtended {
			seq := binary.LittleEndian.Uint32(data[TagSize : TagSize+SequenceSize])
			length := int(binary.LittleEndian.Uint16(data[TagSize+SequenceSize : ExtendedHeaderSize]))
			return AudioFrame(seq, copyPayload(data[ExtendedHeaderSize:], length)), nil
		}

		length := int(binary.LittleEndian.Uint16(data[TagSize:LegacyHeaderSize]))
		return LegacyAudioFrame(copyPayload(data[LegacyHeaderSize:], length)), nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownTag, data[:TagSize])
	}
}

// copyPayload copies at most length bytes out of a reusable receive buffer
func copyPayload(data []byte, length int) []byte {
	if length > len(data) {
		length = len(data)
	}
	payload := make([]byte, length)
	copy(payload, data[:length])
	return payload
}

// AppendStart appends a STRT frame to dst
func AppendStart(dst []byte) []byte {
	return append(dst, TagStart...)
}

// AppendStop appends a STOP frame to dst
func AppendStop(dst []byte) []byte {
	return append(dst, TagStop...)
}

// AppendAudio appends an extended AUD0 frame to dst
func AppendAudio(dst []byte, sequence uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxAudioPayloadSize {
		return dst, fmt.Errorf("audio payload too large: %d bytes (maximum %d)", len(payload), MaxAudioPayloadSize)
	}
	dst = append(dst, TagAudio...)
	dst = binary.LittleEndian.AppendUint32(dst, sequence)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// AppendLegacyAudio appends a sequence-less AUD0 datagram body to dst
func AppendLegacyAudio(dst []byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxLegacyPayloadSize {
		return dst, fmt.Errorf("legacy audio payload too large: %d bytes (maximum %d)", len(payload), MaxLegacyPayloadSize)
	}
	dst = append(dst, TagAudio...)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// AppendFrame encodes any frame with the framing its Format asks for
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	switch f.Kind {
	case FrameStart:
		return AppendStart(dst), nil
	case FrameStop:
		return AppendStop(dst), nil
	case FrameAudio:
		if f.Format == AudioFormatLegacy {
			return AppendLegacyAudio(dst, f.Payload)
		}
		return AppendAudio(dst, f.Sequence, f.Payload)
	default:
		return dst, fmt.Errorf("unknown frame kind: %s", f.Kind)
	}
}
