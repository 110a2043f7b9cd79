package protocol

import (
	"encoding/binary"
)

// StreamDecoder extracts frames from a byte stream delivered in arbitrary
// chunks. Incomplete frames stay buffered until more bytes arrive.
// A StreamDecoder is not safe for concurrent use.
type StreamDecoder struct {
	buf     []byte
	skipped uint64
}

// NewStreamDecoder creates a decoder with an empty buffer
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{
		buf: make([]byte, 0, 4096),
	}
}

// Feed appends data to the rolling buffer and returns every complete frame
// it now holds, in wire order
func (d *StreamDecoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	rest, skipped := DecodeStream(d.buf, func(f Frame) {
		frames = append(frames, f)
	})
	d.skipped += uint64(skipped)

	// Move the residual tail to the front so the buffer does not grow unbounded
	n := copy(d.buf, rest)
	d.buf = d.buf[:n]

	return frames
}

// Buffered returns the number of undecoded bytes held back
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}

// Skipped returns how many bytes were discarded while resynchronizing
func (d *StreamDecoder) Skipped() uint64 {
	return d.skipped
}

// Reset drops any partial frame, e.g. when the connection goes away
func (d *StreamDecoder) Reset() {
	d.buf = d.buf[:0]
}

// DecodeStream extracts every complete frame from buf, calling emit for each,
// and returns the unconsumed tail together with the number of bytes dropped
// while hunting for a valid tag. Emitted payloads never alias buf.
func DecodeStream(buf []byte, emit func(Frame)) (rest []byte, skipped int) {
	for {
		if len(buf) < TagSize {
			return buf, skipped
		}

		switch string(buf[:TagSize]) {
		case TagStart:
			emit(StartFrame())
			buf = buf[TagSize:]

		case TagStop:
			emit(StopFrame())
			buf = buf[TagSize:]

		case TagAudio:
			if len(buf) < ExtendedHeaderSize {
				return buf, skipped
			}
			seq := binary.LittleEndian.Uint32(buf[TagSize : TagSize+SequenceSize])
			length := int(binary.LittleEndian.Uint16(buf[TagSize+SequenceSize : ExtendedHeaderSize]))
			if len(buf) < ExtendedHeaderSize+length {
				return buf, skipped
			}
			payload := make([]byte, length)
			copy(payload, buf[ExtendedHeaderSize:ExtendedHeaderSize+length])
			emit(AudioFrame(seq, payload))
			buf = buf[ExtendedHeaderSize+length:]

		default:
			// Unknown tag: shift one byte and retry
			buf = buf[1:]
			skipped++
		}
	}
}
