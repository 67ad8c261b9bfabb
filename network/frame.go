package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderSize covers the 4-byte big-endian payload length plus the
// 1-byte encryption flag.
const frameHeaderSize = 5

// Frame is one length-prefixed unit on the wire. Payload is ciphertext when
// Encrypted is set.
type Frame struct {
	Encrypted bool
	Payload   []byte
}

// WriteFrame writes one [length][flag][payload] frame.
func WriteFrame(w io.Writer, payload []byte, encrypted bool) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if len(payload) == 0 {
		return ErrEmptyFrame
	}

	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if encrypted {
		header[4] = 1
	}

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// FrameDecoder reassembles frames from an arbitrarily fragmented byte
// stream. Feed never blocks: it returns every complete frame the buffer
// holds and retains the remainder for the next call.
type FrameDecoder struct {
	buf []byte
}

// Feed appends newly read bytes and extracts all complete frames.
func (d *FrameDecoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		if len(d.buf) < frameHeaderSize {
			break
		}

		length := binary.BigEndian.Uint32(d.buf[:4])
		if length == 0 {
			return frames, ErrEmptyFrame
		}
		if length > MaxFrameSize {
			return frames, ErrFrameTooLarge
		}
		if len(d.buf) < frameHeaderSize+int(length) {
			break
		}

		payload := make([]byte, length)
		copy(payload, d.buf[frameHeaderSize:frameHeaderSize+int(length)])
		frames = append(frames, Frame{
			Encrypted: d.buf[4] == 1,
			Payload:   payload,
		})
		d.buf = d.buf[frameHeaderSize+int(length):]
	}

	return frames, nil
}

// Buffered reports how many bytes await a complete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}
