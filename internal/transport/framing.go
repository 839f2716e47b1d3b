package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	// FrameToRadio starts every host-to-radio frame on a stream link.
	FrameToRadio byte = '<'
	// FrameFromRadio starts every radio-to-host frame on a stream link.
	FrameFromRadio byte = '>'
)

// WriteFrame writes marker, a little-endian uint16 length and payload.
func WriteFrame(w io.Writer, marker byte, payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	buf := make([]byte, 3+len(payload))
	buf[0] = marker
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame carrying marker. Bytes before a marker
// are skipped so a reader can resynchronize after line noise.
func ReadFrame(r *bufio.Reader, marker byte) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != marker {
			continue
		}
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		payload := make([]byte, binary.LittleEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
