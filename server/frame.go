// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"encoding/binary"
	"fmt"
)

// MaxPDUSize is the largest PDU a supported function code can
// produce, sized for the Modbus/TCP ADU ceiling of 260 bytes minus the
// 7-byte MBAP header.
const MaxPDUSize = 253

// FrameBuffer is a fixed-capacity byte buffer with independent reader
// and writer cursors, reused across requests on a single connection to
// avoid an allocation per dispatch. A nil or zero FrameBuffer is not
// ready to use; construct one with NewFrameBuffer.
type FrameBuffer struct {
	data     []byte
	length   int
	readPos  int
	writePos int
}

// NewFrameBuffer allocates a FrameBuffer with the given capacity.
func NewFrameBuffer(capacity int) *FrameBuffer {
	return &FrameBuffer{data: make([]byte, capacity)}
}

// Data exposes the full-capacity backing array so a transport can fill
// it directly during a receive.
func (b *FrameBuffer) Data() []byte { return b.data }

// SetLength records how many of the backing bytes are a valid request
// and resets both cursors to the start of it.
func (b *FrameBuffer) SetLength(n int) {
	b.length = n
	b.readPos = 0
	b.writePos = 0
}

// Length reports the number of valid bytes set by SetLength.
func (b *FrameBuffer) Length() int { return b.length }

// IsReady reports whether the buffer holds a non-empty request.
func (b *FrameBuffer) IsReady() bool { return b.length > 0 }

// Reset clears both cursors and the recorded length without touching
// the backing array, ready for the next receive.
func (b *FrameBuffer) Reset() {
	b.length = 0
	b.readPos = 0
	b.writePos = 0
}

// SeekReader repositions the read cursor.
func (b *FrameBuffer) SeekReader(pos int) { b.readPos = pos }

// SeekWriter repositions the write cursor.
func (b *FrameBuffer) SeekWriter(pos int) { b.writePos = pos }

// WriterLen reports how many bytes have been written since the last
// SeekWriter(0): the final frame length.
func (b *FrameBuffer) WriterLen() int { return b.writePos }

func (b *FrameBuffer) ReadU8() (byte, error) {
	if b.readPos >= b.length {
		return 0, fmt.Errorf("frame buffer: read past length %d", b.length)
	}
	v := b.data[b.readPos]
	b.readPos++
	return v, nil
}

func (b *FrameBuffer) ReadU16() (uint16, error) {
	if b.readPos+2 > b.length {
		return 0, fmt.Errorf("frame buffer: read past length %d", b.length)
	}
	v := binary.BigEndian.Uint16(b.data[b.readPos:])
	b.readPos += 2
	return v, nil
}

// ReadBytes returns the next n bytes without copying; callers must not
// retain the slice past the current request.
func (b *FrameBuffer) ReadBytes(n int) ([]byte, error) {
	if b.readPos+n > b.length {
		return nil, fmt.Errorf("frame buffer: read past length %d", b.length)
	}
	v := b.data[b.readPos : b.readPos+n]
	b.readPos += n
	return v, nil
}

// ReadI16 reads the next two bytes as a big-endian word and returns it
// reinterpreted as a signed host value, used for the write-single-
// register value field where callers pass arbitrary 16-bit data.
func (b *FrameBuffer) ReadI16() (int16, error) {
	v, err := b.ReadU16()
	return int16(v), err
}

// Remaining reports how many unread bytes are left in the request.
func (b *FrameBuffer) Remaining() int { return b.length - b.readPos }

// LoadRequest copies a request PDU's data bytes into the buffer's
// backing array and resets both cursors to the start of it. A
// processor decodes every field (and takes any payload slice) off the
// reader before it seeks the writer back to the start and produces a
// response, so the two safely share one backing array.
func (b *FrameBuffer) LoadRequest(data []byte) {
	b.length = copy(b.data, data)
	b.readPos = 0
	b.writePos = 0
}

func (b *FrameBuffer) WriteU8(v byte) error {
	if b.writePos >= len(b.data) {
		return fmt.Errorf("frame buffer: write past capacity %d", len(b.data))
	}
	b.data[b.writePos] = v
	b.writePos++
	return nil
}

func (b *FrameBuffer) WriteU16BE(v uint16) error {
	if b.writePos+2 > len(b.data) {
		return fmt.Errorf("frame buffer: write past capacity %d", len(b.data))
	}
	binary.BigEndian.PutUint16(b.data[b.writePos:], v)
	b.writePos += 2
	return nil
}

// WriteI16 writes v as a big-endian word, the counterpart to ReadI16.
func (b *FrameBuffer) WriteI16(v int16) error {
	return b.WriteU16BE(uint16(v))
}

func (b *FrameBuffer) WriteBytes(v []byte) error {
	if b.writePos+len(v) > len(b.data) {
		return fmt.Errorf("frame buffer: write past capacity %d", len(b.data))
	}
	copy(b.data[b.writePos:], v)
	b.writePos += len(v)
	return nil
}

// Frame returns the bytes written so far, from writer position 0.
func (b *FrameBuffer) Frame() []byte {
	return b.data[:b.writePos]
}
