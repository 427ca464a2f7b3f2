// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ring implements the single-producer/single-consumer framed byte
// ring used for the IN, OUT and DEBUG regions. It is pure functions over a
// caller-owned []byte region plus head/tail offsets: no goroutines, no
// locks, no allocation on the read path.
//
// Wire format: every record is 4-byte aligned and begins with a 16-byte
// little-endian header:
//
//	offset 0: uint32 magic (MagicRecord or MagicPadding)
//	offset 4: uint32 length (header + payload + pad, 4-byte aligned)
//	offset 8: uint32 sequence (strictly increasing per ring)
//	offset 12: uint32 sourceID
//
// A padding record (magic == MagicPadding) carries no payload; its length
// field is the number of bytes from its position to the end of the region,
// and the writer restarts the write at offset 0.
package ring

import (
	"encoding/binary"

	"github.com/scweb/oscbridge/oscerr"
)

const (
	// MagicRecord marks a valid record header.
	MagicRecord uint32 = 0xDEADBEEF
	// MagicPadding marks a padding marker: skip to the end of the region
	// and wrap to offset 0.
	MagicPadding uint32 = 0xDEADFEED

	// HeaderSize is the fixed size of a record header in bytes.
	HeaderSize = 16

	alignment = 4
)

// Header mirrors the 16-byte on-wire record header.
type Header struct {
	Magic uint32
	Length uint32
	Sequence uint32
	SourceID uint32
}

func putHeader(region []byte, offset uint32, h Header) {
	binary.LittleEndian.PutUint32(region[offset:], h.Magic)
	binary.LittleEndian.PutUint32(region[offset+4:], h.Length)
	binary.LittleEndian.PutUint32(region[offset+8:], h.Sequence)
	binary.LittleEndian.PutUint32(region[offset+12:], h.SourceID)
}

func getHeader(region []byte, offset uint32) Header {
	return Header{
		Magic: binary.LittleEndian.Uint32(region[offset:]),
		Length: binary.LittleEndian.Uint32(region[offset+4:]),
		Sequence: binary.LittleEndian.Uint32(region[offset+8:]),
		SourceID: binary.LittleEndian.Uint32(region[offset+12:]),
	}
}

// alignUp rounds n up to the next multiple of `alignment`.
func alignUp(n uint32) uint32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Available returns the number of bytes that can be written before the
// ring is considered full, keeping one slot empty so head==tail
// unambiguously means "empty".
func Available(head, tail, size uint32) uint32 {
	return (size - 1 - head + tail) % size
}

// AlignedLen returns the 4-byte-aligned total length (header + payload) a
// write of payloadLen bytes would occupy.
func AlignedLen(payloadLen int) uint32 {
	return alignUp(uint32(HeaderSize + payloadLen))
}

// Write encodes payload into region starting at head, wrapping with a
// padding marker if the record does not fit contiguously before the end of
// the region. It returns the new head offset.
//
// Write never overwrites unread data: callers must have already checked
// Available(head, tail, size) >= AlignedLen(len(payload)) (the writer with
// lock does this before calling Write; see package writer).
func Write(region []byte, head uint32, payload []byte, sequence, sourceID uint32) (newHead uint32, err error) {
	size := uint32(len(region))
	total := AlignedLen(len(payload))

	if uint32(HeaderSize+len(payload)) > size {
		return head, oscerr.ErrRecordTooLarge
	}

	if total > size-head {
		// Not enough room before the end of the region: emit a padding
		// marker spanning the remainder and wrap to 0.
		remaining := size - head
		if remaining >= HeaderSize {
			putHeader(region, head, Header{Magic: MagicPadding, Length: remaining})
		}
		head = 0
	}

	putHeader(region, head, Header{
		Magic: MagicRecord,
		Length: total,
		Sequence: sequence,
		SourceID: sourceID,
	})
	copy(region[head+HeaderSize:], payload)

	newHead = head + total
	if newHead == size {
		newHead = 0
	}
	return newHead, nil
}

// Message is the allocation-free view of a single drained record, valid
// only until the next call into the region it was read from.
type Message struct {
	Payload []byte
	Sequence uint32
	SourceID uint32
}

// Read walks records from tail up to head (or until maxMessages have been
// delivered), invoking onMessage for each valid record and onCorruption for
// any header that fails to parse as a known magic or carries an
// out-of-bounds length. Corrupted bytes are skipped one at a time (scan
// recovery) so a single torn header cannot wedge the reader permanently.
//
// Read performs no allocation: onMessage receives a Message whose Payload
// aliases region.
func Read(region []byte, head, tail uint32, maxMessages int, onMessage func(Message), onCorruption func(position uint32)) (newTail uint32, count int) {
	size := uint32(len(region))

	for tail != head && count < maxMessages {
		if size-tail < HeaderSize {
			// Fewer bytes remain before the end of the region than a
			// header needs: this is the dead zone a writer leaves behind
			// when it wraps without room even for a padding marker (see
			// Write). Scan-recover one byte at a time; it self-heals
			// within HeaderSize-4 bytes at worst.
			if onCorruption != nil {
				onCorruption(tail)
			}
			tail = (tail + 1) % size
			continue
		}

		h := getHeader(region, tail)

		switch h.Magic {
		case MagicPadding:
			tail = 0
		case MagicRecord:
			if h.Length < HeaderSize || h.Length > size {
				if onCorruption != nil {
					onCorruption(tail)
				}
				tail = (tail + 1) % size
				continue
			}
			payloadLen := h.Length - HeaderSize
			payload := region[tail+HeaderSize : tail+HeaderSize+payloadLen]
			if onMessage != nil {
				onMessage(Message{Payload: payload, Sequence: h.Sequence, SourceID: h.SourceID})
			}
			count++
			tail += h.Length
			if tail == size {
				tail = 0
			}
		default:
			if onCorruption != nil {
				onCorruption(tail)
			}
			tail = (tail + 1) % size
		}
	}

	return tail, count
}
