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

package shmlayout

import (
	"sync/atomic"
	"unsafe"
)

// ControlBlockSize is the fixed byte size of the control block: twelve
// 32-bit words.
const ControlBlockSize = 12 * 4

// Control block word offsets.
const (
	offInHead uint32 = 4 * iota
	offInTail
	offOutHead
	offOutTail
	offDebugHead
	offDebugTail
	offInSeq
	offOutSeq
	offDebugSeq
	offStatus
	offWriterLock
	offInLogTail
)

// Status flag bits stored in the status word.
const (
	StatusBufferFull uint32 = 1 << iota // the writer observed IN full on last attempt
	StatusOverrun // a reader observed a dropped/overwritten record
	StatusEngineError // the engine reported an unrecoverable error
	StatusFragmented // the sample-pool arena could not satisfy an allocation and needs a GC pass
)

// ControlBlock is a typed view over the control block's raw bytes. Every
// field is accessed through sync/atomic so the writer (possibly a worker
// thread), the main thread, and the engine's audio callback can all touch
// it without a mutex.
type ControlBlock struct {
	region []byte
}

func newControlBlock(region []byte) *ControlBlock {
	if len(region) < ControlBlockSize {
		panic("shmlayout: control block region smaller than ControlBlockSize")
	}
	return &ControlBlock{region: region}
}

// NewControlBlock wraps region, which must be at least ControlBlockSize
// bytes, as a ControlBlock. Exported for packages (and tests) that need a
// standalone control block not attached to a full Segment.
func NewControlBlock(region []byte) *ControlBlock {
	return newControlBlock(region)
}

func (c *ControlBlock) word(offset uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&c.region[offset]))
}

func (c *ControlBlock) InHead() uint32 { return c.word(offInHead).Load() }
func (c *ControlBlock) SetInHead(v uint32) { c.word(offInHead).Store(v) }
func (c *ControlBlock) InTail() uint32 { return c.word(offInTail).Load() }
func (c *ControlBlock) SetInTail(v uint32) { c.word(offInTail).Store(v) }

func (c *ControlBlock) OutHead() uint32 { return c.word(offOutHead).Load() }
func (c *ControlBlock) SetOutHead(v uint32) { c.word(offOutHead).Store(v) }
func (c *ControlBlock) OutTail() uint32 { return c.word(offOutTail).Load() }
func (c *ControlBlock) SetOutTail(v uint32) { c.word(offOutTail).Store(v) }

func (c *ControlBlock) DebugHead() uint32 { return c.word(offDebugHead).Load() }
func (c *ControlBlock) SetDebugHead(v uint32) { c.word(offDebugHead).Store(v) }
func (c *ControlBlock) DebugTail() uint32 { return c.word(offDebugTail).Load() }
func (c *ControlBlock) SetDebugTail(v uint32) { c.word(offDebugTail).Store(v) }

// NextInSeq atomically increments and returns the next IN ring record
// sequence number.
func (c *ControlBlock) NextInSeq() uint32 { return c.word(offInSeq).Add(1) }

// NextOutSeq atomically increments and returns the next OUT ring record
// sequence number.
func (c *ControlBlock) NextOutSeq() uint32 { return c.word(offOutSeq).Add(1) }

// NextDebugSeq atomically increments and returns the next DEBUG ring
// record sequence number.
func (c *ControlBlock) NextDebugSeq() uint32 { return c.word(offDebugSeq).Add(1) }

// InLogTail is the tail position the engine's own scheduler has consumed
// up to, exposed for diagnostics (distinct from the reader-side InTail,
// which tracks an external IN-ring consumer if one exists).
func (c *ControlBlock) InLogTail() uint32 { return c.word(offInLogTail).Load() }
func (c *ControlBlock) SetInLogTail(v uint32) { c.word(offInLogTail).Store(v) }

// Status returns the current status flag word.
func (c *ControlBlock) Status() uint32 { return c.word(offStatus).Load() }

// SetStatus ORs the given bits into the status word.
func (c *ControlBlock) SetStatus(bits uint32) {
	w := c.word(offStatus)
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// ClearStatus ANDs the given bits out of the status word.
func (c *ControlBlock) ClearStatus(bits uint32) {
	w := c.word(offStatus)
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// writer lock word states.
const (
	lockFree uint32 = 0
	lockHeld uint32 = 1
)

// TryLock attempts to acquire the writer lock with a single CAS, returning
// false immediately on contention rather than spinning or blocking.
func (c *ControlBlock) TryLock() bool {
	return c.word(offWriterLock).CompareAndSwap(lockFree, lockHeld)
}

// Unlock releases the writer lock.
func (c *ControlBlock) Unlock() {
	c.word(offWriterLock).Store(lockFree)
}
