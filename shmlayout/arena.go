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
	"fmt"
	"sync"
	"unsafe"

	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/unsafex/malloc"
)

// Arena is the sample-pool: a fixed region of shared memory the facade
// allocates sample buffers from when rewriting /b_alloc-family commands
// into /b_allocPtr, since the engine itself cannot be asked to
// allocate on the facade's behalf ahead of the command reaching it.
//
// Allocation offsets are absolute segment offsets (the arena's base plus
// the offset within the region), so they can be embedded directly into
// the rewritten OSC message and resolved
// by the engine side against its own view of the same shared memory.
type Arena struct {
	mu sync.Mutex
	alloc *malloc.BuddyAllocator
	region []byte
	base int // byte offset of the arena region within the full segment
}

// NewArena wraps region (a slice into the shared-memory segment's arena
// span) with a buddy allocator. base is the offset of region within the
// full segment, added to every returned offset so a consumer need not know
// where the arena sits.
func NewArena(region []byte, base int) (*Arena, error) {
	alloc, err := malloc.NewBuddyAllocator(region)
	if err != nil {
		return nil, fmt.Errorf("sample arena: %w", err)
	}
	return &Arena{alloc: alloc, region: region, base: base}, nil
}

// AllocSample reserves size bytes and returns their absolute segment
// offset. ok is false if the arena could not satisfy the request (the
// caller should set StatusFragmented and fail the rewrite with
// oscerr.ErrBufferFull rather than blocking the writer path).
func (a *Arena) AllocSample(size int) (offset int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	block := a.alloc.Alloc(size)
	if block == nil || len(block) == 0 {
		return 0, false
	}
	dataOffset := int(uintptr(unsafe.Pointer(&block[0])) - uintptr(unsafe.Pointer(&a.region[0])))
	return a.base + dataOffset, true
}

// FreeSample releases a previously allocated sample buffer given its
// absolute segment offset.
func (a *Arena) FreeSample(offset int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	local := offset - a.base
	if !a.alloc.IsValidOffset(local) {
		return fmt.Errorf("offset %d: %w", offset, oscerr.ErrInvalidLayout)
	}
	a.alloc.FreeAt(local)
	return nil
}

// BytesFree reports the arena's currently available capacity, mirrored
// into the sample_pool_bytes_free metric.
func (a *Arena) BytesFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc.Available()
}

// WriteSample copies data into a previously allocated sample buffer,
// addressed by the absolute segment offset AllocSample returned. Used
// by the buffer-command rewrite to land decoded audio in the
// engine-visible region before the rewritten /b_allocPtr message is
// released.
func (a *Arena) WriteSample(offset int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	local := offset - a.base
	if local < 0 || local+len(data) > len(a.region) {
		return fmt.Errorf("offset %d, len %d: %w", offset, len(data), oscerr.ErrInvalidLayout)
	}
	copy(a.region[local:local+len(data)], data)
	return nil
}
