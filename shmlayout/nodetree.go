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
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// node-tree mirror header: uint32 count, uint32 version.
const nodeTreeHeaderSize = 8

// NodeEntrySize is the fixed on-wire size of one node-tree entry: id (i32),
// parent id (i32), group flag (u32), prev/next sibling (i32 each), first
// child (i32), and a fixed-width definition name buffer.
const (
	defNameSize = 32
	NodeEntrySize = 4*6 + defNameSize
	maxNodeEntries = 1024
)

// NodeEntry mirrors one row of the engine's node tree, copied out of shared
// memory.
type NodeEntry struct {
	ID int32
	ParentID int32
	IsGroup bool
	PrevSibling int32
	NextSibling int32
	FirstChild int32
	DefName string
}

// NodeTreeBlockSize returns the byte size needed to mirror up to n nodes.
func NodeTreeBlockSize(n int) uint32 {
	return uint32(nodeTreeHeaderSize + n*NodeEntrySize)
}

// NodeTreeView reads the engine's flat node-tree mirror with a
// version-counter double-read consistency check: the engine bumps the
// version to odd before writing
// and back to even after, so a reader that observes two matching even
// reads of the version word knows the snapshot it copied was not torn by a
// concurrent engine write.
type NodeTreeView struct {
	region []byte
}

// NewNodeTreeView wraps region, which must hold the header plus at least
// one entry.
func NewNodeTreeView(region []byte) *NodeTreeView {
	if len(region) < nodeTreeHeaderSize+NodeEntrySize {
		panic("shmlayout: node-tree region too small")
	}
	return &NodeTreeView{region: region}
}

func (v *NodeTreeView) versionWord() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&v.region[4]))
}

func (v *NodeTreeView) countWord() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&v.region[0]))
}

// Version returns the current version counter. Odd means a write is in
// progress.
func (v *NodeTreeView) Version() uint32 { return v.versionWord().Load() }

// Snapshot returns a copy of every live node entry, retrying the read if
// the engine was mid-write when the copy started. It never blocks: on
// persistent tearing (the engine writing continuously across every retry)
// it returns the last snapshot taken along with ok=false.
func (v *NodeTreeView) Snapshot(maxRetries int) (entries []NodeEntry, ok bool) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		before := v.Version()
		if before%2 == 1 {
			continue // write in progress, retry without copying
		}

		count := v.countWord().Load()
		if count > maxNodeEntries {
			count = maxNodeEntries
		}

		candidate := make([]NodeEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			e := v.readEntry(i)
			if e.ID < 0 {
				continue // empty slot, not a live node
			}
			candidate = append(candidate, e)
		}
		entries = candidate

		after := v.Version()
		if after == before {
			return candidate, true
		}
	}
	return entries, false
}

func (v *NodeTreeView) readEntry(index uint32) NodeEntry {
	off := nodeTreeHeaderSize + int(index)*NodeEntrySize
	e := v.region[off : off+NodeEntrySize]

	return NodeEntry{
		ID: int32(binary.LittleEndian.Uint32(e[0:4])),
		ParentID: int32(binary.LittleEndian.Uint32(e[4:8])),
		IsGroup: binary.LittleEndian.Uint32(e[8:12]) != 0,
		PrevSibling: int32(binary.LittleEndian.Uint32(e[12:16])),
		NextSibling: int32(binary.LittleEndian.Uint32(e[16:20])),
		FirstChild: int32(binary.LittleEndian.Uint32(e[20:24])),
		DefName: decodeDefName(e[24:24+defNameSize]),
	}
}

func decodeDefName(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Children groups a flat snapshot into a parent-id -> children-ids map, the
// hierarchical view the session facade's public tree query returns.
func Children(entries []NodeEntry) map[int32][]int32 {
	out := make(map[int32][]int32, len(entries))
	for _, e := range entries {
		out[e.ParentID] = append(out[e.ParentID], e.ID)
	}
	return out
}
