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

// Package shmlayout describes and accesses the fixed-offset shared-memory
// segment the engine exposes: [engine heap][IN ring][OUT ring][DEBUG
// ring][control block][metrics block][node-tree mirror][NTP start time
// (f64)][drift offset (i32 ms)][clock offset (i32 ms)][audio capture
// buffer][sample-pool arena].
//
// Every offset and size in Layout is read from the engine's layout export
// (see package engine) rather than hard-coded here, so the reader and
// writer sides of the bridge always agree regardless of build
// configuration.
package shmlayout

import (
	"fmt"

	"github.com/scweb/oscbridge/oscerr"
)

// Layout is the set of fixed offsets and sizes discovered from the engine
// at session init.
type Layout struct {
	EngineHeapSize uint32

	InOffset, InSize uint32
	OutOffset, OutSize uint32
	DebugOffset, DebugSize uint32

	ControlOffset uint32 // size is always ControlBlockSize

	MetricsOffset, MetricsSize uint32
	NodeTreeOffset, NodeTreeSize uint32
	NTPStartOffset uint32 // float64
	DriftOffset uint32 // int32 milliseconds
	ClockOffset uint32 // int32 milliseconds
	AudioCaptureOffset, AudioSize uint32
	ArenaOffset, ArenaSize uint32

	// SchedulerSlotSize is the engine-internal scheduler's maximum bundle
	// payload size, exposed as a compile-time constant via the layout
	// export rather than negotiated at runtime.
	SchedulerSlotSize uint32
}

// region describes one sub-span of the segment for overlap checking.
type region struct {
	name string
	offset, size uint32
}

// Validate checks that every region is non-zero where required and that no
// two regions overlap. A malformed layout is reported as
// oscerr.ErrInvalidLayout rather than causing an out-of-bounds panic later.
func (l Layout) Validate(segmentSize uint32) error {
	regions := []region{
		{"in", l.InOffset, l.InSize},
		{"out", l.OutOffset, l.OutSize},
		{"debug", l.DebugOffset, l.DebugSize},
		{"control", l.ControlOffset, ControlBlockSize},
		{"metrics", l.MetricsOffset, l.MetricsSize},
		{"nodetree", l.NodeTreeOffset, l.NodeTreeSize},
		{"audio", l.AudioCaptureOffset, l.AudioSize},
		{"arena", l.ArenaOffset, l.ArenaSize},
	}

	for _, r := range regions {
		if r.size == 0 {
			return fmt.Errorf("%s: %w (zero size)", r.name, oscerr.ErrInvalidLayout)
		}
		if r.offset+r.size > segmentSize {
			return fmt.Errorf("%s: %w (extends past segment end)", r.name, oscerr.ErrInvalidLayout)
		}
	}

	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.offset < b.offset+b.size && b.offset < a.offset+a.size {
				return fmt.Errorf("%s overlaps %s: %w", a.name, b.name, oscerr.ErrInvalidLayout)
			}
		}
	}

	if l.SchedulerSlotSize == 0 {
		return fmt.Errorf("scheduler slot size: %w (zero)", oscerr.ErrInvalidLayout)
	}

	return nil
}

// Segment is a handle to the full shared-memory byte region plus its
// Layout, used to slice out each sub-region.
type Segment struct {
	Layout Layout
	bytes []byte
}

// NewSegment wraps raw with the given layout after validating it.
func NewSegment(raw []byte, layout Layout) (*Segment, error) {
	if err := layout.Validate(uint32(len(raw))); err != nil {
		return nil, err
	}
	return &Segment{Layout: layout, bytes: raw}, nil
}

func (s *Segment) InRing() []byte {
	return s.bytes[s.Layout.InOffset : s.Layout.InOffset+s.Layout.InSize]
}

func (s *Segment) OutRing() []byte {
	return s.bytes[s.Layout.OutOffset : s.Layout.OutOffset+s.Layout.OutSize]
}

func (s *Segment) DebugRing() []byte {
	return s.bytes[s.Layout.DebugOffset : s.Layout.DebugOffset+s.Layout.DebugSize]
}

func (s *Segment) Control() *ControlBlock {
	return newControlBlock(s.bytes[s.Layout.ControlOffset : s.Layout.ControlOffset+ControlBlockSize])
}

func (s *Segment) MetricsAndNodeTree() []byte {
	// Metrics and node-tree are laid out contiguously so a single byte
	// copy captures both for a snapshot.
	end := s.Layout.NodeTreeOffset + s.Layout.NodeTreeSize
	return s.bytes[s.Layout.MetricsOffset:end]
}

func (s *Segment) Metrics() []byte {
	return s.bytes[s.Layout.MetricsOffset : s.Layout.MetricsOffset+s.Layout.MetricsSize]
}

func (s *Segment) NodeTree() []byte {
	return s.bytes[s.Layout.NodeTreeOffset : s.Layout.NodeTreeOffset+s.Layout.NodeTreeSize]
}

func (s *Segment) Arena() []byte {
	return s.bytes[s.Layout.ArenaOffset : s.Layout.ArenaOffset+s.Layout.ArenaSize]
}

func (s *Segment) AudioCapture() []byte {
	return s.bytes[s.Layout.AudioCaptureOffset : s.Layout.AudioCaptureOffset+s.Layout.AudioSize]
}

// Raw returns the full backing byte slice every offset in Layout is
// relative to, for collaborators (engine.Engine.Memory, the sample-pool
// Arena) that need the whole segment rather than one sub-region.
func (s *Segment) Raw() []byte { return s.bytes }
