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

// Package engine declares the external collaborator this module is a
// bridge to: scsynth compiled to WebAssembly. This package only holds the
// interface the audio-thread processor and session facade are written
// against ; the real WebAssembly instance lives outside this
// module entirely, and enginetest.Fake stands in for it in tests.
package engine

import "github.com/scweb/oscbridge/shmlayout"

// WorldOptions mirrors the subset of scsynth's startup options this
// module needs to hand across at init: sample rate and block size are the
// two the layout/processor actually depend on.
type WorldOptions struct {
	SampleRate float64
	BlockSize int
}

// Layout is the layout descriptor the engine exports so the processor
// never hard-codes an offset or size. It is the authoritative
// source shmlayout.Layout is built from once per session.
type Layout struct {
	shmlayout.Layout

	// RingRegionBase is the byte offset, within the engine's own linear
	// memory, where the IN/OUT/DEBUG rings begin. The processor does not
	// read it: rings are addressed through the offsets in Layout alone.
	RingRegionBase uint32
}

// Engine is the full export surface the audio-thread processor and
// session facade consume. All methods are expected to be callable
// only from the audio-thread: nothing here may block or allocate once a
// session has reached Ready.
type Engine interface {
	// ExportLayout returns the layout descriptor. Called once at init.
	ExportLayout() Layout

	// Memory returns the engine's linear memory, the single backing array
	// every offset in the exported Layout is relative to. The facade
	// wraps it with shmlayout.NewSegment once at init rather than copying
	// it, so the rings/control block/arena it constructs observe the same
	// bytes the engine itself reads and writes during Process.
	Memory() []byte

	// InitMemory writes opts into the engine's known world-options offset
	// for the given sample rate, preparing the engine's internal state
	// before the first Process call.
	InitMemory(opts WorldOptions) error

	// Process runs one audio render quantum of frameCount sample frames,
	// draining the IN ring into the engine and producing OUT/DEBUG replies
	// plus audio into the input/output bus buffers.
	Process(frameCount int) error

	// InputBus and OutputBus return the pre-allocated interleaved sample
	// buffers the processor reads from / writes into each callback. The
	// returned slices are stable for the lifetime of the session: the
	// processor must never retain them past a Process call's completion
	// without copying (the allocation-free requirement).
	InputBus() []float32
	OutputBus() []float32

	// ClearScheduler drops every bundle the engine's own internal
	// scheduler is holding, used to implement purge.
	ClearScheduler() error

	// Identification returns a short string identifying the engine build,
	// surfaced in logs and the session's diagnostics.
	Identification() string
}
