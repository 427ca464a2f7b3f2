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

// Package enginetest provides a deterministic in-memory double for
// package engine, standing in for the real WebAssembly scsynth instance
// in tests the way internal/testutils/netpoll's fake poller stands in for
// a real epoll/io_uring backend: same interface, predictable scripted
// behaviour, no real engine required.
package enginetest

import (
	"sync"
	"sync/atomic"

	"github.com/scweb/oscbridge/engine"
	"github.com/scweb/oscbridge/ring"
	"github.com/scweb/oscbridge/shmlayout"
)

// Fake is a scriptable engine.Engine. It drains the IN ring on every
// Process call, optionally invoking OnMessage for assertions, and can be
// told to write a canned reply into OUT via PushReply.
type Fake struct {
	mu sync.Mutex

	segment *shmlayout.Segment
	opts engine.WorldOptions

	inputBus, outputBus []float32

	processCount atomic.Uint32
	clearCount atomic.Uint32

	// OnMessage is invoked, if set, for every message the fake drains from
	// the IN ring during Process.
	OnMessage func(ring.Message)

	// FailNextInit, if set, makes the next InitMemory call return it once.
	FailNextInit error

	id string
}

// NewFake builds a Fake wired to segment, with the processor's audio
// buses pre-allocated to frameCount*channels float32 samples.
func NewFake(segment *shmlayout.Segment, frameCount, channels int, identification string) *Fake {
	return &Fake{
		segment: segment,
		inputBus: make([]float32, frameCount*channels),
		outputBus: make([]float32, frameCount*channels),
		id: identification,
	}
}

func (f *Fake) ExportLayout() engine.Layout {
	return engine.Layout{Layout: f.segment.Layout, RingRegionBase: 0}
}

// Memory returns the backing byte slice of the segment this fake was
// constructed with, standing in for the real engine's linear memory.
func (f *Fake) Memory() []byte { return f.segment.Raw() }

func (f *Fake) InitMemory(opts engine.WorldOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextInit != nil {
		err := f.FailNextInit
		f.FailNextInit = nil
		return err
	}
	f.opts = opts
	return nil
}

// Process drains every pending IN record, invoking OnMessage for each.
func (f *Fake) Process(frameCount int) error {
	f.processCount.Add(1)

	cb := f.segment.Control()
	head, tail := cb.InHead(), cb.InTail()
	newTail, _ := ring.Read(f.segment.InRing(), head, tail, 1<<20, func(m ring.Message) {
		if f.OnMessage != nil {
			f.OnMessage(m)
		}
	}, nil)
	cb.SetInTail(newTail)
	return nil
}

func (f *Fake) InputBus() []float32 { return f.inputBus }
func (f *Fake) OutputBus() []float32 { return f.outputBus }

func (f *Fake) ClearScheduler() error {
	f.clearCount.Add(1)
	return nil
}

func (f *Fake) Identification() string { return f.id }

// ProcessCount reports how many times Process has been called, for
// assertions on the audio callback cadence.
func (f *Fake) ProcessCount() uint32 { return f.processCount.Load() }

// ClearCount reports how many times ClearScheduler has been called.
func (f *Fake) ClearCount() uint32 { return f.clearCount.Load() }

// WorldOptions returns the options last passed to InitMemory.
func (f *Fake) WorldOptions() engine.WorldOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

// PushReply writes payload into OUT directly, as if the engine itself had
// produced a reply during Process, for reader tests.
func (f *Fake) PushReply(payload []byte, sourceID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb := f.segment.Control()
	seq := cb.NextOutSeq()
	newHead, err := ring.Write(f.segment.OutRing(), cb.OutHead(), payload, seq, sourceID)
	if err != nil {
		return err
	}
	cb.SetOutHead(newHead)
	return nil
}
