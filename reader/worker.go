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

package reader

import (
	"bytes"
	"context"

	"github.com/scweb/oscbridge/cache/mempool"
	"github.com/scweb/oscbridge/ring"
)

// Delivered is one drained record, copied into a buffer owned by the
// caller. Release must be called once the caller is done with Payload.
type Delivered struct {
	Payload []byte
	Sequence uint32
	SourceID uint32
}

// Release returns Payload to the shared mempool. Safe to call at most
// once per Delivered.
func (d Delivered) Release() { mempool.Free(d.Payload) }

// Waiter blocks until the ring this Worker drains has new data, or ctx
// is done. The shared-memory host wires this to whatever primitive
// observes out_head/debug_head changing (e.g. an Atomics.wait-style
// notification); nothing in this package assumes a particular one.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Worker is the shared-memory-mode reader: it wakes on Waiter,
// drains everything currently available via the ring primitives, copies
// each payload into a fresh owned buffer, tracks dropped messages, and
// hands the batch to OnBatch.
type Worker struct {
	Region []byte
	Accessor RingAccessor
	Wait Waiter
	Tracker *DropTracker
	TextMode bool // true for the DEBUG ring: UTF-8, trailing newline trimmed
	MaxPerWake int
	OnBatch func([]Delivered)
	OnCorruption func(position uint32)
}

// Run blocks, draining on every wake, until ctx is done or Wait returns
// an error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.Wait.Wait(ctx); err != nil {
			return err
		}
		w.DrainOnce()
	}
}

// DrainOnce performs a single wake-and-drain cycle. Exported so tests
// (and hosts that prefer to drive their own wake loop) can call it
// directly without going through Run.
func (w *Worker) DrainOnce() int {
	head := w.Accessor.Head()
	tail := w.Accessor.Tail()

	maxMessages := w.MaxPerWake
	if maxMessages <= 0 {
		maxMessages = 1 << 16
	}

	var batch []Delivered
	newTail, count := ring.Read(w.Region, head, tail, maxMessages, func(m ring.Message) {
		batch = append(batch, deliver(m, w.Tracker, w.TextMode))
	}, w.OnCorruption)
	w.Accessor.SetTail(newTail)

	if len(batch) > 0 && w.OnBatch != nil {
		w.OnBatch(batch)
	}
	return count
}

func deliver(m ring.Message, tracker *DropTracker, textMode bool) Delivered {
	if tracker != nil {
		tracker.Observe(m.Sequence)
	}

	owned := mempool.Malloc(len(m.Payload))
	copy(owned, m.Payload)
	if textMode {
		owned = trimTrailingNewline(owned)
	}

	return Delivered{Payload: owned, Sequence: m.Sequence, SourceID: m.SourceID}
}

// trimTrailingNewline drops one trailing "\n" or "\r\n" from a DEBUG
// ring payload, matching the "trimmed of a trailing newline".
func trimTrailingNewline(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return b
}
