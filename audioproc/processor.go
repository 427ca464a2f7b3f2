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

package audioproc

import (
	"sync/atomic"
	"time"

	"github.com/scweb/oscbridge/channel"
	"github.com/scweb/oscbridge/engine"
	"github.com/scweb/oscbridge/gridbuf"
	"github.com/scweb/oscbridge/ring"
	"github.com/scweb/oscbridge/shmlayout"
)

// DefaultSnapshotInterval is the default maximum rate at which an
// unchanged metrics/node-tree snapshot is re-posted in message-passing
// mode.
const DefaultSnapshotInterval = 150 * time.Millisecond

// maxMessagesPerDrain bounds a single callback's per-ring drain so a
// pathologically large batch cannot make one Render call unbounded; it
// is far above anything a 128-sample quantum could produce in practice.
const maxMessagesPerDrain = 1 << 16

// Config configures a Processor.
type Config struct {
	Mode channel.Mode
	Engine engine.Engine
	Segment *shmlayout.Segment

	// Notify receives the OUT/DEBUG head wake-ups in SharedMemory mode and
	// the in_tail wake-up in every mode; a nil Notify is replaced with
	// NoopNotifier.
	Notify Notifier

	// Sink is used in MessagePassing mode; a nil Sink means nothing is
	// relayed (the caller chose not to wire a transport).
	Sink Sink

	// SnapshotInterval overrides DefaultSnapshotInterval.
	SnapshotInterval time.Duration
}

// Processor drives the engine from the host's periodic real-time
// callback. A Processor is not safe for concurrent Render calls:
// the host audio runtime guarantees exactly one callback in flight at a
// time, which this type relies on to stay allocation-free.
type Processor struct {
	mode channel.Mode
	engine engine.Engine
	segment *shmlayout.Segment
	notify Notifier
	sink Sink

	snapshotInterval time.Duration
	nowFn func() time.Time

	clearPending atomic.Bool
	clearGeneration atomic.Uint64

	lastInLogAt time.Time
	lastSnapshotAt time.Time
	lastSnapshotVersion uint32
	haveSnapshotVersion bool
}

// New builds a Processor from cfg.
func New(cfg Config) *Processor {
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	notify := cfg.Notify
	if notify == nil {
		notify = NoopNotifier
	}
	return &Processor{
		mode: cfg.Mode,
		engine: cfg.Engine,
		segment: cfg.Segment,
		notify: notify,
		sink: cfg.Sink,
		snapshotInterval: interval,
		nowFn: time.Now,
	}
}

// RequestClearScheduler arms the "drain IN and clear the engine's
// internal scheduler" step the next Render call performs,
// used by purge. Safe to call from any goroutine. The
// returned generation is what ClearGeneration reaches once the
// corresponding Render call has run, letting a caller block until its
// specific request (not some earlier one still in flight) has landed.
func (p *Processor) RequestClearScheduler() uint64 {
	p.clearPending.Store(true)
	return p.clearGeneration.Load() + 1
}

// ClearGeneration reports how many clear-scheduler requests have been
// serviced so far.
func (p *Processor) ClearGeneration() uint64 { return p.clearGeneration.Load() }

// Render implements hostrt.Callback. It must not allocate or block; the
// audio-input/output bus copy between the host and the engine's linear
// memory happens through the live views engine.InputBus()/OutputBus()
// expose directly to the host, outside this call.
func (p *Processor) Render(frameCount int) {
	cb := p.segment.Control()

	if p.clearPending.CompareAndSwap(true, false) {
		cb.SetInTail(cb.InHead())
		if err := p.engine.ClearScheduler(); err != nil {
			cb.SetStatus(shmlayout.StatusEngineError)
		}
		p.clearGeneration.Add(1)
	}

	if err := p.engine.Process(frameCount); err != nil {
		cb.SetStatus(shmlayout.StatusEngineError)
	}

	switch p.mode {
	case channel.SharedMemory:
		p.notify.NotifyOutHead()
		p.notify.NotifyDebugHead()
	case channel.MessagePassing:
		p.drainMessagePassing(cb)
	}

	// in_tail can free up space in the IN ring under either concurrency
	// model, since the scheduler's blocking writer always targets the
	// same shared segment regardless of how OUT/DEBUG are delivered.
	p.notify.NotifyInTail()

	p.reportStatus(cb)
}

func (p *Processor) reportStatus(cb *shmlayout.ControlBlock) {
	flags := cb.Status()
	if flags&shmlayout.StatusEngineError == 0 {
		return
	}
	if p.sink != nil {
		p.sink.PostStatus(flags)
	}
	cb.ClearStatus(shmlayout.StatusEngineError | shmlayout.StatusBufferFull | shmlayout.StatusOverrun)
}

func (p *Processor) drainMessagePassing(cb *shmlayout.ControlBlock) {
	if p.sink == nil {
		return
	}

	p.postRing(KindOut, p.segment.OutRing(), cb.OutHead(), cb.OutTail(), cb.SetOutTail)
	p.postRing(KindDebug, p.segment.DebugRing(), cb.DebugHead(), cb.DebugTail(), cb.SetDebugTail)

	now := p.nowFn()
	if now.Sub(p.lastInLogAt) >= p.snapshotInterval {
		p.postRing(KindInLog, p.segment.InRing(), cb.InHead(), cb.InLogTail(), cb.SetInLogTail)
		p.lastInLogAt = now
	}

	p.maybePostSnapshot(now)
}

// postRing drains [tail, head) of region into a pooled, wraparound-free
// buffer re-framed with package ring's own wire format, and hands it to
// the sink. Re-framing (rather than a raw byte copy) keeps the batch
// valid even when the source span wrapped past the end of region, since
// a literal copy would carry a padding marker whose length no longer
// describes the copy's own end.
func (p *Processor) postRing(kind BatchKind, region []byte, head, tail uint32, setTail func(uint32)) {
	used := ringUsed(head, tail, uint32(len(region)))
	if used == 0 {
		return
	}

	wb := gridbuf.NewWriteBuffer()
	buf := wb.NewBuffer(nil, int(used))
	buf = buf[:0]
	cursor := uint32(0)

	ring.Read(region, head, tail, maxMessagesPerDrain, func(m ring.Message) {
		newCursor, err := ring.Write(buf[:cap(buf)], cursor, m.Payload, m.Sequence, m.SourceID)
		if err != nil {
			return
		}
		cursor = newCursor
	}, nil)

	wb.WriteDirect(nil, buf[:cursor])
	setTail(head)
	p.sink.PostBatch(kind, wb)
}

// maybePostSnapshot posts a node-tree snapshot immediately when its
// version changes, and otherwise at most once per configured interval.
func (p *Processor) maybePostSnapshot(now time.Time) {
	tree := shmlayout.NewNodeTreeView(p.segment.NodeTree())
	version := tree.Version()

	changed := !p.haveSnapshotVersion || version != p.lastSnapshotVersion
	due := now.Sub(p.lastSnapshotAt) >= p.snapshotInterval
	if !changed && !due {
		return
	}

	span := p.segment.MetricsAndNodeTree()
	wb := gridbuf.NewWriteBuffer()
	buf := wb.NewBuffer(nil, len(span))
	buf = buf[:len(span)]
	copy(buf, span)
	wb.WriteDirect(nil, buf)

	p.lastSnapshotVersion = version
	p.haveSnapshotVersion = true
	p.lastSnapshotAt = now
	p.sink.PostBatch(KindSnapshot, wb)
}
