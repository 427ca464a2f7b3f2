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

package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scweb/oscbridge/audioproc"
	"github.com/scweb/oscbridge/channel"
	"github.com/scweb/oscbridge/engine"
	"github.com/scweb/oscbridge/gridbuf"
	"github.com/scweb/oscbridge/ntpclock"
	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/osc"
	"github.com/scweb/oscbridge/prescheduler"
	"github.com/scweb/oscbridge/reader"
	"github.com/scweb/oscbridge/shmlayout"
	"github.com/scweb/oscbridge/writer"
)

// maxMessageSize is the per-message limit bundles and plain messages
// must not exceed.
const maxMessageSize = 64 * 1024

// Session is the event & session facade : the single entry point
// client code drives through its whole lifecycle. The zero value is not
// usable; construct with New.
type Session struct {
	cfg *Config

	mu sync.Mutex
	state State
	initDone chan struct{}
	initErr error

	eng engine.Engine
	segment *shmlayout.Segment
	arena *shmlayout.Arena
	clock *shmlayout.ClockView
	scheduler *prescheduler.Scheduler
	processor *audioproc.Processor
	controller *channel.Handle

	emitter *emitter
	pool *asyncPool
	log *zap.SugaredLogger

	outTracker reader.DropTracker
	debugTracker reader.DropTracker
	outWorker *reader.Worker
	debugWorker *reader.Worker

	group *errgroup.Group
	cancelGroup context.CancelFunc

	syncMu sync.Mutex
	syncNextID int32
	syncWaiters map[int32]chan struct{}

	messagesSent atomic.Uint64
	eventsCancelled atomic.Uint64
	errorCount atomic.Uint64
}

// New constructs a Session. The session is Uninitialised until Init is
// called.
func New(opts...Option) *Session {
	cfg := newConfig()
	for _, o := range opts {
		o(cfg)
	}
	pool := newAsyncPool("session", cfg.log)
	return &Session{
		cfg: cfg,
		state: Uninitialised,
		emitter: newEmitter(pool, cfg.log),
		pool: pool,
		log: cfg.log,
		syncWaiters: make(map[int32]chan struct{}),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init implements the init operation: single-flight, idempotent while
// already in progress.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == Initialising:
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-done:
			s.mu.Lock()
			err := s.initErr
			s.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case !s.state.canInit():
		s.mu.Unlock()
		return oscerr.ErrInvalidState
	}
	s.state = Initialising
	s.initDone = make(chan struct{})
	s.mu.Unlock()

	err := s.doInit(ctx)

	s.mu.Lock()
	s.initErr = err
	if err != nil {
		s.state = Uninitialised
	} else {
		s.state = Ready
	}
	done := s.initDone
	s.mu.Unlock()
	close(done)

	if err != nil {
		return err
	}

	s.emitter.Emit("setup", s)
	_ = s.emitter.EmitAwait(ctx, "setup", s)
	s.emitter.Emit("ready", s)
	return nil
}

// doInit builds the segment, arena, scheduler, processor and workers
// from cfg and eng (the init steps: construct memory region, compute
// layout, set NTP start time, connect workers).
func (s *Session) doInit(ctx context.Context) error {
	if s.cfg.engine == nil {
		return fmt.Errorf("session: %w: no engine configured", oscerr.ErrInvalidState)
	}
	eng := s.cfg.engine

	layout := eng.ExportLayout()
	segment, err := shmlayout.NewSegment(eng.Memory(), layout.Layout)
	if err != nil {
		return fmt.Errorf("session: building segment: %w", err)
	}

	arena, err := shmlayout.NewArena(segment.Arena(), int(layout.ArenaOffset))
	if err != nil {
		return fmt.Errorf("session: building sample arena: %w", err)
	}

	if err := eng.InitMemory(s.cfg.worldOptions); err != nil {
		return fmt.Errorf("session: initialising engine memory: %w", err)
	}

	clockView := segment.ClockView()
	clockView.SetNTPStart(ntpclock.Now())

	scheduler := prescheduler.New(
		func() float64 { return ntpclock.Now() },
		prescheduler.WriterFunc(func(datagram []byte, sourceID uint32) error {
			return writer.Write(segment.InRing(), segment.Control(), datagram, sourceID, writer.Options{Blocking: true}, s.cfg.writerNotify)
		}),
		prescheduler.WithMaxPending(s.cfg.maxPendingBundles),
		prescheduler.WithSchedulerSlotSize(s.cfg.schedulerSlotSize),
		prescheduler.WithBypassLookahead(s.cfg.bypassLookahead),
		prescheduler.WithLog(s.cfg.log),
		prescheduler.WithMetrics(newSchedulerMetrics(shmlayout.NewMetricsView(segment.Metrics()))),
	)

	processor := audioproc.New(audioproc.Config{
		Mode: s.cfg.mode,
		Engine: eng,
		Segment: segment,
		Notify: newSchedulerNotifier(s.cfg.audioNotify, scheduler),
		Sink: sinkFunc(s.handleProcessorBatch),
		SnapshotInterval: s.cfg.snapshotInterval,
	})

	controller := channel.NewSharedMemory(segment.InRing(), segment.Control(), s.cfg.writerNotify, s.cfg.bypassLookahead, 0, false).
		WithPrescheduler(scheduler)

	s.mu.Lock()
	s.eng = eng
	s.segment = segment
	s.arena = arena
	s.clock = clockView
	s.scheduler = scheduler
	s.processor = processor
	s.controller = controller
	s.mu.Unlock()

	if s.cfg.mode == channel.SharedMemory {
		s.startSharedMemoryWorkers(ctx)
	}

	return nil
}

// startSharedMemoryWorkers launches the OUT/DEBUG reader workers and
// supervises them with an errgroup: the first worker failure cancels
// the group context and propagates out through Wait.
func (s *Session) startSharedMemoryWorkers(ctx context.Context) {
	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)
	s.cancelGroup = cancel
	s.group = group

	s.outWorker = &reader.Worker{
		Region: s.segment.OutRing(),
		Accessor: reader.OutAccessor(s.segment.Control()),
		Wait: s.cfg.outWaiter,
		Tracker: &s.outTracker,
		OnBatch: s.handleOutBatch,
	}
	s.debugWorker = &reader.Worker{
		Region: s.segment.DebugRing(),
		Accessor: reader.DebugAccessor(s.segment.Control()),
		Wait: s.cfg.debugWaiter,
		Tracker: &s.debugTracker,
		TextMode: true,
		OnBatch: s.handleDebugBatch,
	}

	if s.cfg.outWaiter != nil {
		group.Go(func() error { return s.outWorker.Run(groupCtx) })
	}
	if s.cfg.debugWaiter != nil {
		group.Go(func() error { return s.debugWorker.Run(groupCtx) })
	}
}

// schedulerNotifier bridges the audio processor's in_tail wake signal to
// the prescheduler's retry queue, alongside forwarding the host's own
// shared-memory wake primitives unchanged. Without this bridge a bundle
// parked in the retry queue after a BufferFull would only ever drain on
// the next Schedule call that happens to find space, instead of as soon
// as the audio thread frees it.
type schedulerNotifier struct {
	audioproc.Notifier
	scheduler *prescheduler.Scheduler
}

// newSchedulerNotifier wraps base, substituting NoopNotifier when the
// host never configured one, so NotifyInTail always has something to
// forward to.
func newSchedulerNotifier(base audioproc.Notifier, scheduler *prescheduler.Scheduler) schedulerNotifier {
	if base == nil {
		base = audioproc.NoopNotifier
	}
	return schedulerNotifier{Notifier: base, scheduler: scheduler}
}

func (n schedulerNotifier) NotifyInTail() {
	n.Notifier.NotifyInTail()
	n.scheduler.NotifySpaceAvailable()
}

// sinkFunc adapts a plain function to audioproc.Sink.
type sinkFunc func(kind audioproc.BatchKind, wb *gridbuf.WriteBuffer)

func (f sinkFunc) PostBatch(kind audioproc.BatchKind, wb *gridbuf.WriteBuffer) { f(kind, wb) }
func (f sinkFunc) PostStatus(flags uint32) {}

// handleProcessorBatch is the message-passing-mode Sink the audio
// processor posts to every callback.
func (s *Session) handleProcessorBatch(kind audioproc.BatchKind, wb *gridbuf.WriteBuffer) {
	defer wb.Free()

	switch kind {
	case audioproc.KindOut:
		for _, chunk := range wb.Bytes() {
			reader.DecodeBatch(chunk, &s.outTracker, false, s.handleOutBatch, nil)
		}
	case audioproc.KindDebug:
		for _, chunk := range wb.Bytes() {
			reader.DecodeBatch(chunk, &s.debugTracker, true, s.handleDebugBatch, nil)
		}
	case audioproc.KindInLog, audioproc.KindSnapshot:
		// Diagnostics only; no subscriber-facing event is defined for
		// these in message-passing mode beyond the node-tree/metrics
		// query surface, which reads the segment directly.
	}
}

// handleOutBatch decodes every delivered OUT record and either resolves
// a pending Sync wait ("/synced") or emits it under its own OSC address
// as the event name, so subscribers do on("/status.reply", handler) the
// way they would listen for the matching scsynth reply.
func (s *Session) handleOutBatch(batch []reader.Delivered) {
	for _, d := range batch {
		payload := append([]byte(nil), d.Payload...)
		d.Release()

		if s.cfg.codec == nil {
			continue
		}
		msg, err := s.cfg.codec.DecodeMessage(payload)
		if err != nil {
			s.log.Warnw("failed to decode OUT message", "error", err)
			continue
		}

		if msg.Address == "/synced" && len(msg.Args) > 0 && msg.Args[0].Kind == osc.KindInt32 {
			s.resolveSync(msg.Args[0].I32)
		}
		s.emitter.Emit(msg.Address, msg)
	}
}

func (s *Session) handleDebugBatch(batch []reader.Delivered) {
	for _, d := range batch {
		line := string(d.Payload)
		d.Release()
		s.emitter.Emit("debug", line)
	}
}

// On subscribes listener to name, returning an id Off can use to
// unsubscribe.
func (s *Session) On(name string, listener Listener) uint64 { return s.emitter.On(name, listener) }

// Once subscribes a listener that removes itself after its first call.
func (s *Session) Once(name string, listener Listener) uint64 { return s.emitter.Once(name, listener) }

// Off removes a single subscription.
func (s *Session) Off(name string, id uint64) { s.emitter.Off(name, id) }

// RemoveAllListeners clears every subscription for name, or every
// subscription if name is empty.
func (s *Session) RemoveAllListeners(name string) { s.emitter.RemoveAllListeners(name) }

// ntpNow is the Clock channel.Handle.Send classifies against.
func (s *Session) ntpNow() (float64, bool) { return ntpclock.Now(), true }

// Send implements the send operation: blocked commands fail
// immediately, /b_alloc-family commands are rewritten through the
// sample-pool arena, everything else is classified and routed exactly
// like sendRaw.
func (s *Session) Send(ctx context.Context, address string, args...osc.Arg) error {
	if !s.ready() {
		return oscerr.ErrNotInitialised
	}
	if err := checkBlocked(address); err != nil {
		return err
	}
	if s.cfg.codec == nil {
		return fmt.Errorf("session: %w: no OSC codec configured", oscerr.ErrInvalidState)
	}

	msg := osc.Message{Address: address, Args: args}
	if bufferAllocCommands[address] {
		rewritten, err := s.rewriteSend(ctx, address, args)
		if err != nil {
			return err
		}
		msg = rewritten
	}

	datagram, err := s.cfg.codec.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("session: encoding %s: %w", address, err)
	}
	if len(datagram) > maxMessageSize {
		return oscerr.ErrMessageTooLarge
	}
	return s.route(datagram, "", "")
}

func (s *Session) rewriteSend(ctx context.Context, address string, args []osc.Arg) (osc.Message, error) {
	parsed, err := parseBufferAllocArgs(address, args)
	if err != nil {
		return osc.Message{}, err
	}

	var assetData []byte
	sampleRate := s.cfg.worldOptions.SampleRate
	if parsed.assetPath != "" {
		if s.cfg.fetcher == nil {
			return osc.Message{}, fmt.Errorf("session: %w: no asset fetcher configured", oscerr.ErrInvalidState)
		}
		assetData, err = fetchWithRetry(ctx, s.cfg.fetcher, parsed.assetPath, s.cfg.fetchMaxRetries, s.cfg.fetchRetryDelay)
		if err != nil {
			return osc.Message{}, err
		}
	}

	return rewriteBufferAlloc(s.arena, s.cfg.decoder, parsed.bufnum, parsed.numFrames, parsed.numChannels, sampleRate, assetData)
}

// SendRaw implements the sendRaw operation: classify, direct-write
// when bypassing, else hand to the prescheduler, tagged with sessionID
// and runTag for later targeted cancellation.
func (s *Session) SendRaw(datagram []byte, sessionID, runTag string) error {
	if !s.ready() {
		return oscerr.ErrNotInitialised
	}
	if err := validateBundle(datagram, s.cfg.schedulerSlotSize); err != nil {
		return err
	}
	return s.route(datagram, sessionID, runTag)
}

func (s *Session) route(datagram []byte, sessionID, runTag string) error {
	s.mu.Lock()
	controller := s.controller
	s.mu.Unlock()

	_, err := controller.Send(datagram, s.ntpNow, sessionID, runTag)
	if err == nil {
		s.messagesSent.Add(1)
	}
	return err
}

// validateBundle enforces the bundle validation: a plain message must not
// exceed 64 KiB, and (when slotSize is set) a whole bundle must not exceed
// the engine's scheduler slot size. The sizes of the messages inside a
// bundle are not checked. The
// far-future/3600s check happens inside prescheduler.Schedule, which has
// the current NTP time on hand already.
func validateBundle(datagram []byte, slotSize uint32) error {
	if !osc.IsBundle(datagram) {
		if len(datagram) > maxMessageSize {
			return oscerr.ErrMessageTooLarge
		}
		return nil
	}
	if slotSize > 0 && uint32(len(datagram)) > slotSize {
		return oscerr.ErrBundleTooLarge
	}
	return nil
}

// Sync implements the sync operation: sends "/sync id" and waits for
// a matching "/synced" reply or the configured timeout. If no id is
// given, one is generated.
func (s *Session) Sync(ctx context.Context, id...int32) error {
	if !s.ready() {
		return oscerr.ErrNotInitialised
	}
	if s.cfg.codec == nil {
		return fmt.Errorf("session: %w: no OSC codec configured", oscerr.ErrInvalidState)
	}

	var syncID int32
	if len(id) > 0 {
		syncID = id[0]
	} else {
		s.syncMu.Lock()
		s.syncNextID++
		syncID = s.syncNextID
		s.syncMu.Unlock()
	}

	wait := make(chan struct{})
	s.syncMu.Lock()
	s.syncWaiters[syncID] = wait
	s.syncMu.Unlock()
	defer func() {
		s.syncMu.Lock()
		delete(s.syncWaiters, syncID)
		s.syncMu.Unlock()
	}()

	datagram, err := s.cfg.codec.EncodeMessage(osc.Message{Address: "/sync", Args: []osc.Arg{osc.Int32(syncID)}})
	if err != nil {
		return fmt.Errorf("session: encoding /sync: %w", err)
	}
	if err := s.route(datagram, "", ""); err != nil {
		return err
	}

	timeout := s.cfg.syncTimeout
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-timer.C:
		return oscerr.ErrSyncTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) resolveSync(id int32) {
	s.syncMu.Lock()
	wait, ok := s.syncWaiters[id]
	if ok {
		delete(s.syncWaiters, id)
	}
	s.syncMu.Unlock()
	if ok {
		close(wait)
	}
}

// Purge implements the purge operation: cancel everything pending in
// the prescheduler, then request and await the audio processor's
// clear-scheduler step, guaranteeing no event scheduled before Purge can
// reach the engine afterwards.
func (s *Session) Purge(ctx context.Context) error {
	if !s.ready() {
		return oscerr.ErrNotInitialised
	}

	n := s.scheduler.CancelAll()
	s.eventsCancelled.Add(uint64(n))

	target := s.processor.RequestClearScheduler()
	return s.awaitClearGeneration(ctx, target)
}

// awaitClearGeneration polls (the only option available, since the
// audio thread cannot be asked to signal a channel without risking an
// allocation or block on its own turn) until the processor has serviced
// generation target or ctx ends.
func (s *Session) awaitClearGeneration(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if s.processor.ClearGeneration() >= target {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CancelTag cancels every pending event tagged tag.
func (s *Session) CancelTag(tag string) int {
	n := s.scheduler.CancelTag(tag)
	s.eventsCancelled.Add(uint64(n))
	return n
}

// CancelSession cancels every pending event with the given session id.
func (s *Session) CancelSession(sessionID string) int {
	n := s.scheduler.CancelSession(sessionID)
	s.eventsCancelled.Add(uint64(n))
	return n
}

// CancelSessionTag cancels every pending event matching both sessionID
// and tag.
func (s *Session) CancelSessionTag(sessionID, tag string) int {
	n := s.scheduler.CancelSessionTag(sessionID, tag)
	s.eventsCancelled.Add(uint64(n))
	return n
}

// CancelAll cancels every pending event.
func (s *Session) CancelAll() int {
	n := s.scheduler.CancelAll()
	s.eventsCancelled.Add(uint64(n))
	return n
}

// CreateOscChannel returns an OscChannel handle for a worker context
// : sourceID attributes its writes for logging, blocking selects
// the bounded-wait lock-acquisition policy.
func (s *Session) CreateOscChannel(sourceID uint32, blocking bool) (*channel.Handle, error) {
	if !s.ready() {
		return nil, oscerr.ErrNotInitialised
	}
	h := channel.NewSharedMemory(s.segment.InRing(), s.segment.Control(), s.cfg.writerNotify, s.cfg.bypassLookahead, sourceID, blocking).
		WithPrescheduler(s.scheduler)
	return h, nil
}

// Tree returns a flat node-tree snapshot.
func (s *Session) Tree() ([]shmlayout.NodeEntry, uint32, bool) {
	s.mu.Lock()
	segment := s.segment
	s.mu.Unlock()
	if segment == nil {
		return nil, 0, false
	}
	view := shmlayout.NewNodeTreeView(segment.NodeTree())
	entries, ok := view.Snapshot(4)
	return entries, view.Version(), ok
}

// Metrics returns a point-in-time snapshot of the metrics block.
func (s *Session) Metrics() map[string]uint32 {
	s.mu.Lock()
	segment := s.segment
	s.mu.Unlock()
	if segment == nil {
		return nil
	}
	return shmlayout.NewMetricsView(segment.Metrics()).Snapshot()
}

func (s *Session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Ready
}
