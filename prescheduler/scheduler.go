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

package prescheduler

import (
	"container/heap"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/osc"
)

// DefaultMaxPending is the combined heap+retry-queue capacity.
const DefaultMaxPending = 65536

// Writer is the blocking write path into IN the scheduler dispatches
// through. Implementations typically wrap writer.Write bound to a
// specific region/control block/notifier.
type Writer interface {
	Write(datagram []byte, sourceID uint32) error
}

// WriterFunc adapts a plain function to Writer.
type WriterFunc func(datagram []byte, sourceID uint32) error

func (f WriterFunc) Write(datagram []byte, sourceID uint32) error { return f(datagram, sourceID) }

// Metrics receives the scheduler's gauge/counter updates. All methods are
// optional to implement meaningfully; a nil Metrics is replaced with a
// no-op.
type Metrics interface {
	SetPendingPeak(n int)
	IncLate()
	SetMinHeadroom(seconds float64)
	IncCancelled(n int)
	IncRetrySuccess()
	IncRetryFailure()
}

type noopMetrics struct{}

func (noopMetrics) SetPendingPeak(int) {}
func (noopMetrics) IncLate() {}
func (noopMetrics) SetMinHeadroom(float64) {}
func (noopMetrics) IncCancelled(int) {}
func (noopMetrics) IncRetrySuccess() {}
func (noopMetrics) IncRetryFailure() {}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	maxPending int
	schedulerSlotSize uint32
	bypassLookahead float64
	log *zap.SugaredLogger
	metrics Metrics
	timer timerFactory
}

func newOptions() *options {
	return &options{
		maxPending: DefaultMaxPending,
		bypassLookahead: osc.DefaultBypassLookahead,
		log: zap.NewNop().Sugar(),
		metrics: noopMetrics{},
		timer: realTimerFactory{},
	}
}

func WithMaxPending(n int) Option { return func(o *options) { o.maxPending = n } }

func WithSchedulerSlotSize(n uint32) Option { return func(o *options) { o.schedulerSlotSize = n } }

func WithBypassLookahead(seconds float64) Option {
	return func(o *options) { o.bypassLookahead = seconds }
}

func WithLog(log *zap.SugaredLogger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Clock supplies the scheduler's current NTP time.
type Clock func() float64

// Scheduler is the single-threaded, cooperative dispatch queue that holds
// far-future bundles until their scheduled time arrives.
// Every method, including the dispatch timer's callback, runs under the
// scheduler's mutex, so callers and the timer goroutine may use it
// concurrently.
type Scheduler struct {
	mu sync.Mutex

	opts *options

	heap entryHeap
	retry *retryQueue

	now Clock
	write Writer

	dispatchTimer cancelTimer
	nextDispatchAt float64

	waitingForSpace bool

	seq uint64
}

// New builds a Scheduler. now supplies current NTP time; write performs
// the blocking write into IN.
func New(now Clock, write Writer, opts...Option) *Scheduler {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Scheduler{
		opts: o,
		retry: newRetryQueue(64),
		now: now,
		write: write,
		nextDispatchAt: math.Inf(1),
	}
}

// Schedule implements the schedule operation.
func (s *Scheduler) Schedule(datagram []byte, sessionID, runTag string, sourceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heap.Len()+s.retry.Len() >= s.opts.maxPending {
		return oscerr.ErrQueueFull
	}

	ntp, ok := osc.BundleTimetag(datagram)
	if !ok {
		err := s.blockingWriteLocked(datagram, sourceID)
		if oscerrIsBufferFull(err) {
			// still no space: park it for NotifySpaceAvailable like a tick's BufferFull.
			s.retry.PushBack(Entry{Datagram: datagram, SessionID: sessionID, RunTag: runTag, SourceID: sourceID})
			s.waitingForSpace = true
			return nil
		}
		return err
	}

	if s.opts.schedulerSlotSize > 0 && uint32(len(datagram)) > s.opts.schedulerSlotSize {
		return oscerr.ErrBundleTooLarge
	}
	if diff := ntp - s.now(); diff > 3600 {
		return oscerr.ErrBundleTooFarFuture
	}

	s.seq++
	heap.Push(&s.heap, Entry{
		Datagram: datagram,
		NTPTime: ntp,
		Sequence: s.seq,
		SessionID: sessionID,
		RunTag: runTag,
		SourceID: sourceID,
	})
	s.opts.metrics.SetPendingPeak(s.heap.Len() + s.retry.Len())
	s.rescheduleLocked()
	return nil
}

func (s *Scheduler) blockingWriteLocked(datagram []byte, sourceID uint32) error {
	return s.write.Write(datagram, sourceID)
}

// reschedule recomputes the dispatch timer target.
func (s *Scheduler) rescheduleLocked() {
	if s.heap.Len() == 0 {
		if s.dispatchTimer != nil {
			s.dispatchTimer.Stop()
			s.dispatchTimer = nil
		}
		s.nextDispatchAt = math.Inf(1)
		return
	}

	peek := s.heap[0]
	target := peek.NTPTime - s.opts.bypassLookahead

	if s.dispatchTimer != nil && target >= s.nextDispatchAt {
		return
	}

	if s.dispatchTimer != nil {
		s.dispatchTimer.Stop()
	}

	delaySeconds := target - s.now()
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	s.nextDispatchAt = target

	factory := s.opts.timer
	if factory == nil {
		factory = realTimerFactory{}
	}
	s.dispatchTimer = factory.AfterFunc(time.Duration(delaySeconds*float64(time.Second)), s.tick)
}

// tick is the dispatch timer's callback.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextDispatchAt = math.Inf(1)
	s.dispatchTimer = nil

	nowNTP := s.now()
	for s.heap.Len() > 0 {
		peek := s.heap[0]
		if peek.NTPTime > nowNTP+s.opts.bypassLookahead {
			break
		}
		entry := heap.Pop(&s.heap).(Entry)

		diff := entry.NTPTime - nowNTP
		if diff < 0 {
			s.opts.metrics.IncLate()
		} else {
			s.opts.metrics.SetMinHeadroom(diff)
		}

		if err := s.write.Write(entry.Datagram, entry.SourceID); err != nil {
			if oscerrIsBufferFull(err) {
				s.retry.PushBack(entry)
				s.waitingForSpace = true
				continue
			}
			s.opts.log.Warnw("prescheduler dispatch failed", "error", err, "session_id", entry.SessionID, "run_tag", entry.RunTag)
		}
	}

	s.rescheduleLocked()
}

func oscerrIsBufferFull(err error) bool {
	return errors.Is(err, oscerr.ErrBufferFull)
}

// NotifySpaceAvailable is called by whatever observes in_tail changing
// (the real host's notify path, or a test driving the scheduler
// directly). It drains the retry queue until the first BufferFull,
// matching await_space.
func (s *Scheduler) NotifySpaceAvailable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		entry, ok := s.retry.PopFront()
		if !ok {
			s.waitingForSpace = false
			return
		}
		if err := s.write.Write(entry.Datagram, entry.SourceID); err != nil {
			if oscerrIsBufferFull(err) {
				// put it back at the front and stop: still no space.
				s.retry.PushBack(entry)
				for i := 1; i < s.retry.Len(); i++ {
					e, _ := s.retry.PopFront()
					s.retry.PushBack(e)
				}
				s.opts.metrics.IncRetryFailure()
				s.waitingForSpace = true
				return
			}
			s.opts.log.Warnw("prescheduler retry dispatch failed", "error", err)
			continue
		}
		s.opts.metrics.IncRetrySuccess()
	}
}

// CancelTag cancels every pending entry with RunTag == tag.
func (s *Scheduler) CancelTag(tag string) int {
	return s.cancel(func(e Entry) bool { return e.RunTag != tag })
}

// CancelSession cancels every pending entry with SessionID == sid.
func (s *Scheduler) CancelSession(sid string) int {
	return s.cancel(func(e Entry) bool { return e.SessionID != sid })
}

// CancelSessionTag cancels every pending entry matching both sid and tag.
func (s *Scheduler) CancelSessionTag(sid, tag string) int {
	return s.cancel(func(e Entry) bool { return !(e.SessionID == sid && e.RunTag == tag) })
}

// CancelAll drops every pending entry (heap and retry queue) and
// acknowledges, used by purge.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.heap.Len() + s.retry.Len()
	s.heap = s.heap[:0]
	s.retry = newRetryQueue(64)
	s.opts.metrics.IncCancelled(n)
	s.rescheduleLocked()
	return n
}

// cancel filters both the heap and retry queue by keep, re-heapifying,
// and reschedules.
func (s *Scheduler) cancel(keep func(Entry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.heap[:0]
	removed := 0
	for _, e := range s.heap {
		if keep(e) {
			kept = append(kept, e)
		} else {
			removed++
		}
	}
	s.heap = kept
	heap.Init(&s.heap)

	removed += s.retry.Filter(keep)

	s.opts.metrics.IncCancelled(removed)
	s.rescheduleLocked()
	return removed
}

// Pending reports the combined heap+retry cardinality, for diagnostics
// and QueueFull pre-checks by callers that want to pre-flight.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len() + s.retry.Len()
}
