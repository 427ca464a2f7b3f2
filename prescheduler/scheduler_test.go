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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scweb/oscbridge/ntpclock"
	"github.com/scweb/oscbridge/oscerr"
)

// fakeTimerFactory records AfterFunc calls instead of scheduling real
// timers; tests fire them explicitly via fire().
type fakeTimer struct {
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasRunning := !t.stopped
	t.stopped = true
	return wasRunning
}

type fakeTimerFactory struct {
	last *fakeTimer
	fn func()
	delay time.Duration
}

func (f *fakeTimerFactory) AfterFunc(d time.Duration, fn func()) cancelTimer {
	t := &fakeTimer{}
	f.last = t
	f.fn = fn
	f.delay = d
	return t
}

func (f *fakeTimerFactory) fire() {
	fn := f.fn
	if fn != nil {
		fn()
	}
}

func bundleAt(ntp float64) []byte {
	tag := ntpclock.Encode(ntp)
	return append([]byte("#bundle\x00"), tag[:]...)
}

type recordingWriter struct {
	writes [][]byte
	failNext int // number of subsequent calls to fail with BufferFull
}

func (w *recordingWriter) Write(datagram []byte, sourceID uint32) error {
	if w.failNext > 0 {
		w.failNext--
		return oscerr.ErrBufferFull
	}
	w.writes = append(w.writes, append([]byte(nil), datagram...))
	return nil
}

func newTestScheduler(clockNTP *float64, w *recordingWriter, ft *fakeTimerFactory) *Scheduler {
	s := New(func() float64 { return *clockNTP }, w, WithMaxPending(4), WithSchedulerSlotSize(8192))
	s.opts.timer = ft
	return s
}

type recordingMetrics struct {
	pendingPeak int
	late int
	minHeadroom float64
	cancelled int
	retrySuccess int
	retryFailure int
}

func (m *recordingMetrics) SetPendingPeak(n int) { m.pendingPeak = n }
func (m *recordingMetrics) IncLate() { m.late++ }
func (m *recordingMetrics) SetMinHeadroom(seconds float64) { m.minHeadroom = seconds }
func (m *recordingMetrics) IncCancelled(n int) { m.cancelled += n }
func (m *recordingMetrics) IncRetrySuccess() { m.retrySuccess++ }
func (m *recordingMetrics) IncRetryFailure() { m.retryFailure++ }

func TestScheduleUpdatesPendingPeakMetric(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	metrics := &recordingMetrics{}
	s := New(func() float64 { return clock }, w, WithMaxPending(4), WithSchedulerSlotSize(8192), WithMetrics(metrics))
	s.opts.timer = ft

	require.NoError(t, s.Schedule(bundleAt(clock+50), "sess", "a", 0))
	require.NoError(t, s.Schedule(bundleAt(clock+60), "sess", "b", 0))
	assert.Equal(t, 2, metrics.pendingPeak)
}

func TestTickMetricsRecordLate(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	metrics := &recordingMetrics{}
	s := New(func() float64 { return clock }, w, WithMaxPending(4), WithSchedulerSlotSize(8192), WithMetrics(metrics))
	s.opts.timer = ft

	require.NoError(t, s.Schedule(bundleAt(clock+5), "sess", "tag", 0))
	clock += 10 // dispatch happens 5s after the bundle's own timetag
	ft.fire()

	assert.Equal(t, 1, metrics.late)
}

func TestRetryMetricsRecordSuccessAndFailure(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{failNext: 2}
	ft := &fakeTimerFactory{}
	metrics := &recordingMetrics{}
	s := New(func() float64 { return clock }, w, WithMaxPending(4), WithSchedulerSlotSize(8192), WithMetrics(metrics))
	s.opts.timer = ft

	require.NoError(t, s.Schedule(bundleAt(clock+5), "sess", "tag", 0))
	clock += 5
	ft.fire()
	assert.Equal(t, 1, s.Pending())

	s.NotifySpaceAvailable() // still failing: w.failNext was 2, tick already consumed one
	assert.Equal(t, 1, metrics.retryFailure)
	assert.Equal(t, 1, s.Pending())

	s.NotifySpaceAvailable()
	assert.Equal(t, 1, metrics.retrySuccess)
	assert.Equal(t, 0, s.Pending())
}

func TestCancelMetricsRecordCount(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	metrics := &recordingMetrics{}
	s := New(func() float64 { return clock }, w, WithMaxPending(4), WithSchedulerSlotSize(8192), WithMetrics(metrics))
	s.opts.timer = ft

	require.NoError(t, s.Schedule(bundleAt(clock+50), "sess", "a", 0))
	require.NoError(t, s.Schedule(bundleAt(clock+60), "sess", "b", 0))

	removed := s.CancelAll()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, metrics.cancelled)
}

func TestScheduleNonBundleDispatchesImmediately(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft)

	err := s.Schedule([]byte("/status"), "sess", "tag", 0)
	require.NoError(t, err)
	require.Len(t, w.writes, 1)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduleBundleTooFarFutureRejected(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft)

	far := bundleAt(clock + 4000)
	err := s.Schedule(far, "sess", "tag", 0)
	assert.ErrorIs(t, err, oscerr.ErrBundleTooFarFuture)
}

func TestScheduleBundleTooLargeRejected(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft)
	s.opts.schedulerSlotSize = 8

	big := bundleAt(clock + 100)
	err := s.Schedule(big, "sess", "tag", 0)
	assert.ErrorIs(t, err, oscerr.ErrBundleTooLarge)
}

func TestScheduleQueueFull(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft) // maxPending = 4

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Schedule(bundleAt(clock+100+float64(i)), "sess", "tag", 0))
	}
	err := s.Schedule(bundleAt(clock+200), "sess", "tag", 0)
	assert.ErrorIs(t, err, oscerr.ErrQueueFull)
}

func TestTickDispatchesDueBundlesInOrder(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft)

	require.NoError(t, s.Schedule(bundleAt(clock+1000), "sess", "tag-2nd", 0))
	require.NoError(t, s.Schedule(bundleAt(clock+10), "sess", "tag-1st", 0))

	clock = 1000 + 10 // advance past the near one's lookahead window
	ft.fire()

	require.Len(t, w.writes, 1)
	assert.Equal(t, bundleAt(1000+10), w.writes[0], "the nearer bundle dispatches first")
	assert.Equal(t, 1, s.Pending(), "far entry should remain queued")
}

func TestTickBufferFullGoesToRetryQueue(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{failNext: 1}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft)

	require.NoError(t, s.Schedule(bundleAt(clock+5), "sess", "tag", 0))
	clock += 5
	ft.fire()

	assert.Equal(t, 1, s.Pending(), "failed write should be retried, not lost")
	assert.Empty(t, w.writes)

	s.NotifySpaceAvailable()
	assert.Equal(t, 0, s.Pending())
	assert.Len(t, w.writes, 1)
}

func TestCancelTagRemovesMatchingOnly(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft)

	require.NoError(t, s.Schedule(bundleAt(clock+50), "sess", "keep", 0))
	require.NoError(t, s.Schedule(bundleAt(clock+60), "sess", "drop", 0))

	removed := s.CancelTag("drop")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Pending())
}

func TestCancelAllDropsEverythingAndAcks(t *testing.T) {
	clock := 1000.0
	w := &recordingWriter{}
	ft := &fakeTimerFactory{}
	s := newTestScheduler(&clock, w, ft)

	require.NoError(t, s.Schedule(bundleAt(clock+50), "sess", "a", 0))
	require.NoError(t, s.Schedule(bundleAt(clock+60), "sess", "b", 0))

	removed := s.CancelAll()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, s.Pending())
}
