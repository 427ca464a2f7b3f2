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
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scweb/oscbridge/enginetest"
	"github.com/scweb/oscbridge/osc"
	"github.com/scweb/oscbridge/ring"
	"github.com/scweb/oscbridge/shmlayout"
)

// newTestSegment builds a segment with every region distinct and
// non-overlapping, including the NTP-start/drift/clock words Validate
// does not itself police, so ClockView is safe to exercise here (unlike
// the audioproc/enginetest helpers, which leave those at their zero
// default since their tests never touch ClockView).
func newTestSegment(t *testing.T) *shmlayout.Segment {
	t.Helper()

	l := shmlayout.Layout{
		InOffset: 0, InSize: 1024,
		OutOffset: 1024, OutSize: 512,
		DebugOffset: 1536,
		DebugSize: 256,
		NTPStartOffset: 1792,
		DriftOffset: 1800,
		ClockOffset: 1804,
		ControlOffset: 1808,
	}
	l.MetricsOffset = l.ControlOffset + shmlayout.ControlBlockSize
	l.MetricsSize = shmlayout.MetricsBlockSize
	l.NodeTreeOffset = l.MetricsOffset + l.MetricsSize
	l.NodeTreeSize = shmlayout.NodeTreeBlockSize(4)
	l.AudioCaptureOffset = l.NodeTreeOffset + l.NodeTreeSize
	l.AudioSize = 64
	l.ArenaOffset = l.AudioCaptureOffset + l.AudioSize
	l.ArenaSize = 256 * 1024
	l.SchedulerSlotSize = 8192

	seg, err := shmlayout.NewSegment(make([]byte, l.ArenaOffset+l.ArenaSize), l)
	require.NoError(t, err)
	return seg
}

// fakeCodec is a minimal osc.Codec test double: "address,kind:value,...",
// supporting only the argument kinds these tests need.
type fakeCodec struct{}

func (fakeCodec) EncodeMessage(m osc.Message) ([]byte, error) {
	var b strings.Builder
	b.WriteString(m.Address)
	for _, a := range m.Args {
		b.WriteByte(',')
		switch a.Kind {
		case osc.KindInt32:
			fmt.Fprintf(&b, "i:%d", a.I32)
		case osc.KindString:
			fmt.Fprintf(&b, "s:%s", a.Str)
		case osc.KindFloat64:
			fmt.Fprintf(&b, "d:%v", a.F64)
		default:
			return nil, fmt.Errorf("fakeCodec: unsupported arg kind %d", a.Kind)
		}
	}
	return []byte(b.String()), nil
}

func (fakeCodec) DecodeMessage(datagram []byte) (osc.Message, error) {
	parts := strings.Split(string(datagram), ",")
	msg := osc.Message{Address: parts[0]}
	for _, p := range parts[1:] {
		switch {
		case strings.HasPrefix(p, "i:"):
			n, err := strconv.Atoi(strings.TrimPrefix(p, "i:"))
			if err != nil {
				return osc.Message{}, err
			}
			msg.Args = append(msg.Args, osc.Int32(int32(n)))
		case strings.HasPrefix(p, "s:"):
			msg.Args = append(msg.Args, osc.String(strings.TrimPrefix(p, "s:")))
		}
	}
	return msg, nil
}

func newTestSession(t *testing.T) (*Session, *enginetest.Fake) {
	t.Helper()
	seg := newTestSegment(t)
	fake := enginetest.NewFake(seg, 128, 2, "fake-engine")
	s := New(
		WithEngine(fake),
		WithCodec(fakeCodec{}),
		WithSchedulerSlotSize(seg.Layout.SchedulerSlotSize),
	)
	return s, fake
}

func TestInitTransitionsToReadyAndFiresEvents(t *testing.T) {
	s, _ := newTestSession(t)

	var setupFired, readyFired bool
	s.On("setup", func(interface{}) error { setupFired = true; return nil })
	s.On("ready", func(interface{}) error { readyFired = true; return nil })

	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	assert.Equal(t, Ready, s.State())

	require.Eventually(t, func() bool { return setupFired && readyFired }, time.Second, time.Millisecond)
}

func TestInitSecondCallWhileInProgressWaitsForTheSameResult(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Init(ctx) }()

	require.NoError(t, s.Init(ctx))
	require.NoError(t, <-errCh)
	assert.Equal(t, Ready, s.State())
}

func TestInitTwiceFromReadyFails(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	assert.Error(t, s.Init(ctx))
}

func TestSendBlockedCommandFailsImmediately(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Init(context.Background()))

	err := s.Send(context.Background(), "/d_load")
	assert.Error(t, err)
}

func TestSendRoutesToEngine(t *testing.T) {
	s, fake := newTestSession(t)
	require.NoError(t, s.Init(context.Background()))

	var received atomic.Int32
	var gotAddress atomic.Value
	fake.OnMessage = func(m ring.Message) {
		received.Add(1)
		gotAddress.Store(string(m.Payload))
	}

	require.NoError(t, s.Send(context.Background(), "/n_set", osc.Int32(1000)))

	s.processor.Render(128)

	assert.EqualValues(t, 1, received.Load())
	assert.Equal(t, "/n_set,i:1000", gotAddress.Load())
}

func TestSyncResolvesOnMatchingReply(t *testing.T) {
	s, fake := newTestSession(t)
	require.NoError(t, s.Init(context.Background()))
	s.cfg.syncTimeout = time.Second

	done := make(chan struct{})
	go func() {
		defer close(done)
		datagram, err := fakeCodec{}.EncodeMessage(osc.Message{Address: "/synced", Args: []osc.Arg{osc.Int32(1)}})
		if err != nil {
			return
		}
		for i := 0; i < 50; i++ {
			time.Sleep(2 * time.Millisecond)
			_ = fake.PushReply(datagram, 0)
			s.processor.Render(128)
		}
	}()

	require.NoError(t, s.Sync(context.Background(), 1))
	<-done
}

func TestSyncTimesOutWithoutAReply(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Init(context.Background()))
	s.cfg.syncTimeout = 20 * time.Millisecond

	err := s.Sync(context.Background(), 42)
	assert.Error(t, err)
}

func TestPurgeAwaitsClearGeneration(t *testing.T) {
	s, fake := newTestSession(t)
	require.NoError(t, s.Init(context.Background()))

	stopRender := withRenderLoop(t, s)
	defer stopRender()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Purge(ctx))
	assert.GreaterOrEqual(t, fake.ClearCount(), uint32(1))
}

func TestCancelAllReturnsZeroWhenNothingPending(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, 0, s.CancelAll())
}

func TestMetricsAndTreeBeforeInitReturnZeroValues(t *testing.T) {
	s := New()
	assert.Nil(t, s.Metrics())
	entries, version, ok := s.Tree()
	assert.Nil(t, entries)
	assert.Zero(t, version)
	assert.False(t, ok)
}

func TestShutdownThenDestroy(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, Shutdown, s.State())

	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, Destroyed, s.State())

	assert.Error(t, s.Send(ctx, "/n_set"))
}

func TestResetClearsDiagnosticCounters(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	stopRender := withRenderLoop(t, s)
	defer stopRender()

	require.NoError(t, s.Send(ctx, "/n_set", osc.Int32(1)))
	require.NotZero(t, s.messagesSent.Load())

	resetCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Reset(resetCtx))

	assert.Zero(t, s.eventsCancelled.Load())
	assert.Zero(t, s.errorCount.Load())
}
