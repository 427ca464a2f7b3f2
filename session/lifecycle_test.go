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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scweb/oscbridge/enginetest"
	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/osc"
	"github.com/scweb/oscbridge/ring"
)

// echoSyncReplies makes fake answer every "/sync" message with a matching
// "/synced" OUT reply, standing in for the real engine's own sync-barrier
// handling so Resume's internal Sync call has something to wait on.
func echoSyncReplies(fake *enginetest.Fake) {
	fake.OnMessage = func(m ring.Message) {
		msg, err := (fakeCodec{}).DecodeMessage(m.Payload)
		if err != nil || msg.Address != "/sync" {
			return
		}
		reply, err := (fakeCodec{}).EncodeMessage(osc.Message{Address: "/synced", Args: msg.Args})
		if err != nil {
			return
		}
		_ = fake.PushReply(reply, 0)
	}
}

func withRenderLoop(t *testing.T, s *Session) func() {
	t.Helper()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				s.mu.Lock()
				p := s.processor
				s.mu.Unlock()
				if p != nil {
					p.Render(128)
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return func() { close(stop) }
}

func TestSuspendAndResume(t *testing.T) {
	s, fake := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	echoSyncReplies(fake)
	stopRender := withRenderLoop(t, s)
	defer stopRender()

	var suspended, resumed bool
	s.On("suspended", func(interface{}) error { suspended = true; return nil })
	s.On("resumed", func(interface{}) error { resumed = true; return nil })

	require.NoError(t, s.Suspend(ctx))
	assert.Equal(t, Suspended, s.State())

	resumeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Resume(resumeCtx))
	assert.Equal(t, Ready, s.State())

	require.Eventually(t, func() bool { return suspended && resumed }, time.Second, time.Millisecond)
}

func TestSuspendFromWrongStateFails(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Suspend(context.Background())
	assert.ErrorIs(t, err, oscerr.ErrInvalidState)
}

func TestResumeFromWrongStateFails(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Init(context.Background()))
	err := s.Resume(context.Background())
	assert.ErrorIs(t, err, oscerr.ErrInvalidState)
}

func TestReloadRebuildsFromReady(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	stopRender := withRenderLoop(t, s)
	defer stopRender()

	var setupCount int
	s.On("setup", func(interface{}) error { setupCount++; return nil })

	reloadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Reload(reloadCtx))
	assert.Equal(t, Ready, s.State())

	require.Eventually(t, func() bool { return setupCount > 0 }, time.Second, time.Millisecond)
}

func TestReloadFromUninitialisedFails(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Reload(context.Background())
	assert.ErrorIs(t, err, oscerr.ErrInvalidState)
}

func TestRecoverEscalatesToReloadWhenNotSuspended(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	stopRender := withRenderLoop(t, s)
	defer stopRender()

	recoverCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Recover(recoverCtx))
	assert.Equal(t, Ready, s.State())
}

func TestDestroyFromShutdownSucceeds(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Destroy(ctx))
	assert.Equal(t, Destroyed, s.State())
}

func TestDestroyTwiceFails(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Destroy(ctx))

	err := s.Destroy(ctx)
	assert.ErrorIs(t, err, oscerr.ErrInvalidState)
}
