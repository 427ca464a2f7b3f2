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

	"github.com/scweb/oscbridge/ntpclock"
	"github.com/scweb/oscbridge/oscerr"
)

// Suspend pauses the audio clock : no new events fire until Resume.
// The ring/scheduler state is left untouched so Resume's purge has
// something well-defined to discard.
func (s *Session) Suspend(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canSuspend() {
		s.mu.Unlock()
		return oscerr.ErrInvalidState
	}
	s.state = Suspended
	s.mu.Unlock()

	s.emitter.Emit("suspended", s)
	return nil
}

// Resume calls Purge first, then re-starts the clock and re-syncs,
// emitting resumed.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canResume() {
		s.mu.Unlock()
		return oscerr.ErrInvalidState
	}
	s.state = Ready
	s.mu.Unlock()

	if err := s.Purge(ctx); err != nil {
		return fmt.Errorf("session: resume: %w", err)
	}

	s.clock.SetNTPStart(ntpclock.Now())
	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("session: resume: %w", err)
	}

	s.emitter.Emit("resumed", s)
	return nil
}

// Reload stops the reply/debug workers, re-runs Init's construction steps
// against the configured engine (InitMemory, segment, sample-pool arena,
// scheduler, processor), then emits setup so clients rebuild
// groups/routing. The arena gets a fresh allocator: allocations made
// before the reload are not kept, and synth definitions and sample
// buffers are not restored.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canReload() {
		s.mu.Unlock()
		return oscerr.ErrInvalidState
	}
	s.state = Reloading
	cancel := s.cancelGroup
	group := s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}

	if err := s.doInit(ctx); err != nil {
		s.mu.Lock()
		s.state = Uninitialised
		s.mu.Unlock()
		return fmt.Errorf("session: reload: %w", err)
	}

	s.mu.Lock()
	s.state = Ready
	s.mu.Unlock()

	s.emitter.Emit("setup", s)
	_ = s.emitter.EmitAwait(ctx, "setup", s)
	return nil
}

// Recover attempts Resume first; on failure it escalates to Reload
//, the facade's response to a fatal engine error.
func (s *Session) Recover(ctx context.Context) error {
	if err := s.Resume(ctx); err == nil {
		return nil
	}
	return s.Reload(ctx)
}

// Reset clears every pending scheduled event and diagnostic counter
// while remaining Ready. Unlike Purge (which only guarantees no stale
// event reaches the engine) Reset also zeroes the facade's own
// bookkeeping, for callers that want a clean slate without tearing down
// the session.
func (s *Session) Reset(ctx context.Context) error {
	if !s.ready() {
		return oscerr.ErrInvalidState
	}
	if err := s.Purge(ctx); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	s.messagesSent.Store(0)
	s.eventsCancelled.Store(0)
	s.errorCount.Store(0)
	return nil
}

// Shutdown stops the reply/debug workers and marks the session
// unavailable for routine operations, without releasing subscribers
// (Destroy does that). Ready and Suspended both allow it.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canShutdown() {
		s.mu.Unlock()
		return oscerr.ErrInvalidState
	}
	s.state = Shutdown
	cancel := s.cancelGroup
	group := s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}

	s.emitter.Emit("shutdown", s)
	return nil
}

// Destroy clears all subscribers and releases all resources; the
// session is unusable afterwards. Callable from any state but
// Destroyed, including Shutdown.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canDestroy() {
		s.mu.Unlock()
		return oscerr.ErrInvalidState
	}
	cancel := s.cancelGroup
	group := s.group
	s.state = Destroyed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}

	s.emitter.RemoveAllListeners("")
	return nil
}
