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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listener is a subscriber callback. A returned error is caught
// per-subscriber, never propagated to the emitter.
type Listener func(payload interface{}) error

// errorEvent is the name Emit funnels handler panics/errors to.
const errorEvent = "error"

type subscription struct {
	id uint64
	listener Listener
	once bool
}

// emitter is the session's event subscription registry: on/off/once/
// removeAllListeners, with no backpressure on fire-and-forget Emit and
// fan-out-then-wait on EmitAwait (used for setup/ready, which callers
// must be able to await before proceeding).
type emitter struct {
	mu sync.Mutex
	subs map[string][]subscription
	nextID uint64
	pool *asyncPool
	log *zap.SugaredLogger
}

func newEmitter(pool *asyncPool, log *zap.SugaredLogger) *emitter {
	return &emitter{
		subs: make(map[string][]subscription),
		pool: pool,
		log: log,
	}
}

// On registers listener for name, returning an id Off can remove.
func (e *emitter) On(name string, listener Listener) uint64 {
	return e.add(name, listener, false)
}

// Once registers a listener that removes itself after its first
// invocation.
func (e *emitter) Once(name string, listener Listener) uint64 {
	return e.add(name, listener, true)
}

func (e *emitter) add(name string, listener Listener, once bool) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs[name] = append(e.subs[name], subscription{id: id, listener: listener, once: once})
	return id
}

// Off removes a single subscription by id, returned from On/Once.
func (e *emitter) Off(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subs[name]
	for i, s := range subs {
		if s.id == id {
			e.subs[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners clears every subscription for name, or every
// subscription across all names if name is empty.
func (e *emitter) RemoveAllListeners(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		e.subs = make(map[string][]subscription)
		return
	}
	delete(e.subs, name)
}

func (e *emitter) snapshot(name string) []subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subs[name]
	out := make([]subscription, len(subs))
	copy(out, subs)

	if len(subs) > 0 {
		kept := subs[:0:0]
		for _, s := range subs {
			if !s.once {
				kept = append(kept, s)
			}
		}
		e.subs[name] = kept
	}
	return out
}

// Emit dispatches payload to every name subscriber without waiting
// (the "no backpressure"). Each handler runs on the async pool; a
// panic or returned error is caught and reported via the error event,
// unless name is itself "error" (recursion guard), in which case it is
// only logged.
func (e *emitter) Emit(name string, payload interface{}) {
	for _, sub := range e.snapshot(name) {
		sub := sub
		e.pool.Go(func() { e.invoke(name, sub.listener, payload) })
	}
}

// EmitAwait dispatches payload to every name subscriber and waits for
// all of them to return, used for setup/ready. Handler failures are not
// returned: each is funneled to the error event, so the returned error is
// always nil.
func (e *emitter) EmitAwait(ctx context.Context, name string, payload interface{}) error {
	g, _ := errgroup.WithContext(ctx)
	for _, sub := range e.snapshot(name) {
		sub := sub
		g.Go(func() error {
			e.invoke(name, sub.listener, payload)
			return nil
		})
	}
	return g.Wait()
}

func (e *emitter) invoke(name string, listener Listener, payload interface{}) {
	err := e.safeCall(listener, payload)
	if err == nil {
		return
	}
	if name == errorEvent {
		e.log.Errorw("error event handler itself failed", "error", err)
		return
	}
	e.Emit(errorEvent, err)
}

func (e *emitter) safeCall(listener Listener, payload interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: listener panicked: %v", r)
		}
	}()
	return listener(payload)
}
