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

// Package writer implements the single-producer-safe-at-a-time lock
// protecting the IN ring : a 32-bit CAS lock word with a
// non-blocking path for the main thread and a bounded blocking path for
// worker contexts.
package writer

import (
	"time"

	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/ring"
	"github.com/scweb/oscbridge/shmlayout"
)

const (
	// waitStep is the poll interval of the bounded blocking wait.
	waitStep = 100 * time.Millisecond
	// maxWait is the total time a blocking writer spends retrying the CAS
	// before giving up with LockTimeout.
	maxWait = 10 * time.Second
)

// Options controls lock acquisition. SpinLimit is the number of immediate
// CAS attempts before falling back to the bounded wait (or failing, for
// non-blocking callers); 0 means exactly one attempt, matching the main
// thread's "one attempt" contract.
type Options struct {
	SpinLimit int
	// Blocking allows the bounded ~100ms/~10s wait after the spin budget
	// is exhausted. The main thread must never set this : an audio
	// context on the same thread forbids blocking.
	Blocking bool

	// WaitStep and MaxWait override the bounded-wait poll interval and
	// total budget; zero means the package defaults (100ms / 10s). Tests
	// shrink these to keep a LockTimeout scenario fast.
	WaitStep time.Duration
	MaxWait time.Duration
}

// Notifier is the shared-memory wait/notify primitive the real host
// backs with something like JS's Atomics.notify. Tests and
// message-passing mode can use a no-op.
type Notifier interface {
	// NotifyHead wakes one waiter blocked on the ring's head changing
	// (readers waiting on emptiness).
	NotifyHead()
	// NotifyLock wakes one waiter blocked on the writer lock.
	NotifyLock()
}

type noopNotifier struct{}

func (noopNotifier) NotifyHead() {}
func (noopNotifier) NotifyLock() {}

// NoopNotifier is used whenever no real wait/notify primitive is wired
// (message-passing mode, or tests).
var NoopNotifier Notifier = noopNotifier{}

// Write acquires the IN ring's writer lock per opts, writes payload via
// the ring-buffer primitives, re-publishes head, and notifies waiters.
// It never allocates on the success path.
func Write(region []byte, cb *shmlayout.ControlBlock, payload []byte, sourceID uint32, opts Options, notify Notifier) error {
	if notify == nil {
		notify = NoopNotifier
	}

	if err := acquireLock(cb, opts); err != nil {
		return err
	}
	defer func() {
		cb.Unlock()
		notify.NotifyLock()
	}()

	size := uint32(len(region))
	if uint32(ring.HeaderSize+len(payload)) > size {
		return oscerr.ErrRecordTooLarge
	}

	head, tail := cb.InHead(), cb.InTail()
	need := ring.AlignedLen(len(payload))
	if ring.Available(head, tail, size) < need {
		cb.SetStatus(shmlayout.StatusBufferFull)
		return oscerr.ErrBufferFull
	}

	seq := cb.NextInSeq()
	newHead, err := ring.Write(region, head, payload, seq, sourceID)
	if err != nil {
		return err
	}

	cb.SetInHead(newHead)
	notify.NotifyHead()
	return nil
}

// acquireLock performs the CAS spin, then (if opts.Blocking) the bounded
// wait, returning LockContended or LockTimeout on the respective failure
// paths.
func acquireLock(cb *shmlayout.ControlBlock, opts Options) error {
	attempts := opts.SpinLimit
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if cb.TryLock() {
			return nil
		}
	}
	if !opts.Blocking {
		return oscerr.ErrLockContended
	}

	step, max := opts.WaitStep, opts.MaxWait
	if step <= 0 {
		step = waitStep
	}
	if max <= 0 {
		max = maxWait
	}

	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		time.Sleep(step)
		if cb.TryLock() {
			return nil
		}
	}
	return oscerr.ErrLockTimeout
}
