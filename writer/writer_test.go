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

package writer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/shmlayout"
)

func newControlBlock(t *testing.T) *shmlayout.ControlBlock {
	t.Helper()
	region := make([]byte, shmlayout.ControlBlockSize)
	return shmlayout.NewControlBlock(region)
}

func TestWriteSucceedsAndPublishesHead(t *testing.T) {
	ringRegion := make([]byte, 256)
	cb := newControlBlock(t)

	err := Write(ringRegion, cb, []byte("/status"), 5, Options{}, nil)
	require.NoError(t, err)
	assert.NotZero(t, cb.InHead())
}

func TestWriteNonBlockingLockContended(t *testing.T) {
	ringRegion := make([]byte, 256)
	cb := newControlBlock(t)

	require.True(t, cb.TryLock()) // simulate another writer holding the lock

	err := Write(ringRegion, cb, []byte("/status"), 0, Options{}, nil)
	assert.ErrorIs(t, err, oscerr.ErrLockContended)
}

func TestWriteBlockingTimesOutWhenLockNeverFrees(t *testing.T) {
	ringRegion := make([]byte, 256)
	cb := newControlBlock(t)
	require.True(t, cb.TryLock())

	err := Write(ringRegion, cb, []byte("/status"), 0, Options{
		Blocking: true,
		WaitStep: time.Millisecond,
		MaxWait: 20 * time.Millisecond,
	}, nil)
	assert.ErrorIs(t, err, oscerr.ErrLockTimeout)
}

func TestWriteBlockingSucceedsOnceLockFrees(t *testing.T) {
	ringRegion := make([]byte, 256)
	cb := newControlBlock(t)
	require.True(t, cb.TryLock())

	go func() {
		time.Sleep(5 * time.Millisecond)
		cb.Unlock()
	}()

	err := Write(ringRegion, cb, []byte("/status"), 0, Options{
		Blocking: true,
		WaitStep: time.Millisecond,
		MaxWait: time.Second,
	}, nil)
	assert.NoError(t, err)
}

func TestWriteRecordTooLargeWhenPayloadExceedsRegion(t *testing.T) {
	ringRegion := make([]byte, 20) // region cannot hold header + payload at all
	cb := newControlBlock(t)

	err := Write(ringRegion, cb, make([]byte, 64), 0, Options{}, nil)
	assert.ErrorIs(t, err, oscerr.ErrRecordTooLarge)
}

func TestWriteBufferFullWhenRingAlmostFull(t *testing.T) {
	ringRegion := make([]byte, 32)
	cb := newControlBlock(t)
	// head == tail + (size-1) leaves no byte free (one slot is always kept
	// empty), less than any record (header alone is 16 bytes).
	cb.SetInHead(31)
	cb.SetInTail(0)

	err := Write(ringRegion, cb, []byte("x"), 0, Options{}, nil)
	assert.ErrorIs(t, err, oscerr.ErrBufferFull)
}

func TestWriteNotifierCalledOnSuccess(t *testing.T) {
	ringRegion := make([]byte, 256)
	cb := newControlBlock(t)

	var headCalls, lockCalls int32
	n := countingNotifier{head: &headCalls, lock: &lockCalls}

	require.NoError(t, Write(ringRegion, cb, []byte("hi"), 0, Options{}, n))
	assert.EqualValues(t, 1, atomic.LoadInt32(&headCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&lockCalls))
}

type countingNotifier struct {
	head, lock *int32
}

func (c countingNotifier) NotifyHead() { atomic.AddInt32(c.head, 1) }
func (c countingNotifier) NotifyLock() { atomic.AddInt32(c.lock, 1) }
