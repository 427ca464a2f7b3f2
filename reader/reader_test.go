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

package reader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scweb/oscbridge/ring"
	"github.com/scweb/oscbridge/shmlayout"
)

type fakeAccessor struct {
	head, tail uint32
}

func (a *fakeAccessor) Head() uint32 { return a.head }
func (a *fakeAccessor) Tail() uint32 { return a.tail }
func (a *fakeAccessor) SetTail(v uint32) { a.tail = v }

type noopWaiter struct{}

func (noopWaiter) Wait(ctx context.Context) error { return ctx.Err() }

func TestWorkerDrainOnceCopiesAndReleasesOwnedBuffers(t *testing.T) {
	region := make([]byte, 256)
	acc := &fakeAccessor{}

	head, err := ring.Write(region, 0, []byte("/reply/one"), 1, 7)
	require.NoError(t, err)
	head, err = ring.Write(region, head, []byte("/reply/two"), 2, 7)
	require.NoError(t, err)
	acc.head = head

	var got []Delivered
	w := &Worker{
		Region: region,
		Accessor: acc,
		Wait: noopWaiter{},
		Tracker: &DropTracker{},
		OnBatch: func(batch []Delivered) {
			got = append(got, batch...)
		},
	}

	n := w.DrainOnce()
	require.Equal(t, 2, n)
	require.Len(t, got, 2)
	assert.Equal(t, "/reply/one", string(got[0].Payload))
	assert.Equal(t, "/reply/two", string(got[1].Payload))
	assert.Equal(t, uint32(7), got[0].SourceID)
	assert.Equal(t, acc.head, acc.tail, "tail should catch up to head")

	for _, d := range got {
		d.Release()
	}
}

func TestWorkerTracksDroppedSequences(t *testing.T) {
	region := make([]byte, 256)
	acc := &fakeAccessor{}

	head, err := ring.Write(region, 0, []byte("a"), 1, 0)
	require.NoError(t, err)
	head, err = ring.Write(region, head, []byte("b"), 5, 0) // sequence 2..4 dropped upstream
	require.NoError(t, err)
	acc.head = head

	tracker := &DropTracker{}
	w := &Worker{Region: region, Accessor: acc, Wait: noopWaiter{}, Tracker: tracker}
	w.DrainOnce()

	assert.Equal(t, uint64(3), tracker.Drops())
}

func TestWorkerDebugModeTrimsTrailingNewline(t *testing.T) {
	region := make([]byte, 256)
	acc := &fakeAccessor{}

	head, err := ring.Write(region, 0, []byte("warning: xrun\n"), 1, 0)
	require.NoError(t, err)
	acc.head = head

	var got []Delivered
	w := &Worker{
		Region: region,
		Accessor: acc,
		Wait: noopWaiter{},
		TextMode: true,
		OnBatch: func(b []Delivered) { got = append(got, b...) },
	}
	w.DrainOnce()

	require.Len(t, got, 1)
	assert.Equal(t, "warning: xrun", string(got[0].Payload))
}

func TestOutAndDebugAccessorsRouteToDistinctRingPointers(t *testing.T) {
	region := make([]byte, shmlayout.ControlBlockSize)
	cb := shmlayout.NewControlBlock(region)
	cb.SetOutHead(10)
	cb.SetDebugHead(20)

	out := OutAccessor(cb)
	dbg := DebugAccessor(cb)

	assert.Equal(t, uint32(10), out.Head())
	assert.Equal(t, uint32(20), dbg.Head())

	out.SetTail(10)
	dbg.SetTail(15)
	assert.Equal(t, uint32(10), cb.OutTail())
	assert.Equal(t, uint32(15), cb.DebugTail())
}

func TestDecodeBatchRepublishesMessagePassingFrames(t *testing.T) {
	batch := make([]byte, 128)
	n, err := ring.Write(batch, 0, []byte("/n_set"), 1, 3)
	require.NoError(t, err)
	batch = batch[:n] // DecodeBatch treats len(batch) as the ring head

	var got []Delivered
	count := DecodeBatch(batch, &DropTracker{}, false, func(b []Delivered) { got = append(got, b...) }, nil)

	require.Equal(t, 1, count)
	require.Len(t, got, 1)
	assert.Equal(t, "/n_set", string(got[0].Payload))
	assert.Equal(t, uint32(3), got[0].SourceID)
}

func TestDecodeBatchEmptyIsNoop(t *testing.T) {
	count := DecodeBatch(nil, &DropTracker{}, false, func(b []Delivered) { t.Fatal("should not be called") }, nil)
	assert.Equal(t, 0, count)
}
