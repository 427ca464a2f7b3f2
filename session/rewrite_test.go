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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/osc"
	"github.com/scweb/oscbridge/shmlayout"
)

func newTestArena(t *testing.T) *shmlayout.Arena {
	t.Helper()
	region := make([]byte, 64*1024)
	arena, err := shmlayout.NewArena(region, 0)
	require.NoError(t, err)
	return arena
}

func TestParseBufferAllocArgsPlainAlloc(t *testing.T) {
	args := []osc.Arg{osc.Int32(7), osc.Int32(44100), osc.Int32(2)}
	parsed, err := parseBufferAllocArgs("/b_alloc", args)
	require.NoError(t, err)
	assert.EqualValues(t, 7, parsed.bufnum)
	assert.Equal(t, 44100, parsed.numFrames)
	assert.Equal(t, 2, parsed.numChannels)
	assert.Empty(t, parsed.assetPath)
}

func TestParseBufferAllocArgsAllocReadFamily(t *testing.T) {
	args := []osc.Arg{osc.Int32(3), osc.String("sounds/kick.wav")}
	parsed, err := parseBufferAllocArgs("/b_allocRead", args)
	require.NoError(t, err)
	assert.EqualValues(t, 3, parsed.bufnum)
	assert.Equal(t, "sounds/kick.wav", parsed.assetPath)
}

func TestParseBufferAllocArgsMissingBufnum(t *testing.T) {
	_, err := parseBufferAllocArgs("/b_alloc", nil)
	assert.Error(t, err)
}

func TestParseBufferAllocArgsAllocMissingFrameArgs(t *testing.T) {
	_, err := parseBufferAllocArgs("/b_alloc", []osc.Arg{osc.Int32(1)})
	assert.Error(t, err)
}

func TestParseBufferAllocArgsReadMissingPath(t *testing.T) {
	_, err := parseBufferAllocArgs("/b_allocRead", []osc.Arg{osc.Int32(1)})
	assert.Error(t, err)
}

func TestCheckBlockedCommand(t *testing.T) {
	err := checkBlocked("/d_load")
	require.Error(t, err)
	assert.ErrorIs(t, err, oscerr.ErrBlockedCommand)
}

func TestCheckBlockedAllowsEverythingElse(t *testing.T) {
	assert.NoError(t, checkBlocked("/n_set"))
}

type fakeDecoder struct {
	frames [][]float32
	sampleRate float64
	err error
}

func (d fakeDecoder) Decode(data []byte) ([][]float32, float64, error) {
	if d.err != nil {
		return nil, 0, d.err
	}
	return d.frames, d.sampleRate, nil
}

func TestRewriteBufferAllocPlainSilence(t *testing.T) {
	arena := newTestArena(t)
	msg, err := rewriteBufferAlloc(arena, nil, 5, 128, 2, 44100, nil)
	require.NoError(t, err)
	assert.Equal(t, "/b_allocPtr", msg.Address)
	require.Len(t, msg.Args, 6)
	assert.EqualValues(t, 5, msg.Args[0].I32)
	assert.EqualValues(t, 128, msg.Args[2].I32)
	assert.EqualValues(t, 2, msg.Args[3].I32)
	assert.Equal(t, 44100.0, msg.Args[4].F64)
	assert.NotEmpty(t, msg.Args[5].Str)
}

func TestRewriteBufferAllocDecodesAsset(t *testing.T) {
	arena := newTestArena(t)
	decoder := fakeDecoder{frames: [][]float32{{0.1, 0.2}, {0.3, 0.4}}, sampleRate: 48000}

	msg, err := rewriteBufferAlloc(arena, decoder, 9, 0, 0, 44100, []byte{0x01})
	require.NoError(t, err)
	assert.EqualValues(t, 2, msg.Args[2].I32)
	assert.EqualValues(t, 2, msg.Args[3].I32)
	assert.Equal(t, 48000.0, msg.Args[4].F64)
}

func TestRewriteBufferAllocMissingDecoderForAsset(t *testing.T) {
	arena := newTestArena(t)
	_, err := rewriteBufferAlloc(arena, nil, 1, 0, 0, 44100, []byte{0x01})
	require.Error(t, err)
	assert.ErrorIs(t, err, oscerr.ErrInvalidState)
}

func TestRewriteBufferAllocDecoderError(t *testing.T) {
	arena := newTestArena(t)
	decoder := fakeDecoder{err: errors.New("bad format")}
	_, err := rewriteBufferAlloc(arena, decoder, 1, 0, 0, 44100, []byte{0x01})
	assert.Error(t, err)
}

func TestRewriteBufferAllocArenaExhausted(t *testing.T) {
	region := make([]byte, 256)
	arena, err := shmlayout.NewArena(region, 0)
	require.NoError(t, err)

	_, err = rewriteBufferAlloc(arena, nil, 1, 1<<20, 2, 44100, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, oscerr.ErrBufferFull)
}

type fakeFetcher struct {
	attempts int
	fail int
	data []byte
	err error
}

func (f *fakeFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	f.attempts++
	if f.attempts <= f.fail {
		return nil, f.err
	}
	return f.data, nil
}

func TestFetchWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	fetcher := &fakeFetcher{fail: 2, err: errors.New("timeout"), data: []byte("ok")}
	data, err := fetchWithRetry(context.Background(), fetcher, "path", 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, 3, fetcher.attempts)
}

func TestFetchWithRetryExhaustsAndWrapsLastError(t *testing.T) {
	fetcher := &fakeFetcher{fail: 99, err: errors.New("timeout")}
	_, err := fetchWithRetry(context.Background(), fetcher, "path", 2, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Equal(t, 3, fetcher.attempts)
}

func TestFetchWithRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{fail: 99, err: errors.New("timeout")}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := fetchWithRetry(ctx, fetcher, "path", 10, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewUUIDLooksLikeAUUID(t *testing.T) {
	id, err := newUUID()
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Equal(t, byte('4'), id[14])
}
