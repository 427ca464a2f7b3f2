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
	"crypto/rand"
	"fmt"
	"math"
	"time"

	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/osc"
	"github.com/scweb/oscbridge/shmlayout"
)

// AssetFetcher is the external collaborator behind /b_allocRead-family
// commands' path argument: "asset fetching (a retry wrapper over HTTP)"
// is explicitly out of scope for this module, so Fetch is expected to be
// a thin transport call; the retry/backoff policy around it is this module's own.
type AssetFetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// fetchWithRetry retries fetcher.Fetch up to maxRetries times with
// doubling backoff starting at delay.
func fetchWithRetry(ctx context.Context, fetcher AssetFetcher, path string, maxRetries int, delay time.Duration) ([]byte, error) {
	var lastErr error
	wait := delay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		data, err := fetcher.Fetch(ctx, path)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, fmt.Errorf("session: fetching asset %q: %w", path, lastErr)
}

// AudioDecoder is the external collaborator that turns fetched asset
// bytes into interleaved sample frames, standing in for whatever decodes
// the asset behind /b_allocRead-family commands. Not implemented
// here: the facade only needs to call it and land the result in the
// arena.
type AudioDecoder interface {
	// Decode returns frames as one []float32 per channel, all of equal
	// length, plus the source's native sample rate.
	Decode(data []byte) (frames [][]float32, sampleRate float64, err error)
}

// bufferAllocCommands names the OSC addresses serviced outside the
// engine by allocating from the sample-pool arena.
var bufferAllocCommands = map[string]bool{
	"/b_alloc": true,
	"/b_allocRead": true,
	"/b_allocReadChannel": true,
	"/b_allocFile": true,
}

// blockedCommands maps an address the facade refuses to forward to a
// remediation hint surfaced in the returned error.
var blockedCommands = map[string]string{
	"/d_load": "use the synth-definition cache built into init/reload instead of /d_load",
	"/d_loadDir": "use the synth-definition cache built into init/reload instead of /d_loadDir",
	"/b_read": "use send(\"/b_allocRead\",...) so the facade can manage the sample-pool arena",
	"/b_readChannel": "use send(\"/b_allocReadChannel\",...) so the facade can manage the sample-pool arena",
	"/b_write": "sample buffers live in the arena only; there is no filesystem to write to",
}

// bufferAllocArgs is what Session.Send extracts from a /b_alloc-family
// message's arguments before handing it to rewriteBufferAlloc: the
// bufnum every variant shares, either an explicit frame/channel count
// (plain /b_alloc) or an asset path to fetch and decode (the
// /b_allocRead family).
type bufferAllocArgs struct {
	bufnum int32
	numFrames int
	numChannels int
	assetPath string
}

// parseBufferAllocArgs reads address's arguments. /b_alloc is
// (bufnum, numFrames, numChannels); the /b_allocRead family is
// (bufnum, path,...) — any further arguments (start frame, channel
// selection) are accepted by the real engine but not needed to service
// the rewrite itself.
func parseBufferAllocArgs(address string, args []osc.Arg) (bufferAllocArgs, error) {
	if len(args) < 1 || args[0].Kind != osc.KindInt32 {
		return bufferAllocArgs{}, fmt.Errorf("session: %s: missing bufnum argument", address)
	}
	out := bufferAllocArgs{bufnum: args[0].I32}

	if address == "/b_alloc" {
		if len(args) < 3 || args[1].Kind != osc.KindInt32 || args[2].Kind != osc.KindInt32 {
			return bufferAllocArgs{}, fmt.Errorf("session: /b_alloc: expected (bufnum, numFrames, numChannels)")
		}
		out.numFrames = int(args[1].I32)
		out.numChannels = int(args[2].I32)
		return out, nil
	}

	if len(args) < 2 || args[1].Kind != osc.KindString {
		return bufferAllocArgs{}, fmt.Errorf("session: %s: expected a path argument", address)
	}
	out.assetPath = args[1].Str
	return out, nil
}

// checkBlocked returns oscerr.ErrBlockedCommand wrapped with a
// remediation hint if address is on the blocked list, else nil.
func checkBlocked(address string) error {
	hint, blocked := blockedCommands[address]
	if !blocked {
		return nil
	}
	return fmt.Errorf("%s: %w", hint, oscerr.ErrBlockedCommand)
}

// rewriteBufferAlloc services one /b_alloc-family message :
// allocates frames*channels*4 bytes from arena, decodes asset bytes
// through decoder if assetData is non-nil (the /b_allocRead family),
// lands the result with Arena.WriteSample, and returns the /b_allocPtr
// replacement message. sampleRate is the engine's configured rate, used
// when the command does not read an asset (plain /b_alloc, which
// allocates silence).
func rewriteBufferAlloc(arena *shmlayout.Arena, decoder AudioDecoder, bufnum int32, numFrames, numChannels int, sampleRate float64, assetData []byte) (osc.Message, error) {
	var frames [][]float32
	if assetData != nil {
		if decoder == nil {
			return osc.Message{}, fmt.Errorf("session: no audio decoder configured: %w", oscerr.ErrInvalidState)
		}
		decoded, rate, err := decoder.Decode(assetData)
		if err != nil {
			return osc.Message{}, fmt.Errorf("session: decoding buffer asset: %w", err)
		}
		frames = decoded
		sampleRate = rate
		if len(frames) > 0 {
			numChannels = len(frames)
			numFrames = len(frames[0])
		}
	}

	size := numFrames * numChannels * 4
	offset, ok := arena.AllocSample(size)
	if !ok {
		return osc.Message{}, fmt.Errorf("session: sample arena exhausted: %w", oscerr.ErrBufferFull)
	}

	if frames != nil {
		if err := writeInterleaved(arena, offset, frames); err != nil {
			return osc.Message{}, err
		}
	}

	id, err := newUUID()
	if err != nil {
		return osc.Message{}, fmt.Errorf("session: generating buffer uuid: %w", err)
	}

	return osc.Message{
		Address: "/b_allocPtr",
		Args: []osc.Arg{
			osc.Int32(bufnum),
			osc.Int32(int32(offset)),
			osc.Int32(int32(numFrames)),
			osc.Int32(int32(numChannels)),
			osc.Float64(sampleRate),
			osc.String(id),
		},
	}, nil
}

// writeInterleaved packs per-channel frames into a single interleaved
// float32 byte span and lands it at offset via Arena.WriteSample.
func writeInterleaved(arena *shmlayout.Arena, offset int, frames [][]float32) error {
	channels := len(frames)
	if channels == 0 {
		return nil
	}
	numFrames := len(frames[0])

	buf := make([]byte, numFrames*channels*4)
	for frame := 0; frame < numFrames; frame++ {
		for ch := 0; ch < channels; ch++ {
			putFloat32(buf[(frame*channels+ch)*4:], frames[ch][frame])
		}
	}
	return arena.WriteSample(offset, buf)
}

func putFloat32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

// newUUID generates a random (v4-shaped) UUID string. No UUID library
// appears in the example pack's dependency surface, so this uses the
// standard library directly rather than reaching for an unverified
// ecosystem dependency.
func newUUID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}
