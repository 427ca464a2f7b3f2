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

// Package reader implements the reply and debug readers: workers
// that drain OUT/DEBUG, copy each payload into a fresh owned buffer, and
// detect dropped messages via sequence gaps.
package reader

import "sync/atomic"

// DropTracker detects dropped messages from a monotonically increasing
// per-ring sequence counter. Upstream sequence-wrap behaviour is left
// undefined by the wire format; this module's resolution is to treat a
// sequence numerically less than the last observed one as evidence the
// ring's sequence counter wrapped, not as corruption or as additional
// drops, and simply reset the tracking baseline to it.
type DropTracker struct {
	lastSeq uint32
	haveLast bool
	drops uint64
}

// Observe records a newly delivered sequence number and returns how many
// messages (if any) are believed dropped since the last observation.
func (t *DropTracker) Observe(seq uint32) uint32 {
	if !t.haveLast {
		t.haveLast = true
		t.lastSeq = seq
		return 0
	}

	if seq <= t.lastSeq {
		// Either a duplicate (seq == lastSeq, shouldn't happen but is
		// harmless to ignore) or a wrap: resume counting from here.
		t.lastSeq = seq
		return 0
	}

	gap := seq - t.lastSeq - 1
	t.lastSeq = seq
	if gap > 0 {
		atomic.AddUint64(&t.drops, uint64(gap))
	}
	return gap
}

// Drops returns the cumulative number of messages believed dropped.
func (t *DropTracker) Drops() uint64 { return atomic.LoadUint64(&t.drops) }
