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

import "github.com/scweb/oscbridge/ring"

// DecodeBatch is the message-passing-mode reader: the audio
// thread has already framed its records (same wire format as the
// shared-memory ring, just written into a flat pooled buffer instead of
// a wrapping ring region) and posted the batch across the worker
// boundary. DecodeBatch walks it front to back and republishes through
// onBatch with the same drop-tracking and text-trimming semantics as
// the Worker's shared-memory path.
func DecodeBatch(batch []byte, tracker *DropTracker, textMode bool, onBatch func([]Delivered), onCorruption func(position uint32)) int {
	if len(batch) == 0 {
		return 0
	}

	var out []Delivered
	_, count := ring.Read(batch, uint32(len(batch)), 0, 1<<16, func(m ring.Message) {
		out = append(out, deliver(m, tracker, textMode))
	}, onCorruption)

	if len(out) > 0 && onBatch != nil {
		onBatch(out)
	}
	return count
}
