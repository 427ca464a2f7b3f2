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

package audioproc

import "github.com/scweb/oscbridge/gridbuf"

// BatchKind identifies which span of the segment a posted batch was
// drawn from.
type BatchKind int

const (
	KindOut BatchKind = iota
	KindDebug
	KindInLog
	KindSnapshot
)

func (k BatchKind) String() string {
	switch k {
	case KindOut:
		return "out"
	case KindDebug:
		return "debug"
	case KindInLog:
		return "in_log"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Sink receives message-passing-mode output: pooled batches built from
// the segment's rings and the metrics/node-tree span, plus engine status
// events. Implementations must call wb.Free() once they are done reading
// wb.Bytes() — typically after handing the bytes across whatever
// transport crosses the worker boundary — returning the pooled chunks
// for reuse. A nil Sink leaves message-passing mode unable to relay
// anything; Processor treats that as a configuration the caller chose
// deliberately rather than an error.
type Sink interface {
	PostBatch(kind BatchKind, wb *gridbuf.WriteBuffer)
	PostStatus(flags uint32)
}
