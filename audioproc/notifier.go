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

// Package audioproc implements the Audio-Thread Processor : the
// allocation-free per-callback loop that drives the engine, relays
// IN/OUT/DEBUG traffic, and surfaces metrics/node-tree snapshots under
// either concurrency model.
package audioproc

// Notifier raises the shared-memory-mode wake signals the processor
// posts after each callback : readers waiting on
// out_head/debug_head, and whatever observes in_tail for retry-queue
// drainage (typically the prescheduler's NotifySpaceAvailable).
type Notifier interface {
	NotifyOutHead()
	NotifyDebugHead()
	NotifyInTail()
}

type noopNotifier struct{}

func (noopNotifier) NotifyOutHead() {}
func (noopNotifier) NotifyDebugHead() {}
func (noopNotifier) NotifyInTail() {}

// NoopNotifier discards every notification. Used as the default when no
// real host wake primitive is wired in.
var NoopNotifier Notifier = noopNotifier{}
