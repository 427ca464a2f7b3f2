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

// Package hostrt declares the external collaborator this module depends on
// for real-time audio: whatever drives the host's audio callback (an
// AudioWorklet, a CoreAudio/ALSA thread, a test harness). Bootstrapping an
// actual host is explicitly out of scope; this module only needs to be
// handed a Clock and to be driven through a Callback.
package hostrt

import "time"

// Clock is the caller-supplied current-time source the classifier and
// prescheduler use to convert wall-clock time to NTP . A real
// host typically backs this with its own high-resolution performance
// clock; tests back it with a fake that advances deterministically.
type Clock interface {
	// Now returns the current time. It must be monotonic within a session.
	Now() time.Time
}

// SystemClock is the trivial Clock backed by the Go runtime's wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Callback is implemented by this module and invoked once per audio
// render quantum by the host runtime. frameCount is the number of
// sample frames the host wants produced; it is fixed per session (128 in
// the reference engine) but is passed explicitly rather than assumed.
type Callback interface {
	// Render is called from the audio thread. It must not allocate, block,
	// or call into anything that can block (the allocation-free
	// requirement).
	Render(frameCount int)
}
