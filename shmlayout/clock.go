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

package shmlayout

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// ClockView is a typed view over the segment's NTP-start / drift /
// clock-offset words : audio clock zero mapped to the NTP time at
// init, plus the two small correction terms the facade's recover/resume
// path maintains across suspensions.
type ClockView struct {
	ntpStart *atomic.Uint64 // bit pattern of a float64, per math.Float64bits
	drift *atomic.Int32 // milliseconds
	clock *atomic.Int32 // milliseconds
}

// ClockView wraps segment's NTP-start/drift/clock words.
func (s *Segment) ClockView() *ClockView {
	return &ClockView{
		ntpStart: (*atomic.Uint64)(unsafe.Pointer(&s.bytes[s.Layout.NTPStartOffset])),
		drift: (*atomic.Int32)(unsafe.Pointer(&s.bytes[s.Layout.DriftOffset])),
		clock: (*atomic.Int32)(unsafe.Pointer(&s.bytes[s.Layout.ClockOffset])),
	}
}

// NTPStart returns the NTP time audio-clock zero was mapped to at init.
func (v *ClockView) NTPStart() float64 {
	return math.Float64frombits(v.ntpStart.Load())
}

// SetNTPStart stamps audio-clock zero's NTP mapping (the init step).
func (v *ClockView) SetNTPStart(ntp float64) {
	v.ntpStart.Store(math.Float64bits(ntp))
}

// DriftMillis and ClockMillis report the two small correction terms a
// resume/recover cycle may need to re-derive after a suspension.
func (v *ClockView) DriftMillis() int32 { return v.drift.Load() }
func (v *ClockView) SetDriftMillis(ms int32) { v.drift.Store(ms) }

func (v *ClockView) ClockMillis() int32 { return v.clock.Load() }
func (v *ClockView) SetClockMillis(ms int32) { v.clock.Store(ms) }
