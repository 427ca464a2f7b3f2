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

// Package ntpclock converts between wall-clock time and the NTP timetag
// format (RFC 958 / RFC 5905) used by OSC bundle headers: two big-endian
// uint32 fields, whole seconds since 1900-01-01 and a binary fraction of a
// second (value / 2^32).
package ntpclock

import (
	"encoding/binary"
	"time"
)

// EpochOffset is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01).
const EpochOffset = 2208988800

// TimetagSize is the on-wire size of an OSC timetag in bytes.
const TimetagSize = 8

// nsPerSecond converts between fractional seconds and nanoseconds in
// FromTime and ToTime.
const (
	nsPerSecond = 1e9
)

// Now returns the current time as NTP seconds-since-1900, fractional.
func Now() float64 {
	return FromTime(time.Now())
}

// FromTime converts a wall-clock time to NTP seconds-since-1900 (fractional).
func FromTime(t time.Time) float64 {
	sec := float64(t.Unix() + EpochOffset)
	frac := float64(t.Nanosecond()) / nsPerSecond
	return sec + frac
}

// ToTime converts an NTP seconds-since-1900 value back to a wall-clock time.
func ToTime(ntp float64) time.Time {
	whole := int64(ntp)
	frac := ntp - float64(whole)
	sec := whole - EpochOffset
	nsec := int64(frac * nsPerSecond)
	return time.Unix(sec, nsec)
}

// Encode packs an NTP time as an 8-byte big-endian timetag: uint32 seconds,
// uint32 fraction-of-a-second (fraction * 2^32).
func Encode(ntp float64) [TimetagSize]byte {
	var buf [TimetagSize]byte
	whole := uint32(ntp)
	frac := ntp - float64(whole)
	binary.BigEndian.PutUint32(buf[0:4], whole)
	binary.BigEndian.PutUint32(buf[4:8], uint32(frac*4294967296.0))
	return buf
}

// Decode unpacks an 8-byte big-endian timetag into an NTP seconds-since-1900
// float. buf must be at least TimetagSize bytes; callers that classify a
// short datagram must check the length themselves (see osc.Classify).
func Decode(buf []byte) float64 {
	seconds := binary.BigEndian.Uint32(buf[0:4])
	fraction := binary.BigEndian.Uint32(buf[4:8])
	return float64(seconds) + float64(fraction)/4294967296.0
}

// IsImmediate reports whether the raw 8-byte timetag in buf represents the
// OSC "execute immediately" timetag: seconds == 0 and fraction <= 1.
func IsImmediate(buf []byte) bool {
	seconds := binary.BigEndian.Uint32(buf[0:4])
	fraction := binary.BigEndian.Uint32(buf[4:8])
	return seconds == 0 && fraction <= 1
}
