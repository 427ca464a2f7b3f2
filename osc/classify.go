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

// Package osc classifies raw OSC datagrams by urgency and defines
// the closed set of OSC argument types the session facade inspects when
// rewriting buffer-allocation commands. Full OSC wire encoding/decoding is
// an external collaborator (Codec); this package only looks at the bundle
// prefix and timetag, never at argument payloads of arbitrary messages.
package osc

import (
	"bytes"

	"github.com/scweb/oscbridge/ntpclock"
)

// Category is the classifier's verdict for one datagram.
type Category int

const (
	NonBundle Category = iota
	Immediate
	NearFuture
	Late
	FarFuture
)

func (c Category) String() string {
	switch c {
	case NonBundle:
		return "non_bundle"
	case Immediate:
		return "immediate"
	case NearFuture:
		return "near_future"
	case Late:
		return "late"
	case FarFuture:
		return "far_future"
	default:
		return "unknown"
	}
}

// Bypasses reports whether this category bypasses the prescheduler
// (everything except FarFuture).
func (c Category) Bypasses() bool { return c != FarFuture }

var bundlePrefix = []byte("#bundle\x00")

// DefaultBypassLookahead is the default near-future window.
const DefaultBypassLookahead = 0.5

// Classify implements the five-step procedure. now is the caller's
// current-NTP function (typically ntpclock.Now); if it returns ok=false
// (no clock available yet) the datagram is treated as Immediate.
func Classify(datagram []byte, now func() (ntp float64, ok bool), bypassLookahead float64) Category {
	if len(datagram) < len(bundlePrefix) || !bytes.Equal(datagram[:len(bundlePrefix)], bundlePrefix) {
		return NonBundle
	}
	if len(datagram) < len(bundlePrefix)+ntpclock.TimetagSize {
		return NonBundle
	}

	tag := datagram[len(bundlePrefix) : len(bundlePrefix)+ntpclock.TimetagSize]
	if ntpclock.IsImmediate(tag) {
		return Immediate
	}

	current, ok := now()
	if !ok {
		return Immediate
	}

	bundleNTP := ntpclock.Decode(tag)
	diff := bundleNTP - current

	switch {
	case diff < 0:
		return Late
	case diff < bypassLookahead:
		return NearFuture
	default:
		return FarFuture
	}
}

// BundleTimetag extracts the raw NTP time of a bundle datagram already
// known to begin with the bundle prefix and carry a full timetag. Callers
// (the prescheduler) use this after Classify has returned FarFuture to
// avoid re-parsing the prefix.
func BundleTimetag(datagram []byte) (ntp float64, ok bool) {
	if len(datagram) < len(bundlePrefix)+ntpclock.TimetagSize {
		return 0, false
	}
	if !bytes.Equal(datagram[:len(bundlePrefix)], bundlePrefix) {
		return 0, false
	}
	tag := datagram[len(bundlePrefix) : len(bundlePrefix)+ntpclock.TimetagSize]
	return ntpclock.Decode(tag), true
}

// IsBundle reports whether datagram begins with the OSC bundle prefix.
func IsBundle(datagram []byte) bool {
	return len(datagram) >= len(bundlePrefix) && bytes.Equal(datagram[:len(bundlePrefix)], bundlePrefix)
}
