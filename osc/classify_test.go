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

package osc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scweb/oscbridge/ntpclock"
)

func bundleAt(ntp float64) []byte {
	d := append([]byte(nil), bundlePrefix...)
	tag := ntpclock.Encode(ntp)
	return append(d, tag[:]...)
}

func fixedClock(ntp float64) func() (float64, bool) {
	return func() (float64, bool) { return ntp, true }
}

func TestClassifyNonBundle(t *testing.T) {
	assert.Equal(t, NonBundle, Classify([]byte("/status"), fixedClock(0), DefaultBypassLookahead))
}

func TestClassifyUndersizedTimetagIsNonBundle(t *testing.T) {
	short := append([]byte(nil), bundlePrefix...)
	short = append(short, 0, 1, 2) // only 3 of 8 timetag bytes
	assert.Equal(t, NonBundle, Classify(short, fixedClock(0), DefaultBypassLookahead))
}

func TestClassifyImmediateSentinel(t *testing.T) {
	d := append([]byte(nil), bundlePrefix...)
	d = append(d, 0, 0, 0, 0, 0, 0, 0, 1) // seconds=0, fraction=1
	assert.Equal(t, Immediate, Classify(d, fixedClock(1000), DefaultBypassLookahead))
}

func TestClassifyNoClockIsImmediate(t *testing.T) {
	d := bundleAt(ntpclock.Now() + 10)
	noClock := func() (float64, bool) { return 0, false }
	assert.Equal(t, Immediate, Classify(d, noClock, DefaultBypassLookahead))
}

func TestClassifyBoundaries(t *testing.T) {
	const current = 1_000_000.0
	const epsilon = 0.0001

	cases := []struct {
		name string
		diff float64
		want Category
	}{
		{"diff=0 is near-future", 0, NearFuture},
		{"diff=-epsilon is late", -epsilon, Late},
		{"diff=lookahead-epsilon is near-future", DefaultBypassLookahead - epsilon, NearFuture},
		{"diff=lookahead is far-future", DefaultBypassLookahead, FarFuture},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := bundleAt(current + c.diff)
			got := Classify(d, fixedClock(current), DefaultBypassLookahead)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestCategoryBypasses(t *testing.T) {
	assert.True(t, NonBundle.Bypasses())
	assert.True(t, Immediate.Bypasses())
	assert.True(t, NearFuture.Bypasses())
	assert.True(t, Late.Bypasses())
	assert.False(t, FarFuture.Bypasses())
}

func TestBundleTimetagExtraction(t *testing.T) {
	d := bundleAt(12345.5)
	ntp, ok := BundleTimetag(d)
	assert.True(t, ok)
	assert.InDelta(t, 12345.5, ntp, 0.001)

	_, ok = BundleTimetag([]byte("/status"))
	assert.False(t, ok)
}
