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
	"sync/atomic"
	"unsafe"
)

// MetricKind classifies how a metric slot's raw uint32 is interpreted.
type MetricKind int

const (
	// KindCounter is monotonically increasing (wraps on overflow).
	KindCounter MetricKind = iota
	// KindGauge can go up or down.
	KindGauge
)

// Metric describes one fixed-offset slot in the metrics block.
type Metric struct {
	Name string
	Kind MetricKind
}

// Metrics is the fixed, ordered schema of the metrics block. The
// engine and this module must agree on this order; it is not
// self-describing on the wire.
var Metrics = []Metric{
	{"in_ring_bytes_available", KindGauge},
	{"out_ring_bytes_available", KindGauge},
	{"debug_ring_bytes_available", KindGauge},
	{"bundles_scheduled_total", KindCounter},
	{"bundles_dispatched_total", KindCounter},
	{"bundles_dropped_total", KindCounter},
	{"prescheduler_queue_depth", KindGauge},
	{"prescheduler_retry_total", KindCounter},
	{"prescheduler_retry_failure_total", KindCounter},
	{"prescheduler_late_total", KindCounter},
	{"prescheduler_min_headroom_ms", KindGauge},
	{"prescheduler_cancelled_total", KindCounter},
	{"writer_lock_contention_total", KindCounter},
	{"audio_callback_total", KindCounter},
	{"audio_xrun_total", KindCounter},
	{"sample_pool_bytes_free", KindGauge},
	{"sample_pool_bytes_total", KindGauge},
	{"node_count", KindGauge},
}

// MetricsBlockSize is the byte size of the metrics block for the schema
// above.
var MetricsBlockSize = uint32(len(Metrics) * 4)

// IndexOf returns the schema index of the metric named name, and false if
// no such metric exists. Callers that bind to specific slots (rather than
// iterating the whole schema) should resolve the index once at startup
// through this rather than hardcoding a position, so reordering Metrics
// doesn't silently misattribute a write.
func IndexOf(name string) (int, bool) {
	for i, md := range Metrics {
		if md.Name == name {
			return i, true
		}
	}
	return 0, false
}

// MetricsView is a typed, read/write accessor over the metrics block's raw
// bytes, indexed by the Metrics schema above.
type MetricsView struct {
	region []byte
}

// NewMetricsView wraps region, which must be at least MetricsBlockSize
// bytes.
func NewMetricsView(region []byte) *MetricsView {
	if uint32(len(region)) < MetricsBlockSize {
		panic("shmlayout: metrics region smaller than MetricsBlockSize")
	}
	return &MetricsView{region: region}
}

func (m *MetricsView) word(index int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&m.region[index*4]))
}

// Get reads the raw value of the metric at index (see Metrics for names).
func (m *MetricsView) Get(index int) uint32 { return m.word(index).Load() }

// Set writes a gauge-style metric's value.
func (m *MetricsView) Set(index int, v uint32) { m.word(index).Store(v) }

// Add adds delta to a counter-style metric and returns the new value.
func (m *MetricsView) Add(index int, delta uint32) uint32 { return m.word(index).Add(delta) }

// Snapshot copies every metric into a name-keyed map, for diagnostics and
// the session facade's public metrics surface.
func (m *MetricsView) Snapshot() map[string]uint32 {
	out := make(map[string]uint32, len(Metrics))
	for i, md := range Metrics {
		out[md.Name] = m.Get(i)
	}
	return out
}
