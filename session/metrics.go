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

package session

import (
	"github.com/scweb/oscbridge/shmlayout"
)

// schedulerMetrics implements prescheduler.Metrics against the fixed
// shmlayout metrics block, so Session.Metrics() reports scheduler
// behaviour (queue depth, retries, lateness, cancellations) the same way
// it reports everything else posted into that block.
type schedulerMetrics struct {
	view *shmlayout.MetricsView

	queueDepth int
	retryTotal int
	retryFailureTotal int
	lateTotal int
	minHeadroomMs int
	cancelledTotal int
}

func newSchedulerMetrics(view *shmlayout.MetricsView) *schedulerMetrics {
	m := &schedulerMetrics{view: view}
	m.queueDepth = mustIndex("prescheduler_queue_depth")
	m.retryTotal = mustIndex("prescheduler_retry_total")
	m.retryFailureTotal = mustIndex("prescheduler_retry_failure_total")
	m.lateTotal = mustIndex("prescheduler_late_total")
	m.minHeadroomMs = mustIndex("prescheduler_min_headroom_ms")
	m.cancelledTotal = mustIndex("prescheduler_cancelled_total")
	return m
}

func mustIndex(name string) int {
	idx, ok := shmlayout.IndexOf(name)
	if !ok {
		panic("session: no shmlayout metric named " + name)
	}
	return idx
}

func (m *schedulerMetrics) SetPendingPeak(n int) { m.view.Set(m.queueDepth, uint32(n)) }

func (m *schedulerMetrics) IncLate() { m.view.Add(m.lateTotal, 1) }

// SetMinHeadroom stores seconds as whole milliseconds, the same
// fixed-point convention shmlayout's clock offsets use for a float-like
// quantity in a uint32 word.
func (m *schedulerMetrics) SetMinHeadroom(seconds float64) {
	ms := seconds * 1000
	if ms < 0 {
		ms = 0
	}
	m.view.Set(m.minHeadroomMs, uint32(ms))
}

func (m *schedulerMetrics) IncCancelled(n int) {
	if n <= 0 {
		return
	}
	m.view.Add(m.cancelledTotal, uint32(n))
}

func (m *schedulerMetrics) IncRetrySuccess() { m.view.Add(m.retryTotal, 1) }

func (m *schedulerMetrics) IncRetryFailure() { m.view.Add(m.retryFailureTotal, 1) }
