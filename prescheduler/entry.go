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

// Package prescheduler implements the time-ordered dispatch queue :
// a binary min-heap keyed on (ntp_time, sequence), a bounded retry FIFO
// for writes that hit a momentarily full IN ring, and tag/session-based
// cancellation.
package prescheduler

// Entry is one pending bundle.
type Entry struct {
	Datagram []byte
	NTPTime float64
	Sequence uint64
	SessionID string
	RunTag string
	SourceID uint32
}
