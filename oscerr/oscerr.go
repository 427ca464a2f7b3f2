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

// Package oscerr defines the caller-visible error kinds surfaced by the
// transport, scheduling and shared-memory coordination layer.
//
// Errors are plain sentinels, matched with errors.Is; call sites wrap them
// with additional context using fmt.Errorf("...: %w",...) rather than
// carrying a bespoke error-code type.
package oscerr

import "errors"

var (
	// ErrQueueFull is returned by the prescheduler when heap + retry queue
	// cardinality has reached its configured capacity.
	ErrQueueFull = errors.New("oscbridge: prescheduler queue full")

	// ErrBundleTooLarge is returned when a bundle's payload exceeds the
	// engine's scheduler slot size.
	ErrBundleTooLarge = errors.New("oscbridge: bundle exceeds scheduler slot size")

	// ErrBundleTooFarFuture is returned when a bundle's execution time is
	// more than 3600s ahead of the current NTP time.
	ErrBundleTooFarFuture = errors.New("oscbridge: bundle scheduled too far in the future")

	// ErrRecordTooLarge is returned by the ring writer when a payload alone
	// exceeds region_size - header_size.
	ErrRecordTooLarge = errors.New("oscbridge: record exceeds ring capacity")

	// ErrBufferFull is returned by the ring writer when the aligned record
	// does not fit in the currently available space.
	ErrBufferFull = errors.New("oscbridge: ring buffer full")

	// ErrLockContended is returned by a non-blocking lock acquisition that
	// lost its single compare-and-swap attempt.
	ErrLockContended = errors.New("oscbridge: writer lock contended")

	// ErrLockTimeout is returned by the blocking lock wait after its
	// cumulative bound (~10s) elapses.
	ErrLockTimeout = errors.New("oscbridge: writer lock wait timed out")

	// ErrSyncTimeout is returned by Session.Sync when no matching /synced
	// reply arrives within the configured timeout (default 10s).
	ErrSyncTimeout = errors.New("oscbridge: sync timed out")

	// ErrBlockedCommand is returned immediately for OSC addresses the
	// facade refuses to forward (e.g. /d_load, /b_read).
	ErrBlockedCommand = errors.New("oscbridge: command is blocked, use the dedicated API")

	// ErrNotInitialised is returned by facade operations called before
	// Init has completed, or after Destroy.
	ErrNotInitialised = errors.New("oscbridge: session not initialised")

	// ErrInvalidLayout is returned when the engine's layout export fails
	// basic sanity checks (zero sizes, overlapping regions,...).
	ErrInvalidLayout = errors.New("oscbridge: invalid shared-memory layout")

	// ErrEngineError wraps a fatal engine-reported error status.
	ErrEngineError = errors.New("oscbridge: engine reported a fatal error")

	// ErrMessageTooLarge is returned when a single OSC message, bundled or
	// not, exceeds the 64 KiB per-message limit.
	ErrMessageTooLarge = errors.New("oscbridge: message exceeds 64 KiB limit")

	// ErrInvalidState is returned when a session operation is called from
	// a state it is not legal in (e.g. init from anything but
	// Uninitialised, resume from anything but Suspended).
	ErrInvalidState = errors.New("oscbridge: operation not valid in current session state")
)
