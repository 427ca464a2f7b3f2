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

// Package channel implements the OscChannel transferable capability
// : a handle a worker context can hold and use to send
// OSC into the IN path without routing back through the primary
// controller, carrying its own classifier threshold and source id for
// logging attribution.
package channel

import (
	"errors"

	"github.com/scweb/oscbridge/oscerr"
	"github.com/scweb/oscbridge/osc"
	"github.com/scweb/oscbridge/shmlayout"
	"github.com/scweb/oscbridge/writer"
)

// Mode selects how this channel reaches the IN ring.
type Mode int

const (
	// SharedMemory channels write directly into a ring region they hold a
	// reference to, through the writer-with-lock path.
	SharedMemory Mode = iota
	// MessagePassing channels forward datagrams over a message port to
	// whatever owns the real ring region (e.g. the main controller).
	MessagePassing
)

// Port is the message-passing transport a MessagePassing-mode channel
// sends through.
type Port interface {
	Send(datagram []byte, sourceID uint32) error
}

// Prescheduler is the subset of the prescheduler's surface a channel
// needs: handing off a FarFuture bundle. Declared locally (rather than
// importing package prescheduler) so channel has no dependency on the
// scheduling implementation, only on this capability.
type Prescheduler interface {
	Schedule(datagram []byte, sessionID, runTag string, sourceID uint32) error
}

// Handle is one OscChannel: a transferable capability. The zero
// value is not usable; construct with NewSharedMemory or
// NewMessagePassing.
type Handle struct {
	mode Mode
	bypassLookahead float64
	sourceID uint32
	blocking bool

	region []byte
	control *shmlayout.ControlBlock
	notify writer.Notifier

	port Port

	prescheduler Prescheduler
}

// NewSharedMemory builds a shared-memory-mode channel writing directly
// into region, guarded by control.
func NewSharedMemory(region []byte, control *shmlayout.ControlBlock, notify writer.Notifier, bypassLookahead float64, sourceID uint32, blocking bool) *Handle {
	return &Handle{
		mode: SharedMemory,
		region: region,
		control: control,
		notify: notify,
		bypassLookahead: bypassLookahead,
		sourceID: sourceID,
		blocking: blocking,
	}
}

// NewMessagePassing builds a message-passing-mode channel forwarding
// through port.
func NewMessagePassing(port Port, bypassLookahead float64, sourceID uint32) *Handle {
	return &Handle{
		mode: MessagePassing,
		port: port,
		bypassLookahead: bypassLookahead,
		sourceID: sourceID,
	}
}

// WithPrescheduler attaches an optional port into the prescheduler for
// FarFuture bundles, returning the same handle for chaining.
func (h *Handle) WithPrescheduler(p Prescheduler) *Handle {
	h.prescheduler = p
	return h
}

// SourceID returns the channel's source id, threaded through to every
// write for per-source logging attribution.
func (h *Handle) SourceID() uint32 { return h.sourceID }

// Send classifies datagram and either writes it directly (bypass
// categories) or hands it to the attached prescheduler (FarFuture). It
// returns the classification alongside any error, since bypass sends
// report their category for metrics attribution. A bypass write that
// loses the writer lock or finds the ring full is handed to the attached
// prescheduler's blocking direct-dispatch path instead, which parks the
// datagram in its retry queue while the ring stays full and retries it as
// space frees up; with no prescheduler attached the error is returned.
func (h *Handle) Send(datagram []byte, now func() (float64, bool), sessionID, runTag string) (osc.Category, error) {
	cat := osc.Classify(datagram, now, h.bypassLookahead)

	if cat.Bypasses() {
		err := h.directWrite(datagram)
		if err == nil {
			return cat, nil
		}
		if !isRetryableWriteError(err) {
			return cat, err
		}
		if h.prescheduler == nil {
			return cat, err
		}
		return cat, h.prescheduler.Schedule(datagram, sessionID, runTag, h.sourceID)
	}

	if h.prescheduler == nil {
		return cat, oscerr.ErrNotInitialised
	}
	return cat, h.prescheduler.Schedule(datagram, sessionID, runTag, h.sourceID)
}

// isRetryableWriteError reports whether err is one of the two
// non-blocking direct-write failures the prescheduler's blocking
// fallback absorbs instead of surfacing to the caller.
func isRetryableWriteError(err error) bool {
	return errors.Is(err, oscerr.ErrLockContended) || errors.Is(err, oscerr.ErrBufferFull)
}

func (h *Handle) directWrite(datagram []byte) error {
	switch h.mode {
	case SharedMemory:
		return writer.Write(h.region, h.control, datagram, h.sourceID, writer.Options{Blocking: h.blocking}, h.notify)
	case MessagePassing:
		return h.port.Send(datagram, h.sourceID)
	default:
		return oscerr.ErrInvalidLayout
	}
}
