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

package reader

import "github.com/scweb/oscbridge/shmlayout"

// RingAccessor exposes the head/tail pair a Worker drains, without tying
// the worker to a specific ring (OUT vs DEBUG).
type RingAccessor interface {
	Head() uint32
	Tail() uint32
	SetTail(uint32)
}

type outAccessor struct{ cb *shmlayout.ControlBlock }

// OutAccessor adapts a ControlBlock's OUT ring pointers to RingAccessor.
func OutAccessor(cb *shmlayout.ControlBlock) RingAccessor { return outAccessor{cb} }

func (a outAccessor) Head() uint32 { return a.cb.OutHead() }
func (a outAccessor) Tail() uint32 { return a.cb.OutTail() }
func (a outAccessor) SetTail(v uint32) { a.cb.SetOutTail(v) }

type debugAccessor struct{ cb *shmlayout.ControlBlock }

// DebugAccessor adapts a ControlBlock's DEBUG ring pointers to RingAccessor.
func DebugAccessor(cb *shmlayout.ControlBlock) RingAccessor { return debugAccessor{cb} }

func (a debugAccessor) Head() uint32 { return a.cb.DebugHead() }
func (a debugAccessor) Tail() uint32 { return a.cb.DebugTail() }
func (a debugAccessor) SetTail(v uint32) { a.cb.SetDebugTail(v) }
