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

// ArgKind is the closed set of OSC type tags this module understands. It
// is intentionally narrower than the full OSC 1.0 spec: only the types the
// buffer-rewrite path (session.rewrite) and the metrics/tree diagnostics
// need to read or construct are represented.
type ArgKind int

const (
	KindInt32 ArgKind = iota
	KindFloat32
	KindInt64
	KindFloat64
	KindString
	KindBlob
	KindTimeTag
	KindBool
)

// Arg is a decoded OSC argument. Exactly one of the typed fields is
// meaningful, selected by Kind; this mirrors a closed sum type using Go's
// idiom of a tag plus a value union rather than an interface, since the
// set of kinds is fixed by the OSC type-tag alphabet this module supports.
type Arg struct {
	Kind ArgKind

	I32 int32
	F32 float32
	I64 int64
	F64 float64
	Str string
	Blob []byte
	TimeTag [8]byte
	Bool bool
}

func Int32(v int32) Arg { return Arg{Kind: KindInt32, I32: v} }
func Float32(v float32) Arg { return Arg{Kind: KindFloat32, F32: v} }
func Int64(v int64) Arg { return Arg{Kind: KindInt64, I64: v} }
func Float64(v float64) Arg { return Arg{Kind: KindFloat64, F64: v} }
func String(v string) Arg { return Arg{Kind: KindString, Str: v} }
func Blob(v []byte) Arg { return Arg{Kind: KindBlob, Blob: v} }
func TimeTag(v [8]byte) Arg { return Arg{Kind: KindTimeTag, TimeTag: v} }
func Bool(v bool) Arg { return Arg{Kind: KindBool, Bool: v} }

// Message is a decoded OSC message: an address pattern plus its arguments.
type Message struct {
	Address string
	Args []Arg
}
