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

// Codec is the external collaborator this module defers to for full OSC
// message encode/decode (address pattern, type tag string, argument
// payloads). Full OSC wire format is out of scope for this module: the
// classifier only looks at the bundle prefix and timetag, and the session
// facade's buffer-command rewrite only needs to decode/re-encode the
// handful of /b_alloc-family messages it intercepts, so a Codec
// implementation can be as small or as complete as the caller needs.
type Codec interface {
	// DecodeMessage parses a single (non-bundle) OSC message.
	DecodeMessage(datagram []byte) (Message, error)
	// EncodeMessage serialises a single OSC message back to wire format.
	EncodeMessage(m Message) ([]byte, error)
}
