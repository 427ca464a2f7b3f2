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

package audioproc

// ringUsed returns the number of unread bytes between tail and head in a
// ring of the given size, the same modulo arithmetic package ring's
// Available uses from the other side.
func ringUsed(head, tail, size uint32) uint32 {
	if head >= tail {
		return head - tail
	}
	return size - tail + head
}
