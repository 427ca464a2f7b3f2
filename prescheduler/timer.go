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

package prescheduler

import "time"

// cancelTimer is the minimal surface the scheduler needs from a one-shot
// timer: the ability to stop it before it fires.
type cancelTimer interface {
	Stop() bool
}

// timerFactory creates the scheduler's single outstanding dispatch
// timer. Abstracted so tests can fire it synchronously instead of
// sleeping real wall-clock time.
type timerFactory interface {
	AfterFunc(d time.Duration, f func()) cancelTimer
}

type realTimerFactory struct{}

func (realTimerFactory) AfterFunc(d time.Duration, f func()) cancelTimer {
	return time.AfterFunc(d, f)
}
