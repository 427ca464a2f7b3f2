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
	"context"

	"go.uber.org/zap"

	"github.com/scweb/oscbridge/concurrency/gopool"
)

// asyncPool runs event-listener callbacks off the caller's goroutine
// . It wraps gopool.GoPool rather than
// a bare `go` per listener so a burst of fan-out (many listeners on one
// event, many events in flight) reuses a bounded set of goroutines
// instead of spawning unboundedly.
type asyncPool struct {
	pool *gopool.GoPool
}

func newAsyncPool(name string, log *zap.SugaredLogger) *asyncPool {
	pool := gopool.NewGoPool(name, nil)
	pool.SetPanicHandler(func(ctx context.Context, r interface{}) {
		log.Errorw("panic in session async pool", "pool", name, "recovered", r)
	})
	return &asyncPool{pool: pool}
}

// Go runs f on the pool, recovering and logging any panic rather than
// letting it escape onto a pool worker goroutine.
func (p *asyncPool) Go(f func()) { p.pool.Go(f) }
