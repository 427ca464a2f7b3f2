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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scweb/oscbridge/channel"
	"github.com/scweb/oscbridge/osc"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := newConfig()
	assert.Equal(t, channel.MessagePassing, cfg.mode)
	assert.Equal(t, osc.DefaultBypassLookahead, cfg.bypassLookahead)
	assert.Equal(t, DefaultSyncTimeout, cfg.syncTimeout)
	assert.Equal(t, DefaultFetchMaxRetries, cfg.fetchMaxRetries)
	assert.Equal(t, DefaultFetchRetryDelay, cfg.fetchRetryDelay)
	require.NotNil(t, cfg.log)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	cfg := newConfig()
	for _, opt := range []Option{
		WithMode(channel.SharedMemory),
		WithBypassLookahead(1.5),
		WithSyncTimeout(2 * time.Second),
		WithMaxPendingBundles(128),
		WithSchedulerSlotSize(4096),
		WithSnapshotInterval(50 * time.Millisecond),
		WithFetchRetries(5, 10*time.Millisecond),
	} {
		opt(cfg)
	}

	assert.Equal(t, channel.SharedMemory, cfg.mode)
	assert.Equal(t, 1.5, cfg.bypassLookahead)
	assert.Equal(t, 2*time.Second, cfg.syncTimeout)
	assert.Equal(t, 128, cfg.maxPendingBundles)
	assert.EqualValues(t, 4096, cfg.schedulerSlotSize)
	assert.Equal(t, 50*time.Millisecond, cfg.snapshotInterval)
	assert.Equal(t, 5, cfg.fetchMaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.fetchRetryDelay)
}

func TestWithAssetFetcherAndAudioDecoder(t *testing.T) {
	cfg := newConfig()
	fetcher := &fakeFetcher{}
	decoder := fakeDecoder{}

	WithAssetFetcher(fetcher)(cfg)
	WithAudioDecoder(decoder)(cfg)

	assert.Same(t, fetcher, cfg.fetcher)
	assert.Equal(t, decoder, cfg.decoder)
}
