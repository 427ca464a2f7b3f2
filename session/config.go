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

// Package session implements the event & session facade : the
// public surface client code drives, tying together the classifier,
// writer, prescheduler, audio-thread processor and reply/debug readers
// into the single-flight init/send/sync/purge/suspend/reload lifecycle.
package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/scweb/oscbridge/audioproc"
	"github.com/scweb/oscbridge/channel"
	"github.com/scweb/oscbridge/engine"
	"github.com/scweb/oscbridge/osc"
	"github.com/scweb/oscbridge/reader"
	"github.com/scweb/oscbridge/writer"
)

// DefaultSyncTimeout is how long Sync waits for a matching /synced reply
// before failing with oscerr.ErrSyncTimeout.
const DefaultSyncTimeout = 10 * time.Second

// DefaultFetchMaxRetries and DefaultFetchRetryDelay govern the retry
// policy around the asset-fetch step of the buffer-command rewrite
// : exponential backoff starting at the delay, doubling each
// attempt, with at most FetchMaxRetries retries after the first attempt.
const (
	DefaultFetchMaxRetries = 3
	DefaultFetchRetryDelay = time.Second
)

// Config is the facade's configuration, built from functional
// options the same way prescheduler.Option configures a Scheduler.
type Config struct {
	mode channel.Mode
	engine engine.Engine
	worldOptions engine.WorldOptions
	codec osc.Codec
	decoder AudioDecoder
	fetcher AssetFetcher
	bypassLookahead float64
	syncTimeout time.Duration
	maxPendingBundles int
	schedulerSlotSize uint32
	snapshotInterval time.Duration
	fetchMaxRetries int
	fetchRetryDelay time.Duration
	log *zap.SugaredLogger

	// writerNotify and audioNotify are the host's shared-memory wait/wake
	// primitives ; both default to no-ops, which is correct for
	// message-passing mode and for tests driving the session directly.
	writerNotify writer.Notifier
	audioNotify audioproc.Notifier
	outWaiter reader.Waiter
	debugWaiter reader.Waiter
}

// Option configures a Session at construction.
type Option func(*Config)

func newConfig() *Config {
	return &Config{
		mode: channel.MessagePassing,
		bypassLookahead: osc.DefaultBypassLookahead,
		syncTimeout: DefaultSyncTimeout,
		maxPendingBundles: 65536,
		fetchMaxRetries: DefaultFetchMaxRetries,
		fetchRetryDelay: DefaultFetchRetryDelay,
		log: zap.NewNop().Sugar(),
	}
}

// WithMode selects shared-memory or message-passing transport.
func WithMode(m channel.Mode) Option { return func(c *Config) { c.mode = m } }

// WithEngine supplies the engine.Engine the processor drives. Required.
func WithEngine(e engine.Engine) Option { return func(c *Config) { c.engine = e } }

// WithWorldOptions supplies the options passed to engine.InitMemory at
// init.
func WithWorldOptions(o engine.WorldOptions) Option {
	return func(c *Config) { c.worldOptions = o }
}

// WithCodec supplies the OSC encode/decode collaborator used by the
// buffer-command rewrite.
func WithCodec(codec osc.Codec) Option { return func(c *Config) { c.codec = codec } }

// WithAudioDecoder supplies the collaborator that turns fetched asset
// bytes into sample frames for /b_allocRead-family rewrites.
func WithAudioDecoder(d AudioDecoder) Option { return func(c *Config) { c.decoder = d } }

// WithAssetFetcher supplies the collaborator that retrieves the raw
// bytes behind a /b_allocRead-family command's path argument.
func WithAssetFetcher(f AssetFetcher) Option { return func(c *Config) { c.fetcher = f } }

// WithBypassLookahead overrides the near-future window (default 0.5s).
func WithBypassLookahead(seconds float64) Option {
	return func(c *Config) { c.bypassLookahead = seconds }
}

// WithSyncTimeout overrides DefaultSyncTimeout.
func WithSyncTimeout(d time.Duration) Option { return func(c *Config) { c.syncTimeout = d } }

// WithMaxPendingBundles overrides the prescheduler's combined heap+retry
// capacity (default 65536).
func WithMaxPendingBundles(n int) Option { return func(c *Config) { c.maxPendingBundles = n } }

// WithSchedulerSlotSize overrides the engine scheduler slot size bundles
// are validated against.
func WithSchedulerSlotSize(n uint32) Option { return func(c *Config) { c.schedulerSlotSize = n } }

// WithSnapshotInterval overrides the audio processor's metrics/node-tree
// repost interval (default 150ms).
func WithSnapshotInterval(d time.Duration) Option { return func(c *Config) { c.snapshotInterval = d } }

// WithFetchRetries overrides the asset-fetch retry policy.
func WithFetchRetries(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.fetchMaxRetries = maxRetries
		c.fetchRetryDelay = delay
	}
}

// WithLog attaches a structured logger; the default is a no-op logger.
func WithLog(log *zap.SugaredLogger) Option { return func(c *Config) { c.log = log } }

// WithWriterNotifier attaches the shared-memory IN-ring wake primitive
// ; only meaningful in SharedMemory mode.
func WithWriterNotifier(n writer.Notifier) Option {
	return func(c *Config) { c.writerNotify = n }
}

// WithAudioNotifier attaches the shared-memory OUT/DEBUG/IN wake
// primitive the audio processor posts to every callback ; only
// meaningful in SharedMemory mode.
func WithAudioNotifier(n audioproc.Notifier) Option {
	return func(c *Config) { c.audioNotify = n }
}

// WithReplyWaiters attaches the Waiters the OUT and DEBUG reader workers
// block on in SharedMemory mode.
func WithReplyWaiters(out, debug reader.Waiter) Option {
	return func(c *Config) {
		c.outWaiter = out
		c.debugWaiter = debug
	}
}
