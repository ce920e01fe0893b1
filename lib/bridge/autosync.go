// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bridge

import (
	"context"

	"github.com/uber/agentbridge/core"
)

// ContextProvider produces the context payload for an auto-sync tick. May
// be nil, in which case an empty context is broadcast.
type ContextProvider func(ctx context.Context) (*core.Context, error)

// StartAutoSync begins broadcasting context to all peers on the configured
// sync interval. No-op if auto-sync is already running. Provider or
// broadcast errors are logged per tick; the loop keeps running.
func (b *Bridge) StartAutoSync(provider ContextProvider) {
	b.autosyncMu.Lock()
	defer b.autosyncMu.Unlock()

	if b.autosyncStop != nil {
		return
	}
	stop := make(chan struct{})
	b.autosyncStop = stop
	go b.autoSyncLoop(provider, stop)
	b.logger.Infof("Auto-sync started, interval %s", b.config.ContextSharing.SyncInterval)
}

// StopAutoSync stops the auto-sync loop. Idempotent. Stop always calls it.
func (b *Bridge) StopAutoSync() {
	b.autosyncMu.Lock()
	defer b.autosyncMu.Unlock()

	if b.autosyncStop == nil {
		return
	}
	close(b.autosyncStop)
	b.autosyncStop = nil
}

func (b *Bridge) autoSyncLoop(provider ContextProvider, stop chan struct{}) {
	ticker := b.clk.Ticker(b.config.ContextSharing.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var payload *core.Context
			if provider != nil {
				var err error
				payload, err = provider(context.Background())
				if err != nil {
					b.logger.Warnf("Auto-sync provider error: %s", err)
					continue
				}
			}
			if err := b.SyncContext(payload, ""); err != nil {
				b.logger.Warnf("Auto-sync broadcast error: %s", err)
			}
			b.stats.Counter("auto_syncs").Inc(1)
		}
	}
}
