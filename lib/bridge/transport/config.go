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
package transport

import (
	"time"

	"github.com/uber/agentbridge/lib/bridge/conn"
)

// Config is the configuration for a client transport.
type Config struct {

	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Reconnect enables automatic reconnection after an unexpected close.
	// The initial Connect always fails fast regardless.
	Reconnect bool `yaml:"reconnect"`

	// ReconnectInterval is the fixed delay between reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// MaxReconnectAttempts caps consecutive failed reconnect attempts before
	// the transport gives up.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// QueueWarnThreshold is the queue length past which an observability
	// warning is emitted. The queue itself is unbounded.
	QueueWarnThreshold int `yaml:"queue_warn_threshold"`

	Conn conn.Config `yaml:"conn"`
}

func (c Config) applyDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.QueueWarnThreshold == 0 {
		c.QueueWarnThreshold = 10000
	}
	return c
}
