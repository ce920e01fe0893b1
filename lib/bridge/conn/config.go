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
package conn

import (
	"time"

	"github.com/uber/agentbridge/utils/memsize"
)

// Config is the configuration for individual live connections.
type Config struct {

	// HeartbeatInterval is how often a ping is sent while the connection is
	// healthy.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long to wait for a pong before the connection
	// is considered dead and force-closed.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// SendBufferSize is the capacity of the sender channel. Prevents writers
	// from being blocked when many goroutines send at the same time.
	SendBufferSize int `yaml:"send_buffer_size"`

	// SendTimeout bounds how long Send blocks on a full sender channel
	// before failing with ErrSendBackpressure.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// WriteTimeout is the write deadline for a single frame.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReceiverBufferSize is the capacity of the receiver channel.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// MaxFrameSize caps the size of inbound frames.
	MaxFrameSize int64 `yaml:"max_frame_size"`
}

func (c Config) applyDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 1024
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 1024
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 32 * memsize.MB
	}
	return c
}
