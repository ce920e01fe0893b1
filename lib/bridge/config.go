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
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"

	"github.com/uber/agentbridge/lib/bridge/conn"
	"github.com/uber/agentbridge/lib/bridge/transport"
)

// Mode declares which half of the link this bridge provides.
type Mode string

// Valid modes.
const (
	ModeHost   Mode = "host"   // Listen only.
	ModeClient Mode = "client" // Dial only.
	ModePeer   Mode = "peer"   // Either or both.
)

// ListenConfig configures the host side.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TLS is an opaque server TLS context; nil listens plain text.
	// Certificate loading is an external concern.
	TLS *tls.Config `yaml:"-"`
}

// Addr returns the listen address.
func (c ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectConfig configures the client side.
type ConnectConfig struct {
	// URL takes precedence over Host/Port when set.
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Reconnect            bool          `yaml:"reconnect"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// TLS is an opaque client TLS context; nil dials ws://, non-nil wss://.
	TLS *tls.Config `yaml:"-"`
}

// Target returns the url to dial.
func (c ConnectConfig) Target() string {
	if c.URL != "" {
		return c.URL
	}
	scheme := "ws"
	if c.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// ContextSharingConfig configures periodic context broadcast.
type ContextSharingConfig struct {
	AutoSync     bool          `yaml:"auto_sync"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// Config is the top-level bridge configuration.
type Config struct {
	Mode         Mode   `yaml:"mode" validate:"nonzero"`
	InstanceName string `yaml:"instance_name" validate:"nonzero"`

	Listen  *ListenConfig  `yaml:"listen"`
	Connect *ConnectConfig `yaml:"connect"`

	// TaskTimeout is the default deadline for delegated tasks without an
	// explicit timeout of their own.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// ContextRequestTimeout is the default deadline for context queries.
	ContextRequestTimeout time.Duration `yaml:"context_request_timeout"`

	ContextSharing ContextSharingConfig `yaml:"context_sharing"`

	// StatusFile, when set, is where the peer-set status document is
	// maintained for external tooling.
	StatusFile string `yaml:"status_file"`

	Conn      conn.Config      `yaml:"conn"`
	Transport transport.Config `yaml:"transport"`
}

func (c Config) applyDefaults() Config {
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.ContextRequestTimeout == 0 {
		c.ContextRequestTimeout = 30 * time.Second
	}
	if c.ContextSharing.SyncInterval == 0 {
		c.ContextSharing.SyncInterval = 5 * time.Second
	}
	if c.Connect != nil {
		if c.Connect.ReconnectInterval == 0 {
			c.Connect.ReconnectInterval = time.Second
		}
		if c.Connect.MaxReconnectAttempts == 0 {
			c.Connect.MaxReconnectAttempts = 10
		}
	}
	return c
}

// validateMode checks the listen/connect requirements of the configured
// mode.
func (c Config) validateMode() error {
	switch c.Mode {
	case ModeHost:
		if c.Listen == nil {
			return InvalidConfigError{Reason: "host mode requires a listen config"}
		}
	case ModeClient:
		if c.Connect == nil {
			return InvalidConfigError{Reason: "client mode requires a connect config"}
		}
	case ModePeer:
		if c.Listen == nil && c.Connect == nil {
			return InvalidConfigError{Reason: "peer mode requires a listen or connect config"}
		}
	default:
		return InvalidConfigError{Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	return nil
}

// ParseConfig loads and validates a yaml config file.
func ParseConfig(path string) (Config, error) {
	var config Config
	b, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %s", err)
	}
	if err := yaml.Unmarshal(b, &config); err != nil {
		return config, fmt.Errorf("parse config: %s", err)
	}
	if err := validator.Validate(config); err != nil {
		return config, fmt.Errorf("validate config: %s", err)
	}
	return config, nil
}
