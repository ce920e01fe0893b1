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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateMode(t *testing.T) {
	listen := &ListenConfig{Port: 9100}
	connect := &ConnectConfig{Host: "localhost", Port: 9100}

	tests := []struct {
		desc   string
		config Config
		ok     bool
	}{
		{"host with listen", Config{Mode: ModeHost, Listen: listen}, true},
		{"host without listen", Config{Mode: ModeHost}, false},
		{"client with connect", Config{Mode: ModeClient, Connect: connect}, true},
		{"client without connect", Config{Mode: ModeClient}, false},
		{"peer with listen only", Config{Mode: ModePeer, Listen: listen}, true},
		{"peer with connect only", Config{Mode: ModePeer, Connect: connect}, true},
		{"peer with neither", Config{Mode: ModePeer}, false},
		{"unknown mode", Config{Mode: "relay", Listen: listen}, false},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			err := test.config.validateMode()
			if test.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.IsType(t, InvalidConfigError{}, err)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	require := require.New(t)

	c := Config{Connect: &ConnectConfig{Host: "localhost", Port: 9100}}.applyDefaults()
	require.Equal(5*time.Minute, c.TaskTimeout)
	require.Equal(30*time.Second, c.ContextRequestTimeout)
	require.Equal(5*time.Second, c.ContextSharing.SyncInterval)
	require.Equal(time.Second, c.Connect.ReconnectInterval)
	require.Equal(10, c.Connect.MaxReconnectAttempts)
}

func TestConnectConfigTarget(t *testing.T) {
	require := require.New(t)

	require.Equal(
		"ws://localhost:9100",
		ConnectConfig{Host: "localhost", Port: 9100}.Target())
	require.Equal(
		"ws://example.com/bridge",
		ConnectConfig{URL: "ws://example.com/bridge", Host: "ignored"}.Target())
}

func TestParseConfig(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(os.WriteFile(path, []byte(`
mode: peer
instance_name: backend-agent
listen:
  host: 127.0.0.1
  port: 9100
connect:
  host: 127.0.0.1
  port: 9200
  reconnect: true
task_timeout: 1m
`), 0644))

	config, err := ParseConfig(path)
	require.NoError(err)
	require.Equal(ModePeer, config.Mode)
	require.Equal("backend-agent", config.InstanceName)
	require.Equal("127.0.0.1:9100", config.Listen.Addr())
	require.True(config.Connect.Reconnect)
	require.Equal(time.Minute, config.TaskTimeout)
}

func TestParseConfigRejectsMissingInstanceName(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(os.WriteFile(path, []byte("mode: host\n"), 0644))

	_, err := ParseConfig(path)
	require.Error(err)
}
