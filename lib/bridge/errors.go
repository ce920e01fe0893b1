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
	"errors"
	"fmt"
)

// Bridge lifecycle and peer errors.
var (
	ErrAlreadyStarted   = errors.New("bridge already started")
	ErrNotStarted       = errors.New("bridge not started")
	ErrShuttingDown     = errors.New("bridge is shutting down")
	ErrNoPeersConnected = errors.New("not connected to any peer; connect to a peer first")
	ErrPeerDisconnected = errors.New("peer disconnected")
)

// InvalidConfigError indicates a mode / configuration mismatch detected on
// start.
type InvalidConfigError struct {
	Reason string
}

func (e InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// SendError wraps a failure to hand a request frame to a peer's connection.
type SendError struct {
	PeerID string
	Err    error
}

func (e SendError) Error() string {
	return fmt.Sprintf("send to peer %s: %s", e.PeerID, e.Err)
}

func (e SendError) Unwrap() error { return e.Err }
