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

// Package transport implements the client side of a bridge link: one dialed
// websocket connection with automatic reconnection and an in-memory FIFO
// queue for messages sent while the link is down.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/lib/bridge/conn"
)

// Transport errors.
var (
	ErrNotConnected           = errors.New("transport is not connected")
	ErrAlreadyConnected       = errors.New("transport is already connected")
	ErrMaxReconnectsExhausted = errors.New("max reconnect attempts exhausted")
)

// State enumerates transport connection states.
type State int

// Valid states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return "UNKNOWN"
}

// Events defines the notifications a Transport emits. Implementations must
// not block; they are called from the transport's internal goroutines.
type Events interface {
	TransportMessage(msg *core.Message)
	TransportError(err error)
	TransportDisconnected()
	TransportReconnecting(attempt, maxAttempts int)
}

// Transport owns exactly one dialed connection to a remote bridge, plus the
// reconnect machinery around it.
type Transport struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger
	events Events

	url       string
	tlsConfig *tls.Config

	mu            sync.Mutex // Protects the following fields:
	state         State
	cur           *conn.Conn
	queue         []*core.Message
	intentional   bool
	reconnectWake chan struct{} // Non-nil while a reconnect wait is pending.
}

// New creates a Transport which will dial url. A nil tlsConfig dials plain
// text.
func New(
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events,
	url string,
	tlsConfig *tls.Config) *Transport {

	return &Transport{
		config:    config.applyDefaults(),
		clk:       clk,
		stats:     stats,
		logger:    logger,
		events:    events,
		url:       url,
		tlsConfig: tlsConfig,
	}
}

// URL returns the remote url this transport dials.
func (t *Transport) URL() string {
	return t.url
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// QueueLen returns the number of messages queued for the next reconnect.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.queue)
}

// Connect dials the remote. The initial attempt fails fast even when
// reconnection is enabled.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	t.intentional = false
	t.mu.Unlock()

	c, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("connect %s: %s", t.url, err)
	}
	t.becomeConnected(c)
	return nil
}

// Disconnect intentionally closes the transport. The queue is dropped and
// reconnection is suppressed.
func (t *Transport) Disconnect() {
	t.CloseWith(websocket.CloseNormalClosure, "Disconnect requested")
}

// Send writes msg if connected, queues it if a reconnect is pending, and
// fails with ErrNotConnected otherwise.
func (t *Transport) Send(msg *core.Message) error {
	t.mu.Lock()
	switch t.state {
	case StateConnected:
		c := t.cur
		t.mu.Unlock()
		return c.Send(msg)
	case StateReconnecting, StateConnecting:
		if t.config.Reconnect && !t.intentional {
			t.enqueueLocked(msg)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return ErrNotConnected
	default:
		t.mu.Unlock()
		return ErrNotConnected
	}
}

// Close implements conn.PeerConn. It behaves like Disconnect with the given
// close frame.
func (t *Transport) Close(code int, reason string) {
	t.CloseWith(code, reason)
}

// CloseWith intentionally closes the transport with a specific close frame.
func (t *Transport) CloseWith(code int, reason string) {
	t.mu.Lock()
	t.intentional = true
	t.queue = nil
	if t.reconnectWake != nil {
		close(t.reconnectWake)
		t.reconnectWake = nil
	}
	c := t.cur
	t.cur = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if c != nil {
		c.Close(code, reason)
	}
}

func (t *Transport) dial(ctx context.Context) (*conn.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: t.config.DialTimeout,
		TLSClientConfig:  t.tlsConfig,
	}
	ws, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, err
	}
	return conn.New(t.config.Conn, t.clk, t.stats, t.logger, ws, nil), nil
}

func (t *Transport) becomeConnected(c *conn.Conn) {
	t.mu.Lock()
	t.state = StateConnected
	t.cur = c
	queued := t.queue
	t.queue = nil
	t.mu.Unlock()

	go t.relay(c)
	go t.forwardErrors(c)

	if len(queued) > 0 {
		t.flush(c, queued)
	}
}

// flush drains queued messages in order. On the first send error the failing
// message is unshifted to the front of the queue and the flush aborts; the
// remainder is retried on the next reconnect.
func (t *Transport) flush(c *conn.Conn, queued []*core.Message) {
	for i, msg := range queued {
		if err := c.Send(msg); err != nil {
			t.logger.Warnf("Flush aborted at message %d/%d: %s", i+1, len(queued), err)
			t.mu.Lock()
			t.queue = append(queued[i:], t.queue...)
			t.mu.Unlock()
			return
		}
	}
	t.logger.Infof("Flushed %d queued messages", len(queued))
}

func (t *Transport) enqueueLocked(msg *core.Message) {
	t.queue = append(t.queue, msg)
	t.stats.Gauge("send_queue_length").Update(float64(len(t.queue)))
	if len(t.queue) == t.config.QueueWarnThreshold {
		t.logger.Warnf("Send queue reached %d messages", len(t.queue))
	}
}

// relay pumps inbound messages to the events sink. When the receiver channel
// closes, the underlying connection is gone and the reconnect path is
// entered.
func (t *Transport) relay(c *conn.Conn) {
	for msg := range c.Receiver() {
		t.events.TransportMessage(msg)
	}
	t.handleConnClosed(c)
}

func (t *Transport) forwardErrors(c *conn.Conn) {
	for err := range c.Errors() {
		t.events.TransportError(err)
	}
}

func (t *Transport) handleConnClosed(closed *conn.Conn) {
	t.mu.Lock()
	if t.cur != closed {
		// Already tore down or replaced this conn.
		t.mu.Unlock()
		return
	}
	t.cur = nil
	if t.intentional || !t.config.Reconnect {
		t.state = StateDisconnected
		t.mu.Unlock()
		t.events.TransportDisconnected()
		return
	}
	t.state = StateReconnecting
	t.mu.Unlock()

	t.events.TransportDisconnected()
	go t.reconnectLoop()
}

// reconnectLoop runs dial attempts at a constant interval until one succeeds
// or the attempt budget is spent.
func (t *Transport) reconnectLoop() {
	b := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(t.config.ReconnectInterval),
		uint64(t.config.MaxReconnectAttempts-1))
	b.Reset()

	attempt := 0
	for {
		attempt++
		t.events.TransportReconnecting(attempt, t.config.MaxReconnectAttempts)
		if !t.wait() {
			return // Intentional close raced the reconnect.
		}

		t.mu.Lock()
		if t.intentional {
			t.mu.Unlock()
			return
		}
		t.state = StateConnecting
		t.mu.Unlock()

		t.stats.Counter("reconnect_attempts").Inc(1)
		c, err := t.dial(context.Background())
		if err == nil {
			t.logger.Infof("Reconnected to %s after %d attempts", t.url, attempt)
			t.becomeConnected(c)
			return
		}
		t.logger.Warnf("Reconnect attempt %d/%d failed: %s",
			attempt, t.config.MaxReconnectAttempts, err)

		t.mu.Lock()
		if t.intentional {
			t.mu.Unlock()
			return
		}
		if b.NextBackOff() == backoff.Stop {
			t.state = StateDisconnected
			t.mu.Unlock()
			t.stats.Counter("reconnects_exhausted").Inc(1)
			t.events.TransportError(ErrMaxReconnectsExhausted)
			return
		}
		t.state = StateReconnecting
		t.mu.Unlock()
	}
}

// wait sleeps for the reconnect interval, waking early on intentional close.
// Returns false if the transport was closed during the wait.
func (t *Transport) wait() bool {
	t.mu.Lock()
	if t.intentional {
		t.mu.Unlock()
		return false
	}
	wake := make(chan struct{})
	t.reconnectWake = wake
	t.mu.Unlock()

	timer := t.clk.Timer(t.config.ReconnectInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
		return false
	}

	t.mu.Lock()
	if t.reconnectWake == wake {
		t.reconnectWake = nil
	}
	closed := t.intentional
	t.mu.Unlock()
	return !closed
}
