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

// Package conn wraps a single bidirectional websocket connection carrying
// framed bridge messages. A Conn owns a serial reader goroutine, a serial
// writer goroutine draining a bounded sender channel, and a heartbeat loop.
package conn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/lib/bridge/protocol"
)

// Conn errors.
var (
	ErrConnClosed       = errors.New("conn closed")
	ErrSendBackpressure = errors.New("send buffer full past deadline")
)

// PeerConn is the send/close surface the peer registry holds for every
// connected peer, regardless of whether the connection was dialed or
// accepted.
type PeerConn interface {
	Send(msg *core.Message) error
	Close(code int, reason string)
}

// CloseHandler defines a function to be called when a Conn closes.
type CloseHandler func(*Conn)

// Conn manages message exchange over one websocket connection. Inbound
// frames are decoded and delivered in order on Receiver; per-frame decode
// errors are delivered on Errors and never close the connection.
type Conn struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	createdAt    time.Time
	closeHandler CloseHandler

	// Guards all websocket writes. The writer goroutine and the heartbeat
	// loop both write frames.
	wmu sync.Mutex
	ws  *websocket.Conn

	sender   chan *core.Message
	receiver chan *core.Message
	errs     chan error

	pongReceived chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Conn over an already-established websocket connection and
// starts its loops.
func New(
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	ws *websocket.Conn,
	closeHandler CloseHandler) *Conn {

	config = config.applyDefaults()
	ws.SetReadLimit(config.MaxFrameSize)

	c := &Conn{
		config:       config,
		clk:          clk,
		stats:        stats,
		logger:       logger,
		createdAt:    clk.Now(),
		closeHandler: closeHandler,
		ws:           ws,
		sender:       make(chan *core.Message, config.SendBufferSize),
		receiver:     make(chan *core.Message, config.ReceiverBufferSize),
		errs:         make(chan error, 1),
		pongReceived: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		select {
		case c.pongReceived <- struct{}{}:
		default:
		}
		return nil
	})

	c.wg.Add(3)
	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()

	return c
}

// CreatedAt returns the time at which the Conn was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(remote=%s)", c.RemoteAddr())
}

// Send enqueues msg for writing. It blocks for at most the configured send
// timeout when the sender channel is full, then fails with
// ErrSendBackpressure.
func (c *Conn) Send(msg *core.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.sender <- msg:
		return nil
	default:
	}
	timeout := c.clk.Timer(c.config.SendTimeout)
	defer timeout.Stop()
	select {
	case <-c.done:
		return ErrConnClosed
	case c.sender <- msg:
		return nil
	case <-timeout.C:
		c.stats.Counter("dropped_messages").Inc(1)
		return ErrSendBackpressure
	}
}

// Receiver returns a read-only channel for incoming messages. It is closed
// when the read loop exits.
func (c *Conn) Receiver() <-chan *core.Message {
	return c.receiver
}

// Errors returns a channel of per-frame decode errors. Frames which fail to
// decode are dropped; the connection survives.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Close starts the shutdown sequence for the Conn, sending a close frame
// with the given code and reason on a best-effort basis.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		go func() {
			c.wmu.Lock()
			msg := websocket.FormatCloseMessage(code, reason)
			deadline := time.Now().Add(c.config.WriteTimeout)
			c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			c.wmu.Unlock()

			close(c.done)
			c.ws.Close()
			c.wg.Wait()
			close(c.errs)
			if c.closeHandler != nil {
				c.closeHandler(c)
			}
		}()
	})
}

// readLoop decodes frames off the underlying connection and delivers them to
// the receiver channel in order.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Infof("Error reading frame, exiting read loop: %s", err)
			}
			return
		}
		msg, err := protocol.Deserialize(frame)
		if err != nil {
			// Bad frames are isolated: report and carry on.
			c.stats.Counter("decode_errors").Inc(1)
			c.logger.Warnf("Discarding undecodable frame: %s", err)
			select {
			case c.errs <- err:
			default:
			}
			continue
		}
		select {
		case <-c.done:
			return
		case c.receiver <- msg:
		}
	}
}

// writeLoop writes messages to the underlying connection by pulling them off
// the sender channel.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			frame, err := protocol.Serialize(msg)
			if err != nil {
				c.stats.Counter("encode_errors").Inc(1)
				c.logger.Errorf("Error serializing message %s: %s", msg, err)
				continue
			}
			c.wmu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err = c.ws.WriteMessage(websocket.TextMessage, frame)
			c.wmu.Unlock()
			if err != nil {
				c.logger.Infof("Error writing frame, exiting write loop: %s", err)
				return
			}
		}
	}
}

// heartbeatLoop sends periodic pings and force-closes the connection when a
// pong does not arrive in time.
func (c *Conn) heartbeatLoop() {
	defer func() {
		c.wg.Done()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	ticker := c.clk.Ticker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.logger.Infof("Heartbeat failed, closing conn: %s", err)
				return
			}
		}
	}
}

func (c *Conn) ping() error {
	// Drain any stale pong before sending.
	select {
	case <-c.pongReceived:
	default:
	}

	c.wmu.Lock()
	deadline := time.Now().Add(c.config.WriteTimeout)
	err := c.ws.WriteControl(websocket.PingMessage, nil, deadline)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write ping: %s", err)
	}

	timeout := c.clk.Timer(c.config.HeartbeatTimeout)
	defer timeout.Stop()
	select {
	case <-c.done:
		return nil
	case <-c.pongReceived:
		return nil
	case <-timeout.C:
		c.stats.Counter("heartbeat_timeouts").Inc(1)
		return fmt.Errorf("no pong within %s", c.config.HeartbeatTimeout)
	}
}
