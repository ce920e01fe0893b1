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
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/lib/bridge/protocol"
)

type eventsRecorder struct {
	messages     chan *core.Message
	errs         chan error
	disconnected chan struct{}
	reconnecting chan int
}

func newEventsRecorder() *eventsRecorder {
	return &eventsRecorder{
		messages:     make(chan *core.Message, 64),
		errs:         make(chan error, 64),
		disconnected: make(chan struct{}, 64),
		reconnecting: make(chan int, 64),
	}
}

func (e *eventsRecorder) TransportMessage(msg *core.Message) { e.messages <- msg }
func (e *eventsRecorder) TransportError(err error)           { e.errs <- err }
func (e *eventsRecorder) TransportDisconnected()             { e.disconnected <- struct{}{} }
func (e *eventsRecorder) TransportReconnecting(attempt, maxAttempts int) {
	e.reconnecting <- attempt
}

// wsServer accepts websocket connections and hands them to tests.
type wsServer struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server conn")
		return nil
	}
}

// readIDs pumps frames off a server-side conn and reports message ids.
func readIDs(ws *websocket.Conn) <-chan string {
	ids := make(chan string, 64)
	go func() {
		defer close(ids)
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Deserialize(frame)
			if err != nil {
				continue
			}
			ids <- msg.ID
		}
	}()
	return ids
}

func newTransport(config Config, events Events, url string) *Transport {
	return New(config, clock.New(), tally.NoopScope, zap.NewNop().Sugar(), events, url, nil)
}

func waitID(t *testing.T, ids <-chan string) string {
	t.Helper()
	select {
	case id := <-ids:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func TestTransportConnectFailsFast(t *testing.T) {
	require := require.New(t)

	tr := newTransport(
		Config{Reconnect: true}, newEventsRecorder(), "ws://127.0.0.1:1/")
	require.Error(tr.Connect(context.Background()))
	require.Equal(StateDisconnected, tr.State())
	require.Equal(ErrNotConnected, tr.Send(core.MessageFixture(core.TypeNotification)))
}

func TestTransportConnectTwiceFails(t *testing.T) {
	require := require.New(t)

	s := newWSServer(t)
	tr := newTransport(Config{}, newEventsRecorder(), s.url())
	require.NoError(tr.Connect(context.Background()))
	defer tr.Disconnect()

	require.Equal(ErrAlreadyConnected, tr.Connect(context.Background()))
}

func TestTransportSendAndReceive(t *testing.T) {
	require := require.New(t)

	s := newWSServer(t)
	events := newEventsRecorder()
	tr := newTransport(Config{}, events, s.url())
	require.NoError(tr.Connect(context.Background()))
	defer tr.Disconnect()

	remote := s.accept(t)
	ids := readIDs(remote)

	sent := core.MessageFixture(core.TypeNotification)
	require.NoError(tr.Send(sent))
	require.Equal(sent.ID, waitID(t, ids))

	inbound := core.MessageFixture(core.TypeNotification)
	frame, err := protocol.Serialize(inbound)
	require.NoError(err)
	require.NoError(remote.WriteMessage(websocket.TextMessage, frame))

	select {
	case got := <-events.messages:
		require.Equal(inbound.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestTransportQueuesAndFlushesAcrossReconnect(t *testing.T) {
	require := require.New(t)

	s := newWSServer(t)
	events := newEventsRecorder()
	// The interval leaves a comfortable window to enqueue before the first
	// redial succeeds.
	config := Config{
		Reconnect:            true,
		ReconnectInterval:    200 * time.Millisecond,
		MaxReconnectAttempts: 100,
	}
	tr := newTransport(config, events, s.url())
	require.NoError(tr.Connect(context.Background()))
	defer tr.Disconnect()

	// Kill the link from the server side to force a reconnect.
	s.accept(t).Close()

	select {
	case <-events.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}

	var sent []string
	for i := 0; i < 3; i++ {
		msg := core.MessageFixture(core.TypeNotification)
		sent = append(sent, msg.ID)
		require.NoError(tr.Send(msg))
	}

	// The queue drains in order once the dial succeeds again.
	remote := s.accept(t)
	ids := readIDs(remote)
	for _, id := range sent {
		require.Equal(id, waitID(t, ids))
	}
	require.Equal(0, tr.QueueLen())
	require.Equal(StateConnected, tr.State())
}

func TestTransportReconnectExhaustion(t *testing.T) {
	require := require.New(t)

	s := newWSServer(t)
	events := newEventsRecorder()
	config := Config{
		Reconnect:            true,
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}
	tr := newTransport(config, events, s.url())
	require.NoError(tr.Connect(context.Background()))

	// Websocket conns are hijacked, so the httptest server's Close and
	// CloseClientConnections do not touch them; sever the link directly.
	remote := s.accept(t)
	s.server.Close()
	remote.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-events.errs:
			if err == ErrMaxReconnectsExhausted {
				require.Equal(StateDisconnected, tr.State())
				require.Equal(
					ErrNotConnected, tr.Send(core.MessageFixture(core.TypeNotification)))
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for exhaustion")
		}
	}
}

func TestTransportDisconnectDropsQueue(t *testing.T) {
	require := require.New(t)

	s := newWSServer(t)
	events := newEventsRecorder()
	config := Config{
		Reconnect:            true,
		ReconnectInterval:    time.Minute, // Long enough that no dial happens mid-test.
		MaxReconnectAttempts: 100,
	}
	tr := newTransport(config, events, s.url())
	require.NoError(tr.Connect(context.Background()))

	s.accept(t).Close()
	select {
	case <-events.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}

	require.NoError(tr.Send(core.MessageFixture(core.TypeNotification)))
	require.Equal(1, tr.QueueLen())

	tr.Disconnect()
	require.Equal(0, tr.QueueLen())
	require.Equal(StateDisconnected, tr.State())
	require.Equal(ErrNotConnected, tr.Send(core.MessageFixture(core.TypeNotification)))
}
