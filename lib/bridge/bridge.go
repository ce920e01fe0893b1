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

// Package bridge couples cooperating agents over long-lived websocket
// links. A Bridge hosts inbound peers, dials outbound peers, correlates
// request/response pairs, and routes inbound messages to registered
// handlers, forwarding unhandleable requests one hop to another peer.
package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gorilla/websocket"
	"github.com/satori/go.uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/lib/bridge/conn"
	"github.com/uber/agentbridge/lib/bridge/correlator"
	"github.com/uber/agentbridge/lib/bridge/registry"
	"github.com/uber/agentbridge/lib/bridge/router"
	"github.com/uber/agentbridge/lib/bridge/statusfile"
	"github.com/uber/agentbridge/lib/bridge/transport"
	"github.com/uber/agentbridge/utils/errutil"
	"github.com/uber/agentbridge/utils/log"
)

// CloseAuthFailure is the close code sent when the authenticator rejects a
// connection attempt.
const CloseAuthFailure = 4001

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock overrides the bridge clock.
func WithClock(clk clock.Clock) Option {
	return func(b *Bridge) { b.clk = clk }
}

// WithLogger overrides the bridge logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithStats overrides the bridge metrics scope.
func WithStats(stats tally.Scope) Option {
	return func(b *Bridge) { b.stats = stats }
}

// WithAuthenticator overrides the connection authenticator.
func WithAuthenticator(auth Authenticator) Option {
	return func(b *Bridge) { b.auth = auth }
}

// Bridge is the top-level lifecycle owner wiring transports, the peer
// registry, the correlator, and the router together.
type Bridge struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger
	auth   Authenticator

	registry   *registry.Registry
	correlator *correlator.Correlator
	router     *router.Router
	status     *statusfile.Writer

	hmu              sync.Mutex
	peerConnected    []func(core.PeerInfo)
	peerDisconnected []func(peerID string)

	mu        sync.Mutex // Protects the following fields:
	started   bool
	stopped   bool
	listener  net.Listener
	server    *http.Server
	boundPort int

	autosyncMu   sync.Mutex
	autosyncStop chan struct{}
}

// New creates a Bridge from config.
func New(config Config, opts ...Option) *Bridge {
	b := &Bridge{
		config: config.applyDefaults(),
		clk:    clock.New(),
		stats:  tally.NoopScope,
		logger: log.Default(),
		auth:   AllowAll(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.registry = registry.New(b.clk)
	b.correlator = correlator.New(b.clk, b.stats, b.logger)
	b.router = router.New(
		config.InstanceName, b.registry, b.correlator, b.stats, b.logger)
	if config.StatusFile != "" {
		b.status = statusfile.NewWriter(config.StatusFile)
	}
	return b
}

// Start brings the bridge up according to its mode: listening, dialing, or
// both. Partial failures are rolled back; the bridge is either fully started
// or not started at all.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrShuttingDown
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := b.config.validateMode(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.started = true
	b.mu.Unlock()

	fail := func(err error) error {
		b.cleanup()
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return err
	}

	if b.config.Mode != ModeClient && b.config.Listen != nil {
		if err := b.startListener(); err != nil {
			return fail(err)
		}
	}
	if b.config.Mode != ModeHost && b.config.Connect != nil {
		cc := b.config.Connect
		tcfg := b.config.Transport
		tcfg.Reconnect = cc.Reconnect
		tcfg.ReconnectInterval = cc.ReconnectInterval
		tcfg.MaxReconnectAttempts = cc.MaxReconnectAttempts
		tcfg.Conn = b.config.Conn
		if _, err := b.dialPeer(cc.Target(), tcfg, cc.TLS); err != nil {
			return fail(err)
		}
	}

	if b.config.ContextSharing.AutoSync {
		b.StartAutoSync(nil)
	}

	// A Stop which raced this Start owns the teardown; surface the error.
	b.mu.Lock()
	raced := b.stopped
	b.mu.Unlock()
	if raced {
		b.cleanup()
		return ErrShuttingDown
	}

	b.logger.Infof("Bridge %s started in %s mode", b.config.InstanceName, b.config.Mode)
	return nil
}

// Stop tears the bridge down: fails all pending requests, closes every peer
// connection with code 1000 and reason "Bridge stopping", closes the
// listener, and removes the status file. Idempotent; a second call is a
// no-op returning nil.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.logger.Infof("Bridge %s stopping", b.config.InstanceName)
	return b.cleanup()
}

// cleanup releases all resources acquired since Start. Safe to call on a
// partially started bridge.
func (b *Bridge) cleanup() error {
	b.StopAutoSync()
	b.correlator.FailAll(ErrShuttingDown)
	b.router.Close()

	var errs []error
	for _, p := range b.registry.Clear() {
		p.Conn.Close(websocket.CloseNormalClosure, "Bridge stopping")
	}

	b.mu.Lock()
	server := b.server
	b.server = nil
	b.listener = nil
	b.mu.Unlock()
	if server != nil {
		if err := server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close server: %s", err))
		}
	}

	if b.status != nil {
		if err := b.status.Clean(); err != nil {
			errs = append(errs, err)
		}
	}
	return errutil.Join(errs)
}

// IsStarted returns whether the bridge is running.
func (b *Bridge) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.started && !b.stopped
}

// Mode returns the configured mode.
func (b *Bridge) Mode() Mode {
	return b.config.Mode
}

// InstanceName returns the local instance name stamped on outgoing
// messages.
func (b *Bridge) InstanceName() string {
	return b.config.InstanceName
}

// Peers returns public snapshots of all connected peers in connect order.
func (b *Bridge) Peers() []core.PeerInfo {
	return b.registry.Infos()
}

// PeerCount returns the number of connected peers.
func (b *Bridge) PeerCount() int {
	return b.registry.Len()
}

// BoundAddr returns the actual listen address, useful when listening on
// port 0.
func (b *Bridge) BoundAddr() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// --- Listener path. ---

func (b *Bridge) startListener() error {
	lc := b.config.Listen
	ln, err := net.Listen("tcp", lc.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %s", lc.Addr(), err)
	}
	if lc.TLS != nil {
		ln = tls.NewListener(ln, lc.TLS)
	}
	server := &http.Server{Handler: http.HandlerFunc(b.serveWS)}

	b.mu.Lock()
	b.listener = ln
	b.server = server
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		b.boundPort = addr.Port
	}
	b.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Errorf("Serve exited: %s", err)
		}
	}()
	b.logger.Infof("Listening on %s", ln.Addr())
	return nil
}

// serveWS upgrades an inbound connection on any path, runs the
// authenticator, and registers the peer.
func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	decision := b.auth.Authenticate(r)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnf("Websocket upgrade failed: %s", err)
		return
	}

	if !decision.Allow {
		b.stats.Counter("auth_rejects").Inc(1)
		b.logger.Warnf("Rejected connection from %s: %s", r.RemoteAddr, decision.Reason)
		msg := websocket.FormatCloseMessage(CloseAuthFailure, decision.Reason)
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		ws.Close()
		return
	}

	c := conn.New(b.config.Conn, b.clk, b.stats, b.logger, ws, nil)
	p, err := b.registry.Add(uuid.NewV4().String(), "client", c)
	if err != nil {
		c.Close(websocket.CloseNormalClosure, "")
		return
	}
	go b.drainErrors(c)
	go b.readPeer(p, c)

	b.logger.Infof("Accepted peer %s from %s", p.ID, r.RemoteAddr)
	b.notifyPeerConnected(p)
	b.writeStatus()
}

// readPeer pumps inbound messages into the router. The loop exits when the
// connection dies, at which point the peer is removed.
func (b *Bridge) readPeer(p *registry.Peer, c *conn.Conn) {
	for msg := range c.Receiver() {
		b.router.HandleMessage(p, msg)
	}
	b.removePeer(p.ID, ErrPeerDisconnected)
}

func (b *Bridge) drainErrors(c *conn.Conn) {
	for err := range c.Errors() {
		b.logger.Warnf("Protocol error: %s", err)
	}
}

// --- Dial path. ---

// ConnectToPeer dials url and registers the remote as a new peer. The
// initial dial fails fast; reconnection behavior follows the transport
// config.
func (b *Bridge) ConnectToPeer(url string) (string, error) {
	if !b.IsStarted() {
		return "", ErrNotStarted
	}
	tcfg := b.config.Transport
	tcfg.Conn = b.config.Conn
	return b.dialPeer(url, tcfg, nil)
}

func (b *Bridge) dialPeer(url string, tcfg transport.Config, tlsConfig *tls.Config) (string, error) {
	peerID := uuid.NewV4().String()
	ev := &transportEvents{b: b, peerID: peerID}
	t := transport.New(tcfg, b.clk, b.stats, b.logger, ev, url, tlsConfig)
	ev.t = t

	if err := t.Connect(context.Background()); err != nil {
		return "", err
	}
	p, err := b.registry.Add(peerID, "server", t)
	if err != nil {
		t.Disconnect()
		return "", err
	}
	b.logger.Infof("Connected to peer %s at %s", peerID, url)
	b.notifyPeerConnected(p)
	b.writeStatus()
	return peerID, nil
}

// DisconnectFromPeer closes the connection to the given peer. A second call
// for the same id fails with registry.ErrPeerNotFound.
func (b *Bridge) DisconnectFromPeer(peerID string) error {
	p, err := b.registry.Get(peerID)
	if err != nil {
		return err
	}
	p.Conn.Close(websocket.CloseNormalClosure, "Disconnect requested")
	b.removePeer(peerID, ErrPeerDisconnected)
	return nil
}

// removePeer unregisters a peer and fails its pending requests. No-op if
// the peer was already removed.
func (b *Bridge) removePeer(peerID string, cause error) {
	if err := b.registry.Remove(peerID); err != nil {
		return
	}
	b.correlator.FailPeer(peerID, cause)
	b.logger.Infof("Peer %s removed: %s", peerID, cause)
	b.notifyPeerDisconnected(peerID)
	b.writeStatus()
}

// transportEvents binds a dialed transport's notifications to the bridge.
type transportEvents struct {
	b      *Bridge
	peerID string
	t      *transport.Transport
}

func (ev *transportEvents) TransportMessage(msg *core.Message) {
	p, err := ev.b.registry.Get(ev.peerID)
	if err != nil {
		return
	}
	ev.b.router.HandleMessage(p, msg)
}

func (ev *transportEvents) TransportError(err error) {
	if err == transport.ErrMaxReconnectsExhausted {
		ev.b.removePeer(ev.peerID, ErrPeerDisconnected)
	}
	ev.b.logger.Warnf("Transport error for peer %s: %s", ev.peerID, err)
}

func (ev *transportEvents) TransportDisconnected() {
	// While the transport is reconnecting the peer stays registered so
	// sends keep queueing; it is removed only when the link is given up.
	if ev.t.State() == transport.StateReconnecting {
		ev.b.logger.Infof("Peer %s link lost, reconnecting", ev.peerID)
		return
	}
	ev.b.removePeer(ev.peerID, ErrPeerDisconnected)
}

func (ev *transportEvents) TransportReconnecting(attempt, maxAttempts int) {
	ev.b.stats.Counter("peer_reconnects").Inc(1)
	ev.b.logger.Infof("Reconnecting to peer %s (%d/%d)", ev.peerID, attempt, maxAttempts)
}

// --- Outbound API. ---

// DelegateTask sends task to a peer and waits for its result. An empty
// peerID targets the first connected peer. The deadline is the task's own
// timeout if set, else the configured task timeout.
func (b *Bridge) DelegateTask(
	ctx context.Context, task *core.TaskRequest, peerID string) (*core.TaskResult, error) {

	if !b.IsStarted() {
		return nil, ErrNotStarted
	}
	p, err := b.targetPeer(peerID)
	if err != nil {
		return nil, err
	}

	timeout := b.config.TaskTimeout
	if task.Timeout > 0 {
		timeout = time.Duration(task.Timeout) * time.Millisecond
	}
	pending, err := b.correlator.Register(correlator.KindTask, task.ID, p.ID, timeout)
	if err != nil {
		return nil, err
	}

	msg := core.NewMessage(core.TypeTaskDelegate, b.config.InstanceName)
	msg.Task = task
	if err := p.Conn.Send(msg); err != nil {
		serr := SendError{PeerID: p.ID, Err: err}
		b.correlator.Complete(correlator.KindTask, task.ID, nil, serr)
		return nil, serr
	}

	result, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return result.(*core.TaskResult), nil
}

// RequestContext asks a peer for ranked file chunks matching query. A zero
// timeout uses the configured default.
func (b *Bridge) RequestContext(
	ctx context.Context, query, peerID string, timeout time.Duration) ([]core.FileChunk, error) {

	if !b.IsStarted() {
		return nil, ErrNotStarted
	}
	p, err := b.targetPeer(peerID)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = b.config.ContextRequestTimeout
	}

	msg := core.NewMessage(core.TypeRequest, b.config.InstanceName)
	msg.Context = &core.Context{Summary: query}

	pending, err := b.correlator.Register(correlator.KindContext, msg.ID, p.ID, timeout)
	if err != nil {
		return nil, err
	}
	if err := p.Conn.Send(msg); err != nil {
		serr := SendError{PeerID: p.ID, Err: err}
		b.correlator.Complete(correlator.KindContext, msg.ID, nil, serr)
		return nil, serr
	}

	result, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	chunks, _ := result.([]core.FileChunk)
	return chunks, nil
}

// SyncContext shares context with one peer, or broadcasts it to all peers
// when peerID is empty. Fire-and-forget.
func (b *Bridge) SyncContext(contextPayload *core.Context, peerID string) error {
	if !b.IsStarted() {
		return ErrNotStarted
	}
	if contextPayload == nil {
		contextPayload = &core.Context{}
	}
	msg := core.NewMessage(core.TypeContextSync, b.config.InstanceName)
	msg.Context = contextPayload

	if peerID != "" {
		return b.SendToPeer(peerID, msg)
	}
	b.Broadcast(msg)
	return nil
}

// Notify sends a human-readable notification. An empty peerID broadcasts.
func (b *Bridge) Notify(peerID, notificationType, text string) error {
	if !b.IsStarted() {
		return ErrNotStarted
	}
	msg := core.NewMessage(core.TypeNotification, b.config.InstanceName)
	msg.Context = &core.Context{
		Summary:   text,
		Variables: map[string]interface{}{"notificationType": notificationType},
	}
	if peerID != "" {
		return b.SendToPeer(peerID, msg)
	}
	b.Broadcast(msg)
	return nil
}

// SendToPeer sends msg to one peer. Resolves once the frame is handed to
// the connection; it does not imply delivery.
func (b *Bridge) SendToPeer(peerID string, msg *core.Message) error {
	p, err := b.registry.Get(peerID)
	if err != nil {
		return err
	}
	if err := p.Conn.Send(msg); err != nil {
		return SendError{PeerID: peerID, Err: err}
	}
	return nil
}

// Broadcast sends msg to every connected peer. Per-peer failures are
// isolated: logged, never fatal.
func (b *Bridge) Broadcast(msg *core.Message) {
	for _, p := range b.registry.List() {
		if err := p.Conn.Send(msg); err != nil {
			b.logger.Warnf("Broadcast to %s failed: %s", p.ID, err)
		}
	}
}

func (b *Bridge) targetPeer(peerID string) (*registry.Peer, error) {
	if peerID == "" {
		p, err := b.registry.First("")
		if err != nil {
			return nil, ErrNoPeersConnected
		}
		return p, nil
	}
	return b.registry.Get(peerID)
}

// --- Handler registration. ---

// OnTaskReceived registers the task handler. Single-slot; the most recent
// registration wins.
func (b *Bridge) OnTaskReceived(h router.TaskHandler) {
	b.router.Handlers().SetTaskHandler(h)
}

// OnContextRequested registers the context-request handler. Single-slot.
func (b *Bridge) OnContextRequested(h router.ContextRequestHandler) {
	b.router.Handlers().SetContextRequestHandler(h)
}

// OnContextReceived adds an observer for context_sync payloads.
func (b *Bridge) OnContextReceived(h router.ContextReceivedHandler) {
	b.router.Handlers().OnContextReceived(h)
}

// OnMessage adds an observer for notifications and uncorrelated messages.
func (b *Bridge) OnMessage(h router.MessageHandler) {
	b.router.Handlers().OnMessage(h)
}

// OnPeerConnected adds an observer for peer arrivals.
func (b *Bridge) OnPeerConnected(h func(core.PeerInfo)) {
	b.hmu.Lock()
	defer b.hmu.Unlock()

	b.peerConnected = append(b.peerConnected, h)
}

// OnPeerDisconnected adds an observer for peer departures.
func (b *Bridge) OnPeerDisconnected(h func(peerID string)) {
	b.hmu.Lock()
	defer b.hmu.Unlock()

	b.peerDisconnected = append(b.peerDisconnected, h)
}

func (b *Bridge) notifyPeerConnected(p *registry.Peer) {
	b.hmu.Lock()
	hs := append(([]func(core.PeerInfo))(nil), b.peerConnected...)
	b.hmu.Unlock()

	info := p.Info()
	for _, h := range hs {
		h(info)
	}
}

func (b *Bridge) notifyPeerDisconnected(peerID string) {
	b.hmu.Lock()
	hs := append(([]func(string))(nil), b.peerDisconnected...)
	b.hmu.Unlock()

	for _, h := range hs {
		h(peerID)
	}
}

func (b *Bridge) writeStatus() {
	if b.status == nil {
		return
	}
	b.mu.Lock()
	port := b.boundPort
	b.mu.Unlock()

	doc := statusfile.Document{
		Port:         port,
		InstanceName: b.config.InstanceName,
		Mode:         string(b.config.Mode),
		Peers:        b.registry.Infos(),
	}
	if err := b.status.Write(doc); err != nil {
		b.logger.Warnf("Error writing status file: %s", err)
	}
}
