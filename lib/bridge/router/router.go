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

// Package router dispatches inbound messages to registered handlers and
// forwards unhandleable requests to another connected peer. Forwarding is
// single-hop: the forward tables are keyed by the original message id, which
// is preserved verbatim across the hop, so a second forward collides and is
// refused with an error response instead.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/lib/bridge/correlator"
	"github.com/uber/agentbridge/lib/bridge/registry"
)

// ErrNoTaskHandler is the error message sent back when neither a handler nor
// a forward target exists for a delegated task.
const errNoTaskHandler = "No task handler registered on peer"

// HandlerError wraps an error reported by a remote handler.
type HandlerError struct {
	Msg string
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("remote handler failed: %s", e.Msg)
}

// TaskHandler executes a delegated task. It is single-slot.
type TaskHandler func(ctx context.Context, task *core.TaskRequest) (*core.TaskResult, error)

// ContextRequestHandler answers a context query with ranked file chunks. It
// is single-slot.
type ContextRequestHandler func(ctx context.Context, query string) ([]core.FileChunk, error)

// ContextReceivedHandler observes context_sync payloads. Multi-slot.
type ContextReceivedHandler func(ctx *core.Context, peerID string)

// MessageHandler observes notifications and other uncorrelated messages.
// Multi-slot.
type MessageHandler func(msg *core.Message, peerID string)

// Router routes every inbound message for the bridge.
type Router struct {
	source     string
	registry   *registry.Registry
	correlator *correlator.Correlator
	stats      tally.Scope
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	handlers *handlerRegistry
}

// New creates a Router. source is the local instance name stamped on
// response envelopes.
func New(
	source string,
	reg *registry.Registry,
	corr *correlator.Correlator,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Router {

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		source:     source,
		registry:   reg,
		correlator: corr,
		stats:      stats,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		handlers:   newHandlerRegistry(),
	}
}

// Handlers exposes handler registration.
func (r *Router) Handlers() *handlerRegistry {
	return r.handlers
}

// Close cancels the context passed to in-flight handlers.
func (r *Router) Close() {
	r.cancel()
}

// HandleMessage dispatches one inbound message from peer p. Called serially
// per peer by the peer's reader; ordering within a peer is preserved up to
// handler invocation, which runs asynchronously.
func (r *Router) HandleMessage(p *registry.Peer, m *core.Message) {
	r.registry.Touch(p.ID)
	if m.Source != "" {
		// Peer-reported name; best-effort.
		p.SetName(m.Source)
	}
	r.stats.Tagged(map[string]string{"type": string(m.Type)}).
		Counter("inbound_messages").Inc(1)

	switch {
	case m.Type == core.TypeTaskDelegate:
		go r.handleTaskDelegate(p, m)
	case m.Type == core.TypeResponse && m.Result != nil && m.Result.TaskID != "":
		r.handleTaskResponse(p, m)
	case m.IsContextQuery():
		go r.handleContextRequest(p, m)
	case m.Type == core.TypeResponse && m.Context != nil:
		r.handleContextResponse(p, m)
	case m.Type == core.TypeContextSync:
		r.handlers.eachContextReceived(r.logger, m.Context, p.ID)
	default:
		r.handlers.eachMessage(r.logger, m, p.ID)
	}
}

func (r *Router) handleTaskDelegate(p *registry.Peer, m *core.Message) {
	h := r.handlers.taskHandler()
	if h == nil {
		r.forwardTask(p, m)
		return
	}

	ctx := r.ctx
	if m.Task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.Task.Timeout)*time.Millisecond)
		defer cancel()
	}

	result, err := invokeTask(ctx, h, m.Task)
	if err != nil {
		result = &core.TaskResult{Success: false, Error: err.Error()}
	} else if result == nil {
		result = &core.TaskResult{Success: true}
	}
	result.TaskID = m.Task.ID
	resp := core.NewMessage(core.TypeResponse, r.source)
	resp.Result = result
	r.sendResponse(p, resp)
}

func (r *Router) forwardTask(p *registry.Peer, m *core.Message) {
	target, err := r.registry.First(p.ID)
	if err != nil {
		r.replyTaskError(p, m.Task.ID, errNoTaskHandler)
		return
	}
	if err := r.correlator.AddForward(correlator.KindTask, m.Task.ID, p.ID); err != nil {
		// Already forwarded once; refuse a second hop.
		r.replyTaskError(p, m.Task.ID, errNoTaskHandler)
		return
	}
	r.stats.Counter("forwarded_tasks").Inc(1)
	// Forward the original frame verbatim, preserving its id.
	if err := target.Conn.Send(m); err != nil {
		r.correlator.TakeForward(correlator.KindTask, m.Task.ID)
		r.replyTaskError(p, m.Task.ID, fmt.Sprintf("forward failed: %s", err))
	}
}

func (r *Router) handleTaskResponse(p *registry.Peer, m *core.Message) {
	taskID := m.Result.TaskID
	if f, ok := r.correlator.TakeForward(correlator.KindTask, taskID); ok {
		r.relayResponse(f.OriginatorPeerID, m)
		return
	}
	r.correlator.Complete(correlator.KindTask, taskID, m.Result, nil)
}

func (r *Router) handleContextRequest(p *registry.Peer, m *core.Message) {
	h := r.handlers.contextRequestHandler()
	if h == nil {
		r.forwardContextRequest(p, m)
		return
	}

	resp := core.NewMessage(core.TypeResponse, r.source)
	chunks, err := invokeContext(r.ctx, h, m.Context.Summary)
	if err != nil {
		resp.Context = &core.Context{
			Variables: map[string]interface{}{
				"requestId": m.ID,
				"error":     err.Error(),
			},
		}
	} else {
		resp.Context = &core.Context{
			Files:     chunks,
			Variables: map[string]interface{}{"requestId": m.ID},
		}
	}
	r.sendResponse(p, resp)
}

func (r *Router) forwardContextRequest(p *registry.Peer, m *core.Message) {
	replyErr := func(msg string) {
		resp := core.NewMessage(core.TypeResponse, r.source)
		resp.Context = &core.Context{
			Variables: map[string]interface{}{"requestId": m.ID, "error": msg},
		}
		r.sendResponse(p, resp)
	}

	target, err := r.registry.First(p.ID)
	if err != nil {
		replyErr("No context handler registered on peer")
		return
	}
	if err := r.correlator.AddForward(correlator.KindContext, m.ID, p.ID); err != nil {
		replyErr("No context handler registered on peer")
		return
	}
	r.stats.Counter("forwarded_context_requests").Inc(1)
	if err := target.Conn.Send(m); err != nil {
		r.correlator.TakeForward(correlator.KindContext, m.ID)
		replyErr(fmt.Sprintf("forward failed: %s", err))
	}
}

func (r *Router) handleContextResponse(p *registry.Peer, m *core.Message) {
	requestID := m.RequestID()
	if requestID == "" {
		r.handlers.eachMessage(r.logger, m, p.ID)
		return
	}
	if f, ok := r.correlator.TakeForward(correlator.KindContext, requestID); ok {
		r.relayResponse(f.OriginatorPeerID, m)
		return
	}
	if errMsg, ok := m.Context.Variables["error"].(string); ok && errMsg != "" {
		r.correlator.Complete(
			correlator.KindContext, requestID, nil, HandlerError{Msg: errMsg})
		return
	}
	r.correlator.Complete(correlator.KindContext, requestID, m.Context.Files, nil)
}

// relayResponse sends a forwarded response back to the peer which issued the
// original request.
func (r *Router) relayResponse(originatorPeerID string, m *core.Message) {
	origin, err := r.registry.Get(originatorPeerID)
	if err != nil {
		r.logger.Warnf("Dropping forwarded response %s: originator gone", m.ID)
		return
	}
	if err := origin.Conn.Send(m); err != nil {
		r.logger.Errorf("Error relaying response %s to %s: %s", m.ID, originatorPeerID, err)
	}
}

func (r *Router) replyTaskError(p *registry.Peer, taskID, msg string) {
	resp := core.NewMessage(core.TypeResponse, r.source)
	resp.Result = &core.TaskResult{TaskID: taskID, Success: false, Error: msg}
	r.sendResponse(p, resp)
}

func (r *Router) sendResponse(p *registry.Peer, m *core.Message) {
	if err := p.Conn.Send(m); err != nil {
		r.logger.Errorf("Error sending response %s to %s: %s", m.ID, p.ID, err)
	}
}

// invokeTask calls h, converting panics into errors so a misbehaving handler
// cannot take down the router.
func invokeTask(
	ctx context.Context, h TaskHandler, task *core.TaskRequest) (result *core.TaskResult, err error) {

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task handler panic: %v", rec)
		}
	}()
	return h(ctx, task)
}

func invokeContext(
	ctx context.Context, h ContextRequestHandler, query string) (chunks []core.FileChunk, err error) {

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("context handler panic: %v", rec)
		}
	}()
	return h(ctx, query)
}
