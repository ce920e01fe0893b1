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
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
)

// handlerRegistry holds the registered user handlers. Task and
// context-request handlers are single-slot (most recent registration wins);
// the observer handlers are multi-slot. Handlers always run outside the
// registry lock.
type handlerRegistry struct {
	mu              sync.Mutex
	task            TaskHandler
	contextRequest  ContextRequestHandler
	contextReceived []ContextReceivedHandler
	message         []MessageHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{}
}

// SetTaskHandler registers h as the task handler, replacing any previous.
func (hr *handlerRegistry) SetTaskHandler(h TaskHandler) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.task = h
}

// SetContextRequestHandler registers h as the context-request handler,
// replacing any previous.
func (hr *handlerRegistry) SetContextRequestHandler(h ContextRequestHandler) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.contextRequest = h
}

// OnContextReceived adds an observer for context_sync payloads.
func (hr *handlerRegistry) OnContextReceived(h ContextReceivedHandler) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.contextReceived = append(hr.contextReceived, h)
}

// OnMessage adds an observer for notifications and uncorrelated messages.
func (hr *handlerRegistry) OnMessage(h MessageHandler) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.message = append(hr.message, h)
}

func (hr *handlerRegistry) taskHandler() TaskHandler {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	return hr.task
}

func (hr *handlerRegistry) contextRequestHandler() ContextRequestHandler {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	return hr.contextRequest
}

func (hr *handlerRegistry) eachContextReceived(
	logger *zap.SugaredLogger, ctx *core.Context, peerID string) {

	hr.mu.Lock()
	hs := append([]ContextReceivedHandler(nil), hr.contextReceived...)
	hr.mu.Unlock()

	for _, h := range hs {
		safeCall(logger, func() { h(ctx, peerID) })
	}
}

func (hr *handlerRegistry) eachMessage(
	logger *zap.SugaredLogger, m *core.Message, peerID string) {

	hr.mu.Lock()
	hs := append([]MessageHandler(nil), hr.message...)
	hr.mu.Unlock()

	for _, h := range hs {
		safeCall(logger, func() { h(m, peerID) })
	}
}

// safeCall isolates observer panics: log and continue.
func safeCall(logger *zap.SugaredLogger, f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Handler panic: %v", rec)
		}
	}()
	f()
}
