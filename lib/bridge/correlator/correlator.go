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

// Package correlator encapsulates thread-safe bookkeeping of in-flight
// requests. Every registered id is completed exactly once: by a matching
// response, deadline expiry, peer disconnect, or shutdown. The single-hop
// forward tables live under the same lock so a second forward of the same
// message id is refused atomically.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Correlator errors.
var (
	ErrIDCollision      = errors.New("request id already pending")
	ErrForwardCollision = errors.New("message id already forwarded")
)

// TimeoutError indicates a pending request whose deadline expired before a
// response arrived.
type TimeoutError struct {
	ID       string
	Deadline time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %dms", e.ID, e.Deadline.Milliseconds())
}

// Kind distinguishes the two pending tables.
type Kind string

// Valid kinds.
const (
	KindTask    Kind = "task"
	KindContext Kind = "context"
)

type key struct {
	kind Kind
	id   string
}

// Pending is the caller's handle on an in-flight request. Exactly one of a
// result or an error is delivered.
type Pending struct {
	Kind   Kind
	ID     string
	PeerID string

	result chan outcome
}

type outcome struct {
	result interface{}
	err    error
}

// Wait blocks until the request reaches a terminal state or ctx is done.
func (p *Pending) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-p.result:
		return o.result, o.err
	}
}

// Forward records where a forwarded request originated so its response can
// be routed back.
type Forward struct {
	OriginatorPeerID string
	IssuedAt         time.Time
}

type entry struct {
	pending *Pending
	timer   *clock.Timer
}

// Correlator owns the pending-request and forward tables.
type Correlator struct {
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu       sync.Mutex
	pending  map[key]*entry
	forwards map[key]Forward
}

// New creates a Correlator.
func New(clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Correlator {
	return &Correlator{
		clk:      clk,
		stats:    stats,
		logger:   logger,
		pending:  make(map[key]*entry),
		forwards: make(map[key]Forward),
	}
}

// Register inserts a pending entry with a deadline. Fails if id is already
// pending under the same kind.
func (c *Correlator) Register(
	kind Kind, id, peerID string, timeout time.Duration) (*Pending, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{kind, id}
	if _, ok := c.pending[k]; ok {
		return nil, ErrIDCollision
	}
	p := &Pending{
		Kind:   kind,
		ID:     id,
		PeerID: peerID,
		result: make(chan outcome, 1),
	}
	timer := c.clk.AfterFunc(timeout, func() {
		c.Complete(kind, id, nil, TimeoutError{ID: id, Deadline: timeout})
	})
	c.pending[k] = &entry{pending: p, timer: timer}
	return p, nil
}

// Complete resolves the pending entry with a result or error. It is atomic
// and exactly-once: the deadline timer is cancelled, the entry removed, and
// the waiter released. Returns false if the id is unknown (e.g. a response
// arriving after expiry), in which case the outcome is dropped.
func (c *Correlator) Complete(kind Kind, id string, result interface{}, err error) bool {
	c.mu.Lock()
	k := key{kind, id}
	e, ok := c.pending[k]
	if !ok {
		c.mu.Unlock()
		c.logger.Debugf("Dropping outcome for unknown %s request %s", kind, id)
		return false
	}
	delete(c.pending, k)
	c.mu.Unlock()

	e.timer.Stop()
	if err != nil {
		c.stats.Tagged(map[string]string{"kind": string(kind)}).
			Counter("request_failures").Inc(1)
	}
	e.pending.result <- outcome{result: result, err: err}
	return true
}

// FailPeer completes every pending entry registered against peerID with err,
// and drops forward entries originated by it.
func (c *Correlator) FailPeer(peerID string, err error) {
	c.mu.Lock()
	var found []*Pending
	for k, e := range c.pending {
		if e.pending.PeerID == peerID {
			delete(c.pending, k)
			e.timer.Stop()
			found = append(found, e.pending)
		}
	}
	for k, f := range c.forwards {
		if f.OriginatorPeerID == peerID {
			delete(c.forwards, k)
		}
	}
	c.mu.Unlock()

	for _, p := range found {
		p.result <- outcome{err: err}
	}
}

// FailAll completes every pending entry with err and clears the forward
// tables. Used during shutdown.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	var found []*Pending
	for k, e := range c.pending {
		delete(c.pending, k)
		e.timer.Stop()
		found = append(found, e.pending)
	}
	c.forwards = make(map[key]Forward)
	c.mu.Unlock()

	for _, p := range found {
		p.result <- outcome{err: err}
	}
}

// AddForward records that a request with the given original message id was
// forwarded on behalf of originatorPeerID. A collision means the id was
// already forwarded once; the caller must refuse a second hop.
func (c *Correlator) AddForward(kind Kind, id, originatorPeerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{kind, id}
	if _, ok := c.forwards[k]; ok {
		return ErrForwardCollision
	}
	c.forwards[k] = Forward{
		OriginatorPeerID: originatorPeerID,
		IssuedAt:         c.clk.Now(),
	}
	return nil
}

// TakeForward removes and returns the forward entry for id, if present.
func (c *Correlator) TakeForward(kind Kind, id string) (Forward, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{kind, id}
	f, ok := c.forwards[k]
	if ok {
		delete(c.forwards, k)
	}
	return f, ok
}

// NumPending returns the number of in-flight entries of the given kind.
func (c *Correlator) NumPending(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.pending {
		if k.kind == kind {
			n++
		}
	}
	return n
}
