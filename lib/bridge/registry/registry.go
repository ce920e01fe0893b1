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

// Package registry tracks the set of currently connected peers in insertion
// order.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/lib/bridge/conn"
)

// Registry errors.
var (
	ErrPeerExists   = errors.New("peer already registered")
	ErrPeerNotFound = errors.New("peer not found")
	ErrNoPeers      = errors.New("no peers connected")
)

// Peer is the registry's record of one connected remote bridge.
type Peer struct {
	ID          string
	Conn        conn.PeerConn
	ConnectedAt time.Time

	// lastActivity is unix milliseconds, updated lock-free on every inbound
	// frame.
	lastActivity *atomic.Int64

	mu   sync.Mutex // Protects the following fields:
	name string
}

// Name returns the peer-reported name. Best-effort; may be stale.
func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.name
}

// SetName records the peer-reported name.
func (p *Peer) SetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.name = name
}

// LastActivity returns the time of the last inbound frame from this peer.
func (p *Peer) LastActivity() time.Time {
	return time.UnixMilli(p.lastActivity.Load())
}

// Touch advances lastActivity to now. lastActivity never moves backwards.
func (p *Peer) Touch(now time.Time) {
	ms := now.UnixMilli()
	for {
		cur := p.lastActivity.Load()
		if ms <= cur || p.lastActivity.CAS(cur, ms) {
			return
		}
	}
}

// Info returns a public snapshot of the peer.
func (p *Peer) Info() core.PeerInfo {
	return core.PeerInfo{
		ID:           p.ID,
		Name:         p.Name(),
		ConnectedAt:  p.ConnectedAt,
		LastActivity: p.LastActivity(),
	}
}

// Registry is an insertion-ordered, key-unique mapping from peer id to peer
// record.
type Registry struct {
	clk clock.Clock

	mu    sync.Mutex
	peers map[string]*Peer
	order []string
}

// New creates an empty Registry.
func New(clk clock.Clock) *Registry {
	return &Registry{
		clk:   clk,
		peers: make(map[string]*Peer),
	}
}

// Add registers a new peer with the given id, initial name and connection.
func (r *Registry) Add(id, name string, pc conn.PeerConn) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; ok {
		return nil, ErrPeerExists
	}
	now := r.clk.Now()
	p := &Peer{
		ID:           id,
		Conn:         pc,
		ConnectedAt:  now,
		name:         name,
		lastActivity: atomic.NewInt64(now.UnixMilli()),
	}
	r.peers[id] = p
	r.order = append(r.order, id)
	return p, nil
}

// Remove deletes the peer with the given id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return ErrPeerNotFound
	}
	delete(r.peers, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the peer with the given id.
func (r *Registry) Get(id string) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p, nil
}

// List returns all peers in insertion order.
func (r *Registry) List() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		ps = append(ps, r.peers[id])
	}
	return ps
}

// First returns the first peer in insertion order, optionally excluding one
// id. Used to pick default delegation and forwarding targets.
func (r *Registry) First(excluding string) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if id != excluding {
			return r.peers[id], nil
		}
	}
	return nil, ErrNoPeers
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.peers)
}

// Touch advances lastActivity for the given peer, if present.
func (r *Registry) Touch(id string) {
	if p, err := r.Get(id); err == nil {
		p.Touch(r.clk.Now())
	}
}

// Infos returns public snapshots of all peers in insertion order.
func (r *Registry) Infos() []core.PeerInfo {
	var infos []core.PeerInfo
	for _, p := range r.List() {
		infos = append(infos, p.Info())
	}
	return infos
}

// Clear removes all peers and returns them.
func (r *Registry) Clear() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		ps = append(ps, r.peers[id])
	}
	r.peers = make(map[string]*Peer)
	r.order = nil
	return ps
}
