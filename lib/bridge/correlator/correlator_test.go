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
package correlator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
)

func testCorrelator(clk clock.Clock) *Correlator {
	return New(clk, tally.NoopScope, zap.NewNop().Sugar())
}

func TestCorrelatorCompleteResolvesWaiter(t *testing.T) {
	require := require.New(t)

	c := testCorrelator(clock.NewMock())
	peerID := core.PeerIDFixture()

	p, err := c.Register(KindTask, "t-1", peerID, time.Minute)
	require.NoError(err)
	require.Equal(1, c.NumPending(KindTask))

	want := &core.TaskResult{TaskID: "t-1", Success: true}
	require.True(c.Complete(KindTask, "t-1", want, nil))
	require.Equal(0, c.NumPending(KindTask))

	result, err := p.Wait(context.Background())
	require.NoError(err)
	require.Equal(want, result)

	// Second completion is a no-op.
	require.False(c.Complete(KindTask, "t-1", want, nil))
}

func TestCorrelatorIDCollision(t *testing.T) {
	require := require.New(t)

	c := testCorrelator(clock.NewMock())
	peerID := core.PeerIDFixture()

	_, err := c.Register(KindTask, "t-1", peerID, time.Minute)
	require.NoError(err)
	_, err = c.Register(KindTask, "t-1", peerID, time.Minute)
	require.Equal(ErrIDCollision, err)

	// Same id under the other kind is a distinct entry.
	_, err = c.Register(KindContext, "t-1", peerID, time.Minute)
	require.NoError(err)
}

func TestCorrelatorDeadlineExpiry(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	c := testCorrelator(clk)

	p, err := c.Register(KindTask, "t-1", core.PeerIDFixture(), 200*time.Millisecond)
	require.NoError(err)

	clk.Add(300 * time.Millisecond)

	_, err = p.Wait(context.Background())
	require.Error(err)
	terr, ok := err.(TimeoutError)
	require.True(ok)
	require.Equal("t-1", terr.ID)
	require.Contains(err.Error(), "200ms")

	// A late response is dropped.
	require.False(c.Complete(KindTask, "t-1", &core.TaskResult{}, nil))
}

func TestCorrelatorFailPeer(t *testing.T) {
	require := require.New(t)

	c := testCorrelator(clock.NewMock())
	gone := core.PeerIDFixture()
	alive := core.PeerIDFixture()

	p1, _ := c.Register(KindTask, "t-1", gone, time.Minute)
	p2, _ := c.Register(KindContext, "r-1", gone, time.Minute)
	p3, _ := c.Register(KindTask, "t-2", alive, time.Minute)
	require.NoError(c.AddForward(KindTask, "f-1", gone))

	disconnectErr := errors.New("peer disconnected")
	c.FailPeer(gone, disconnectErr)

	_, err := p1.Wait(context.Background())
	require.Equal(disconnectErr, err)
	_, err = p2.Wait(context.Background())
	require.Equal(disconnectErr, err)

	require.Equal(1, c.NumPending(KindTask))
	_, ok := c.TakeForward(KindTask, "f-1")
	require.False(ok)

	// The other peer's entry is untouched.
	c.Complete(KindTask, "t-2", &core.TaskResult{}, nil)
	_, err = p3.Wait(context.Background())
	require.NoError(err)
}

func TestCorrelatorFailAll(t *testing.T) {
	require := require.New(t)

	c := testCorrelator(clock.NewMock())
	p1, _ := c.Register(KindTask, "t-1", core.PeerIDFixture(), time.Minute)
	p2, _ := c.Register(KindContext, "r-1", core.PeerIDFixture(), time.Minute)

	shutdownErr := errors.New("bridge is shutting down")
	c.FailAll(shutdownErr)

	_, err := p1.Wait(context.Background())
	require.Equal(shutdownErr, err)
	_, err = p2.Wait(context.Background())
	require.Equal(shutdownErr, err)
	require.Equal(0, c.NumPending(KindTask))
	require.Equal(0, c.NumPending(KindContext))
}

func TestCorrelatorForwardCollision(t *testing.T) {
	require := require.New(t)

	c := testCorrelator(clock.NewMock())
	origin := core.PeerIDFixture()

	require.NoError(c.AddForward(KindTask, "m-1", origin))
	require.Equal(ErrForwardCollision, c.AddForward(KindTask, "m-1", origin))

	f, ok := c.TakeForward(KindTask, "m-1")
	require.True(ok)
	require.Equal(origin, f.OriginatorPeerID)

	_, ok = c.TakeForward(KindTask, "m-1")
	require.False(ok)
}
