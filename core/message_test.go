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
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	require := require.New(t)

	m := NewMessage(TypeTaskDelegate, "alpha")
	require.NotEmpty(m.ID)
	require.Equal(TypeTaskDelegate, m.Type)
	require.Equal("alpha", m.Source)
	require.NotZero(m.Timestamp)

	m2 := NewMessage(TypeTaskDelegate, "alpha")
	require.NotEqual(m.ID, m2.ID)
}

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{
		TypeRequest, TypeResponse, TypeContextSync, TypeTaskDelegate, TypeNotification,
	} {
		require.True(t, mt.Valid(), string(mt))
	}
	require.False(t, MessageType("ping").Valid())
	require.False(t, MessageType("").Valid())
}

func TestMessageRequestID(t *testing.T) {
	require := require.New(t)

	m := MessageFixture(TypeResponse)
	require.Empty(m.RequestID())

	m.Context = &Context{Variables: map[string]interface{}{"requestId": "r-1"}}
	require.Equal("r-1", m.RequestID())
}

func TestMessageIsContextQuery(t *testing.T) {
	require := require.New(t)

	require.True(ContextQueryFixture("find the bug").IsContextQuery())
	require.False(MessageFixture(TypeRequest).IsContextQuery())

	m := MessageFixture(TypeNotification)
	m.Context = &Context{Summary: "hello"}
	require.False(m.IsContextQuery())
}
