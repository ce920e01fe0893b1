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
package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber/agentbridge/core"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	require := require.New(t)

	m := core.TaskDelegateFixture()
	m.Task.Constraints = []string{"no writes"}
	m.Task.Data = map[string]interface{}{"branch": "main"}

	b, err := Serialize(m)
	require.NoError(err)

	result, err := Deserialize(b)
	require.NoError(err)
	require.Equal(m, result)
}

func TestDeserializeContextResponse(t *testing.T) {
	require := require.New(t)

	m := core.MessageFixture(core.TypeResponse)
	m.Context = &core.Context{
		Files:     []core.FileChunk{{Path: "auth.ts", Content: "export {}"}},
		Variables: map[string]interface{}{"requestId": "r-1"},
	}

	b, err := Serialize(m)
	require.NoError(err)

	result, err := Deserialize(b)
	require.NoError(err)
	require.Equal("r-1", result.RequestID())
	require.Equal(m.Context.Files, result.Context.Files)
}

func TestDeserializeRejectsInvalidJSON(t *testing.T) {
	_, err := Deserialize([]byte("{not json"))
	require.Error(t, err)
	require.IsType(t, &ParseError{}, err)
}

func TestDeserializeRejectsUnknownType(t *testing.T) {
	require := require.New(t)

	_, err := Deserialize([]byte(`{"id":"x","type":"ping","source":"a","timestamp":1}`))
	require.Error(err)
	serr, ok := err.(*SchemaError)
	require.True(ok)
	require.Len(serr.Fields, 1)
	require.Equal("type", serr.Fields[0].Path)
}

func TestDeserializeRejectsMissingPayload(t *testing.T) {
	require := require.New(t)

	_, err := Deserialize([]byte(`{"id":"x","type":"task_delegate","source":"a","timestamp":1}`))
	serr, ok := err.(*SchemaError)
	require.True(ok)
	require.Equal("task", serr.Fields[0].Path)

	_, err = Deserialize([]byte(`{"id":"x","type":"context_sync","source":"a","timestamp":1}`))
	serr, ok = err.(*SchemaError)
	require.True(ok)
	require.Equal("context", serr.Fields[0].Path)
}

func TestDeserializeIgnoresUnknownFields(t *testing.T) {
	require := require.New(t)

	m, err := Deserialize([]byte(
		`{"id":"x","type":"notification","source":"a","timestamp":1,"hopCount":2,"extra":{"k":"v"}}`))
	require.NoError(err)
	require.Equal("x", m.ID)
	require.Equal(core.TypeNotification, m.Type)
}
