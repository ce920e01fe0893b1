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

// Package protocol defines the wire codec for bridge messages: one UTF-8
// JSON text frame per message. Unknown fields are ignored on ingress so the
// envelope can grow without breaking old peers.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/uber/agentbridge/core"
)

// Serialize encodes m as a single JSON frame. It fails only if a payload
// field contains values JSON cannot encode; fields are never dropped.
func Serialize(m *core.Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %s", err)
	}
	return b, nil
}

// Deserialize decodes and validates a single frame. Frames that are not
// valid JSON produce a *ParseError; frames that do not satisfy the envelope
// schema produce a *SchemaError.
func Deserialize(b []byte) (*core.Message, error) {
	var m core.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &ParseError{Err: err}
	}
	if ferrs := validate(&m); len(ferrs) > 0 {
		return nil, &SchemaError{Fields: ferrs}
	}
	return &m, nil
}

// validate checks the envelope schema and returns one entry per violation,
// each naming the offending field path.
func validate(m *core.Message) []FieldError {
	var ferrs []FieldError
	if m.ID == "" {
		ferrs = append(ferrs, FieldError{Path: "id", Reason: "missing"})
	}
	if !m.Type.Valid() {
		ferrs = append(ferrs, FieldError{
			Path:   "type",
			Reason: fmt.Sprintf("unknown message type %q", m.Type),
		})
	}
	if m.Timestamp < 0 {
		ferrs = append(ferrs, FieldError{Path: "timestamp", Reason: "negative"})
	}
	switch m.Type {
	case core.TypeTaskDelegate:
		if m.Task == nil {
			ferrs = append(ferrs, FieldError{Path: "task", Reason: "missing for task_delegate"})
		} else if m.Task.ID == "" {
			ferrs = append(ferrs, FieldError{Path: "task.id", Reason: "missing"})
		}
	case core.TypeContextSync:
		if m.Context == nil {
			ferrs = append(ferrs, FieldError{Path: "context", Reason: "missing for context_sync"})
		}
	case core.TypeResponse:
		if m.Result == nil && m.Context == nil {
			ferrs = append(ferrs, FieldError{Path: "result", Reason: "response carries neither result nor context"})
		}
	}
	return ferrs
}
