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
	"fmt"
	"time"

	"github.com/satori/go.uuid"
)

// MessageType enumerates the kinds of messages exchanged between peers.
type MessageType string

// Valid message types. The set is closed; frames carrying any other value
// are rejected at the protocol layer.
const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeContextSync  MessageType = "context_sync"
	TypeTaskDelegate MessageType = "task_delegate"
	TypeNotification MessageType = "notification"
)

// Valid returns whether t is a member of the closed message type set.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeContextSync, TypeTaskDelegate, TypeNotification:
		return true
	}
	return false
}

// Message is the envelope for every frame on the wire. ID doubles as the
// correlation key: responses to a request reference the request's id, either
// via Result.TaskID or Context.Variables["requestId"].
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Source    string      `json:"source"`
	Timestamp int64       `json:"timestamp"`
	Context   *Context    `json:"context,omitempty"`
	Task      *TaskRequest `json:"task,omitempty"`
	Result    *TaskResult  `json:"result,omitempty"`
}

// NewMessage creates an empty envelope of the given type with a fresh id and
// the current wall time in milliseconds.
func NewMessage(t MessageType, source string) *Message {
	return &Message{
		ID:        uuid.NewV4().String(),
		Type:      t,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(id=%s, type=%s, source=%s)", m.ID, m.Type, m.Source)
}

// RequestID returns the originating request id carried by a context-bearing
// response, or empty if absent.
func (m *Message) RequestID() string {
	if m.Context == nil || m.Context.Variables == nil {
		return ""
	}
	id, _ := m.Context.Variables["requestId"].(string)
	return id
}

// IsContextQuery returns whether m is a request-shaped context query.
func (m *Message) IsContextQuery() bool {
	return m.Type == TypeRequest && m.Context != nil && m.Context.Summary != ""
}
