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

import "github.com/satori/go.uuid"

// PeerIDFixture returns a random peer id.
func PeerIDFixture() string {
	return uuid.NewV4().String()
}

// MessageFixture returns a random message of the given type for testing.
func MessageFixture(t MessageType) *Message {
	return NewMessage(t, "test-instance")
}

// TaskRequestFixture returns a random task request for testing.
func TaskRequestFixture() *TaskRequest {
	return &TaskRequest{
		ID:          uuid.NewV4().String(),
		Description: "test task",
		Scope:       ScopeExecute,
	}
}

// TaskDelegateFixture returns a task_delegate message wrapping a random task.
func TaskDelegateFixture() *Message {
	m := MessageFixture(TypeTaskDelegate)
	m.Task = TaskRequestFixture()
	return m
}

// ContextQueryFixture returns a request message carrying a context query.
func ContextQueryFixture(query string) *Message {
	m := MessageFixture(TypeRequest)
	m.Context = &Context{Summary: query}
	return m
}
