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

// TaskScope declares how much latitude the executing peer has.
type TaskScope string

// Valid task scopes.
const (
	ScopeExecute TaskScope = "execute"
	ScopeAnalyze TaskScope = "analyze"
	ScopeSuggest TaskScope = "suggest"
)

// ReturnFormat declares the shape of a task result's data.
type ReturnFormat string

// Valid return formats.
const (
	ReturnFull    ReturnFormat = "full"
	ReturnSummary ReturnFormat = "summary"
	ReturnDiff    ReturnFormat = "diff"
)

// ArtifactAction describes what happened to an artifact path.
type ArtifactAction string

// Valid artifact actions.
const (
	ArtifactCreated  ArtifactAction = "created"
	ArtifactModified ArtifactAction = "modified"
	ArtifactDeleted  ArtifactAction = "deleted"
)

// TaskRequest describes an ad-hoc task delegated to a remote peer. The
// bridge does not interpret Description or Data; they are opaque to the
// transport.
type TaskRequest struct {
	ID           string                 `json:"id"`
	Description  string                 `json:"description"`
	Scope        TaskScope              `json:"scope"`
	Constraints  []string               `json:"constraints,omitempty"`
	ReturnFormat ReturnFormat           `json:"returnFormat,omitempty"`
	Timeout      int64                  `json:"timeout,omitempty"` // Milliseconds.
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Artifact records a file touched during task execution.
type Artifact struct {
	Path   string         `json:"path"`
	Action ArtifactAction `json:"action"`
	Diff   string         `json:"diff,omitempty"`
}

// TaskResult is the outcome of a delegated task. TaskID links the result
// back to the originating TaskRequest.
type TaskResult struct {
	TaskID    string      `json:"taskId,omitempty"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data"`
	Artifacts []Artifact  `json:"artifacts,omitempty"`
	FollowUp  string      `json:"followUp,omitempty"`
	Error     string      `json:"error,omitempty"`
}
