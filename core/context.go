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

// NodeType distinguishes tree nodes.
type NodeType string

// Valid node types.
const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileChunk is an excerpt of a file shared as context.
type FileChunk struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	Language  string `json:"language,omitempty"`
}

// DirectoryTree is a recursive description of a directory structure.
type DirectoryTree struct {
	Name     string           `json:"name"`
	Type     NodeType         `json:"type"`
	Children []*DirectoryTree `json:"children,omitempty"`
}

// Context is the shared-state payload of context_sync, context queries and
// their responses, and notifications.
type Context struct {
	Files     []FileChunk            `json:"files,omitempty"`
	Tree      *DirectoryTree         `json:"tree,omitempty"`
	Summary   string                 `json:"summary,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}
