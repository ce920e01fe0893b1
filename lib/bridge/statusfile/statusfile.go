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

// Package statusfile persists a small JSON document describing the running
// bridge for external tooling (daemon status commands). Updated on every
// peer-set change, removed on shutdown.
package statusfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uber/agentbridge/core"
)

// Document is the persisted status side-channel.
type Document struct {
	Port         int             `json:"port"`
	InstanceName string          `json:"instanceName"`
	Mode         string          `json:"mode"`
	Peers        []core.PeerInfo `json:"peers"`
}

// Writer writes status documents to a fixed path.
type Writer struct {
	path string
}

// NewWriter creates a Writer for path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write atomically replaces the status document. Writes to a temp file in
// the same directory and renames so readers never observe a partial file.
func (w *Writer) Write(doc Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %s", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".status-*")
	if err != nil {
		return fmt.Errorf("create temp status file: %s", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write status: %s", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close status: %s", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("rename status: %s", err)
	}
	return nil
}

// Clean removes the status document. Missing files are not an error.
func (w *Writer) Clean() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove status: %s", err)
	}
	return nil
}
