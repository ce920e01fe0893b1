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
package contextengine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/satori/go.uuid"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/utils/stringset"
)

// maxDiffBytes caps the inline diff carried for a modified file.
const maxDiffBytes = 1000

// keyBasenames are the basenames surfaced as a snapshot's key files.
var keyBasenames = stringset.FromSlice([]string{
	"package.json",
	"tsconfig.json",
	"index.ts",
	"index.js",
	"main.ts",
	"main.js",
	"app.ts",
	"app.js",
	"README.md",
	"CLAUDE.md",
})

// SnapshotNotFoundError indicates a delta request against an unknown
// snapshot id.
type SnapshotNotFoundError struct {
	ID string
}

func (e SnapshotNotFoundError) Error() string {
	return fmt.Sprintf("snapshot %s not found", e.ID)
}

type fileState struct {
	mtimeMs int64
	size    int64
}

// Snapshot is an immutable record of the workspace file state at a point in
// time. Snapshots are retained in memory by the engine, keyed by id, until
// the engine is discarded.
type Snapshot struct {
	ID        string               `json:"id"`
	Timestamp time.Time            `json:"timestamp"`
	Tree      *core.DirectoryTree  `json:"tree"`
	Summary   string               `json:"summary"`
	KeyFiles  []string             `json:"keyFiles"`

	files map[string]fileState
}

// ChangeAction describes what happened to a file between snapshots.
type ChangeAction string

// Valid change actions.
const (
	ChangeAdded    ChangeAction = "added"
	ChangeDeleted  ChangeAction = "deleted"
	ChangeModified ChangeAction = "modified"
)

// Change records one file-level difference.
type Change struct {
	Path   string       `json:"path"`
	Action ChangeAction `json:"action"`
	Diff   string       `json:"diff,omitempty"`
}

// Delta is the set of changes between a prior snapshot and the workspace
// now.
type Delta struct {
	FromID    string    `json:"fromId"`
	Timestamp time.Time `json:"timestamp"`
	Changes   []Change  `json:"changes"`
}

// TakeSnapshot captures the current workspace state and retains it for
// later delta computation.
func (e *Engine) TakeSnapshot() (*Snapshot, error) {
	tree, files, err := e.walk()
	if err != nil {
		return nil, err
	}

	states := make(map[string]fileState, len(files))
	var keyFiles []string
	for _, rel := range files {
		info, err := os.Stat(filepath.Join(e.config.RootPath, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		states[rel] = fileState{mtimeMs: info.ModTime().UnixMilli(), size: info.Size()}
		if keyBasenames.Has(path.Base(rel)) {
			keyFiles = append(keyFiles, rel)
		}
	}

	s := &Snapshot{
		ID:        uuid.NewV4().String(),
		Timestamp: e.clk.Now(),
		Tree:      tree,
		Summary:   summarize(files),
		KeyFiles:  keyFiles,
		files:     states,
	}

	e.mu.Lock()
	e.snapshots[s.ID] = s
	e.mu.Unlock()

	e.stats.Counter("snapshots").Inc(1)
	return s, nil
}

// GetSnapshot returns a retained snapshot by id.
func (e *Engine) GetSnapshot(id string) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.snapshots[id]
	if !ok {
		return nil, SnapshotNotFoundError{ID: id}
	}
	return s, nil
}

// Delta compares the workspace now against the snapshot fromID. Modified
// files carry a diff holding their current leading content.
func (e *Engine) Delta(fromID string) (*Delta, error) {
	e.mu.Lock()
	from, ok := e.snapshots[fromID]
	e.mu.Unlock()
	if !ok {
		return nil, SnapshotNotFoundError{ID: fromID}
	}

	_, files, err := e.walk()
	if err != nil {
		return nil, err
	}
	now := make(map[string]fileState, len(files))
	for _, rel := range files {
		info, err := os.Stat(filepath.Join(e.config.RootPath, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		now[rel] = fileState{mtimeMs: info.ModTime().UnixMilli(), size: info.Size()}
	}

	var changes []Change
	for rel, cur := range now {
		prev, existed := from.files[rel]
		if !existed {
			changes = append(changes, Change{Path: rel, Action: ChangeAdded})
			continue
		}
		if prev.mtimeMs != cur.mtimeMs || prev.size != cur.size {
			changes = append(changes, Change{
				Path:   rel,
				Action: ChangeModified,
				Diff:   e.readDiff(rel),
			})
		}
	}
	for rel := range from.files {
		if _, ok := now[rel]; !ok {
			changes = append(changes, Change{Path: rel, Action: ChangeDeleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	return &Delta{FromID: fromID, Timestamp: e.clk.Now(), Changes: changes}, nil
}

// readDiff returns the leading content of a modified file, truncated to the
// diff cap.
func (e *Engine) readDiff(rel string) string {
	raw, err := os.ReadFile(filepath.Join(e.config.RootPath, filepath.FromSlash(rel)))
	if err != nil {
		return ""
	}
	if len(raw) > maxDiffBytes {
		return string(raw[:maxDiffBytes]) + "..."
	}
	return string(raw)
}

// summarize builds the one-line snapshot summary: file count plus the top
// extensions by count.
func summarize(files []string) string {
	counts := make(map[string]int)
	for _, rel := range files {
		if ext := strings.ToLower(path.Ext(rel)); ext != "" {
			counts[ext]++
		}
	}
	exts := make([]string, 0, len(counts))
	for ext := range counts {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool {
		if counts[exts[i]] != counts[exts[j]] {
			return counts[exts[i]] > counts[exts[j]]
		}
		return exts[i] < exts[j]
	})
	if len(exts) > 5 {
		exts = exts[:5]
	}
	parts := make([]string, len(exts))
	for i, ext := range exts {
		parts[i] = fmt.Sprintf("%s (%d)", ext, counts[ext])
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d files", len(files))
	}
	return fmt.Sprintf("%d files; top extensions: %s", len(files), strings.Join(parts, ", "))
}
