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
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/utils/stringset"
)

// walker carries per-walk state. Symlinks are followed, but each resolved
// real path is visited at most once so cycles terminate.
type walker struct {
	config Config
	seen   stringset.Set
	files  []string
}

// walk builds the filtered tree and the matching file list in one pass.
// Broken symlinks and unreadable directories are skipped silently.
func (e *Engine) walk() (*core.DirectoryTree, []string, error) {
	if _, err := os.Stat(e.config.RootPath); err != nil {
		return nil, nil, err
	}
	w := &walker{config: e.config, seen: stringset.New()}
	root := &core.DirectoryTree{
		Name: filepath.Base(e.config.RootPath),
		Type: core.NodeDirectory,
	}
	w.walkDir(e.config.RootPath, "", root, 0)
	return root, w.files, nil
}

func (w *walker) walkDir(abs, rel string, node *core.DirectoryTree, depth int) {
	if depth >= w.config.MaxDepth {
		return
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return
	}
	if w.seen.Has(real) {
		return
	}
	w.seen.Add(real)

	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		di, dj := isDir(abs, entries[i]), isDir(abs, entries[j])
		if di != dj {
			return di
		}
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		childAbs := filepath.Join(abs, name)
		childRel := path.Join(rel, name)
		if isDir(abs, entry) {
			if w.excluded(childRel) || !w.shouldEnter(childRel) {
				continue
			}
			child := &core.DirectoryTree{Name: name, Type: core.NodeDirectory}
			w.walkDir(childAbs, childRel, child, depth+1)
			// Directories with no matching descendants are dropped.
			if len(child.Children) > 0 {
				node.Children = append(node.Children, child)
			}
		} else if w.matches(childRel) {
			node.Children = append(
				node.Children, &core.DirectoryTree{Name: name, Type: core.NodeFile})
			w.files = append(w.files, childRel)
		}
	}
}

// isDir resolves symlinked directories via stat.
func isDir(parent string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(parent, entry.Name()))
	return err == nil && info.IsDir()
}

// matches applies exclude-then-include to a relative file path.
func (w *walker) matches(rel string) bool {
	if w.excluded(rel) {
		return false
	}
	if len(w.config.IncludePatterns) == 0 {
		return true
	}
	for _, p := range w.config.IncludePatterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (w *walker) excluded(rel string) bool {
	for _, p := range w.config.ExcludePatterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// shouldEnter prunes directories which no include pattern could possibly
// match into: a directory is entered when include is empty, a pattern leads
// with **, or segment-by-segment prefix comparison has not falsified every
// pattern.
func (w *walker) shouldEnter(relDir string) bool {
	if len(w.config.IncludePatterns) == 0 {
		return true
	}
	dirSegs := strings.Split(relDir, "/")
	for _, p := range w.config.IncludePatterns {
		if prefixPlausible(strings.Split(p, "/"), dirSegs) {
			return true
		}
	}
	return false
}

func prefixPlausible(patSegs, dirSegs []string) bool {
	for i, seg := range dirSegs {
		if i >= len(patSegs) {
			return false
		}
		if patSegs[i] == "**" {
			return true
		}
		if ok, _ := doublestar.Match(patSegs[i], seg); !ok {
			return false
		}
	}
	return true
}
