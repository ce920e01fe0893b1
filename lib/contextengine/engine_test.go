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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uber/agentbridge/core"
)

// writeFiles populates a workspace root from path to content.
func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
}

func TestEngineListFilesIncludeExclude(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/auth.ts":         "export {}",
		"src/vendor/dep.ts":   "export {}",
		"docs/readme.md":      "# docs",
		"node_modules/x/y.ts": "export {}",
		".hidden/secret.ts":   "export {}",
	})

	e := New(Config{
		RootPath:        root,
		IncludePatterns: []string{"**/*.ts"},
		ExcludePatterns: []string{"node_modules/**", "src/vendor/**"},
	})

	files, err := e.ListFiles()
	require.NoError(err)
	require.Equal([]string{".hidden/secret.ts", "src/auth.ts"}, files)
}

func TestEngineEmptyIncludeMeansEverything(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.ts": "a",
		"b.md": "b",
	})

	files, err := New(Config{RootPath: root}).ListFiles()
	require.NoError(err)
	require.Equal([]string{"a.ts", "b.md"}, files)
}

func TestEngineMaxDepth(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"top.ts":      "t",
		"a/mid.ts":    "m",
		"a/b/deep.ts": "d",
	})

	files, err := New(Config{RootPath: root, MaxDepth: 2}).ListFiles()
	require.NoError(err)
	require.Equal([]string{"a/mid.ts", "top.ts"}, files)
}

func TestEngineSymlinkCycleTerminates(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a/f.ts": "f"})
	require.NoError(os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "a", "loop")))

	files, err := New(Config{RootPath: root}).ListFiles()
	require.NoError(err)
	require.Equal([]string{"a/f.ts"}, files)
}

func TestEngineBuildTreeShape(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/auth.ts": "a",
		"zed.ts":      "z",
	})

	tree, err := New(Config{RootPath: root}).BuildTree()
	require.NoError(err)
	require.Equal(core.NodeDirectory, tree.Type)
	require.Len(tree.Children, 2)

	// Directories sort before files.
	require.Equal("src", tree.Children[0].Name)
	require.Equal(core.NodeDirectory, tree.Children[0].Type)
	require.Equal("auth.ts", tree.Children[0].Children[0].Name)
	require.Equal("zed.ts", tree.Children[1].Name)
	require.Equal(core.NodeFile, tree.Children[1].Type)
}

func TestEngineRankingForQuery(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"auth.ts":  "export function login() {}",
		"utils.ts": "export function noop() {}",
		"login.ts": "export function form() {}",
	})

	ranked, err := New(Config{RootPath: root}).RankFiles("fix authentication bug")
	require.NoError(err)
	require.Equal("auth.ts", ranked[0])
}

func TestEngineRankingTieBreaksAndBonuses(t *testing.T) {
	require := require.New(t)

	files := []string{"src/z.ts", "src/a.ts", "index.ts", "package.json"}
	ranked := rankFiles(files, "nothing matches here")

	// No keyword hits: entrypoint bonus, then manifest bonus, then path
	// order.
	require.Equal([]string{"index.ts", "package.json", "src/a.ts", "src/z.ts"}, ranked)
}

func TestTokenEstimate(t *testing.T) {
	require := require.New(t)

	require.Equal(0, EstimateTokens(""))
	require.Equal(2, EstimateTokens("one"))
	require.Equal(4, EstimateTokens("a b\tc"))
	require.Equal(13, EstimateTokens("w w w w w w w w w w"))
}

func TestTruncateToBudget(t *testing.T) {
	require := require.New(t)

	text := "alpha beta gamma delta epsilon"
	truncated := TruncateToBudget(text, 3)
	require.Equal("alpha beta", truncated)
	require.LessOrEqual(EstimateTokens(truncated), 3)

	require.Equal(text, TruncateToBudget(text, 100))
}

func TestEngineCollectChunksWithinBudget(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"auth.ts":  "login logout register",
		"utils.ts": "one two three four five six seven eight nine ten",
	})

	chunks, err := New(Config{RootPath: root}).CollectChunks("auth", 5)
	require.NoError(err)
	require.Len(chunks, 1)
	require.Equal("auth.ts", chunks[0].Path)
	require.Equal("typescript", chunks[0].Language)
	require.Equal(1, chunks[0].StartLine)
}

func TestEngineCollectChunksTruncatesFirstOversized(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"auth.ts": "line one here\nline two here\nline three here\nline four here",
	})

	chunks, err := New(Config{RootPath: root}).CollectChunks("auth", 8)
	require.NoError(err)
	require.Len(chunks, 1)
	require.Equal("line one here\nline two here", chunks[0].Content)
}

func TestEngineCollectChunksSkipsBinary(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	require.NoError(os.WriteFile(
		filepath.Join(root, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x80}, 0644))
	writeFiles(t, root, map[string]string{"a.ts": "text"})

	chunks, err := New(Config{RootPath: root}).CollectChunks("", 100)
	require.NoError(err)
	require.Len(chunks, 1)
	require.Equal("a.ts", chunks[0].Path)
}

func TestEngineSnapshotSummaryAndKeyFiles(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"package.json": "{}",
		"src/index.ts": "i",
		"src/auth.ts":  "a",
		"README.md":    "r",
	})

	s, err := New(Config{RootPath: root}).TakeSnapshot()
	require.NoError(err)
	require.NotEmpty(s.ID)
	require.Equal("4 files; top extensions: .ts (2), .json (1), .md (1)", s.Summary)
	require.ElementsMatch([]string{"package.json", "src/index.ts", "README.md"}, s.KeyFiles)
}

func TestEngineSnapshotDelta(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.ts": "original"})

	e := New(Config{RootPath: root})
	s1, err := e.TakeSnapshot()
	require.NoError(err)

	writeFiles(t, root, map[string]string{
		"b.ts": "new file",
		"a.ts": "original plus changes",
	})
	// Force a visible mtime difference even on coarse filesystem clocks.
	past := time.Now().Add(-time.Hour)
	require.NoError(os.Chtimes(filepath.Join(root, "a.ts"), past, past))

	delta, err := e.Delta(s1.ID)
	require.NoError(err)
	require.Len(delta.Changes, 2)
	require.Equal(
		Change{Path: "a.ts", Action: ChangeModified, Diff: "original plus changes"},
		delta.Changes[0])
	require.Equal(Change{Path: "b.ts", Action: ChangeAdded}, delta.Changes[1])
}

func TestEngineSnapshotDeltaDeleted(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.ts": "a", "b.ts": "b"})

	e := New(Config{RootPath: root})
	s1, err := e.TakeSnapshot()
	require.NoError(err)

	require.NoError(os.Remove(filepath.Join(root, "b.ts")))

	delta, err := e.Delta(s1.ID)
	require.NoError(err)
	require.Equal([]Change{{Path: "b.ts", Action: ChangeDeleted}}, delta.Changes)
}

func TestEngineDeltaUnknownSnapshot(t *testing.T) {
	require := require.New(t)

	e := New(Config{RootPath: t.TempDir()})
	_, err := e.Delta("no-such-id")
	require.Equal(SnapshotNotFoundError{ID: "no-such-id"}, err)
}

func TestEngineDeltaDiffTruncated(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{"big.ts": "x"})

	e := New(Config{RootPath: root})
	s1, err := e.TakeSnapshot()
	require.NoError(err)

	long := make([]byte, 1500)
	for i := range long {
		long[i] = 'y'
	}
	require.NoError(os.WriteFile(filepath.Join(root, "big.ts"), long, 0644))

	delta, err := e.Delta(s1.ID)
	require.NoError(err)
	require.Len(delta.Changes, 1)
	require.Len(delta.Changes[0].Diff, 1003) // 1000 bytes plus ellipsis.
}
