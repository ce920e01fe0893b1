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

// Package contextengine describes a workspace for sharing over a bridge:
// filtered directory trees, query-ranked file chunks under a token budget,
// and snapshots with deltas.
package contextengine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/agentbridge/core"
	"github.com/uber/agentbridge/utils/log"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithStats overrides the engine metrics scope.
func WithStats(stats tally.Scope) Option {
	return func(e *Engine) { e.stats = stats }
}

// Engine walks, ranks, and snapshots the workspace under a root path.
type Engine struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

// New creates an Engine for the workspace rooted at config.RootPath.
func New(config Config, opts ...Option) *Engine {
	e := &Engine{
		config:    config.applyDefaults(),
		clk:       clock.New(),
		stats:     tally.NoopScope,
		logger:    log.Default(),
		snapshots: make(map[string]*Snapshot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildTree returns the filtered directory tree under the root.
func (e *Engine) BuildTree() (*core.DirectoryTree, error) {
	tree, _, err := e.walk()
	return tree, err
}

// ListFiles returns the slash-separated relative paths of all matching
// files, in walk order.
func (e *Engine) ListFiles() ([]string, error) {
	_, files, err := e.walk()
	return files, err
}

// RankFiles returns all matching files ordered by relevance to query.
func (e *Engine) RankFiles(query string) ([]string, error) {
	files, err := e.ListFiles()
	if err != nil {
		return nil, err
	}
	return rankFiles(files, query), nil
}

// CollectChunks assembles file chunks for query whose aggregate token
// estimate fits tokenBudget. When even the top-ranked file does not fit, a
// line-wise truncated prefix of it is returned alone. Files which are not
// valid UTF-8 text are skipped.
func (e *Engine) CollectChunks(query string, tokenBudget int) ([]core.FileChunk, error) {
	ranked, err := e.RankFiles(query)
	if err != nil {
		return nil, err
	}

	var chunks []core.FileChunk
	total := 0
	for _, rel := range ranked {
		raw, err := os.ReadFile(filepath.Join(e.config.RootPath, filepath.FromSlash(rel)))
		if err != nil {
			e.logger.Debugf("Skipping unreadable file %s: %s", rel, err)
			continue
		}
		if !utf8.Valid(raw) {
			continue
		}
		content := string(raw)
		tokens := EstimateTokens(content)
		if total+tokens <= tokenBudget {
			chunks = append(chunks, fileChunk(rel, content))
			total += tokens
			continue
		}
		if len(chunks) == 0 {
			chunks = append(chunks, fileChunk(rel, truncateLines(content, tokenBudget)))
		}
		break
	}
	e.stats.Counter("chunk_collections").Inc(1)
	return chunks, nil
}

func fileChunk(rel, content string) core.FileChunk {
	return core.FileChunk{
		Path:      rel,
		Content:   content,
		StartLine: 1,
		EndLine:   countLines(content),
		Language:  languageOf(rel),
	}
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := 1
	for _, r := range content {
		if r == '\n' {
			n++
		}
	}
	return n
}

var languages = map[string]string{
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".go":   "go",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".md":   "markdown",
	".sh":   "shell",
}

func languageOf(rel string) string {
	return languages[path.Ext(rel)]
}

func (e *Engine) String() string {
	return fmt.Sprintf("Engine(root=%s)", e.config.RootPath)
}
