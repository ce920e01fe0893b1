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
	"path"
	"sort"
	"strings"
)

var entrypointBasenames = map[string]bool{
	"index.ts": true,
	"index.js": true,
	"main.ts":  true,
	"main.js":  true,
}

// keywords extracts ranking keywords from a free-text query: lowercased
// whitespace-separated tokens longer than 2 characters.
func keywords(query string) []string {
	var kws []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) > 2 {
			kws = append(kws, tok)
		}
	}
	return kws
}

// score rates one relative path against the keyword set. A keyword counts
// when the path contains it, or when the keyword contains the file's
// basename stem (so "authentication" still pulls in auth.ts).
func score(rel string, kws []string) int {
	lower := strings.ToLower(rel)
	base := path.Base(lower)
	stem := strings.TrimSuffix(base, path.Ext(base))

	s := 0
	for _, kw := range kws {
		if strings.Contains(lower, kw) || (len(stem) > 2 && strings.Contains(kw, stem)) {
			s += 10
		}
	}
	if entrypointBasenames[base] {
		s += 5
	}
	if base == "package.json" {
		s += 3
	}
	return s
}

// rankFiles orders files by descending score, ties broken by ascending
// path.
func rankFiles(files []string, query string) []string {
	kws := keywords(query)
	ranked := append([]string(nil), files...)
	scores := make(map[string]int, len(ranked))
	for _, f := range ranked {
		scores[f] = score(f, kws)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}
