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

// Config defines context engine configuration.
type Config struct {
	// RootPath is the absolute base of the workspace the engine describes.
	RootPath string `yaml:"root_path"`

	// IncludePatterns and ExcludePatterns are glob patterns matched against
	// slash-separated relative paths, dot-files included. Exclude wins over
	// include. An empty include list includes everything not excluded.
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// MaxDepth caps tree traversal.
	MaxDepth int `yaml:"max_depth"`
}

func (c Config) applyDefaults() Config {
	if c.MaxDepth == 0 {
		c.MaxDepth = 10
	}
	return c
}
