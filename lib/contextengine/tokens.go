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
	"math"
	"strings"
)

// EstimateTokens approximates the token count of text as
// ceil(words * 1.3), where a word is a maximal run of non-whitespace.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

// TruncateToBudget drops whole words from the tail of text until the token
// estimate fits budget.
func TruncateToBudget(text string, budget int) string {
	words := strings.Fields(text)
	keep := int(float64(budget) / 1.3)
	if keep > len(words) {
		keep = len(words)
	}
	for keep > 0 && EstimateTokens(strings.Join(words[:keep], " ")) > budget {
		keep--
	}
	return strings.Join(words[:keep], " ")
}

// truncateLines keeps a prefix of whole lines whose aggregate token
// estimate fits budget.
func truncateLines(text string, budget int) string {
	lines := strings.Split(text, "\n")
	total := 0
	for i, line := range lines {
		tokens := EstimateTokens(line)
		if total+tokens > budget {
			return strings.Join(lines[:i], "\n")
		}
		total += tokens
	}
	return text
}
