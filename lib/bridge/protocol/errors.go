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
package protocol

import (
	"fmt"
	"strings"
)

// FieldError names a single schema violation.
type FieldError struct {
	Path   string
	Reason string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// ParseError indicates a frame which is not valid JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid frame: %s", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError indicates a well-formed JSON frame which violates the envelope
// schema. Fields holds one entry per violation.
type SchemaError struct {
	Fields []FieldError
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("invalid message: %s", strings.Join(parts, ", "))
}
