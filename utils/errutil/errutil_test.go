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
package errutil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinNil(t *testing.T) {
	require.NoError(t, Join(nil))
	require.NoError(t, Join([]error{}))
}

func TestJoinErrors(t *testing.T) {
	require := require.New(t)

	err := Join([]error{errors.New("foo"), errors.New("bar")})
	require.Error(err)
	require.Equal("foo, bar", err.Error())

	merr, ok := err.(MultiError)
	require.True(ok)
	require.Len(merr, 2)
}
