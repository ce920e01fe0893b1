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
package bridge

import "net/http"

// Decision is the outcome of authenticating one connection attempt.
type Decision struct {
	Allow    bool
	Method   string
	ClientIP string
	Reason   string
}

// Authenticator decides whether to accept an inbound connection. Evaluated
// once per accept, before the connection is registered. The bridge treats it
// as opaque and reflects a rejection as a close with code 4001 and the
// given reason.
type Authenticator interface {
	Authenticate(r *http.Request) Decision
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) Decision

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(r *http.Request) Decision {
	return f(r)
}

// AllowAll accepts every connection attempt.
func AllowAll() Authenticator {
	return AuthenticatorFunc(func(r *http.Request) Decision {
		return Decision{Allow: true}
	})
}
