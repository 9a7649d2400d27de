// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"fmt"
	"net/url"

	"github.com/stackroom/circulation/pkg/problemdetail"
)

// RequestNetworkError reports a transport-level failure: DNS, connect,
// TLS, or a broken body read. Attempts is the number of tries observed
// before giving up.
type RequestNetworkError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *RequestNetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error after %d attempt(s): %v", e.Op, e.URL, e.Attempts, e.Err)
}

func (e *RequestNetworkError) Unwrap() error { return e.Err }

// ProblemDetail projects the error for upstream propagation.
func (e *RequestNetworkError) ProblemDetail() *problemdetail.Document {
	return problemdetail.RemoteIntegrationFailed(hostOf(e.URL)).WithDebug("%v", e.Err)
}

// RequestTimedOutError is the timeout subtype of RequestNetworkError.
// errors.As with a *RequestNetworkError target matches it through Unwrap.
type RequestTimedOutError struct {
	RequestNetworkError
}

func (e *RequestTimedOutError) Error() string {
	return fmt.Sprintf("%s %s: request timed out after %d attempt(s): %v", e.Op, e.URL, e.Attempts, e.Err)
}

func (e *RequestTimedOutError) Unwrap() error { return &e.RequestNetworkError }

// BadResponseError reports a response whose status code violated the
// request's code policy. BodyPreview holds at most the first kilobyte of
// the response body for debugging; it never reaches patrons.
type BadResponseError struct {
	Op          string
	URL         string
	StatusCode  int
	Attempts    int
	BodyPreview string
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("%s %s: bad response status %d", e.Op, e.URL, e.StatusCode)
}

// ProblemDetail projects the error for upstream propagation.
func (e *BadResponseError) ProblemDetail() *problemdetail.Document {
	return problemdetail.RemoteIntegrationFailed(hostOf(e.URL)).
		WithDebug("status %d from %s: %s", e.StatusCode, e.URL, e.BodyPreview)
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" {
		return rawurl
	}
	return u.Host
}
