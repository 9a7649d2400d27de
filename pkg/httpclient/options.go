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
	"net/http"
	"time"
)

// Option configures a Client at construction.
type Option func(*Client)

// WithTransport replaces the underlying transport. Used by tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.hc.Transport = rt
	}
}

// WithClientTimeout overrides the variant's total request timeout.
func WithClientTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.hc.Timeout = d
	}
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithBackoff overrides the retry schedule parameters. A jitterPct of
// zero disables jitter, which tests rely on for deterministic schedules.
func WithBackoff(base, cap time.Duration, jitterPct uint64) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffCap = cap
		c.jitterPct = jitterPct
	}
}

// WithRetries overrides the variant's retry count for all requests.
func WithRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// requestOptions is the per-request policy, seeded from the Client.
type requestOptions struct {
	allowed           []string
	disallowed        []string
	maxRetries        uint64
	noRetry           map[int]struct{}
	timeout           time.Duration
	maxRetryAfter     time.Duration
	respectRetryAfter bool
	backoffBase       time.Duration
	backoffCap        time.Duration
	jitterPct         uint64
	header            http.Header
	basicUser         string
	basicPass         string
	hasBasic          bool
	bearer            string
}

func (c *Client) requestDefaults() requestOptions {
	noRetry := make(map[int]struct{}, len(c.noRetry))
	for k := range c.noRetry {
		noRetry[k] = struct{}{}
	}
	return requestOptions{
		allowed:           append([]string(nil), c.allowed...),
		disallowed:        append([]string(nil), c.disallowed...),
		maxRetries:        c.maxRetries,
		noRetry:           noRetry,
		maxRetryAfter:     c.maxRetryAfter,
		respectRetryAfter: c.respectRetryAfter,
		backoffBase:       c.backoffBase,
		backoffCap:        c.backoffCap,
		jitterPct:         c.jitterPct,
		header:            http.Header{},
	}
}

// RequestOption adjusts the policy for a single request.
type RequestOption func(*requestOptions)

// WithAllowedCodes whitelists response codes ("200", "2xx"). When set,
// any code outside the list is a BadResponseError.
func WithAllowedCodes(codes ...string) RequestOption {
	return func(ro *requestOptions) {
		ro.allowed = append(ro.allowed, codes...)
	}
}

// WithDisallowedCodes blacklists response codes ("404", "4xx").
func WithDisallowedCodes(codes ...string) RequestOption {
	return func(ro *requestOptions) {
		ro.disallowed = append(ro.disallowed, codes...)
	}
}

// WithMaxRetries overrides the retry count for this request.
func WithMaxRetries(n uint64) RequestOption {
	return func(ro *requestOptions) {
		ro.maxRetries = n
	}
}

// WithNoRetryCodes suppresses retries for specific status codes even
// when they would otherwise be retriable.
func WithNoRetryCodes(codes ...int) RequestOption {
	return func(ro *requestOptions) {
		for _, code := range codes {
			ro.noRetry[code] = struct{}{}
		}
	}
}

// WithTimeout applies a per-attempt deadline tighter than the variant's.
func WithTimeout(d time.Duration) RequestOption {
	return func(ro *requestOptions) {
		ro.timeout = d
	}
}

// WithMaxRetryAfter caps the honored Retry-After delay.
func WithMaxRetryAfter(d time.Duration) RequestOption {
	return func(ro *requestOptions) {
		ro.maxRetryAfter = d
	}
}

// WithoutRetryAfter ignores Retry-After headers entirely.
func WithoutRetryAfter() RequestOption {
	return func(ro *requestOptions) {
		ro.respectRetryAfter = false
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(ro *requestOptions) {
		ro.header.Add(key, value)
	}
}

// WithAccept sets the Accept header.
func WithAccept(mediaType string) RequestOption {
	return func(ro *requestOptions) {
		ro.header.Set("Accept", mediaType)
	}
}

// WithContentType sets the Content-Type header.
func WithContentType(mediaType string) RequestOption {
	return func(ro *requestOptions) {
		ro.header.Set("Content-Type", mediaType)
	}
}

// WithBasicAuth sends HTTP basic credentials.
func WithBasicAuth(username, password string) RequestOption {
	return func(ro *requestOptions) {
		ro.basicUser, ro.basicPass, ro.hasBasic = username, password, true
	}
}

// WithBearerToken sends an Authorization: Bearer header.
func WithBearerToken(token string) RequestOption {
	return func(ro *requestOptions) {
		ro.bearer = token
	}
}
