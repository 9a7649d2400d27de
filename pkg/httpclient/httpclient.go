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

// Package httpclient is the shared outbound HTTP pipeline. Two variants
// exist: the web variant for request-path calls (short timeout, no
// retries) and the worker variant for background tasks (long timeout,
// retries with exponential backoff). All integration code goes through
// this package so retry, Retry-After, and error classification behave
// uniformly.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/stackroom/circulation/pkg/version"
)

// DefaultAccept is applied when the caller did not set an Accept header.
const DefaultAccept = "application/json;q=0.9,*/*;q=0.1"

// DefaultMaxRetryAfter caps how long an honored Retry-After header may
// delay the next attempt.
const DefaultMaxRetryAfter = 120 * time.Second

const (
	webTimeout          = 5 * time.Second
	webRedirectLimit    = 2
	workerTimeout       = 20 * time.Second
	workerRedirectLimit = 20
	workerMaxRetries    = 3

	defaultBackoffBase = 3 * time.Second
	defaultBackoffCap  = 45 * time.Second
	defaultJitterPct   = 50

	bodyPreviewBytes = 1024
)

var errTooManyRedirects = fmt.Errorf("stopped after too many redirects")

// Client issues outbound requests with uniform retry and error handling.
// A Client is safe for concurrent use.
type Client struct {
	hc *http.Client

	maxRetries        uint64
	backoffBase       time.Duration
	backoffCap        time.Duration
	jitterPct         uint64
	maxRetryAfter     time.Duration
	respectRetryAfter bool
	allowed           []string
	disallowed        []string
	noRetry           map[int]struct{}
	userAgent         string
}

// New creates the web-variant client: 5s total timeout, at most 2
// redirects, no retries.
func New(opts ...Option) *Client {
	return newClient(webTimeout, webRedirectLimit, 0, opts)
}

// NewWorker creates the worker-variant client: 20s total timeout, at
// most 20 redirects, 3 retries with exponential backoff (3s doubling,
// 50% jitter, capped at 45s).
func NewWorker(opts ...Option) *Client {
	return newClient(workerTimeout, workerRedirectLimit, workerMaxRetries, opts)
}

func newClient(timeout time.Duration, redirectLimit int, maxRetries uint64, opts []Option) *Client {
	c := &Client{
		hc: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= redirectLimit {
					return errTooManyRedirects
				}
				return nil
			},
		},
		maxRetries:        maxRetries,
		backoffBase:       defaultBackoffBase,
		backoffCap:        defaultBackoffCap,
		jitterPct:         defaultJitterPct,
		maxRetryAfter:     DefaultMaxRetryAfter,
		respectRetryAfter: true,
		userAgent:         version.Name + "/" + version.Version,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// JSON unmarshals the response body.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.URL, err)
	}
	return nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawurl string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawurl, nil, opts...)
}

// PostJSON marshals body as JSON and issues a POST request.
func (c *Client) PostJSON(ctx context.Context, rawurl string, body any, opts ...RequestOption) (*Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	opts = append(opts, WithContentType("application/json"))
	return c.Do(ctx, http.MethodPost, rawurl, b, opts...)
}

// PostForm issues a POST request with a URL-encoded form body.
func (c *Client) PostForm(ctx context.Context, rawurl string, form url.Values, opts ...RequestOption) (*Response, error) {
	opts = append(opts, WithContentType("application/x-www-form-urlencoded"))
	return c.Do(ctx, http.MethodPost, rawurl, []byte(form.Encode()), opts...)
}

// Do issues a request, retrying per the variant and per-request policy.
// Bodies are byte slices so each attempt replays from the start.
func (c *Client) Do(ctx context.Context, method, rawurl string, body []byte, opts ...RequestOption) (*Response, error) {
	ro := c.requestDefaults()
	for _, opt := range opts {
		opt(&ro)
	}

	var resp *Response
	var retryAfter time.Duration
	attempts := 0

	b := buildBackoff(&ro, &retryAfter)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		r, ra, aerr := c.attempt(ctx, method, rawurl, body, &ro)
		retryAfter = ra
		if aerr != nil {
			if retriable(aerr, &ro) {
				return retry.RetryableError(aerr)
			}
			return aerr
		}
		resp = r
		return nil
	})
	if err != nil {
		var bre *BadResponseError
		var rne *RequestNetworkError
		switch {
		case errors.As(err, &bre):
			bre.Attempts = attempts
		case errors.As(err, &rne):
			rne.Attempts = attempts
		}
		return nil, err
	}
	return resp, nil
}

// buildBackoff composes the retry schedule: exponential with jitter,
// capped, floored by any observed Retry-After, bounded by max retries.
func buildBackoff(ro *requestOptions, retryAfter *time.Duration) retry.Backoff {
	b := retry.NewExponential(ro.backoffBase)
	if ro.jitterPct > 0 {
		b = retry.WithJitterPercent(ro.jitterPct, b)
	}
	b = retry.WithCappedDuration(ro.backoffCap, b)
	next := b
	b = retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		if ra := *retryAfter; ra > d {
			d = ra
		}
		return d, false
	})
	return retry.WithMaxRetries(ro.maxRetries, b)
}

func (c *Client) attempt(ctx context.Context, method, rawurl string, body []byte, ro *requestOptions) (*Response, time.Duration, error) {
	if ro.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ro.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request for %s: %w", rawurl, err)
	}
	for k, vs := range ro.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", DefaultAccept)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if ro.hasBasic {
		req.SetBasicAuth(ro.basicUser, ro.basicPass)
	}
	if ro.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+ro.bearer)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(method, rawurl, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, 0, classifyTransport(method, rawurl, err)
	}

	resp := &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data, URL: rawurl}

	var ra time.Duration
	if ro.respectRetryAfter {
		ra = parseRetryAfter(res.Header.Get("Retry-After"), time.Now())
		if ra > ro.maxRetryAfter {
			ra = ro.maxRetryAfter
		}
	}

	if err := checkResponseCode(method, rawurl, resp, ro); err != nil {
		return nil, ra, err
	}
	return resp, ra, nil
}

func classifyTransport(method, rawurl string, err error) error {
	ne := RequestNetworkError{Op: method, URL: rawurl, Err: err}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &RequestTimedOutError{RequestNetworkError: ne}
	}
	return &ne
}

func checkResponseCode(method, rawurl string, resp *Response, ro *requestOptions) error {
	newBad := func() error {
		preview := resp.Body
		if len(preview) > bodyPreviewBytes {
			preview = preview[:bodyPreviewBytes]
		}
		return &BadResponseError{
			Op:          method,
			URL:         rawurl,
			StatusCode:  resp.StatusCode,
			BodyPreview: string(preview),
		}
	}

	if matchCode(resp.StatusCode, ro.disallowed) {
		return newBad()
	}
	if len(ro.allowed) > 0 {
		if matchCode(resp.StatusCode, ro.allowed) {
			return nil
		}
		return newBad()
	}
	if resp.StatusCode >= 500 {
		return newBad()
	}
	return nil
}

// matchCode reports whether code matches any spec, where a spec is an
// exact status ("404") or a series ("5xx").
func matchCode(code int, specs []string) bool {
	s := strconv.Itoa(code)
	for _, spec := range specs {
		if spec == s {
			return true
		}
		if len(spec) == 3 && strings.HasSuffix(spec, "xx") && spec[0] == s[0] {
			return true
		}
	}
	return false
}

func retriable(err error, ro *requestOptions) bool {
	var bre *BadResponseError
	if errors.As(err, &bre) {
		if _, ok := ro.noRetry[bre.StatusCode]; ok {
			return false
		}
		return bre.StatusCode >= 500 || bre.StatusCode == http.StatusTooManyRequests
	}
	var rne *RequestNetworkError
	if errors.As(err, &rne) {
		// Following more redirects will not go differently.
		return !errors.Is(rne.Err, errTooManyRedirects)
	}
	return false
}

// parseRetryAfter handles both the delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
