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

// Package sirsidynix authenticates patrons against SirsiDynix Horizon
// web services.
package sirsidynix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/stackroom/circulation/pkg/httpclient"
)

const (
	// AppIDEnv names the environment variable carrying the
	// SD-Originating-App-Id header value.
	AppIDEnv = "SIRSI_DYNIX_APP_ID"

	// DefaultAppID is used when AppIDEnv is unset.
	DefaultAppID = "PALACE"
)

// Client wraps the Horizon JSON API. All requests carry the static
// vendor headers; session-scoped requests add the session token.
type Client struct {
	base      *url.URL
	http      *httpclient.Client
	appID     string
	clientID  string
	libraryID string
}

// NewClient builds a Horizon client against a base URL.
func NewClient(baseURL, appID, clientID, libraryID string, hc *httpclient.Client) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SirsiDynix base URL %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("SirsiDynix base URL %q must be absolute", baseURL)
	}
	return &Client{
		base:      base,
		http:      hc,
		appID:     appID,
		clientID:  clientID,
		libraryID: libraryID,
	}, nil
}

// endpoint joins a relative path onto the base URL. Absolute paths are
// rejected: they would silently discard the base's own path component,
// which is where Horizon installs carry their instance name.
func (c *Client) endpoint(path string) (string, error) {
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("SirsiDynix endpoint path %q must be relative", path)
	}
	return c.base.JoinPath(path).String(), nil
}

func (c *Client) headers(sessionToken string) []httpclient.RequestOption {
	opts := []httpclient.RequestOption{
		httpclient.WithHeader("SD-Originating-App-Id", c.appID),
		httpclient.WithHeader("SD-Working-LibraryID", c.libraryID),
		httpclient.WithHeader("x-sirs-clientID", c.clientID),
		httpclient.WithAccept("application/json"),
	}
	if sessionToken != "" {
		opts = append(opts, httpclient.WithHeader("x-sirs-sessionToken", sessionToken))
	}
	return opts
}

// LoginResponse is the successful patron login payload.
type LoginResponse struct {
	SessionToken string `json:"sessionToken"`
	PatronKey    int64  `json:"patronKey"`
}

// Login authenticates patron credentials. Invalid credentials yield
// (nil, nil): Horizon answers 401 or 403, or omits the session token.
func (c *Client) Login(ctx context.Context, login, password string) (*LoginResponse, error) {
	u, err := c.endpoint("user/patron/login")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.PostJSON(ctx, u, map[string]string{
		"login":    login,
		"password": password,
	}, c.headers("")...)
	if err != nil {
		return nil, fmt.Errorf("SirsiDynix login failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("SirsiDynix login returned unexpected status %d", resp.StatusCode)
	}

	var out LoginResponse
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	if out.SessionToken == "" {
		return nil, nil
	}
	return &out, nil
}

// Money is Horizon's amount representation.
type Money struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

// PatronFields is the patron record detail.
type PatronFields struct {
	DisplayName          string `json:"displayName"`
	Approved             bool   `json:"approved"`
	PrivilegeExpiresDate string `json:"privilegeExpiresDate"`
	EstimatedFines       *Money `json:"estimatedFines"`
	PatronType           struct {
		Key string `json:"key"`
	} `json:"patronType"`
}

type patronEnvelope struct {
	Fields PatronFields `json:"fields"`
}

// Patron fetches a patron record by key.
func (c *Client) Patron(ctx context.Context, sessionToken string, patronKey int64) (*PatronFields, error) {
	u, err := c.endpoint(fmt.Sprintf("user/patron/key/%d", patronKey))
	if err != nil {
		return nil, err
	}
	u += "?includeFields=*"

	resp, err := c.http.Get(ctx, u, append(c.headers(sessionToken), httpclient.WithAllowedCodes("200"))...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch SirsiDynix patron %d: %w", patronKey, err)
	}
	var env patronEnvelope
	if err := resp.JSON(&env); err != nil {
		return nil, err
	}
	return &env.Fields, nil
}

// StatusFields is the patron standing detail.
type StatusFields struct {
	AmountOwed            *Money `json:"amountOwed"`
	HasMaxDaysWithFines   bool   `json:"hasMaxDaysWithFines"`
	HasMaxFines           bool   `json:"hasMaxFines"`
	HasMaxLostItem        bool   `json:"hasMaxLostItem"`
	HasMaxOverdueDays     bool   `json:"hasMaxOverdueDays"`
	HasMaxOverdueItem     bool   `json:"hasMaxOverdueItem"`
	HasMaxItemsCheckedOut bool   `json:"hasMaxItemsCheckedOut"`
	Standing              struct {
		Key string `json:"key"`
	} `json:"standing"`
}

type statusEnvelope struct {
	Fields StatusFields `json:"fields"`
}

// PatronStatus fetches the standing record for a patron key.
func (c *Client) PatronStatus(ctx context.Context, sessionToken string, patronKey int64) (*StatusFields, error) {
	u, err := c.endpoint(fmt.Sprintf("user/patronStatusInfo/key/%d", patronKey))
	if err != nil {
		return nil, err
	}
	u += "?includeFields=*"

	resp, err := c.http.Get(ctx, u, append(c.headers(sessionToken), httpclient.WithAllowedCodes("200"))...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch SirsiDynix patron status %d: %w", patronKey, err)
	}
	var env statusEnvelope
	if err := resp.JSON(&env); err != nil {
		return nil, err
	}
	return &env.Fields, nil
}
