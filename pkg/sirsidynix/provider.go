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

package sirsidynix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stackroom/circulation/pkg/httpclient"
	"github.com/stackroom/circulation/pkg/patronauth"
)

// Settings is the serialized integration configuration.
type Settings struct {
	BaseURL   string `json:"url"`
	ClientID  string `json:"client_id"`
	LibraryID string `json:"library_id"`

	// DisallowedSuffixes blocks patrons whose patron-type key ends in
	// one of these values, regardless of standing.
	DisallowedSuffixes []string `json:"patron_type_disallowed_suffixes"`

	// BlocksEnforced, when false, clears every block reason except
	// Expired and NotApproved. Defaults true.
	BlocksEnforced *bool `json:"patron_blocks_enforced"`
}

// standings in which an unapproved patron may still borrow. Keys are
// lowercase; Horizon is not consistent about the case it reports.
var approvedStandings = map[string]bool{
	"ok":         true,
	"delinquent": true,
}

// Provider authenticates patrons against Horizon.
type Provider struct {
	client             *Client
	disallowedSuffixes []string
	blocksEnforced     bool
}

// Factory adapts NewProvider to the registry, using the worker HTTP
// client variant.
func Factory(_ context.Context, raw json.RawMessage) (patronauth.Provider, error) {
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode SirsiDynix settings: %w", err)
	}
	return NewProvider(&s, httpclient.New())
}

// NewProvider builds a provider after validating settings.
func NewProvider(s *Settings, hc *httpclient.Client) (*Provider, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("SirsiDynix base URL is required")
	}
	if s.ClientID == "" {
		return nil, fmt.Errorf("SirsiDynix client_id is required")
	}

	appID := os.Getenv(AppIDEnv)
	if appID == "" {
		appID = DefaultAppID
	}
	client, err := NewClient(s.BaseURL, appID, s.ClientID, s.LibraryID, hc)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client:             client,
		disallowedSuffixes: s.DisallowedSuffixes,
		blocksEnforced:     s.BlocksEnforced == nil || *s.BlocksEnforced,
	}, nil
}

// SirsiPatronData is the common snapshot plus the Horizon session
// token, for callers that chain further API calls.
type SirsiPatronData struct {
	patronauth.PatronData

	SessionToken string
	PatronKey    int64
}

// Authenticate runs the full exchange and keeps the session token.
func (p *Provider) Authenticate(ctx context.Context, username, password string) (*SirsiPatronData, error) {
	login, err := p.client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if login == nil {
		return nil, nil
	}

	patron, err := p.client.Patron(ctx, login.SessionToken, login.PatronKey)
	if err != nil {
		return nil, err
	}
	// Without the standing record we cannot certify the patron as
	// unblocked, so a status failure fails the authentication.
	status, err := p.client.PatronStatus(ctx, login.SessionToken, login.PatronKey)
	if err != nil {
		return nil, fmt.Errorf("patron standing unavailable: %w", err)
	}

	data := &SirsiPatronData{
		SessionToken: login.SessionToken,
		PatronKey:    login.PatronKey,
		PatronData: patronauth.PatronData{
			PermanentID:             patronauth.NewField(strconv.FormatInt(login.PatronKey, 10)),
			AuthorizationIdentifier: patronauth.NewField(username),
			Username:                patronauth.NewField(username),
			Complete:                true,
		},
	}
	if patron.DisplayName != "" {
		data.PersonalName = patronauth.NewField(patron.DisplayName)
	}
	if patron.PatronType.Key != "" {
		data.ExternalType = patronauth.NewField(patron.PatronType.Key)
	}
	if patron.EstimatedFines != nil {
		if d, err := decimal.NewFromString(patron.EstimatedFines.Amount); err == nil {
			data.Fines = &d
		}
	} else if status.AmountOwed != nil {
		if d, err := decimal.NewFromString(status.AmountOwed.Amount); err == nil {
			data.Fines = &d
		}
	}

	var expires *time.Time
	if patron.PrivilegeExpiresDate != "" {
		if t, err := time.Parse("2006-01-02", patron.PrivilegeExpiresDate); err == nil {
			expires = &t
			data.AuthorizationExpires = &t
		}
	}

	data.BlockReason = p.blockReason(patron, status, expires, time.Now())
	return data, nil
}

// RemoteAuthenticate satisfies the provider interface; the session
// token is dropped.
func (p *Provider) RemoteAuthenticate(ctx context.Context, username, password string) (*patronauth.PatronData, error) {
	data, err := p.Authenticate(ctx, username, password)
	if err != nil || data == nil {
		return nil, err
	}
	return &data.PatronData, nil
}

// RemotePatronLookup cannot re-query Horizon without the patron's
// password; the authentication-time snapshot is already complete.
func (p *Provider) RemotePatronLookup(_ context.Context, data *patronauth.PatronData) (*patronauth.PatronData, error) {
	return data, nil
}

// blockReason applies the precedence ladder: approval, expiry, then
// the standing booleans, then the patron-type suffix policy.
func (p *Provider) blockReason(patron *PatronFields, status *StatusFields, expires *time.Time, now time.Time) patronauth.BlockReason {
	if !patron.Approved && !approvedStandings[strings.ToLower(status.Standing.Key)] {
		return patronauth.BlockNotApproved
	}
	if expires != nil && expires.Before(now) {
		return patronauth.BlockExpired
	}

	reason := patronauth.BlockNoValue
	switch {
	case status.HasMaxDaysWithFines || status.HasMaxFines:
		reason = patronauth.BlockExcessiveFines
	case status.HasMaxLostItem:
		reason = patronauth.BlockTooManyLost
	case status.HasMaxOverdueDays || status.HasMaxOverdueItem:
		reason = patronauth.BlockTooManyOverdue
	case status.HasMaxItemsCheckedOut:
		reason = patronauth.BlockTooManyLoans
	default:
		for _, suffix := range p.disallowedSuffixes {
			if suffix != "" && strings.HasSuffix(patron.PatronType.Key, suffix) {
				reason = patronauth.BlockPatronBlocked
				break
			}
		}
	}
	if !p.blocksEnforced {
		return patronauth.BlockNoValue
	}
	return reason
}
