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

package sip2

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stackroom/circulation/pkg/patronauth"
)

// Settings is the serialized integration configuration for the SIP2
// provider.
type Settings struct {
	Host             string  `json:"url"`
	Port             int     `json:"port"`
	LoginUserID      string  `json:"username"`
	LoginPassword    string  `json:"password"`
	LocationCode     string  `json:"location_code"`
	InstitutionID    string  `json:"institution_id"`
	TerminalPassword string  `json:"terminal_password"`
	FieldSeparator   string  `json:"field_separator"`
	Dialect          Dialect `json:"ils"`
	Charset          Charset `json:"encoding"`
	UseTLS           bool    `json:"use_ssl"`
	SkipVerify       bool    `json:"ssl_skip_verification"`
	TimeoutSeconds   int     `json:"timeout"`

	// PatronStatusBlock, when false, suppresses circulation blocks: the
	// patron authenticates even when the ILS flags them. Defaults true.
	PatronStatusBlock *bool `json:"patron_status_block"`

	// BlockFields names the patron-status flags that deny borrowing, in
	// precedence order: the first set flag wins. Empty means the default
	// set.
	BlockFields []string `json:"patron_status_block_fields"`

	// FeeLimit, when set, blocks patrons whose outstanding fees exceed
	// it regardless of what the ILS's own status bits say.
	FeeLimit string `json:"fee_limit"`
}

// Provider authenticates patrons over SIP2. Each authentication opens a
// fresh connection; SIP2 servers routinely drop idle sessions, and a
// login handshake is cheap next to a patron round trip.
type Provider struct {
	clientConfig *ClientConfig
	statusBlock  bool
	blockFields  []string
	feeLimit     *decimal.Decimal

	// dialFn is replaced in tests to run the protocol over a pipe.
	dialFn func(ctx context.Context) (*Client, error)
}

// Factory adapts NewProvider to the registry.
func Factory(_ context.Context, raw json.RawMessage) (patronauth.Provider, error) {
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode SIP2 settings: %w", err)
	}
	return NewProvider(&s)
}

// NewProvider builds a provider after validating settings.
func NewProvider(s *Settings) (*Provider, error) {
	if s.Host == "" {
		return nil, fmt.Errorf("SIP2 host is required")
	}
	if s.Port == 0 {
		return nil, fmt.Errorf("SIP2 port is required")
	}
	if len(s.FieldSeparator) > 1 {
		return nil, fmt.Errorf("SIP2 field separator must be a single character, got %q", s.FieldSeparator)
	}

	cfg := &ClientConfig{
		Host:             s.Host,
		Port:             s.Port,
		UseTLS:           s.UseTLS,
		SkipVerify:       s.SkipVerify,
		Timeout:          time.Duration(s.TimeoutSeconds) * time.Second,
		Dialect:          s.Dialect,
		Charset:          s.Charset,
		LoginUserID:      s.LoginUserID,
		LoginPassword:    s.LoginPassword,
		LocationCode:     s.LocationCode,
		InstitutionID:    s.InstitutionID,
		TerminalPassword: s.TerminalPassword,
		ErrorDetection:   true,
	}
	if s.FieldSeparator != "" {
		cfg.Separator = s.FieldSeparator[0]
	}
	if _, err := cfg.Dialect.Config(); err != nil && s.Dialect != "" {
		return nil, err
	}
	if _, err := cfg.Charset.Encoding(); err != nil {
		return nil, err
	}

	blockFields := s.BlockFields
	if len(blockFields) == 0 {
		blockFields = defaultBlockFields
	}
	for _, name := range blockFields {
		if _, ok := blockRules[name]; !ok {
			return nil, fmt.Errorf("unknown SIP2 patron-status block field %q", name)
		}
	}

	p := &Provider{
		clientConfig: cfg,
		statusBlock:  s.PatronStatusBlock == nil || *s.PatronStatusBlock,
		blockFields:  blockFields,
	}
	if s.FeeLimit != "" {
		limit, err := decimal.NewFromString(s.FeeLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid SIP2 fee limit %q: %w", s.FeeLimit, err)
		}
		p.feeLimit = &limit
	}
	p.dialFn = func(ctx context.Context) (*Client, error) {
		return Dial(ctx, p.clientConfig)
	}
	return p, nil
}

// RemoteAuthenticate runs the full exchange: connect, login, patron
// information, end session. A patron the ILS does not know, or whose
// password the ILS rejects, yields (nil, nil).
func (p *Provider) RemoteAuthenticate(ctx context.Context, username, password string) (*patronauth.PatronData, error) {
	resp, err := p.patronInformation(ctx, username, password)
	if err != nil {
		return nil, err
	}

	// CQ says whether the supplied password was valid. When the ILS
	// omits it, fall back to BL, the coarser "valid patron" flag. An
	// ILS that reports neither is trusted to have rejected bad patrons
	// with an empty response already.
	if resp.ValidPatronPassword != nil {
		if !*resp.ValidPatronPassword {
			return nil, nil
		}
	} else if resp.ValidPatron != nil && !*resp.ValidPatron {
		return nil, nil
	}
	if resp.PatronID == "" {
		return nil, nil
	}

	return p.patronData(resp), nil
}

// RemotePatronLookup re-queries without a password to refresh fines,
// expiry, and blocks for an already-known patron.
func (p *Provider) RemotePatronLookup(ctx context.Context, data *patronauth.PatronData) (*patronauth.PatronData, error) {
	id := data.AuthorizationIdentifier.Value()
	if id == "" {
		id = data.PermanentID.Value()
	}
	if id == "" {
		return nil, nil
	}

	resp, err := p.patronInformation(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if resp.ValidPatron != nil && !*resp.ValidPatron {
		return nil, nil
	}
	if resp.PatronID == "" {
		return nil, nil
	}
	return p.patronData(resp), nil
}

func (p *Provider) patronInformation(ctx context.Context, username, password string) (*PatronInfoResponse, error) {
	client, err := p.dialFn(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if p.clientConfig.LoginUserID != "" {
		if err := client.Login(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := client.PatronInformation(ctx, username, password)
	if err != nil {
		return nil, err
	}
	client.EndSession(ctx, username, password)
	return resp, nil
}

// expiryFormats are the date layouts ILS vendors have been observed to
// put in the PA field.
var expiryFormats = []string{
	"20060102",
	"20060102150405",
	"01-02-2006",
}

// patronData converts a patron information response into the common
// snapshot. The response carries everything the caller needs, so the
// snapshot is complete.
func (p *Provider) patronData(resp *PatronInfoResponse) *patronauth.PatronData {
	data := &patronauth.PatronData{
		AuthorizationIdentifier: patronauth.NewField(resp.PatronID),
		PermanentID:             patronauth.NewField(resp.PatronID),
		Complete:                true,
	}
	if resp.PersonalName != "" {
		data.PersonalName = patronauth.NewField(resp.PersonalName)
	}
	if resp.EmailAddress != "" {
		data.EmailAddress = patronauth.NewField(resp.EmailAddress)
	}
	if resp.PatronType != "" {
		data.ExternalType = patronauth.NewField(resp.PatronType)
	}

	var fees *decimal.Decimal
	if resp.FeeAmount != "" {
		if d, err := decimal.NewFromString(resp.FeeAmount); err == nil {
			fees = &d
			data.Fines = &d
		}
	}

	if resp.ExpirationDate != "" {
		for _, layout := range expiryFormats {
			if t, err := time.Parse(layout, resp.ExpirationDate); err == nil {
				data.AuthorizationExpires = &t
				break
			}
		}
	}

	data.BlockReason = p.blockReason(resp.Status, fees)
	return data
}

// blockRule couples one patron-status flag with the block it imposes.
type blockRule struct {
	set    func(PatronStatus) bool
	reason patronauth.BlockReason
}

// blockRules names every patron-status flag a Settings.BlockFields
// entry may select.
var blockRules = map[string]blockRule{
	"card_reported_lost":          {func(s PatronStatus) bool { return s.CardReportedLost }, patronauth.BlockCardReportedLost},
	"excessive_outstanding_fines": {func(s PatronStatus) bool { return s.ExcessiveOutstandingFines }, patronauth.BlockExcessiveFines},
	"excessive_outstanding_fees":  {func(s PatronStatus) bool { return s.ExcessiveOutstandingFees }, patronauth.BlockExcessiveFees},
	"too_many_items_charged":      {func(s PatronStatus) bool { return s.TooManyItemsCharged }, patronauth.BlockTooManyLoans},
	"too_many_items_overdue":      {func(s PatronStatus) bool { return s.TooManyItemsOverdue }, patronauth.BlockTooManyOverdue},
	"too_many_items_lost":         {func(s PatronStatus) bool { return s.TooManyItemsLost }, patronauth.BlockTooManyLost},
	"too_many_renewals":           {func(s PatronStatus) bool { return s.TooManyRenewals }, patronauth.BlockTooManyRenewals},
	"recall_overdue":              {func(s PatronStatus) bool { return s.RecallOverdue }, patronauth.BlockRecallOverdue},
	"charge_privileges_denied":    {func(s PatronStatus) bool { return s.ChargePrivilegesDenied }, patronauth.BlockNoBorrowingPrivileges},
}

var defaultBlockFields = []string{
	"card_reported_lost",
	"excessive_outstanding_fines",
	"excessive_outstanding_fees",
	"too_many_items_charged",
	"too_many_items_overdue",
	"too_many_items_lost",
	"too_many_renewals",
	"recall_overdue",
	"charge_privileges_denied",
}

// blockReason derives the circulation block from the status bits: the
// first configured flag that is set wins. The fee limit takes
// precedence over the ILS's own excessive-fines bit so a stricter
// local policy can be enforced.
func (p *Provider) blockReason(status PatronStatus, fees *decimal.Decimal) patronauth.BlockReason {
	if !p.statusBlock {
		return patronauth.BlockNoValue
	}
	if p.feeLimit != nil && fees != nil && fees.GreaterThan(*p.feeLimit) {
		return patronauth.BlockExcessiveFines
	}

	for _, name := range p.blockFields {
		if rule := blockRules[name]; rule.set(status) {
			return rule.reason
		}
	}
	return patronauth.BlockNoValue
}
