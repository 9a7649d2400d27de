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

package opds

import (
	"encoding/json"
	"fmt"
	"time"
)

// ODLLicense is the license block attached to a publication in an
// OPDS2+ODL feed: the distributor's claim about one grant.
type ODLLicense struct {
	Metadata ODLLicenseMetadata `json:"metadata"`
	Links    Links              `json:"links,omitempty"`
}

// ODLLicenseMetadata identifies the grant and its terms.
type ODLLicenseMetadata struct {
	Identifier   string         `json:"identifier"`
	Formats      Strings        `json:"format,omitempty"`
	Created      *time.Time     `json:"created,omitempty"`
	Terms        *ODLTerms      `json:"terms,omitempty"`
	Protection   *ODLProtection `json:"protection,omitempty"`
	Availability *Availability  `json:"availability,omitempty"`
}

// ODLTerms are the checkout terms of a grant.
type ODLTerms struct {
	Checkouts   *int       `json:"checkouts,omitempty"`
	Expires     *time.Time `json:"expires,omitempty"`
	Concurrency *int       `json:"concurrency,omitempty"`
}

// ODLProtection describes the DRM applied to fulfillments.
type ODLProtection struct {
	Formats Strings `json:"format,omitempty"`
	Devices *int    `json:"devices,omitempty"`
}

// InfoURL returns the href of the license-info document (the
// self/status link with the ODL info media type).
func (l *ODLLicense) InfoURL() string {
	if link, ok := l.Links.ByType(ODLInfoMediaType); ok {
		return link.Href
	}
	return ""
}

// CheckoutURL returns the href used to borrow against this license.
func (l *ODLLicense) CheckoutURL() string {
	if link, ok := l.Links.ByRel(RelODLCheckout); ok {
		return link.Href
	}
	if link, ok := l.Links.ByRel(RelBorrow); ok {
		return link.Href
	}
	return ""
}

// LicenseInfo is the per-license status document fetched from the
// license's info URL: the authoritative word on checkouts and terms.
type LicenseInfo struct {
	Identifier string         `json:"identifier"`
	Status     string         `json:"status"`
	Checkouts  InfoCheckouts  `json:"checkouts"`
	Terms      *InfoTerms     `json:"terms,omitempty"`
	Formats    Strings        `json:"format,omitempty"`
}

// InfoCheckouts is the checkout counter block.
type InfoCheckouts struct {
	Left      *int `json:"left,omitempty"`
	Available int  `json:"available"`
}

// InfoTerms echoes the grant terms from the distributor's side.
type InfoTerms struct {
	Expires     *time.Time `json:"expires,omitempty"`
	Concurrency *int       `json:"concurrency,omitempty"`
}

// licenseInfoStatuses is the closed set a status document may carry.
var licenseInfoStatuses = map[string]struct{}{
	"preorder":    {},
	"available":   {},
	"unavailable": {},
}

// ParseLicenseInfo decodes and validates a license-info document. An
// unknown status is a parse failure, not a guess.
func ParseLicenseInfo(data []byte) (*LicenseInfo, error) {
	var info LicenseInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &ParseError{Doc: "ODL license info", Err: err}
	}
	if info.Identifier == "" {
		return nil, &ParseError{Doc: "ODL license info", Err: fmt.Errorf("missing identifier")}
	}
	if _, ok := licenseInfoStatuses[info.Status]; !ok {
		return nil, &ParseError{Doc: "ODL license info", Err: fmt.Errorf("unknown status %q", info.Status)}
	}
	return &info, nil
}

// Available reports whether the document says the license can lend.
func (i *LicenseInfo) Available() bool {
	return i.Status == "available"
}
