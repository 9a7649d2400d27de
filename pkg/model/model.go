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

package model

import (
	"time"
)

// Protocol names a collection's upstream integration type. The importer
// and the auth registry both key on these.
type Protocol string

const (
	ProtocolOPDS1 = Protocol("OPDS Import")
	ProtocolOPDS2 = Protocol("OPDS 2.0 Import")
	ProtocolODL   = Protocol("ODL 2.0")
)

// Collection is a named acquisition source. ExternalAccountID is the
// feed URL for OPDS-family protocols.
type Collection struct {
	ID                    string
	Name                  string
	Protocol              Protocol
	ExternalAccountID     string
	Username              string
	Password              string
	AuthType              CollectionAuthType
	TokenEndpoint         string
	SkippedLicenseFormats []string
	IgnoredIdentifierTypes []IdentifierType
	MarcExportEnabled     bool
	LastImported          *time.Time
}

// CollectionAuthType says how the importer authenticates feed fetches.
type CollectionAuthType string

const (
	CollectionAuthNone  = CollectionAuthType("")
	CollectionAuthBasic = CollectionAuthType("basic")
	CollectionAuthOAuth = CollectionAuthType("oauth")
)

// Library is a tenant. ShortName appears in MARC 856 URLs and S3 keys.
type Library struct {
	ID                   string
	ShortName            string
	Name                 string
	MarcOrganizationCode string
	WebClientBaseURLs    []string
	MarcIncludeSummary   bool
	MarcIncludeGenres    bool
}

// Medium is the presentation format of an edition.
type Medium string

const (
	MediumBook  = Medium("Book")
	MediumAudio = Medium("Audio")
)

// Contributor is one role-tagged credit on an edition. Order matters:
// the first author is the MARC 100 entry.
type Contributor struct {
	Name     string   `json:"name"`
	SortName string   `json:"sort_name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Contributor roles, MARC relator vocabulary.
const (
	RoleAuthor     = "aut"
	RoleNarrator   = "nrt"
	RoleEditor     = "edt"
	RoleTranslator = "trl"
	RoleIllustrator = "ill"
)

// Subject is a classification heading from the feed.
type Subject struct {
	Scheme string `json:"scheme,omitempty"`
	Code   string `json:"code,omitempty"`
	Name   string `json:"name"`
}

// DeliveryMechanism is one way a license pool's content can be
// fulfilled: a content type plus an optional DRM scheme.
type DeliveryMechanism struct {
	ContentType string `json:"content_type"`
	DRMScheme   string `json:"drm_scheme,omitempty"`
	RightsURI   string `json:"rights_uri,omitempty"`
}

// LicenseStatus is the per-copy state an ODL license can be in.
type LicenseStatus string

const (
	LicenseStatusAvailable   = LicenseStatus("available")
	LicenseStatusUnavailable = LicenseStatus("unavailable")
	LicenseStatusPreordered  = LicenseStatus("preordered")
	LicenseStatusExpired     = LicenseStatus("expired")
)

// ParseLicenseStatus validates a wire status string.
func ParseLicenseStatus(s string) (LicenseStatus, bool) {
	switch ls := LicenseStatus(s); ls {
	case LicenseStatusAvailable, LicenseStatusUnavailable, LicenseStatusPreordered, LicenseStatusExpired:
		return ls, true
	}
	return "", false
}

// License is one ODL grant on a license pool.
type License struct {
	ID                 string        `json:"id"`
	CheckoutURL        string        `json:"checkout_url,omitempty"`
	StatusURL          string        `json:"status_url,omitempty"`
	Status             LicenseStatus `json:"status"`
	CheckoutsLeft      *int          `json:"checkouts_left,omitempty"`
	CheckoutsAvailable int           `json:"checkouts_available"`
	Expires            *time.Time    `json:"expires,omitempty"`
	Concurrency        *int          `json:"concurrency,omitempty"`
	ContentTypes       []string      `json:"content_types,omitempty"`
}

// Loanable reports whether this license can currently supply a checkout.
func (l *License) Loanable() bool {
	return l.Status == LicenseStatusAvailable && l.CheckoutsAvailable > 0
}

// LicensePool records that a collection holds rights for an identifier.
type LicensePool struct {
	CollectionID       string
	Identifier         Identifier
	LicensesOwned      int
	LicensesAvailable  int
	LicensesReserved   int
	PatronsInHoldQueue int
	UnlimitedAccess    bool
	OpenAccess         bool
	Suppressed         bool
	LastChecked        *time.Time
	DeliveryMechanisms []DeliveryMechanism
	Licenses           []License
}

// Edition is the bibliographic facts of one manifestation.
type Edition struct {
	PrimaryIdentifier Identifier
	Title             string
	Subtitle          string
	SortTitle         string
	Language          string
	Medium            Medium
	Publisher         string
	Imprint           string
	Issued            *time.Time
	Contributors      []Contributor
	Series            string
	SeriesPosition    float64
}

// Work aggregates editions of the same intellectual content into one
// presentation unit.
type Work struct {
	ID                  string
	PresentationEdition Edition
	Identifier          Identifier
	CollectionID        string
	Audience            string
	Fiction             bool
	TargetAgeLower      int
	TargetAgeUpper      int
	Genres              []string
	Summary             string
	ISBN                string
	LastUpdated         time.Time
	DeliveryMechanisms  []DeliveryMechanism
}

// Patron is one library member.
type Patron struct {
	ID                      string
	LibraryID               string
	ExternalIdentifier      string
	AuthorizationIdentifier string
	Username                string
	AuthorizationExpires    *time.Time
}
