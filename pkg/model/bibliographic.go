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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// BibliographicData is the importer's extraction result for one
// publication: edition facts plus optional circulation data. It is a
// value type; the apply worker turns it into persisted editions and
// pools.
type BibliographicData struct {
	Identifier     Identifier   `json:"identifier"`
	Title          string       `json:"title,omitempty"`
	Subtitle       string       `json:"subtitle,omitempty"`
	SortTitle      string       `json:"sort_title,omitempty"`
	Language       string       `json:"language,omitempty"`
	Medium         Medium       `json:"medium,omitempty"`
	Publisher      string       `json:"publisher,omitempty"`
	Imprint        string       `json:"imprint,omitempty"`
	Issued         *time.Time   `json:"issued,omitempty"`
	Contributors   []Contributor `json:"contributors,omitempty"`
	Series         string       `json:"series,omitempty"`
	SeriesPosition float64      `json:"series_position,omitempty"`
	Duration       float64      `json:"duration,omitempty"`
	Description    string       `json:"description,omitempty"`
	Subjects       []Subject    `json:"subjects,omitempty"`
	Rights         string       `json:"rights,omitempty"`

	Circulation *CirculationData `json:"circulation,omitempty"`
}

// CirculationData is the license-holding side of an extraction: formats,
// counts, and (for ODL) per-copy licenses.
type CirculationData struct {
	Identifier         Identifier          `json:"identifier"`
	Formats            []DeliveryMechanism `json:"formats,omitempty"`
	Licenses           []License           `json:"licenses,omitempty"`
	LicensesOwned      int                 `json:"licenses_owned"`
	LicensesAvailable  int                 `json:"licenses_available"`
	LicensesReserved   int                 `json:"licenses_reserved"`
	PatronsInHoldQueue int                 `json:"patrons_in_hold_queue"`
	UnlimitedAccess    bool                `json:"unlimited_access,omitempty"`
	OpenAccess         bool                `json:"open_access,omitempty"`
}

// RecalculateCounts derives the pool counts from per-copy licenses.
// Pools without licenses (plain OPDS) keep their feed-supplied counts.
func (c *CirculationData) RecalculateCounts() {
	if len(c.Licenses) == 0 {
		return
	}
	owned, available := 0, 0
	for i := range c.Licenses {
		l := &c.Licenses[i]
		if l.Status != LicenseStatusAvailable {
			continue
		}
		n := 1
		if l.Concurrency != nil {
			n = *l.Concurrency
		}
		owned += n
		available += l.CheckoutsAvailable
	}
	c.LicensesOwned = owned
	c.LicensesAvailable = available
}

// CanonicalJSON serializes the record deterministically for snapshot
// hashing: slices with no inherent order are sorted, volatile fields are
// excluded by construction (extraction timestamps never enter this
// struct), and timestamps render as RFC 3339 UTC.
func (b *BibliographicData) CanonicalJSON() ([]byte, error) {
	c := *b
	c.Subjects = append([]Subject(nil), b.Subjects...)
	sort.Slice(c.Subjects, func(i, j int) bool {
		if c.Subjects[i].Scheme != c.Subjects[j].Scheme {
			return c.Subjects[i].Scheme < c.Subjects[j].Scheme
		}
		return c.Subjects[i].Name < c.Subjects[j].Name
	})
	if t := c.Issued; t != nil {
		u := t.UTC()
		c.Issued = &u
	}
	if b.Circulation != nil {
		cc := *b.Circulation
		cc.Formats = append([]DeliveryMechanism(nil), b.Circulation.Formats...)
		sort.Slice(cc.Formats, func(i, j int) bool {
			if cc.Formats[i].ContentType != cc.Formats[j].ContentType {
				return cc.Formats[i].ContentType < cc.Formats[j].ContentType
			}
			return cc.Formats[i].DRMScheme < cc.Formats[j].DRMScheme
		})
		cc.Licenses = append([]License(nil), b.Circulation.Licenses...)
		sort.Slice(cc.Licenses, func(i, j int) bool { return cc.Licenses[i].ID < cc.Licenses[j].ID })
		for i := range cc.Licenses {
			if t := cc.Licenses[i].Expires; t != nil {
				u := t.UTC()
				cc.Licenses[i].Expires = &u
			}
		}
		c.Circulation = &cc
	}
	out, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize bibliographic data: %w", err)
	}
	return out, nil
}

// SnapshotHash is the change-detection fingerprint: SHA-256 over
// CanonicalJSON, hex encoded.
func (b *BibliographicData) SnapshotHash() (string, error) {
	data, err := b.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HasChanged compares against a previously stored snapshot hash. An
// empty stored hash means the identifier was never imported.
func (b *BibliographicData) HasChanged(storedHash string) (bool, error) {
	if storedHash == "" {
		return true, nil
	}
	h, err := b.SnapshotHash()
	if err != nil {
		return false, err
	}
	return h != storedHash, nil
}
