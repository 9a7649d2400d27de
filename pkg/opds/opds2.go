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

// Feed is an OPDS 2.0 catalog page.
type Feed struct {
	Metadata FeedMetadata  `json:"metadata"`
	Links    Links         `json:"links"`
	Publications []Publication `json:"publications"`
}

// FeedMetadata is the page-level metadata block.
type FeedMetadata struct {
	Title         string `json:"title"`
	NumberOfItems int    `json:"numberOfItems,omitempty"`
	ItemsPerPage  int    `json:"itemsPerPage,omitempty"`
	CurrentPage   int    `json:"currentPage,omitempty"`
}

// Link is one typed hypermedia link.
type Link struct {
	Href       string          `json:"href"`
	Rel        Strings         `json:"rel,omitempty"`
	Type       string          `json:"type,omitempty"`
	Title      string          `json:"title,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Links is a searchable link list.
type Links []Link

// ByRel returns the first link carrying the relation.
func (ls Links) ByRel(rel string) (Link, bool) {
	for _, l := range ls {
		if l.Rel.Contains(rel) {
			return l, true
		}
	}
	return Link{}, false
}

// ByType returns the first link with the media type.
func (ls Links) ByType(mediaType string) (Link, bool) {
	for _, l := range ls {
		if l.Type == mediaType {
			return l, true
		}
	}
	return Link{}, false
}

// Publication is one catalog entry, optionally carrying ODL licenses.
type Publication struct {
	Metadata PublicationMetadata `json:"metadata"`
	Links    Links               `json:"links,omitempty"`
	Images   Links               `json:"images,omitempty"`
	Licenses []ODLLicense        `json:"licenses,omitempty"`
}

// PublicationMetadata is the bibliographic block of a publication.
type PublicationMetadata struct {
	Type        string          `json:"@type,omitempty"`
	Identifier  string          `json:"identifier"`
	Title       string          `json:"title"`
	Subtitle    string          `json:"subtitle,omitempty"`
	SortAs      string          `json:"sortAs,omitempty"`
	Language    Strings         `json:"language,omitempty"`
	Modified    *time.Time      `json:"modified,omitempty"`
	Published   *Date           `json:"published,omitempty"`
	Publisher   *Name           `json:"publisher,omitempty"`
	Imprint     *Name           `json:"imprint,omitempty"`
	Author      ContributorList `json:"author,omitempty"`
	Translator  ContributorList `json:"translator,omitempty"`
	Editor      ContributorList `json:"editor,omitempty"`
	Illustrator ContributorList `json:"illustrator,omitempty"`
	Narrator    ContributorList `json:"narrator,omitempty"`
	Subject     SubjectList     `json:"subject,omitempty"`
	BelongsTo   *BelongsTo      `json:"belongsTo,omitempty"`
	Duration    float64         `json:"duration,omitempty"`
	Description string          `json:"description,omitempty"`
	Availability *Availability  `json:"availability,omitempty"`
}

// BelongsTo carries series membership.
type BelongsTo struct {
	Series SeriesList `json:"series,omitempty"`
}

// Series is one series membership with an optional position.
type Series struct {
	Name     string  `json:"name"`
	Position float64 `json:"position,omitempty"`
}

func (s *Series) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Name = str
		return nil
	}
	type alias Series
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("expected series string or object: %w", err)
	}
	*s = Series(a)
	return nil
}

// SeriesList accepts a single series or an array.
type SeriesList []Series

func (l *SeriesList) UnmarshalJSON(data []byte) error {
	var many []Series
	if err := json.Unmarshal(data, &many); err == nil {
		*l = SeriesList(many)
		return nil
	}
	var one Series
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("expected series or series array: %w", err)
	}
	*l = SeriesList{one}
	return nil
}

// Availability is the publication- or license-level availability flag.
type Availability struct {
	State string     `json:"state"`
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// Available treats a missing availability block as available; feeds
// only emit the block to say something is wrong.
func (a *Availability) Available() bool {
	return a == nil || a.State == "" || a.State == AvailabilityAvailable
}

// ParseFeed decodes an OPDS 2.0 feed page. Publications without an
// identifier survive parsing; the importer rejects them per item so one
// bad entry cannot poison the page.
func ParseFeed(data []byte) (*Feed, error) {
	var feed Feed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, &ParseError{Doc: "OPDS 2.0 feed", Err: err}
	}
	if feed.Metadata.Title == "" && feed.Publications == nil && feed.Links == nil {
		return nil, &ParseError{Doc: "OPDS 2.0 feed", Err: fmt.Errorf("document has no feed structure")}
	}
	return &feed, nil
}

// NextURL returns the rel=next href, or "" on the last page.
func (f *Feed) NextURL() string {
	if l, ok := f.Links.ByRel(RelNext); ok {
		return l.Href
	}
	return ""
}
