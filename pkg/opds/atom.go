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
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// AtomFeed is an OPDS 1.x catalog page. Only the elements the importer
// consumes are modeled; unknown elements are ignored by the decoder.
type AtomFeed struct {
	XMLName xml.Name    `xml:"http://www.w3.org/2005/Atom feed"`
	Title   string      `xml:"title"`
	Updated string      `xml:"updated"`
	Links   []AtomLink  `xml:"link"`
	Entries []AtomEntry `xml:"entry"`
}

// AtomLink is an atom:link, optionally carrying OPDS indirect
// acquisition children.
type AtomLink struct {
	Rel      string                `xml:"rel,attr"`
	Href     string                `xml:"href,attr"`
	Type     string                `xml:"type,attr"`
	Indirect []IndirectAcquisition `xml:"http://opds-spec.org/2010/catalog indirectAcquisition"`
}

// IndirectAcquisition is a nested content-type chain: the outer type is
// the DRM wrapper, the innermost is the content format.
type IndirectAcquisition struct {
	Type     string                `xml:"type,attr"`
	Indirect []IndirectAcquisition `xml:"http://opds-spec.org/2010/catalog indirectAcquisition"`
}

// AtomEntry is one publication entry.
type AtomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Updated    string         `xml:"updated"`
	Summary    string         `xml:"summary"`
	Rights     string         `xml:"rights"`
	Authors    []AtomPerson   `xml:"author"`
	Language   string         `xml:"http://purl.org/dc/terms/ language"`
	Publisher  string         `xml:"http://purl.org/dc/terms/ publisher"`
	Issued     string         `xml:"http://purl.org/dc/terms/ issued"`
	Links      []AtomLink     `xml:"link"`
	Categories []AtomCategory `xml:"category"`
}

// AtomPerson is an atom:author element.
type AtomPerson struct {
	Name string `xml:"name"`
	URI  string `xml:"uri"`
}

// AtomCategory is an atom:category element.
type AtomCategory struct {
	Scheme string `xml:"scheme,attr"`
	Term   string `xml:"term,attr"`
	Label  string `xml:"label,attr"`
}

// ParseAtomFeed decodes an OPDS 1.x page.
func ParseAtomFeed(data []byte) (*AtomFeed, error) {
	var feed AtomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, &ParseError{Doc: "OPDS 1.x feed", Err: err}
	}
	return &feed, nil
}

// NextURL returns the rel=next href, or "" on the last page.
func (f *AtomFeed) NextURL() string {
	for _, l := range f.Links {
		if l.Rel == RelNext {
			return l.Href
		}
	}
	return ""
}

// AcquisitionLinks returns the entry's acquisition-family links.
func (e *AtomEntry) AcquisitionLinks() []AtomLink {
	var out []AtomLink
	for _, l := range e.Links {
		if strings.HasPrefix(l.Rel, RelAcquisition) {
			out = append(out, l)
		}
	}
	return out
}

// IssuedTime parses the dcterms:issued date forms.
func (e *AtomEntry) IssuedTime() (*time.Time, error) {
	if e.Issued == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, e.Issued); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, fmt.Errorf("unparseable issued date %q", e.Issued)
}
