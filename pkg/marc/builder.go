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

package marc

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stackroom/circulation/pkg/model"
)

// BuildOptions carry export-run parameters into record assembly.
type BuildOptions struct {
	// OrganizationCode becomes control field 003.
	OrganizationCode string

	// Delta marks records as changed (leader status c) instead of new.
	Delta bool

	// Now stamps control field 005 and the 008 entry date.
	Now time.Time
}

// BuildRecord assembles the base bibliographic record for a work:
// facts only, no library-specific fields. Per-library fields are
// layered on with ForLibrary.
func BuildRecord(work *model.Work, opts *BuildOptions) (*Record, error) {
	ed := &work.PresentationEdition
	if ed.Title == "" {
		return nil, fmt.Errorf("work %s has no title", work.Identifier.URN())
	}

	status := StatusNew
	if opts.Delta {
		status = StatusChanged
	}
	typ := TypeLanguageMaterial
	if ed.Medium == model.MediumAudio {
		typ = TypeNonmusicalSound
	}
	r := NewRecord(status, typ)

	r.AddControlField("001", work.Identifier.URN())
	if opts.OrganizationCode != "" {
		r.AddControlField("003", opts.OrganizationCode)
	}
	r.AddControlField("005", opts.Now.UTC().Format("20060102150405")+".0")
	r.AddControlField("006", electronic006(ed.Medium))
	r.AddControlField("007", "cr cn---------")
	r.AddControlField("008", fixedData008(ed, opts.Now))

	if work.ISBN != "" {
		r.AddDataField("020", 0, 0, Sub('a', work.ISBN))
	}

	addContributors(r, ed.Contributors)

	r.AddDataField("245", titleInd1(ed.Contributors), '0'+nonFilingChars(ed.Title, ed.SortTitle),
		Sub('a', ed.Title),
		Sub('b', ed.Subtitle),
	)

	if ed.Publisher != "" {
		r.AddDataField("264", 0, '1', Sub('b', ed.Publisher))
	}
	if ed.Imprint != "" {
		r.AddDataField("264", 0, '2', Sub('b', ed.Imprint))
	}

	r.AddDataField("300", 0, 0, Sub('a', "1 online resource"))
	addRDAFields(r, ed.Medium)

	if work.Audience != "" {
		r.AddDataField("385", 0, 0, Sub('a', work.Audience), Sub('2', "tlctarget"))
	}
	if ed.Series != "" {
		subs := []Subfield{Sub('a', ed.Series)}
		if ed.SeriesPosition != 0 {
			subs = append(subs, Sub('v', strings.TrimRight(strings.TrimRight(
				fmt.Sprintf("%.2f", ed.SeriesPosition), "0"), ".")))
		}
		r.AddDataField("490", '0', 0, subs...)
	}

	for _, dm := range work.DeliveryMechanisms {
		r.AddDataField("538", 0, 0, Sub('a', systemDetails(dm)))
	}
	return r, nil
}

// ForLibrary overlays library-specific fields on a clone of the base
// record: summary and genre headings per the library's policy, and one
// 856 access URL per configured web-client base. A library with no
// base URLs gets no 856 at all; the export engine logs that once.
func ForLibrary(base *Record, work *model.Work, lib *model.Library) *Record {
	r := base.Clone()

	if lib.MarcIncludeSummary && work.Summary != "" {
		r.AddDataField("520", 0, 0, Sub('a', work.Summary))
	}
	if lib.MarcIncludeGenres {
		for _, g := range work.Genres {
			r.AddDataField("650", '0', 0, Sub('a', g))
		}
	}
	for _, baseURL := range lib.WebClientBaseURLs {
		u := strings.TrimSuffix(baseURL, "/") + "/" + lib.ShortName + "/works/" + url.PathEscape(work.Identifier.URN())
		r.AddDataField("856", '4', '0', Sub('u', u))
	}
	return r
}

// electronic006 is the additional-characteristics field for an online
// resource: position 0 form m (computer file), position 9 d (document).
func electronic006(medium model.Medium) string {
	b := []byte("m        d        ")
	if medium == model.MediumAudio {
		b[9] = 'h'
	}
	return string(b)
}

// fixedData008 builds the 40-character fixed data field: entry date,
// single publication year, place xxu, language, cataloging source d.
func fixedData008(ed *model.Edition, now time.Time) string {
	b := []byte(strings.Repeat(" ", 40))
	copy(b[0:6], now.UTC().Format("060102"))
	b[6] = 's'
	if ed.Issued != nil {
		copy(b[7:11], ed.Issued.UTC().Format("2006"))
	}
	copy(b[15:18], "xxu")
	lang := ed.Language
	if lang == "" {
		lang = "eng"
	}
	if len(lang) > 3 {
		lang = lang[:3]
	}
	copy(b[35:38], lang)
	b[39] = 'd'
	return string(b)
}

// addContributors emits 100 for the first author and 700 for everyone
// else, with the MARC relator code in $4.
func addContributors(r *Record, contributors []model.Contributor) {
	mainDone := false
	for _, c := range contributors {
		name := c.SortName
		if name == "" {
			name = c.Name
		}
		if name == "" {
			continue
		}
		role := ""
		if len(c.Roles) > 0 {
			role = c.Roles[0]
		}
		if !mainDone && (role == model.RoleAuthor || role == "") {
			r.AddDataField("100", '1', 0, Sub('a', name), Sub('4', role))
			mainDone = true
			continue
		}
		r.AddDataField("700", '1', 0, Sub('a', name), Sub('4', role))
	}
}

// titleInd1 is 0 when the record has no main entry, 1 otherwise.
func titleInd1(contributors []model.Contributor) byte {
	for _, c := range contributors {
		if len(c.Roles) == 0 || c.Roles[0] == model.RoleAuthor {
			return '1'
		}
	}
	return '0'
}

// nonFilingChars counts the leading characters of title skipped by the
// sort title (a leading article plus its space). The MARC indicator is
// a single digit, so the count caps at 9; anything unrecognizable
// falls back to 0.
func nonFilingChars(title, sortTitle string) byte {
	if sortTitle == "" || strings.EqualFold(title, sortTitle) {
		return 0
	}
	head := sortTitle
	if i := strings.IndexAny(head, ",("); i >= 0 {
		head = head[:i]
	}
	head = strings.TrimSpace(head)
	if head == "" {
		return 0
	}
	idx := strings.Index(strings.ToLower(title), strings.ToLower(head))
	if idx <= 0 || idx > 9 {
		return 0
	}
	return byte(idx)
}

// systemDetails renders one delivery mechanism as a 538 note.
func systemDetails(dm model.DeliveryMechanism) string {
	if dm.DRMScheme == "" {
		return "Mode of access: World Wide Web. Format: " + dm.ContentType
	}
	return "Mode of access: World Wide Web. Format: " + dm.ContentType + " with " + dm.DRMScheme
}

// addRDAFields emits the 336/337/338 content, media, and carrier
// triplet plus the 347 file type and 380 form of work, per medium.
func addRDAFields(r *Record, medium model.Medium) {
	if medium == model.MediumAudio {
		r.AddDataField("336", 0, 0, Sub('a', "spoken word"), Sub('b', "spw"), Sub('2', "rdacontent"))
	} else {
		r.AddDataField("336", 0, 0, Sub('a', "text"), Sub('b', "txt"), Sub('2', "rdacontent"))
	}
	r.AddDataField("337", 0, 0, Sub('a', "computer"), Sub('b', "c"), Sub('2', "rdamedia"))
	r.AddDataField("338", 0, 0, Sub('a', "online resource"), Sub('b', "cr"), Sub('2', "rdacarrier"))
	if medium == model.MediumAudio {
		r.AddDataField("347", 0, 0, Sub('a', "audio file"), Sub('2', "rda"))
		r.AddDataField("380", 0, 0, Sub('a', "eAudiobook"), Sub('2', "tlcgt"))
	} else {
		r.AddDataField("347", 0, 0, Sub('a', "text file"), Sub('2', "rda"))
		r.AddDataField("380", 0, 0, Sub('a', "eBook"), Sub('2', "tlcgt"))
	}
}
