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
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stackroom/circulation/pkg/model"
)

func testWork() *model.Work {
	issued := time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)
	return &model.Work{
		Identifier: model.Identifier{Type: model.IdentifierTypeISBN, Value: "9781234567897"},
		ISBN:       "9781234567897",
		Audience:   "Adult",
		Summary:    "A monster is assembled.",
		Genres:     []string{"Horror", "Gothic"},
		PresentationEdition: model.Edition{
			Title:     "The Modern Prometheus",
			SortTitle: "Modern Prometheus, The",
			Subtitle:  "Frankenstein",
			Language:  "eng",
			Medium:    model.MediumBook,
			Publisher: "Lackington",
			Issued:    &issued,
			Contributors: []model.Contributor{
				{Name: "Mary Shelley", SortName: "Shelley, Mary", Roles: []string{model.RoleAuthor}},
				{Name: "Percy Shelley", SortName: "Shelley, Percy", Roles: []string{model.RoleEditor}},
			},
			Series:         "Gothic Classics",
			SeriesPosition: 2,
		},
		DeliveryMechanisms: []model.DeliveryMechanism{
			{ContentType: "application/epub+zip", DRMScheme: "application/vnd.adobe.adept+xml"},
		},
	}
}

func buildTestRecord(t *testing.T, delta bool) []byte {
	t.Helper()

	r, err := BuildRecord(testWork(), &BuildOptions{
		OrganizationCode: "StRm",
		Delta:            delta,
		Now:              time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := r.MARC()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestMARC_Structure(t *testing.T) {
	t.Parallel()

	data := buildTestRecord(t, false)

	if got, want := len(data), mustInt(t, string(data[0:5])); got != want {
		t.Errorf("leader record length %d does not match actual %d", want, got)
	}
	if got, want := data[5], StatusNew; got != want {
		t.Errorf("expected status %q to be %q", got, want)
	}
	if got, want := data[6], TypeLanguageMaterial; got != want {
		t.Errorf("expected type %q to be %q", got, want)
	}
	if got, want := data[9], byte('a'); got != want {
		t.Errorf("expected unicode flag %q to be %q", got, want)
	}
	if got, want := data[len(data)-1], byte(recordTerminator); got != want {
		t.Errorf("expected record terminator %x, got %x", want, got)
	}

	base := mustInt(t, string(data[12:17]))
	if data[base-1] != fieldTerminator {
		t.Error("directory must end with a field terminator")
	}

	// Walk the directory and check every entry lands on a terminated
	// field at the declared offset.
	dir := data[leaderLen : base-1]
	if len(dir)%directoryEntryLen != 0 {
		t.Fatalf("directory length %d is not a multiple of %d", len(dir), directoryEntryLen)
	}
	var prevTag string
	for i := 0; i < len(dir); i += directoryEntryLen {
		entry := dir[i : i+directoryEntryLen]
		tag := string(entry[0:3])
		length := mustInt(t, string(entry[3:7]))
		offset := mustInt(t, string(entry[7:12]))

		if tag < prevTag {
			t.Errorf("directory tags out of order: %q after %q", tag, prevTag)
		}
		prevTag = tag

		field := data[base+offset : base+offset+length]
		if field[len(field)-1] != fieldTerminator {
			t.Errorf("field %s is not terminated", tag)
		}
	}
}

func TestMARC_Fields(t *testing.T) {
	t.Parallel()

	data := buildTestRecord(t, false)

	for _, want := range []string{
		"urn:isbn:9781234567897",
		"StRm",
		"9781234567897",
		"Shelley, Mary",
		"Shelley, Percy",
		"The Modern Prometheus",
		"Lackington",
		"Gothic Classics",
		"rdacontent",
		"application/epub+zip",
	} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("record is missing %q", want)
		}
	}

	// Library-only fields stay out of the base record.
	for _, reject := range []string{"A monster is assembled.", "Horror", "/works/"} {
		if bytes.Contains(data, []byte(reject)) {
			t.Errorf("base record unexpectedly contains %q", reject)
		}
	}
}

func TestMARC_DeltaStatus(t *testing.T) {
	t.Parallel()

	data := buildTestRecord(t, true)
	if got, want := data[5], StatusChanged; got != want {
		t.Errorf("expected status %q to be %q", got, want)
	}
}

func TestMARC_AudioType(t *testing.T) {
	t.Parallel()

	work := testWork()
	work.PresentationEdition.Medium = model.MediumAudio
	r, err := BuildRecord(work, &BuildOptions{Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	data, err := r.MARC()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := data[6], TypeNonmusicalSound; got != want {
		t.Errorf("expected type %q to be %q", got, want)
	}
	if !bytes.Contains(data, []byte("spoken word")) {
		t.Error("audio record missing spoken word content type")
	}
}

func TestForLibrary(t *testing.T) {
	t.Parallel()

	work := testWork()
	base, err := BuildRecord(work, &BuildOptions{Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	lib := &model.Library{
		ShortName:          "main",
		WebClientBaseURLs:  []string{"https://read.example.com/"},
		MarcIncludeSummary: true,
		MarcIncludeGenres:  true,
	}
	overlaid, err := ForLibrary(base, work, lib).MARC()
	if err != nil {
		t.Fatal(err)
	}

	wantURL := "https://read.example.com/main/works/" + "urn:isbn:9781234567897"
	if !bytes.Contains(overlaid, []byte(wantURL)) {
		t.Errorf("overlay missing access URL %q", wantURL)
	}
	if !bytes.Contains(overlaid, []byte("A monster is assembled.")) {
		t.Error("overlay missing summary")
	}
	if !bytes.Contains(overlaid, []byte("Horror")) {
		t.Error("overlay missing genre heading")
	}

	// The base record must stay untouched.
	baseData, err := base.MARC()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(baseData, []byte("/works/")) {
		t.Error("overlay leaked into the base record")
	}

	// No base URLs, no 856.
	bare, err := ForLibrary(base, work, &model.Library{ShortName: "bare"}).MARC()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(bare, []byte("/works/")) {
		t.Error("expected no access URL without a web client base")
	}
}

func TestNonFilingChars(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		title     string
		sortTitle string
		want      byte
	}{
		{name: "no_sort_title", title: "The Tempest", sortTitle: "", want: 0},
		{name: "identical", title: "Tempest", sortTitle: "Tempest", want: 0},
		{name: "leading_the", title: "The Tempest", sortTitle: "Tempest, The", want: 4},
		{name: "leading_a", title: "A Study in Scarlet", sortTitle: "Study in Scarlet, A", want: 2},
		{name: "no_match", title: "Dracula", sortTitle: "Completely Different", want: 0},
		{name: "too_long_prefix", title: "Something wholly The Tempest", sortTitle: "Tempest, The", want: 0},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got, want := nonFilingChars(tc.title, tc.sortTitle), tc.want; got != want {
				t.Errorf("expected %d to be %d", got, want)
			}
		})
	}
}

func TestBuildRecord_NoTitle(t *testing.T) {
	t.Parallel()

	work := testWork()
	work.PresentationEdition.Title = ""
	if _, err := BuildRecord(work, &BuildOptions{Now: time.Now()}); err == nil {
		t.Error("expected error for a work without a title")
	}
}

func mustInt(t *testing.T, s string) int {
	t.Helper()

	n, err := strconv.Atoi(strings.TrimLeft(s, "0"))
	if err != nil {
		if strings.Trim(s, "0") == "" {
			return 0
		}
		t.Fatalf("not a number: %q", s)
	}
	return n
}
