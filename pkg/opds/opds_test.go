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
	"testing"

	"github.com/google/go-cmp/cmp"
)

const odlFeedJSON = `{
  "metadata": {"title": "Test Library", "numberOfItems": 2},
  "links": [
    {"rel": "self", "href": "https://feed.example.com/page/1", "type": "application/opds+json"},
    {"rel": "next", "href": "https://feed.example.com/page/2", "type": "application/opds+json"}
  ],
  "publications": [
    {
      "metadata": {
        "@type": "http://schema.org/EBook",
        "identifier": "urn:isbn:9780316075978",
        "title": "The Example",
        "sortAs": "Example, The",
        "language": "en",
        "published": "2020-03-01",
        "publisher": {"name": "Example House"},
        "author": {"name": "Doe, Jane"},
        "subject": [{"scheme": "bisac", "name": "FICTION / General"}],
        "belongsTo": {"series": {"name": "Examples", "position": 2}}
      },
      "links": [
        {"rel": "http://opds-spec.org/acquisition/borrow", "href": "https://feed.example.com/borrow/1",
         "type": "application/vnd.readium.lcp.license.v1.0+json"}
      ],
      "licenses": [
        {
          "metadata": {
            "identifier": "lic-A",
            "format": "application/epub+zip",
            "terms": {"concurrency": 2, "expires": "2030-01-01T00:00:00Z"}
          },
          "links": [
            {"rel": "self", "href": "https://lic.example.com/lic-A/info",
             "type": "application/vnd.odl.info+json"},
            {"rel": "http://opds-spec.org/acquisition/checkout",
             "href": "https://lic.example.com/lic-A/checkout",
             "type": "application/vnd.readium.lcp.license.v1.0+json"}
          ]
        }
      ]
    },
    {
      "metadata": {
        "identifier": "urn:isbn:9780306406157",
        "title": "Plain Strings",
        "language": ["en", "fr"],
        "publisher": "Bare Publisher",
        "author": ["One, Some", {"name": "Two, Other", "sortAs": "two"}],
        "availability": {"state": "unavailable"}
      }
    }
  ]
}`

func TestParseFeed(t *testing.T) {
	t.Parallel()

	feed, err := ParseFeed([]byte(odlFeedJSON))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := feed.NextURL(), "https://feed.example.com/page/2"; got != want {
		t.Errorf("expected next url %q to be %q", got, want)
	}
	if got, want := len(feed.Publications), 2; got != want {
		t.Fatalf("expected %d publications to be %d", got, want)
	}

	p := feed.Publications[0]
	if got, want := p.Metadata.Identifier, "urn:isbn:9780316075978"; got != want {
		t.Errorf("expected identifier %q to be %q", got, want)
	}
	if got, want := p.Metadata.Publisher.Name, "Example House"; got != want {
		t.Errorf("expected publisher %q to be %q", got, want)
	}
	if got, want := p.Metadata.BelongsTo.Series[0].Name, "Examples"; got != want {
		t.Errorf("expected series %q to be %q", got, want)
	}
	if !p.Metadata.Availability.Available() {
		t.Error("expected publication without availability block to be available")
	}

	lic := p.Licenses[0]
	if got, want := lic.Metadata.Identifier, "lic-A"; got != want {
		t.Errorf("expected license id %q to be %q", got, want)
	}
	if got, want := lic.InfoURL(), "https://lic.example.com/lic-A/info"; got != want {
		t.Errorf("expected info url %q to be %q", got, want)
	}
	if got, want := lic.CheckoutURL(), "https://lic.example.com/lic-A/checkout"; got != want {
		t.Errorf("expected checkout url %q to be %q", got, want)
	}
	if got, want := *lic.Metadata.Terms.Concurrency, 2; got != want {
		t.Errorf("expected concurrency %d to be %d", got, want)
	}

	// Second publication uses the scalar/array alternate forms.
	q := feed.Publications[1]
	if diff := cmp.Diff(Strings{"en", "fr"}, q.Metadata.Language); diff != "" {
		t.Errorf("language diff (-want, +got):\n%s", diff)
	}
	if got, want := q.Metadata.Publisher.Name, "Bare Publisher"; got != want {
		t.Errorf("expected publisher %q to be %q", got, want)
	}
	if got, want := len(q.Metadata.Author), 2; got != want {
		t.Fatalf("expected %d authors to be %d", got, want)
	}
	if got, want := q.Metadata.Author[0].Name, "One, Some"; got != want {
		t.Errorf("expected author %q to be %q", got, want)
	}
	if q.Metadata.Availability.Available() {
		t.Error("expected unavailable publication")
	}
}

func TestParseFeed_Invalid(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "not json", `"string"`, `{}`} {
		if _, err := ParseFeed([]byte(body)); err == nil {
			t.Errorf("ParseFeed(%q) expected error", body)
		}
	}
}

func TestParseLicenseInfo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "valid",
			body: `{"identifier": "lic-A", "status": "available", "checkouts": {"available": 5, "left": 20}}`,
		},
		{
			name: "valid_preorder",
			body: `{"identifier": "lic-B", "status": "preorder", "checkouts": {"available": 0}}`,
		},
		{
			name:    "unknown_status",
			body:    `{"identifier": "lic-A", "status": "revoked", "checkouts": {"available": 0}}`,
			wantErr: true,
		},
		{
			name:    "missing_identifier",
			body:    `{"status": "available", "checkouts": {"available": 1}}`,
			wantErr: true,
		},
		{
			name:    "not_json",
			body:    `<xml/>`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			info, err := ParseLicenseInfo([]byte(tc.body))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseLicenseInfo error = %v, wantErr %t", err, tc.wantErr)
			}
			if err == nil && info.Identifier == "" {
				t.Error("expected identifier to be populated")
			}
		})
	}
}

const atomFeedXML = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"
      xmlns:dcterms="http://purl.org/dc/terms/"
      xmlns:opds="http://opds-spec.org/2010/catalog">
  <title>Open Feed</title>
  <link rel="next" href="https://feed.example.com/atom/2" type="application/atom+xml;profile=opds-catalog"/>
  <entry>
    <id>urn:isbn:9780316075978</id>
    <title>The Example</title>
    <author><name>Doe, Jane</name></author>
    <dcterms:language>en</dcterms:language>
    <dcterms:publisher>Example House</dcterms:publisher>
    <dcterms:issued>2020-03-01</dcterms:issued>
    <summary>A fine example.</summary>
    <link rel="http://opds-spec.org/acquisition/borrow"
          href="https://feed.example.com/borrow/1"
          type="application/vnd.adobe.adept+xml">
      <opds:indirectAcquisition type="application/epub+zip"/>
    </link>
  </entry>
</feed>`

func TestParseAtomFeed(t *testing.T) {
	t.Parallel()

	feed, err := ParseAtomFeed([]byte(atomFeedXML))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := feed.NextURL(), "https://feed.example.com/atom/2"; got != want {
		t.Errorf("expected next url %q to be %q", got, want)
	}
	if got, want := len(feed.Entries), 1; got != want {
		t.Fatalf("expected %d entries to be %d", got, want)
	}

	e := feed.Entries[0]
	if got, want := e.ID, "urn:isbn:9780316075978"; got != want {
		t.Errorf("expected id %q to be %q", got, want)
	}
	if got, want := e.Publisher, "Example House"; got != want {
		t.Errorf("expected publisher %q to be %q", got, want)
	}
	issued, err := e.IssuedTime()
	if err != nil || issued == nil {
		t.Fatalf("IssuedTime() = %v, %v", issued, err)
	}

	acq := e.AcquisitionLinks()
	if got, want := len(acq), 1; got != want {
		t.Fatalf("expected %d acquisition links to be %d", got, want)
	}
	if got, want := acq[0].Type, "application/vnd.adobe.adept+xml"; got != want {
		t.Errorf("expected link type %q to be %q", got, want)
	}
	if got, want := acq[0].Indirect[0].Type, "application/epub+zip"; got != want {
		t.Errorf("expected indirect type %q to be %q", got, want)
	}
}

func TestParseAtomFeed_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseAtomFeed([]byte("{not xml}")); err == nil {
		t.Error("expected error for non-XML input")
	}
}
