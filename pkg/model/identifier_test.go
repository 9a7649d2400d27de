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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseURN(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		urn     string
		want    Identifier
		wantErr bool
	}{
		{
			name: "isbn_13",
			urn:  "urn:isbn:9780316075978",
			want: Identifier{Type: IdentifierTypeISBN, Value: "9780316075978"},
		},
		{
			name: "isbn_10_with_hyphens",
			urn:  "urn:isbn:0-306-40615-2",
			want: Identifier{Type: IdentifierTypeISBN, Value: "0306406152"},
		},
		{
			name: "isbn_10_x_check_digit",
			urn:  "urn:isbn:097522980X",
			want: Identifier{Type: IdentifierTypeISBN, Value: "097522980X"},
		},
		{
			name:    "isbn_bad_checksum",
			urn:     "urn:isbn:9780316075979",
			wantErr: true,
		},
		{
			name: "uuid",
			urn:  "urn:uuid:04377e87-ab69-41c8-a2a4-812d55dc0952",
			want: Identifier{Type: IdentifierTypeUUID, Value: "04377e87-ab69-41c8-a2a4-812d55dc0952"},
		},
		{
			name:    "uuid_invalid",
			urn:     "urn:uuid:not-a-uuid",
			wantErr: true,
		},
		{
			name: "overdrive",
			urn:  "urn:librarysimplified.org/terms/id/Overdrive%20ID/ba9c34cc-0d05-4e04-a16f-e477ebb04bbc",
			want: Identifier{Type: IdentifierTypeOverdrive, Value: "ba9c34cc-0d05-4e04-a16f-e477ebb04bbc"},
		},
		{
			name: "http_uri",
			urn:  "https://example.com/works/123",
			want: Identifier{Type: IdentifierTypeURI, Value: "https://example.com/works/123"},
		},
		{
			name:    "empty",
			urn:     "",
			wantErr: true,
		},
		{
			name:    "unrecognized_scheme",
			urn:     "isbn:9780316075978",
			wantErr: true,
		},
		{
			name:    "generic_missing_value",
			urn:     "urn:librarysimplified.org/terms/id/Overdrive%20ID/",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseURN(tc.urn)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseURN(%q) error = %v, wantErr %t", tc.urn, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseURN(%q) diff (-want, +got):\n%s", tc.urn, diff)
			}
		})
	}
}

func TestURN_RoundTrip(t *testing.T) {
	t.Parallel()

	ids := []Identifier{
		{Type: IdentifierTypeISBN, Value: "9780316075978"},
		{Type: IdentifierTypeUUID, Value: "04377e87-ab69-41c8-a2a4-812d55dc0952"},
		{Type: IdentifierTypeOverdrive, Value: "ba9c34cc-0d05-4e04-a16f-e477ebb04bbc"},
		{Type: IdentifierTypeURI, Value: "https://example.com/works/123"},
		{Type: IdentifierTypeGutenberg, Value: "1342"},
	}
	for _, id := range ids {
		got, err := ParseURN(id.URN())
		if err != nil {
			t.Fatalf("ParseURN(%q) unexpected error: %v", id.URN(), err)
		}
		if got != id {
			t.Errorf("round trip of %v produced %v", id, got)
		}
	}
}
