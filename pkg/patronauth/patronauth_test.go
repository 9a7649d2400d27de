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

package patronauth

import (
	"context"
	"errors"
	"testing"
)

func TestSimpleProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	p, err := NewSimpleProvider(&SimpleSettings{
		Identifiers: []string{"alice", "bob"},
		Passwords:   []string{"secret", ""},
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		username string
		password string
		wantHit  bool
	}{
		{name: "valid", username: "alice", password: "secret", wantHit: true},
		{name: "wrong_password", username: "alice", password: "nope"},
		{name: "any_password_accepted", username: "bob", password: "whatever", wantHit: true},
		{name: "unknown_user", username: "carol", password: "secret"},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := p.RemoteAuthenticate(ctx, tc.username, tc.password)
			if err != nil {
				t.Fatal(err)
			}
			if (got != nil) != tc.wantHit {
				t.Errorf("RemoteAuthenticate(%q, %q) = %v, wantHit %t", tc.username, tc.password, got, tc.wantHit)
			}
			if got != nil && !got.Complete {
				t.Error("expected simple provider data to be complete")
			}
		})
	}
}

func TestAuthenticatedPatron_EmptyUsername(t *testing.T) {
	t.Parallel()

	p, err := NewSimpleProvider(&SimpleSettings{Identifiers: []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := AuthenticatedPatron(context.Background(), p, nil, "   ", "pw")
	if err != nil || got != nil {
		t.Errorf("expected (nil, nil) for blank username, got (%v, %v)", got, err)
	}
}

func TestRestriction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		field   RestrictionField
		typ     RestrictionType
		value   string
		data    PatronData
		wantErr bool
	}{
		{
			name:  "prefix_match",
			field: RestrictionFieldBarcode,
			typ:   RestrictionPrefix,
			value: "0123",
			data:  PatronData{AuthorizationIdentifier: NewField("0123456")},
		},
		{
			name:    "prefix_mismatch",
			field:   RestrictionFieldBarcode,
			typ:     RestrictionPrefix,
			value:   "0123",
			data:    PatronData{AuthorizationIdentifier: NewField("9993456")},
			wantErr: true,
		},
		{
			name:  "regex_on_patron_type",
			field: RestrictionFieldPatronType,
			typ:   RestrictionRegex,
			value: `^(adult|teen)$`,
			data:  PatronData{ExternalType: NewField("teen")},
		},
		{
			name:    "regex_mismatch",
			field:   RestrictionFieldPatronType,
			typ:     RestrictionRegex,
			value:   `^(adult|teen)$`,
			data:    PatronData{ExternalType: NewField("staff")},
			wantErr: true,
		},
		{
			name:  "list_match",
			field: RestrictionFieldPatronType,
			typ:   RestrictionList,
			value: "main, branch",
			data:  PatronData{ExternalType: NewField("branch")},
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, err := NewRestriction(tc.field, tc.typ, tc.value)
			if err != nil {
				t.Fatal(err)
			}
			err = r.Enforce(&tc.data)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Enforce() error = %v, wantErr %t", err, tc.wantErr)
			}
			if tc.wantErr {
				var rerr *RestrictionError
				if !errors.As(err, &rerr) {
					t.Errorf("expected RestrictionError, got %T", err)
				}
			}
		})
	}
}

func TestRestriction_InvalidRegex(t *testing.T) {
	t.Parallel()

	if _, err := NewRestriction(RestrictionFieldBarcode, RestrictionRegex, "("); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestField(t *testing.T) {
	t.Parallel()

	var unset Field
	if unset.IsSet() || unset.Value() != "" {
		t.Error("zero Field must be unset and empty")
	}
	nv := NoValue()
	if !nv.IsSet() || !nv.IsNoValue() || nv.Value() != "" {
		t.Error("NoValue must be set, absent, and empty")
	}
	v := NewField("x")
	if !v.IsSet() || v.IsNoValue() || v.Value() != "x" {
		t.Error("NewField must carry its value")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Register(ProtocolSimple, SimpleFactory)
	p, err := New(ctx, ProtocolSimple, []byte(`{"test_identifiers": ["a"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected provider")
	}

	if _, err := New(ctx, "api.nope", nil); err == nil {
		t.Error("expected error for unregistered protocol")
	}
}
