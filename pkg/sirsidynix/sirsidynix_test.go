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

package sirsidynix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stackroom/circulation/pkg/httpclient"
	"github.com/stackroom/circulation/pkg/patronauth"
)

// fakeHorizon serves the three endpoints the provider touches.
type fakeHorizon struct {
	validLogin    string
	validPassword string
	patron        PatronFields
	status        StatusFields
	statusBroken  bool
}

func (f *fakeHorizon) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/hzws/user/patron/login", func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Method, http.MethodPost; got != want {
			t.Errorf("expected method %q to be %q", got, want)
		}
		if got := r.Header.Get("SD-Originating-App-Id"); got == "" {
			t.Error("missing SD-Originating-App-Id header")
		}
		if got, want := r.Header.Get("x-sirs-clientID"), "PALACEAPP"; got != want {
			t.Errorf("expected client id %q to be %q", got, want)
		}

		var body struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad login body: %v", err)
		}
		if body.Login != f.validLogin || body.Password != f.validPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"sessionToken": "tok-123", "patronKey": 42}`)
	})
	mux.HandleFunc("/hzws/user/patron/key/42", func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("x-sirs-sessionToken"), "tok-123"; got != want {
			t.Errorf("expected session token %q to be %q", got, want)
		}
		json.NewEncoder(w).Encode(map[string]any{"fields": f.patron})
	})
	mux.HandleFunc("/hzws/user/patronStatusInfo/key/42", func(w http.ResponseWriter, r *http.Request) {
		if f.statusBroken {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"fields": f.status})
	})
	return mux
}

func newTestProvider(t *testing.T, f *fakeHorizon, settings *Settings) *Provider {
	t.Helper()

	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	settings.BaseURL = srv.URL + "/hzws/"
	settings.ClientID = "PALACEAPP"
	// No retries: the broken-status case should fail fast.
	p, err := NewProvider(settings, httpclient.New(httpclient.WithRetries(0)))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func okFields() (PatronFields, StatusFields) {
	patron := PatronFields{
		DisplayName:          "Shelley, Mary",
		Approved:             true,
		PrivilegeExpiresDate: "2030-12-31",
		EstimatedFines:       &Money{Amount: "2.50", CurrencyCode: "USD"},
	}
	patron.PatronType.Key = "ADULT"
	var status StatusFields
	status.Standing.Key = "OK"
	return patron, status
}

func TestProvider_Authenticate(t *testing.T) {
	t.Parallel()

	patron, status := okFields()
	p := newTestProvider(t, &fakeHorizon{
		validLogin:    "mary",
		validPassword: "frankenstein",
		patron:        patron,
		status:        status,
	}, &Settings{})

	data, err := p.Authenticate(context.Background(), "mary", "frankenstein")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("expected patron data")
	}
	if got, want := data.SessionToken, "tok-123"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := data.PermanentID.Value(), "42"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := data.PersonalName.Value(), "Shelley, Mary"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if data.Fines == nil || !data.Fines.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("expected fines 2.50, got %v", data.Fines)
	}
	if data.AuthorizationExpires == nil || data.AuthorizationExpires.Year() != 2030 {
		t.Errorf("expected 2030 expiry, got %v", data.AuthorizationExpires)
	}
	if data.Blocked() {
		t.Errorf("unexpected block %q", data.BlockReason)
	}
	if !data.Complete {
		t.Error("expected a complete snapshot")
	}
}

func TestProvider_Authenticate_InvalidCredentials(t *testing.T) {
	t.Parallel()

	patron, status := okFields()
	p := newTestProvider(t, &fakeHorizon{
		validLogin:    "mary",
		validPassword: "frankenstein",
		patron:        patron,
		status:        status,
	}, &Settings{})

	data, err := p.Authenticate(context.Background(), "mary", "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Errorf("expected nil data for bad password, got %+v", data)
	}
}

func TestProvider_Authenticate_StatusUnavailable(t *testing.T) {
	t.Parallel()

	patron, status := okFields()
	p := newTestProvider(t, &fakeHorizon{
		validLogin:    "mary",
		validPassword: "frankenstein",
		patron:        patron,
		status:        status,
		statusBroken:  true,
	}, &Settings{})

	if _, err := p.Authenticate(context.Background(), "mary", "frankenstein"); err == nil {
		t.Error("expected error when patron standing is unavailable")
	}
}

func TestProvider_BlockReason(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	cases := []struct {
		name     string
		patron   func(*PatronFields)
		status   func(*StatusFields)
		expires  *time.Time
		settings Settings
		want     patronauth.BlockReason
	}{
		{
			name: "clean",
			want: patronauth.BlockNoValue,
		},
		{
			name:   "not_approved_bad_standing",
			patron: func(p *PatronFields) { p.Approved = false },
			status: func(s *StatusFields) { s.Standing.Key = "BARRED" },
			want:   patronauth.BlockNotApproved,
		},
		{
			name:   "not_approved_but_delinquent_standing_ok",
			patron: func(p *PatronFields) { p.Approved = false },
			status: func(s *StatusFields) { s.Standing.Key = "DELINQUENT" },
			want:   patronauth.BlockNoValue,
		},
		{
			name:   "not_approved_mixed_case_standing_ok",
			patron: func(p *PatronFields) { p.Approved = false },
			status: func(s *StatusFields) { s.Standing.Key = "Ok" },
			want:   patronauth.BlockNoValue,
		},
		{
			name:    "expired",
			expires: &past,
			want:    patronauth.BlockExpired,
		},
		{
			name:    "future_expiry_ok",
			expires: &future,
			want:    patronauth.BlockNoValue,
		},
		{
			name:   "max_fines",
			status: func(s *StatusFields) { s.HasMaxFines = true },
			want:   patronauth.BlockExcessiveFines,
		},
		{
			name:   "fines_precede_lost",
			status: func(s *StatusFields) { s.HasMaxDaysWithFines = true; s.HasMaxLostItem = true },
			want:   patronauth.BlockExcessiveFines,
		},
		{
			name:   "lost_items",
			status: func(s *StatusFields) { s.HasMaxLostItem = true },
			want:   patronauth.BlockTooManyLost,
		},
		{
			name:   "overdue",
			status: func(s *StatusFields) { s.HasMaxOverdueItem = true },
			want:   patronauth.BlockTooManyOverdue,
		},
		{
			name:   "checked_out",
			status: func(s *StatusFields) { s.HasMaxItemsCheckedOut = true },
			want:   patronauth.BlockTooManyLoans,
		},
		{
			name:     "disallowed_suffix",
			patron:   func(p *PatronFields) { p.PatronType.Key = "STAFF-X" },
			settings: Settings{DisallowedSuffixes: []string{"-X"}},
			want:     patronauth.BlockPatronBlocked,
		},
		{
			name:     "blocks_not_enforced_clears_standing",
			status:   func(s *StatusFields) { s.HasMaxFines = true },
			settings: Settings{BlocksEnforced: boolPtr(false)},
			want:     patronauth.BlockNoValue,
		},
		{
			name:     "blocks_not_enforced_keeps_expired",
			expires:  &past,
			settings: Settings{BlocksEnforced: boolPtr(false)},
			want:     patronauth.BlockExpired,
		},
		{
			name:     "blocks_not_enforced_keeps_not_approved",
			patron:   func(p *PatronFields) { p.Approved = false },
			status:   func(s *StatusFields) { s.Standing.Key = "BARRED" },
			settings: Settings{BlocksEnforced: boolPtr(false)},
			want:     patronauth.BlockNotApproved,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			patron, status := okFields()
			if tc.patron != nil {
				tc.patron(&patron)
			}
			if tc.status != nil {
				tc.status(&status)
			}
			p := &Provider{
				disallowedSuffixes: tc.settings.DisallowedSuffixes,
				blocksEnforced:     tc.settings.BlocksEnforced == nil || *tc.settings.BlocksEnforced,
			}

			if got, want := p.blockReason(&patron, &status, tc.expires, now), tc.want; got != want {
				t.Errorf("expected %q to be %q", got, want)
			}
		})
	}
}

func TestClient_EndpointRejectsAbsolutePath(t *testing.T) {
	t.Parallel()

	c, err := NewClient("https://ils.example.com/hzws/", "PALACE", "id", "lib", httpclient.New())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.endpoint("/user/patron/login"); err == nil {
		t.Error("expected rejection of absolute path")
	}

	u, err := c.endpoint("user/patron/login")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "https://ils.example.com/hzws/user/") {
		t.Errorf("unexpected join result %q", u)
	}
}

func boolPtr(b bool) *bool { return &b }
