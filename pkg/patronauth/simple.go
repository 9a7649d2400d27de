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
	"crypto/subtle"
	"encoding/json"
	"fmt"
)

// SimpleSettings configures the local test-credential provider.
// Identifiers and Passwords are parallel lists; an empty password means
// any password is accepted for that identifier.
type SimpleSettings struct {
	Identifiers []string `json:"test_identifiers"`
	Passwords   []string `json:"test_passwords"`
}

// SimpleProvider validates against a configured credential list. It
// exists for development and smoke tests, not production ILS traffic.
type SimpleProvider struct {
	settings *SimpleSettings
}

// NewSimpleProvider builds the provider after validating settings.
func NewSimpleProvider(settings *SimpleSettings) (*SimpleProvider, error) {
	if len(settings.Identifiers) == 0 {
		return nil, fmt.Errorf("test_identifiers is required")
	}
	if len(settings.Passwords) > len(settings.Identifiers) {
		return nil, fmt.Errorf("more test_passwords than test_identifiers")
	}
	return &SimpleProvider{settings: settings}, nil
}

// SimpleFactory adapts NewSimpleProvider to the registry.
func SimpleFactory(_ context.Context, raw json.RawMessage) (Provider, error) {
	var s SimpleSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode simple auth settings: %w", err)
	}
	return NewSimpleProvider(&s)
}

// RemoteAuthenticate compares in constant time per candidate.
func (p *SimpleProvider) RemoteAuthenticate(_ context.Context, username, password string) (*PatronData, error) {
	for i, id := range p.settings.Identifiers {
		idOK := subtle.ConstantTimeCompare([]byte(id), []byte(username)) == 1
		want := ""
		if i < len(p.settings.Passwords) {
			want = p.settings.Passwords[i]
		}
		pwOK := want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
		if idOK && pwOK {
			return &PatronData{
				AuthorizationIdentifier: NewField(username),
				PermanentID:             NewField(username),
				Complete:                true,
			}, nil
		}
	}
	return nil, nil
}

// RemotePatronLookup has nothing to add for local credentials.
func (p *SimpleProvider) RemotePatronLookup(_ context.Context, data *PatronData) (*PatronData, error) {
	return data, nil
}
