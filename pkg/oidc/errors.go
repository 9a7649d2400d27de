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

package oidc

import "fmt"

// DiscoveryError reports a failure to fetch or validate the provider's
// discovery document.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("OIDC discovery for %s failed: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// StateError reports a state token that failed verification: bad
// format, bad MAC, or expired.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid OIDC state token: %s", e.Reason)
}

// ProviderError carries an error the authorization server returned on
// the callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("OIDC provider returned error %q", e.Code)
	}
	return fmt.Sprintf("OIDC provider returned error %q: %s", e.Code, e.Description)
}

// TokenExchangeError reports a failed code-for-token exchange. Err
// carries the transport taxonomy when the request itself failed.
type TokenExchangeError struct {
	StatusCode int
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("OIDC token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("OIDC token exchange failed with status %d", e.StatusCode)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// ValidationError reports an ID or logout token that failed validation.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("OIDC token validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("OIDC token validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
