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

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MinStateSecretLen is the minimum accepted HMAC secret length. A
// shorter secret weakens every login in flight.
const MinStateSecretLen = 32

// stateKindLogout marks a state token minted for the RP-initiated
// logout round trip. Login tokens carry no kind.
const stateKindLogout = "logout"

// StateStore records issued state tokens so each validates exactly
// once. ConsumeState must be atomic: two consumers of the same token
// cannot both get true.
type StateStore interface {
	PutState(ctx context.Context, token string, ttl time.Duration) error
	ConsumeState(ctx context.Context, token string) (bool, error)
}

// memoryStates is the in-process StateStore for single-instance
// deployments and tests. Multi-instance deployments share a
// Redis-backed store instead.
type memoryStates struct {
	mu     sync.Mutex
	expiry map[string]time.Time
}

func newMemoryStates() *memoryStates {
	return &memoryStates{expiry: map[string]time.Time{}}
}

func (m *memoryStates) PutState(_ context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for t, exp := range m.expiry {
		if exp.Before(now) {
			delete(m.expiry, t)
		}
	}
	m.expiry[token] = now.Add(ttl)
	return nil
}

func (m *memoryStates) ConsumeState(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expiry[token]
	if !ok {
		return false, nil
	}
	delete(m.expiry, token)
	return exp.After(time.Now()), nil
}

// statePayload is the signed round-trip state. Field order is the
// canonical serialization order.
type statePayload struct {
	LibraryID    string `json:"library_id"`
	Nonce        string `json:"nonce,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	Redirect     string `json:"redirect"`
	IssuedAt     int64  `json:"issued_at"`
	Kind         string `json:"kind,omitempty"`
}

// encodeState signs the payload:
// base64url(HMAC-SHA256(secret, payload)) + "." + base64url(payload).
func encodeState(secret []byte, p *statePayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode state payload: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)) +
		"." +
		base64.RawURLEncoding.EncodeToString(body), nil
}

// decodeState verifies the MAC in constant time and rejects payloads
// older than ttl.
func decodeState(secret []byte, token string, ttl time.Duration, now time.Time) (*statePayload, error) {
	macPart, bodyPart, ok := strings.Cut(token, ".")
	if !ok {
		return nil, &StateError{Reason: "malformed token"}
	}
	gotMAC, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return nil, &StateError{Reason: "malformed signature"}
	}
	body, err := base64.RawURLEncoding.DecodeString(bodyPart)
	if err != nil {
		return nil, &StateError{Reason: "malformed payload"}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(gotMAC, mac.Sum(nil)) {
		return nil, &StateError{Reason: "signature mismatch"}
	}

	var p statePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &StateError{Reason: "undecodable payload"}
	}
	issued := time.Unix(p.IssuedAt, 0)
	if now.Sub(issued) > ttl || issued.After(now.Add(time.Minute)) {
		return nil, &StateError{Reason: "token expired"}
	}
	return &p, nil
}
