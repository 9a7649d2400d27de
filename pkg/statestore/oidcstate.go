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

package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// stateClass namespaces one-time OIDC state tokens.
const stateClass = "OIDCState"

// stateDigest shortens a state token into a fixed-width key component.
func stateDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PutState records an issued OIDC state token with a TTL, backing
// one-time consumption across instances.
func (c *Client) PutState(ctx context.Context, token string, ttl time.Duration) error {
	key := c.Key(stateClass, stateDigest(token))
	if err := c.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to record state token: %w", err)
	}
	return nil
}

// ConsumeState deletes the token's key, reporting whether it was still
// present. DEL is atomic, so two consumers of one token cannot both
// get true.
func (c *Client) ConsumeState(ctx context.Context, token string) (bool, error) {
	n, err := c.rdb.Del(ctx, c.Key(stateClass, stateDigest(token))).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume state token: %w", err)
	}
	return n > 0, nil
}
