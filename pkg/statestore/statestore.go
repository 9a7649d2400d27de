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

// Package statestore is the Redis-backed coordination layer: namespaced
// JSON documents, fencing-token leases, and the MARC upload session
// state. Every mutation of a leased document runs inside a watch-multi-
// exec transaction that re-verifies the lock nonce and the document's
// update_number, so a worker that lost its lease cannot commit.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld is returned by Acquire when another owner holds a
	// currently-valid lease on the key.
	ErrLockHeld = fmt.Errorf("lock is held by another owner")

	// ErrLockNotHeld is returned when a session operates on a lease it no
	// longer owns (released, expired and taken over, or never acquired).
	ErrLockNotHeld = fmt.Errorf("lock is not held")

	// ErrStaleFencingToken is returned when the document's update_number
	// no longer matches the session's expectation.
	ErrStaleFencingToken = fmt.Errorf("stale fencing token")

	// ErrUpdateConflict is returned when a watched transaction aborts
	// because another client modified the key.
	ErrUpdateConflict = fmt.Errorf("concurrent modification")

	// ErrKeyMissing is returned when the document does not exist.
	ErrKeyMissing = fmt.Errorf("key does not exist")
)

// Client wraps a Redis connection with the installation namespace.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New creates a state store client. The prefix isolates installations
// sharing one Redis.
func New(rdb *redis.Client, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

// Key assembles a namespaced key: prefix::Class::part::part. Parts are
// path-escaped so slashes in file keys or URLs cannot collide with the
// separator downstream.
func (c *Client) Key(class string, parts ...string) string {
	elems := make([]string, 0, len(parts)+2)
	elems = append(elems, c.prefix, class)
	for _, p := range parts {
		elems = append(elems, EscapePath(p))
	}
	return strings.Join(elems, "::")
}

// jsonArg marshals v for use as a RedisJSON value argument. go-redis
// passes string arguments through verbatim, so callers always get
// explicit control over the serialized form.
func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize json value: %w", err)
	}
	return string(b), nil
}

// validateResults checks every slot of a multi-result pipeline. A nil
// reply or per-command error aborts the whole operation.
func validateResults(cmds []redis.Cmder) error {
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("pipeline slot %d (%s) returned no result", i, cmd.Name())
			}
			return fmt.Errorf("pipeline slot %d (%s) failed: %w", i, cmd.Name(), err)
		}
	}
	return nil
}

// mapTxErr converts go-redis transaction failures to the package
// taxonomy.
func mapTxErr(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return ErrUpdateConflict
	}
	return err
}
