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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// retentionTTL is how long the underlying key outlives the lease. The
// lease itself expires via the embedded expires_at timestamp; the longer
// key retention keeps a crashed worker's session state readable for the
// next owner to resume from.
const retentionTTL = 24 * time.Hour

// lockInfo is the lease ownership marker inside the document.
type lockInfo struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (l *lockInfo) validAt(t time.Time) bool {
	return l != nil && l.Nonce != "" && l.ExpiresAt.After(t)
}

// leaseDoc is the full JSON document at a leased key.
type leaseDoc struct {
	Lock         *lockInfo          `json:"lock,omitempty"`
	UpdateNumber int64              `json:"update_number"`
	State        string             `json:"state,omitempty"`
	Uploads      map[string]*Upload `json:"uploads"`
}

// Lease is a named lease on one key. Acquire returns a Session holding
// the fencing token; all further mutations go through the Session.
type Lease struct {
	client *Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

// Lease creates a handle for the named lease. key should come from
// Client.Key.
func (c *Client) Lease(key string, ttl time.Duration) *Lease {
	return &Lease{client: c, key: key, ttl: ttl, now: time.Now}
}

// Acquire takes the lease. A fresh key creates the document; an expired
// lease on an existing key is taken over, preserving the document state
// and its update_number so resumption can continue where the dead owner
// stopped. A valid foreign lease returns ErrLockHeld.
func (l *Lease) Acquire(ctx context.Context) (*Session, error) {
	nonce := uuid.New().String()
	now := l.now().UTC()
	lock := &lockInfo{Nonce: nonce, ExpiresAt: now.Add(l.ttl)}

	var expected int64
	err := l.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		doc, err := readDoc(ctx, tx, l.key)
		if err != nil && !errors.Is(err, ErrKeyMissing) {
			return err
		}

		if doc == nil {
			fresh := &leaseDoc{Lock: lock, State: StateInitial, Uploads: map[string]*Upload{}}
			arg, err := jsonArg(fresh)
			if err != nil {
				return err
			}
			expected = 0
			cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.JSONSetMode(ctx, l.key, "$", arg, "NX")
				pipe.Expire(ctx, l.key, retentionTTL)
				return nil
			})
			if err != nil {
				return err
			}
			return validateResults(cmds)
		}

		if doc.Lock.validAt(now) {
			return ErrLockHeld
		}

		// Dead lease: take it over, keeping state and bumping the token.
		arg, err := jsonArg(lock)
		if err != nil {
			return err
		}
		expected = doc.UpdateNumber + 1
		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.JSONSet(ctx, l.key, "$.lock", arg)
			pipe.JSONNumIncrBy(ctx, l.key, "$.update_number", 1)
			pipe.Expire(ctx, l.key, retentionTTL)
			return nil
		})
		if err != nil {
			return err
		}
		return validateResults(cmds)
	}, l.key)
	if err != nil {
		return nil, mapTxErr(err)
	}

	return &Session{lease: l, nonce: nonce, expected: expected}, nil
}

// Session is a held lease. The expected update_number is the fencing
// token: every successful Update increments it by exactly one, and a
// mismatch on commit means another owner intervened.
type Session struct {
	lease    *Lease
	nonce    string
	expected int64
}

// UpdateNumber returns the session's current fencing token expectation.
func (s *Session) UpdateNumber() int64 {
	return s.expected
}

// Update runs one guarded mutation. The verify phase re-reads the lock
// nonce and update_number under WATCH; mutate queues the caller's JSON
// operations into the transaction alongside the update_number increment
// and the lease refresh.
func (s *Session) Update(ctx context.Context, mutate func(pipe redis.Pipeliner) error) error {
	return s.update(ctx, nil, mutate)
}

func (s *Session) update(ctx context.Context, verify func(tx *redis.Tx, doc *leaseDoc) error, mutate func(pipe redis.Pipeliner) error) error {
	l := s.lease
	now := l.now().UTC()
	err := l.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		doc, err := readDoc(ctx, tx, l.key)
		if err != nil {
			if errors.Is(err, ErrKeyMissing) {
				return ErrLockNotHeld
			}
			return err
		}
		if doc.Lock == nil || doc.Lock.Nonce != s.nonce {
			return ErrLockNotHeld
		}
		if doc.UpdateNumber != s.expected {
			return fmt.Errorf("%w: document at %d, session expects %d", ErrStaleFencingToken, doc.UpdateNumber, s.expected)
		}
		if verify != nil {
			if err := verify(tx, doc); err != nil {
				return err
			}
		}

		refreshed, err := jsonArg(now.Add(l.ttl))
		if err != nil {
			return err
		}
		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := mutate(pipe); err != nil {
				return err
			}
			pipe.JSONNumIncrBy(ctx, l.key, "$.update_number", 1)
			pipe.JSONSet(ctx, l.key, "$.lock.expires_at", refreshed)
			pipe.Expire(ctx, l.key, retentionTTL)
			return nil
		})
		if err != nil {
			return err
		}
		return validateResults(cmds)
	}, l.key)
	if err != nil {
		return mapTxErr(err)
	}
	s.expected++
	return nil
}

// Release verifies ownership and deletes the key. Releasing a lease the
// session no longer owns is ErrLockNotHeld.
func (s *Session) Release(ctx context.Context) error {
	l := s.lease
	err := l.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		doc, err := readDoc(ctx, tx, l.key)
		if err != nil {
			if errors.Is(err, ErrKeyMissing) {
				return ErrLockNotHeld
			}
			return err
		}
		if doc.Lock == nil || doc.Lock.Nonce != s.nonce {
			return ErrLockNotHeld
		}
		cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, l.key)
			return nil
		})
		if err != nil {
			return err
		}
		return validateResults(cmds)
	}, l.key)
	return mapTxErr(err)
}

// read fetches the document outside a transaction, verifying ownership.
func (s *Session) read(ctx context.Context) (*leaseDoc, error) {
	doc, err := readDoc(ctx, s.lease.client.rdb, s.lease.key)
	if err != nil {
		if errors.Is(err, ErrKeyMissing) {
			return nil, ErrLockNotHeld
		}
		return nil, err
	}
	if doc.Lock == nil || doc.Lock.Nonce != s.nonce {
		return nil, ErrLockNotHeld
	}
	return doc, nil
}

// readDoc fetches and decodes the whole lease document.
func readDoc(ctx context.Context, rdb redis.Cmdable, key string) (*leaseDoc, error) {
	raw, err := rdb.JSONGet(ctx, key, "$").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyMissing
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if raw == "" || raw == "[]" {
		return nil, ErrKeyMissing
	}
	var docs []*leaseDoc
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("failed to decode document at %s: %w", key, err)
	}
	if len(docs) == 0 || docs[0] == nil {
		return nil, ErrKeyMissing
	}
	return docs[0], nil
}
