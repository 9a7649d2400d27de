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

package playtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/abcxyz/pkg/logging"
)

// AggregateOptions wires an aggregation run.
type AggregateOptions struct {
	Entries   EntryStore
	Summaries SummaryStore

	// Now overrides the clock.
	Now func() time.Time
}

// bucketKey is the anonymous grouping key: nothing patron-linked. The
// loan identifier is an opaque token, so keeping it in the key lets
// reports count distinct loans without reaching back to raw entries.
type bucketKey struct {
	minute         time.Time
	urn            string
	collectionName string
	libraryName    string
	title          string
	loanIdentifier string
	dataSource     string
}

// ExecuteAggregate reaps old processed entries, then sums stable
// unprocessed ones into UTC-minute buckets and marks them processed.
func ExecuteAggregate(ctx context.Context, cfg *Config, opts *AggregateOptions) error {
	logger := logging.FromContext(ctx)

	if opts == nil || opts.Entries == nil || opts.Summaries == nil {
		return fmt.Errorf("aggregation requires entry and summary stores")
	}
	if err := cfg.normalize(); err != nil {
		return err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	at := now().UTC()

	reaped, err := opts.Entries.DeleteProcessedBefore(ctx, at.Add(-cfg.EntryRetention))
	if err != nil {
		return fmt.Errorf("failed to reap processed entries: %w", err)
	}
	if reaped > 0 {
		logger.InfoContext(ctx, "reaped processed playtime entries", "count", reaped)
	}

	entries, err := opts.Entries.Unprocessed(ctx, at.Add(-cfg.StabilityWindow))
	if err != nil {
		return fmt.Errorf("failed to load unprocessed entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	buckets := make(map[bucketKey]int)
	processed := make([]string, 0, len(entries))
	identByKey := make(map[bucketKey]*Entry, len(entries))
	for _, e := range entries {
		key := bucketKey{
			minute:         e.Timestamp.UTC().Truncate(time.Minute),
			urn:            e.Identifier.URN(),
			collectionName: e.CollectionName,
			libraryName:    e.LibraryName,
			title:          e.Title,
			loanIdentifier: e.LoanIdentifier,
			dataSource:     e.DataSource,
		}
		buckets[key] += e.TotalSeconds
		if _, ok := identByKey[key]; !ok {
			identByKey[key] = e
		}
		processed = append(processed, e.ID)
	}

	// Deterministic upsert order keeps retries and logs stable.
	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if !a.minute.Equal(b.minute) {
			return a.minute.Before(b.minute)
		}
		if a.urn != b.urn {
			return a.urn < b.urn
		}
		if a.collectionName != b.collectionName {
			return a.collectionName < b.collectionName
		}
		if a.libraryName != b.libraryName {
			return a.libraryName < b.libraryName
		}
		return a.loanIdentifier < b.loanIdentifier
	})

	for _, k := range keys {
		if err := opts.Summaries.Upsert(ctx, &Summary{
			Minute:         k.minute,
			Identifier:     identByKey[k].Identifier,
			CollectionName: k.collectionName,
			LibraryName:    k.libraryName,
			Title:          k.title,
			TotalSeconds:   buckets[k],
			LoanIdentifier: k.loanIdentifier,
			DataSource:     k.dataSource,
		}); err != nil {
			return fmt.Errorf("failed to upsert summary bucket: %w", err)
		}
	}
	if err := opts.Entries.MarkProcessed(ctx, processed); err != nil {
		return fmt.Errorf("failed to mark entries processed: %w", err)
	}

	logger.InfoContext(ctx, "aggregated playtime entries",
		"entries", len(entries),
		"buckets", len(buckets))
	return nil
}
