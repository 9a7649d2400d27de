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
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/objstore"
)

// ReportOptions wires a report run.
type ReportOptions struct {
	Summaries SummaryStore

	// StoreOverride supplies the object store instead of building an S3
	// client from cfg.Object.
	StoreOverride objstore.Store

	// Start and Until override the reporting range. Both or neither;
	// the default is the previous full month.
	Start time.Time
	Until time.Time

	// Now overrides the clock.
	Now func() time.Time
}

// reportRow is one CSV line: a month's playtime for one title in one
// collection and library.
type reportRow struct {
	label          string
	identifier     model.Identifier
	title          string
	collectionName string
	libraryName    string
	totalSeconds   int

	// loans holds the distinct loan identifiers seen for the row; empty
	// identifiers (anonymous or pre-upgrade buckets) do not count.
	loans map[string]struct{}
}

var reportHeader = []string{
	"date", "urn", "isbn", "collection", "library", "title", "total seconds", "loan count",
}

// ExecuteReport writes one playtime CSV per data source for the range
// to the reports bucket. Rows group summaries by (month, identifier,
// collection, library); the loan count is the number of distinct loan
// identifiers behind the row's buckets.
func ExecuteReport(ctx context.Context, cfg *Config, opts *ReportOptions) error {
	logger := logging.FromContext(ctx)

	if opts == nil || opts.Summaries == nil {
		return fmt.Errorf("reporting requires a summary store")
	}
	if err := cfg.normalize(); err != nil {
		return err
	}
	if cfg.ReportingName == "" {
		return fmt.Errorf("reporting name is required (set %s)", ReportingNameEnv)
	}

	store := opts.StoreOverride
	if store == nil {
		s, err := objstore.NewS3Store(ctx, &cfg.Object)
		if err != nil {
			return fmt.Errorf("failed to create object store: %w", err)
		}
		store = s
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	start, until := opts.Start, opts.Until
	if start.IsZero() || until.IsZero() {
		start, until = previousMonth(now().UTC())
	}

	summaries, err := opts.Summaries.Range(ctx, start, until)
	if err != nil {
		return fmt.Errorf("failed to load summaries: %w", err)
	}

	bySource := make(map[string][]*Summary)
	for _, s := range summaries {
		bySource[s.DataSource] = append(bySource[s.DataSource], s)
	}
	sources := make([]string, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		rows := buildRows(bySource[src])

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(reportHeader); err != nil {
			return fmt.Errorf("failed to write report header: %w", err)
		}
		for _, r := range rows {
			isbn := ""
			if r.identifier.Type == model.IdentifierTypeISBN {
				isbn = r.identifier.Value
			}
			record := []string{
				r.label,
				r.identifier.URN(),
				isbn,
				r.collectionName,
				r.libraryName,
				r.title,
				strconv.Itoa(r.totalSeconds),
				strconv.Itoa(len(r.loans)),
			}
			if err := w.Write(record); err != nil {
				return fmt.Errorf("failed to write report row: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("failed to flush report: %w", err)
		}

		key := reportKey(cfg.ReportingName, src, start, until)
		if err := store.Put(ctx, key, "text/csv", buf.Bytes()); err != nil {
			return fmt.Errorf("failed to upload report for %q: %w", src, err)
		}

		logger.InfoContext(ctx, "wrote playtime report",
			"key", key,
			"data_source", src,
			"rows", len(rows),
			"start", start.Format(time.RFC3339),
			"until", until.Format(time.RFC3339))
	}
	return nil
}

func buildRows(summaries []*Summary) []reportRow {
	type groupKey struct {
		label          string
		urn            string
		collectionName string
		libraryName    string
	}
	groups := make(map[groupKey]*reportRow)
	for _, s := range summaries {
		key := groupKey{
			label:          s.Minute.UTC().Format("2006-01"),
			urn:            s.Identifier.URN(),
			collectionName: s.CollectionName,
			libraryName:    s.LibraryName,
		}
		row, ok := groups[key]
		if !ok {
			row = &reportRow{
				label:          key.label,
				identifier:     s.Identifier,
				collectionName: s.CollectionName,
				libraryName:    s.LibraryName,
				loans:          map[string]struct{}{},
			}
			groups[key] = row
		}
		row.totalSeconds += s.TotalSeconds
		if s.Title > row.title {
			row.title = s.Title
		}
		if s.LoanIdentifier != "" {
			row.loans[s.LoanIdentifier] = struct{}{}
		}
	}

	rows := make([]reportRow, 0, len(groups))
	for _, r := range groups {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.collectionName != b.collectionName {
			return a.collectionName < b.collectionName
		}
		if a.libraryName != b.libraryName {
			return a.libraryName < b.libraryName
		}
		if u1, u2 := a.identifier.URN(), b.identifier.URN(); u1 != u2 {
			return u1 < u2
		}
		return a.title < b.title
	})
	return rows
}

// previousMonth returns [first day of last month, first day of this
// month) in UTC.
func previousMonth(now time.Time) (time.Time, time.Time) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -1, 0), first
}
