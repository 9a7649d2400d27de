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

// Package playtime turns raw audiobook playtime entries into anonymous
// minute-bucket summaries and monthly CSV reports. Patron-linked fields
// stop at aggregation: a Summary carries no tracking ID and no patron
// reference, and neither does the CSV.
package playtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/objstore"
)

// ReportingNameEnv names the environment variable carrying the
// installation's reporting name, used in report file names.
const ReportingNameEnv = "PALACE_REPORTING_NAME"

const (
	defaultEntryRetention  = 30 * 24 * time.Hour
	defaultStabilityWindow = time.Hour
)

// Entry is one raw playtime measurement as written by the request path.
// TrackingID ties the entry to a loan and, transitively, to a patron;
// it never leaves this type. LoanIdentifier is an opaque per-loan token
// with no patron linkage, kept through aggregation so reports can count
// distinct loans.
type Entry struct {
	ID             string
	Timestamp      time.Time
	Identifier     model.Identifier
	CollectionName string
	LibraryName    string
	Title          string
	TotalSeconds   int
	TrackingID     string
	LoanIdentifier string
	DataSource     string
	Processed      bool
}

// Summary is one anonymous minute bucket.
type Summary struct {
	Minute         time.Time
	Identifier     model.Identifier
	CollectionName string
	LibraryName    string
	Title          string
	TotalSeconds   int
	LoanIdentifier string
	DataSource     string
}

// EntryStore is the raw-entry repository surface.
type EntryStore interface {
	// Unprocessed returns entries not yet summed whose timestamp is at
	// or before the cutoff.
	Unprocessed(ctx context.Context, cutoff time.Time) ([]*Entry, error)
	MarkProcessed(ctx context.Context, ids []string) error

	// DeleteProcessedBefore reaps processed entries older than the
	// cutoff, returning how many went away.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SummaryStore persists minute buckets. Upsert adds seconds into an
// existing bucket with the same grouping key.
type SummaryStore interface {
	Upsert(ctx context.Context, s *Summary) error
	Range(ctx context.Context, start, until time.Time) ([]*Summary, error)
}

// Config carries the aggregation and reporting settings.
type Config struct {
	// EntryRetention bounds how long processed raw entries stay around
	// (default 30 days).
	EntryRetention time.Duration

	// StabilityWindow keeps recent entries out of aggregation so late
	// arrivals land in the right bucket (default 1h).
	StabilityWindow time.Duration

	// ReportingName appears in report file names. Defaults to the
	// PALACE_REPORTING_NAME environment variable.
	ReportingName string

	// Object describes the reports bucket.
	Object objstore.Config
}

func (c *Config) normalize() error {
	if c.EntryRetention <= 0 {
		c.EntryRetention = defaultEntryRetention
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = defaultStabilityWindow
	}
	if c.ReportingName == "" {
		c.ReportingName = os.Getenv(ReportingNameEnv)
	}
	return nil
}

// reportKey assembles the CSV object key. One report file exists per
// data source in the range.
func reportKey(reportingName, dataSource string, start, until time.Time) string {
	return fmt.Sprintf("playtime-summary-%s-%s-%s-%s.csv",
		keySlug(reportingName),
		keySlug(dataSource),
		start.UTC().Format("2006-01-02"),
		until.UTC().Format("2006-01-02"))
}

// keySlug makes a name safe inside an S3 key segment.
func keySlug(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	return strings.ReplaceAll(s, " ", "-")
}
