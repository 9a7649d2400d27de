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

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/stackroom/circulation/pkg/playtime"
	"github.com/stackroom/circulation/pkg/version"
)

var _ cli.Command = (*PlaytimeAggregateCommand)(nil)

// PlaytimeAggregateCommand sums stable raw playtime entries into
// anonymous minute buckets.
type PlaytimeAggregateCommand struct {
	cli.BaseCommand

	retention time.Duration
	stability time.Duration

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// RepositoryOverride is only used for testing.
	RepositoryOverride RepositoryProvider
}

func (c *PlaytimeAggregateCommand) Desc() string {
	return `Aggregate raw playtime entries into minute buckets`
}

func (c *PlaytimeAggregateCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Sum stable raw playtime entries into anonymous minute buckets and
  reap old processed entries.
`
}

func (c *PlaytimeAggregateCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)

	f := set.NewSection("AGGREGATION OPTIONS")
	f.DurationVar(&cli.DurationVar{
		Name:   "entry-retention",
		Target: &c.retention,
		EnvVar: "PLAYTIME_ENTRY_RETENTION",
		Usage:  `How long processed raw entries are kept before reaping.`,
	})
	f.DurationVar(&cli.DurationVar{
		Name:   "stability-window",
		Target: &c.stability,
		EnvVar: "PLAYTIME_STABILITY_WINDOW",
		Usage:  `How long entries must sit before aggregation picks them up.`,
	})

	return set
}

func (c *PlaytimeAggregateCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "running job",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	provider := c.RepositoryOverride
	if provider == nil {
		provider = defaultRepositoryProvider
	}
	repos, err := provider(ctx)
	if err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}

	cfg := &playtime.Config{
		EntryRetention:  c.retention,
		StabilityWindow: c.stability,
	}
	opts := &playtime.AggregateOptions{Entries: repos, Summaries: repos}
	if err := playtime.ExecuteAggregate(ctx, cfg, opts); err != nil {
		logger.ErrorContext(ctx, "error executing aggregation job", "error", err)
		return fmt.Errorf("job execution failed: %w", err)
	}
	return nil
}

var _ cli.Command = (*PlaytimeReportCommand)(nil)

// PlaytimeReportCommand writes the monthly playtime CSV to the reports
// bucket.
type PlaytimeReportCommand struct {
	cli.BaseCommand

	cfg           playtime.Config
	reportingName string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// RepositoryOverride is only used for testing.
	RepositoryOverride RepositoryProvider
}

func (c *PlaytimeReportCommand) Desc() string {
	return `Write the monthly playtime CSV report`
}

func (c *PlaytimeReportCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Build the playtime CSV for the previous month and upload it to the
  reports bucket.
`
}

func (c *PlaytimeReportCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	objectFlags(set, &c.cfg.Object)

	f := set.NewSection("REPORT OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:   "reporting-name",
		Target: &c.reportingName,
		EnvVar: playtime.ReportingNameEnv,
		Usage:  `Installation name that appears in report file names.`,
	})

	return set
}

func (c *PlaytimeReportCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "running job",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	provider := c.RepositoryOverride
	if provider == nil {
		provider = defaultRepositoryProvider
	}
	repos, err := provider(ctx)
	if err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}

	c.cfg.ReportingName = c.reportingName
	opts := &playtime.ReportOptions{Summaries: repos}
	if err := playtime.ExecuteReport(ctx, &c.cfg, opts); err != nil {
		logger.ErrorContext(ctx, "error executing report job", "error", err)
		return fmt.Errorf("job execution failed: %w", err)
	}
	return nil
}
