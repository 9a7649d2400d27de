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

	"github.com/stackroom/circulation/pkg/marcexport"
	"github.com/stackroom/circulation/pkg/version"
)

var _ cli.Command = (*MarcExportCommand)(nil)

// MarcExportCommand generates MARC files for every export-enabled
// collection and uploads them to the bucket.
type MarcExportCommand struct {
	cli.BaseCommand

	redis     redisConfig
	cfg       marcexport.Config
	batchSize int
	leaseTTL  time.Duration

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// RepositoryOverride is only used for testing.
	RepositoryOverride RepositoryProvider
}

func (c *MarcExportCommand) Desc() string {
	return `Generate and upload MARC files for export-enabled collections`
}

func (c *MarcExportCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Generate MARC files for every export-enabled collection and library
  pair and upload them to the bucket. Concurrent runs for the same
  collection are excluded by a Redis lease.
`
}

func (c *MarcExportCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	c.redis.toFlags(set)
	objectFlags(set, &c.cfg.Object)

	f := set.NewSection("EXPORT OPTIONS")
	f.IntVar(&cli.IntVar{
		Name:   "batch-size",
		Target: &c.batchSize,
		EnvVar: "MARC_BATCH_SIZE",
		Usage:  `Works fetched from the repository per page.`,
	})
	f.DurationVar(&cli.DurationVar{
		Name:   "lease-ttl",
		Target: &c.leaseTTL,
		EnvVar: "MARC_LEASE_TTL",
		Usage:  `How long one exporter's exclusive hold on a collection lasts.`,
	})

	return set
}

func (c *MarcExportCommand) Run(ctx context.Context, args []string) error {
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

	if err := c.redis.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	provider := c.RepositoryOverride
	if provider == nil {
		provider = defaultRepositoryProvider
	}
	repos, err := provider(ctx)
	if err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}

	c.cfg.RedisAddr = c.redis.Addr
	c.cfg.RedisDB = c.redis.DB
	c.cfg.Prefix = c.redis.Prefix
	c.cfg.BatchSize = c.batchSize
	c.cfg.LeaseTTL = c.leaseTTL

	opts := &marcexport.ExportOptions{
		Source: marcexport.ExportedSource{Works: repos, Files: repos},
	}
	if err := marcexport.ExecuteExport(ctx, &c.cfg, opts); err != nil {
		logger.ErrorContext(ctx, "error executing export job", "error", err)
		return fmt.Errorf("job execution failed: %w", err)
	}
	return nil
}

var _ cli.Command = (*MarcCleanupCommand)(nil)

// MarcCleanupCommand prunes old exported MARC files beyond the
// per-pair retention count.
type MarcCleanupCommand struct {
	cli.BaseCommand

	redis     redisConfig
	cfg       marcexport.Config
	keepFiles int

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// RepositoryOverride is only used for testing.
	RepositoryOverride RepositoryProvider
}

func (c *MarcCleanupCommand) Desc() string {
	return `Prune old exported MARC files`
}

func (c *MarcCleanupCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Delete exported MARC files beyond the retention count for each
  collection and library pair, from the bucket and the repository.
`
}

func (c *MarcCleanupCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	c.redis.toFlags(set)
	objectFlags(set, &c.cfg.Object)

	f := set.NewSection("CLEANUP OPTIONS")
	f.IntVar(&cli.IntVar{
		Name:   "keep-files",
		Target: &c.keepFiles,
		EnvVar: "MARC_KEEP_FILES",
		Usage:  `How many files to keep per collection and library pair.`,
	})

	return set
}

func (c *MarcCleanupCommand) Run(ctx context.Context, args []string) error {
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

	if err := c.redis.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	provider := c.RepositoryOverride
	if provider == nil {
		provider = defaultRepositoryProvider
	}
	repos, err := provider(ctx)
	if err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}

	c.cfg.RedisAddr = c.redis.Addr
	c.cfg.RedisDB = c.redis.DB
	c.cfg.Prefix = c.redis.Prefix
	c.cfg.KeepFiles = c.keepFiles

	opts := &marcexport.ExportOptions{
		Source: marcexport.ExportedSource{Works: repos, Files: repos},
	}
	if err := marcexport.ExecuteCleanup(ctx, &c.cfg, opts); err != nil {
		logger.ErrorContext(ctx, "error executing cleanup job", "error", err)
		return fmt.Errorf("job execution failed: %w", err)
	}
	return nil
}
