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

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/stackroom/circulation/pkg/apply"
	"github.com/stackroom/circulation/pkg/credentials"
	"github.com/stackroom/circulation/pkg/httpclient"
	"github.com/stackroom/circulation/pkg/importer"
	"github.com/stackroom/circulation/pkg/version"
)

var _ cli.Command = (*ImportJobCommand)(nil)

// ImportJobCommand runs one feed import for a collection and dispatches
// the extracted records onto the apply stream.
type ImportJobCommand struct {
	cli.BaseCommand

	redis        redisConfig
	collectionID string
	maxPages     int
	force        bool

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// RepositoryOverride is only used for testing.
	RepositoryOverride RepositoryProvider
}

func (c *ImportJobCommand) Desc() string {
	return `Run a feed import for one collection`
}

func (c *ImportJobCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Fetch a collection's feed, extract bibliographic and circulation
  records, and dispatch changed ones onto the apply stream.
`
}

func (c *ImportJobCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	c.redis.toFlags(set)

	f := set.NewSection("IMPORT OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:   "collection-id",
		Target: &c.collectionID,
		EnvVar: "COLLECTION_ID",
		Usage:  `The collection to import.`,
	})
	f.IntVar(&cli.IntVar{
		Name:   "max-pages",
		Target: &c.maxPages,
		EnvVar: "IMPORT_MAX_PAGES",
		Usage:  `Upper bound on feed pages fetched in one run.`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "force",
		Target: &c.force,
		EnvVar: "IMPORT_EVEN_IF_UNCHANGED",
		Usage:  `Dispatch every publication even when unchanged since the last run.`,
	})

	return set
}

func (c *ImportJobCommand) Run(ctx context.Context, args []string) error {
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
	if c.collectionID == "" {
		return fmt.Errorf("invalid configuration: COLLECTION_ID is required")
	}

	provider := c.RepositoryOverride
	if provider == nil {
		provider = defaultRepositoryProvider
	}
	repos, err := provider(ctx)
	if err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}

	rdb := c.redis.client()
	defer rdb.Close()

	imp, err := importer.New(&importer.Config{
		HTTP:       httpclient.NewWorker(),
		Vault:      credentials.NewVault(),
		Dispatcher: apply.NewDispatcher(rdb, c.redis.Prefix),
		Snapshots:  repos,
		MaxPages:   c.maxPages,
		Force:      c.force,
	})
	if err != nil {
		return fmt.Errorf("failed to create importer: %w", err)
	}

	collection, err := findCollection(ctx, repos, c.collectionID)
	if err != nil {
		return err
	}

	summary, err := imp.ImportCollection(ctx, collection)
	if err != nil {
		logger.ErrorContext(ctx, "error executing import job", "error", err)
		return fmt.Errorf("job execution failed: %w", err)
	}

	logger.InfoContext(ctx, "import finished",
		"collection", collection.Name,
		"pages", summary.Pages,
		"imported", summary.Imported,
		"unchanged", summary.Unchanged,
		"ignored", summary.Ignored,
		"failures", len(summary.Failures))
	return nil
}
