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

// Package cli implements the commands for the circulation manager CLI.
package cli

import (
	"context"

	"github.com/abcxyz/pkg/cli"

	"github.com/stackroom/circulation/pkg/version"
)

var rootCmd = func() cli.Command {
	return &cli.RootCommand{
		Name:    "circulation",
		Version: version.HumanVersion,
		Commands: map[string]cli.CommandFactory{
			"server": func() cli.Command {
				return &ServerCommand{}
			},
			"worker": func() cli.Command {
				return &ApplyWorkerCommand{}
			},
			"import": func() cli.Command {
				return &ImportJobCommand{}
			},
			"marc": func() cli.Command {
				return &cli.RootCommand{
					Name:        "marc",
					Description: "Perform MARC export operations",
					Commands: map[string]cli.CommandFactory{
						"export": func() cli.Command {
							return &MarcExportCommand{}
						},
						"cleanup": func() cli.Command {
							return &MarcCleanupCommand{}
						},
					},
				}
			},
			"playtime": func() cli.Command {
				return &cli.RootCommand{
					Name:        "playtime",
					Description: "Perform playtime aggregation and reporting",
					Commands: map[string]cli.CommandFactory{
						"aggregate": func() cli.Command {
							return &PlaytimeAggregateCommand{}
						},
						"report": func() cli.Command {
							return &PlaytimeReportCommand{}
						},
					},
				}
			},
		},
	}
}

// Run executes the CLI.
func Run(ctx context.Context, args []string) error {
	return rootCmd().Run(ctx, args) //nolint:wrapcheck // Want passthrough
}
