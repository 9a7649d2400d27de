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

package marcexport

import (
	"context"
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/logging"

	"github.com/stackroom/circulation/pkg/objstore"
)

// ExecuteCleanup prunes exported files beyond the retention count per
// (collection, library). The bucket object goes first; a failed object
// delete keeps the bookkeeping row so the next run retries it.
func ExecuteCleanup(ctx context.Context, cfg *Config, opts *ExportOptions) error {
	logger := logging.FromContext(ctx)

	if opts == nil {
		opts = &ExportOptions{}
	}
	if err := cfg.normalize(); err != nil {
		return err
	}
	if opts.Source.Works == nil || opts.Source.Files == nil {
		return fmt.Errorf("cleanup requires a work source and an exported-file store")
	}

	store := opts.StoreOverride
	if store == nil {
		s, err := objstore.NewS3Store(ctx, &cfg.Object)
		if err != nil {
			return fmt.Errorf("failed to create object store: %w", err)
		}
		store = s
	}

	collections, err := opts.Source.Works.Collections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	libraries, err := opts.Source.Works.Libraries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list libraries: %w", err)
	}

	var merr error
	for _, c := range collections {
		if !c.MarcExportEnabled {
			continue
		}
		for _, lib := range libraries {
			files, err := opts.Source.Files.List(ctx, c.ID, lib.ID)
			if err != nil {
				merr = errors.Join(merr, fmt.Errorf("failed to list files for %q/%q: %w", c.Name, lib.ShortName, err))
				continue
			}
			if len(files) <= cfg.KeepFiles {
				continue
			}
			for _, f := range files[cfg.KeepFiles:] {
				if err := store.Delete(ctx, f.Key); err != nil {
					logger.ErrorContext(ctx, "failed to delete exported file, keeping row for retry",
						"key", f.Key,
						"error", err)
					continue
				}
				if err := opts.Source.Files.Remove(ctx, f.ID); err != nil {
					merr = errors.Join(merr, fmt.Errorf("failed to remove file row %q: %w", f.ID, err))
					continue
				}
				logger.InfoContext(ctx, "pruned exported file",
					"collection", c.Name,
					"library", lib.ShortName,
					"key", f.Key)
			}
		}
	}
	return merr
}
