package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// Reap removes what a previous run of project left behind: containers the
// ledger or the runtime still know about and recorded directories. Ledger
// entries are forgotten once their resource is gone. store may be nil.
func Reap(ctx context.Context, rt runtime.Runtime, store storage.Store, project string) error {
	logger := log.WithCluster(project)

	var resources []*types.Resource
	if store != nil {
		var err error
		if resources, err = store.List(project); err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
	}

	ids, listErr := rt.ListContainers(ctx, project)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, r := range resources {
		if r.Kind == types.ResourceContainer && !seen[r.ID] {
			seen[r.ID] = true
			ids = append(ids, r.ID)
		}
	}

	var errs []error
	if listErr != nil {
		errs = append(errs, listErr)
	}
	removed := make(map[string]bool)
	for _, id := range ids {
		if err := removeContainer(ctx, rt, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed[id] = true
		logger.Info().
			Str("container_id", id).
			Msg("Removed leftover container")
	}

	for _, r := range resources {
		switch r.Kind {
		case types.ResourceContainer:
			if !removed[r.ID] {
				continue
			}
		case types.ResourceDirectory:
			if r.Detail != "" {
				if err := os.RemoveAll(r.Detail); err != nil {
					errs = append(errs, fmt.Errorf("failed to remove %s: %w", r.Detail, err))
					continue
				}
				logger.Info().
					Str("path", r.Detail).
					Msg("Removed leftover directory")
			}
		}
		if err := store.Forget(r); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
