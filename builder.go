package memori

import (
	"context"
	"fmt"
	"log/slog"
)

// buildSchema applies the driver's pending schema revisions in order and
// records the highest applied revision. Rebuilding an up-to-date store
// is a no-op apart from rewriting the version row.
func buildSchema(ctx context.Context, d Driver, logger *slog.Logger) error {
	version := 0
	v, ok, err := d.ReadSchemaVersion(ctx)
	switch {
	case err != nil:
		// No version table yet. A failed read poisons the transaction on
		// some dialects, so clear it before applying revisions.
		if d.RequiresRollbackOnError() {
			if rbErr := d.Rollback(ctx); rbErr != nil {
				return fmt.Errorf("build: rollback after version read: %w", rbErr)
			}
		}
	case ok:
		version = v
	}

	revs := d.Revisions()
	byNum := make(map[int]Revision, len(revs))
	for _, rev := range revs {
		byNum[rev.Num] = rev
	}

	num := version
	for {
		num++
		rev, found := byNum[num]
		if !found {
			break
		}
		logger.Debug("build: applying revision", "dialect", d.Dialect(), "num", num)
		if err := rev.Apply(ctx); err != nil {
			rollbackQuiet(ctx, d, logger)
			return fmt.Errorf("build: revision %d: %w", num, err)
		}
		if err := d.Commit(ctx); err != nil {
			return fmt.Errorf("build: commit revision %d: %w", num, err)
		}
	}

	if err := d.DeleteSchemaVersion(ctx); err != nil {
		rollbackQuiet(ctx, d, logger)
		return fmt.Errorf("build: clear schema version: %w", err)
	}
	if err := d.CreateSchemaVersion(ctx, num-1); err != nil {
		rollbackQuiet(ctx, d, logger)
		return fmt.Errorf("build: record schema version: %w", err)
	}
	if err := d.Commit(ctx); err != nil {
		return fmt.Errorf("build: commit schema version: %w", err)
	}
	return nil
}

func rollbackQuiet(ctx context.Context, d Driver, logger *slog.Logger) {
	if err := d.Rollback(ctx); err != nil {
		logger.Debug("build: rollback failed", "error", err)
	}
}
