package app

import (
	"context"
	"errors"
	"fmt"

	"opdtrack/internal/config"
	"opdtrack/internal/repo"
)

// ResolveConfig returns the effective shop config, preferring the copy
// stored in the database, then the workspace YAML file, then built-in
// defaults. Whichever source wins is written back to the database so
// every process sees the same checklist and form requirements.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	if err := r.UpsertConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return cfg, nil
}
