package app

import (
	"context"
	"errors"
	"fmt"

	"careline/internal/config"
	"careline/internal/repo"
)

// ResolveConfig returns the stored governance config for the org, seeding
// the defaults on first use so a fresh workspace works without an explicit
// import.
func ResolveConfig(ctx context.Context, orgOverride string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		orgID = config.DefaultOrg
	}
	cfg, err := r.GetGovernanceConfig(ctx, orgID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(orgID)
		if err := r.UpsertGovernanceConfig(ctx, orgID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed governance config: %w", err)
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}
