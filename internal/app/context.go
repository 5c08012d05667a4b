package app

import (
	"context"
	"errors"
	"fmt"

	"growline/internal/config"
	"growline/internal/engine"
	"growline/internal/repo"
)

// ResolveFacilityAndConfig picks the active facility and ensures its
// row and config exist, seeding defaults if missing. It prefers the
// override, then a single-facility DB. A facility that does not exist
// yet is initialized on the fly.
func ResolveFacilityAndConfig(ctx context.Context, e engine.Engine, facilityOverride, actorID string) (string, *config.Config, error) {
	facilityID := facilityOverride
	if facilityID == "" {
		if f, err := e.Repo.SingleFacility(ctx); err == nil {
			facilityID = f.ID
		} else {
			return "", nil, fmt.Errorf("facility not specified; use --facility")
		}
	}
	if _, err := e.Repo.GetFacility(ctx, facilityID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.InitFacility(ctx, facilityID, "", actorID); err != nil {
			return "", nil, fmt.Errorf("init facility: %w", err)
		}
	}
	cfg, err := e.Repo.GetFacilityConfig(ctx, facilityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cfg = config.Default(facilityID)
			if err := e.Repo.UpsertFacilityConfig(ctx, facilityID, cfg); err != nil {
				return "", nil, fmt.Errorf("seed facility config: %w", err)
			}
		} else {
			return "", nil, err
		}
	}
	cfg.Facility.ID = facilityID
	return facilityID, cfg, nil
}
