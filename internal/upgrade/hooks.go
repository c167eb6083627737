package upgrade

import (
	"context"
	"database/sql"
)

// Data migration hooks live here: Go transformations that run once
// after their schema version's SQL migration, tracked in the
// data_migrations table. Add a hook whenever a migration needs logic
// SQL can't express.

func init() {
	// Routing compares agent slugs case-folded; rows written by
	// pre-release builds may carry mixed-case targets.
	RegisterDataHook(1, "001_normalize_agent_slugs", func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `
			UPDATE messages SET target_agent = LOWER(target_agent), claimed_by = LOWER(claimed_by)
			WHERE target_agent <> LOWER(target_agent) OR claimed_by <> LOWER(claimed_by)`,
		); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, `
			UPDATE responses SET agent = LOWER(agent) WHERE agent <> LOWER(agent)`)
		return err
	})
}
