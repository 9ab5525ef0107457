package database

import (
	"context"
	"fmt"
)

// userTables are the per-user tables. Each carries user_id, gets RLS enabled
// and forced, and receives the current_setting policy. Listing queries have
// (user_id, ...) composite indexes declared alongside the tables.
var userTables = []string{
	"officer_overlays",
	"ship_overlays",
	"loadouts",
	"bridge_cores",
	"below_deck_policies",
	"loadout_variants",
	"docks",
	"plan_items",
	"targets",
	"mutation_proposals",
	"import_receipts",
	"user_settings",
	"behavior_rules",
	"chat_frames",
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'ensign',
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	locked_at TIMESTAMPTZ,
	password_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_sessions (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	ip TEXT,
	user_agent TEXT
);
CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id);

CREATE TABLE IF NOT EXISTS auth_tokens (
	token_hash TEXT PRIMARY KEY,
	token_type TEXT NOT NULL CHECK (token_type IN ('verify','reset')),
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at TIMESTAMPTZ NOT NULL,
	consumed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_auth_tokens_user ON auth_tokens(user_id);

CREATE TABLE IF NOT EXISTS ref_officers (
	ref_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	rarity TEXT NOT NULL DEFAULT '',
	faction TEXT NOT NULL DEFAULT '',
	abilities JSONB NOT NULL DEFAULT '{}',
	source TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	revision_id TEXT NOT NULL DEFAULT '',
	revision_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ref_officers_name ON ref_officers(LOWER(name));

CREATE TABLE IF NOT EXISTS ref_ships (
	ref_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	class TEXT NOT NULL DEFAULT '',
	tier INT NOT NULL DEFAULT 0,
	faction TEXT NOT NULL DEFAULT '',
	abilities JSONB NOT NULL DEFAULT '{}',
	source TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	revision_id TEXT NOT NULL DEFAULT '',
	revision_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ref_ships_name ON ref_ships(LOWER(name));

CREATE TABLE IF NOT EXISTS officer_overlays (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	ref_id TEXT NOT NULL REFERENCES ref_officers(ref_id),
	ownership_state TEXT NOT NULL DEFAULT 'unknown' CHECK (ownership_state IN ('unknown','owned','unowned')),
	target BOOLEAN NOT NULL DEFAULT FALSE,
	user_level INT,
	user_rank INT,
	user_power BIGINT,
	user_tier INT,
	target_note TEXT,
	target_priority INT CHECK (target_priority BETWEEN 1 AND 3),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, ref_id)
);

CREATE TABLE IF NOT EXISTS ship_overlays (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	ref_id TEXT NOT NULL REFERENCES ref_ships(ref_id),
	ownership_state TEXT NOT NULL DEFAULT 'unknown' CHECK (ownership_state IN ('unknown','owned','unowned')),
	target BOOLEAN NOT NULL DEFAULT FALSE,
	user_level INT,
	user_rank INT,
	user_power BIGINT,
	user_tier INT,
	target_note TEXT,
	target_priority INT CHECK (target_priority BETWEEN 1 AND 3),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, ref_id)
);

CREATE TABLE IF NOT EXISTS loadouts (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	ship_ref_id TEXT NOT NULL REFERENCES ref_ships(ref_id),
	name TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	intent_keys JSONB NOT NULL DEFAULT '[]',
	tags JSONB NOT NULL DEFAULT '[]',
	bridge_core_id TEXT,
	below_deck_policy_id TEXT,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_loadouts_list ON loadouts(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS bridge_cores (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	members JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS below_deck_policies (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	mode TEXT NOT NULL CHECK (mode IN ('stats_then_bda','pinned_only','stat_fill_only')),
	spec JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS loadout_variants (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	base_loadout_id TEXT NOT NULL,
	patch JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id),
	FOREIGN KEY (user_id, base_loadout_id) REFERENCES loadouts(user_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS docks (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	dock_number INT NOT NULL CHECK (dock_number BETWEEN 1 AND 8),
	label TEXT,
	notes TEXT,
	PRIMARY KEY (user_id, dock_number)
);

CREATE TABLE IF NOT EXISTS plan_items (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	intent_key TEXT,
	loadout_id TEXT,
	variant_id TEXT,
	dock_number INT CHECK (dock_number BETWEEN 1 AND 8),
	away_officers JSONB NOT NULL DEFAULT '[]',
	priority INT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	source TEXT NOT NULL DEFAULT 'manual' CHECK (source IN ('manual','preset')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_plan_items_list ON plan_items(user_id, priority DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS targets (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	target_type TEXT NOT NULL CHECK (target_type IN ('officer','ship','crew','ops')),
	ref_id TEXT,
	loadout_id TEXT,
	target_tier INT,
	target_rank INT,
	target_level INT,
	priority INT NOT NULL DEFAULT 2 CHECK (priority BETWEEN 1 AND 3),
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','achieved','abandoned')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_targets_list ON targets(user_id, status, priority);

CREATE TABLE IF NOT EXISTS mutation_proposals (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	tool TEXT NOT NULL,
	args_json JSONB NOT NULL,
	args_hash TEXT NOT NULL,
	proposal_json JSONB NOT NULL,
	batch_items JSONB,
	status TEXT NOT NULL DEFAULT 'proposed' CHECK (status IN ('proposed','applied','declined','expired')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	applied_receipt_id TEXT,
	applied_at TIMESTAMPTZ,
	declined_at TIMESTAMPTZ,
	decline_reason TEXT,
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_proposals_list ON mutation_proposals(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_proposals_hash ON mutation_proposals(user_id, args_hash, status);
CREATE INDEX IF NOT EXISTS idx_proposals_sweep ON mutation_proposals(status, expires_at);

CREATE TABLE IF NOT EXISTS import_receipts (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	source_type TEXT NOT NULL,
	source_meta JSONB NOT NULL DEFAULT '{}',
	mapping JSONB,
	layer TEXT NOT NULL CHECK (layer IN ('reference','ownership','composition')),
	changeset JSONB NOT NULL,
	inverse JSONB NOT NULL,
	unresolved JSONB,
	resolved_items JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_receipts_list ON import_receipts(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value JSONB NOT NULL,
	provenance TEXT NOT NULL DEFAULT 'default' CHECK (provenance IN ('user','default')),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS behavior_rules (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	rule_text TEXT NOT NULL,
	task_type TEXT,
	alpha DOUBLE PRECISION NOT NULL DEFAULT 2,
	beta DOUBLE PRECISION NOT NULL DEFAULT 5,
	observation_count INT NOT NULL DEFAULT 0,
	severity TEXT NOT NULL DEFAULT 'should' CHECK (severity IN ('must','should','style')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS chat_frames (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	branch TEXT NOT NULL DEFAULT 'main',
	summary TEXT NOT NULL,
	keywords JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_chat_frames_list ON chat_frames(user_id, created_at DESC);
`

// appRoleDDL creates the unprivileged role and hands it exactly the DML it
// needs. No CREATE, no BYPASSRLS.
const appRoleDDL = `
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = 'majel_app') THEN
		CREATE ROLE majel_app LOGIN NOBYPASSRLS;
	END IF;
END
$$;

GRANT SELECT, INSERT, UPDATE, DELETE ON users, user_sessions, auth_tokens TO majel_app;
GRANT SELECT ON ref_officers, ref_ships TO majel_app;
`

// Migrate creates the schema, enables and forces row-level security on every
// per-user table, installs the isolation policy and grants the app role its
// DML. Runs on the admin pool only.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Admin.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("database: apply schema: %w", err)
	}
	if _, err := d.Admin.ExecContext(ctx, appRoleDDL); err != nil {
		return fmt.Errorf("database: create app role: %w", err)
	}

	for _, table := range userTables {
		stmts := []string{
			fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
			// FORCE applies the policy to the table owner too, so even a
			// misconfigured connection cannot skip it.
			fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table),
			fmt.Sprintf(`DROP POLICY IF EXISTS user_isolation ON %s`, table),
			fmt.Sprintf(`CREATE POLICY user_isolation ON %s
				USING (user_id = current_setting('app.current_user_id', true))
				WITH CHECK (user_id = current_setting('app.current_user_id', true))`, table),
			fmt.Sprintf(`GRANT SELECT, INSERT, UPDATE, DELETE ON %s TO majel_app`, table),
		}
		for _, stmt := range stmts {
			if _, err := d.Admin.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("database: install policy on %s: %w", table, err)
			}
		}
	}

	d.logger.InfoContext(ctx, "schema migrated", "user_tables", len(userTables))
	return nil
}
