// Package trust decides, per tool and user, whether a mutating call runs
// automatically, needs an explicit confirmation, or is blocked outright.
package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guffawaffle/majel/pkg/database"
)

// Tier is a trust decision for one tool.
type Tier string

const (
	TierAuto    Tier = "auto"
	TierApprove Tier = "approve"
	TierBlock   Tier = "block"
)

func (t Tier) Valid() bool {
	switch t {
	case TierAuto, TierApprove, TierBlock:
		return true
	}
	return false
}

// SettingKey is where the per-user override map lives in user_settings.
const SettingKey = "fleet.trust"

// Provenance marks who wrote a setting. Only user-written trust overrides
// are honoured.
type Provenance string

const (
	ProvenanceUser    Provenance = "user"
	ProvenanceDefault Provenance = "default"
)

// Setting is one row of the per-user settings table.
type Setting struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Provenance Provenance      `json:"provenance"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

var ErrNotFound = errors.New("trust: setting not found")

// SettingsStore reads and writes user_settings rows under the row policy.
type SettingsStore struct {
	db *database.DB
}

func NewSettingsStore(db *database.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get loads one setting for the user.
func (s *SettingsStore) Get(ctx context.Context, userID, key string) (*Setting, error) {
	var out *Setting
	err := s.db.WithUserRead(ctx, userID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT key, value, provenance, updated_at
			FROM user_settings WHERE key = $1`, key)
		var st Setting
		var value []byte
		var prov string
		err := row.Scan(&st.Key, &value, &prov, &st.UpdatedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("trust: load setting: %w", err)
		}
		st.Value = value
		st.Provenance = Provenance(prov)
		out = &st
		return nil
	})
	return out, err
}

// Set upserts one setting with the given provenance.
func (s *SettingsStore) Set(ctx context.Context, userID, key string, value json.RawMessage, prov Provenance) error {
	return s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_settings (user_id, key, value, provenance, updated_at)
			VALUES (current_setting('app.current_user_id'), $1, $2::jsonb, $3, NOW())
			ON CONFLICT (user_id, key) DO UPDATE SET
				value = EXCLUDED.value,
				provenance = EXCLUDED.provenance,
				updated_at = NOW()`,
			key, string(value), string(prov))
		if err != nil {
			return fmt.Errorf("trust: set setting %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes one setting.
func (s *SettingsStore) Delete(ctx context.Context, userID, key string) error {
	return s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM user_settings WHERE key = $1`, key)
		if err != nil {
			return fmt.Errorf("trust: delete setting %s: %w", key, err)
		}
		return nil
	})
}

// defaultTiers is the system classification. Extending this map is the only
// way a new tool gets anything other than the approve fallback.
var defaultTiers = map[string]Tier{
	"set_officer_overlay":   TierApprove,
	"set_ship_overlay":      TierApprove,
	"bulk_set_overlay":      TierApprove,
	"create_loadout":        TierApprove,
	"update_loadout":        TierApprove,
	"delete_loadout":        TierApprove,
	"create_bridge_core":    TierApprove,
	"create_policy":         TierApprove,
	"create_variant":        TierApprove,
	"set_dock":              TierApprove,
	"create_plan_item":      TierApprove,
	"update_plan_item":      TierApprove,
	"delete_plan_item":      TierApprove,
	"create_target":         TierAuto,
	"complete_target":       TierAuto,
	"remove_target":         TierApprove,
	"activate_preset":       TierBlock,
	"sync_import":           TierApprove,
	"assign_crew":           TierApprove,
	"delete_user_data":      TierBlock,
}

// Engine resolves a tier per (tool, user): user override first, system
// default second, approve as the floor. Failures fall through to the next
// step and never resolve to auto.
type Engine struct {
	settings *SettingsStore
	logger   *slog.Logger
}

func NewEngine(settings *SettingsStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{settings: settings, logger: logger}
}

// Resolve returns the tier for one mutating tool.
func (e *Engine) Resolve(ctx context.Context, userID, tool string) Tier {
	if tier, ok := e.userOverride(ctx, userID, tool); ok {
		return tier
	}
	if tier, ok := defaultTiers[tool]; ok {
		return tier
	}
	return TierApprove
}

func (e *Engine) userOverride(ctx context.Context, userID, tool string) (Tier, bool) {
	setting, err := e.settings.Get(ctx, userID, SettingKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Warn("trust override lookup failed, falling through",
				"userId", userID, "error", err)
		}
		return "", false
	}
	if setting.Provenance != ProvenanceUser {
		return "", false
	}

	var overrides map[string]Tier
	if err := json.Unmarshal(setting.Value, &overrides); err != nil {
		e.logger.Warn("trust override is not a valid map, falling through",
			"userId", userID, "error", err)
		return "", false
	}
	tier, ok := overrides[tool]
	if !ok || !tier.Valid() {
		return "", false
	}
	return tier, true
}
