// Package composition holds the user's crew-building entities: bridge cores,
// below-deck policies, loadouts and their variants, docks, plan items and
// targets. Everything here is per-user and lives behind the row policy.
package composition

import (
	"errors"
	"fmt"
	"time"
)

// BridgeSlot is a crew position on the bridge.
type BridgeSlot string

const (
	SlotCaptain BridgeSlot = "captain"
	SlotBridge1 BridgeSlot = "bridge_1"
	SlotBridge2 BridgeSlot = "bridge_2"
)

func (s BridgeSlot) Valid() bool {
	switch s {
	case SlotCaptain, SlotBridge1, SlotBridge2:
		return true
	}
	return false
}

// BridgeMember assigns one officer to one slot.
type BridgeMember struct {
	OfficerRefID string     `json:"officerRefId"`
	Slot         BridgeSlot `json:"slot"`
}

// BridgeCore is a named three-seat bridge crew.
type BridgeCore struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Members   []BridgeMember `json:"members"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Validate checks slot values and slot uniqueness.
func (b *BridgeCore) Validate() error {
	if b.Name == "" {
		return errors.New("name required")
	}
	seen := map[BridgeSlot]bool{}
	for _, m := range b.Members {
		if m.OfficerRefID == "" {
			return errors.New("member officerRefId required")
		}
		if !m.Slot.Valid() {
			return fmt.Errorf("unknown bridge slot %q", m.Slot)
		}
		if seen[m.Slot] {
			return fmt.Errorf("duplicate bridge slot %q", m.Slot)
		}
		seen[m.Slot] = true
	}
	return nil
}

// BelowDeckMode selects the fill strategy for non-bridge slots.
type BelowDeckMode string

const (
	ModeStatsThenBDA BelowDeckMode = "stats_then_bda"
	ModePinnedOnly   BelowDeckMode = "pinned_only"
	ModeStatFillOnly BelowDeckMode = "stat_fill_only"
)

func (m BelowDeckMode) Valid() bool {
	switch m {
	case ModeStatsThenBDA, ModePinnedOnly, ModeStatFillOnly:
		return true
	}
	return false
}

// BelowDeckSpec parameterises a policy's mode.
type BelowDeckSpec struct {
	Pinned          []string `json:"pinned,omitempty"`
	PreferModifiers []string `json:"prefer_modifiers,omitempty"`
	AvoidReserved   bool     `json:"avoid_reserved,omitempty"`
	MaxSlots        int      `json:"max_slots,omitempty"`
}

// BelowDeckPolicy is a named below-deck fill strategy.
type BelowDeckPolicy struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mode      BelowDeckMode `json:"mode"`
	Spec      BelowDeckSpec `json:"spec"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (p *BelowDeckPolicy) Validate() error {
	if p.Name == "" {
		return errors.New("name required")
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("unknown below-deck mode %q", p.Mode)
	}
	return nil
}

// Loadout binds a ship to a crew configuration and intents.
type Loadout struct {
	ID                string    `json:"id"`
	ShipRefID         string    `json:"shipRefId"`
	Name              string    `json:"name"`
	Priority          int       `json:"priority"`
	IsActive          bool      `json:"isActive"`
	IntentKeys        []string  `json:"intentKeys"`
	Tags              []string  `json:"tags"`
	BridgeCoreID      *string   `json:"bridgeCoreId"`
	BelowDeckPolicyID *string   `json:"belowDeckPolicyId"`
	Notes             string    `json:"notes"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (l *Loadout) Validate() error {
	if l.ShipRefID == "" {
		return errors.New("shipRefId required")
	}
	if l.Name == "" {
		return errors.New("name required")
	}
	return nil
}

// VariantPatch is the delta a variant applies over its base loadout. A
// variant never promotes to a standalone loadout.
type VariantPatch struct {
	Bridge            []BridgeMember `json:"bridge,omitempty"`
	BelowDeckPolicyID *string        `json:"below_deck_policy_id,omitempty"`
	BelowDeckMode     *BelowDeckMode `json:"below_deck_mode,omitempty"`
	IntentKeys        []string       `json:"intent_keys,omitempty"`
}

// Variant overlays a patch on a base loadout owned by the same user.
type Variant struct {
	ID            string       `json:"id"`
	BaseLoadoutID string       `json:"baseLoadoutId"`
	Patch         VariantPatch `json:"patch"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Dock is a sparse labelled berth, numbered 1..8.
type Dock struct {
	Number int     `json:"dockNumber"`
	Label  *string `json:"label"`
	Notes  *string `json:"notes"`
}

func (d *Dock) Validate() error {
	if d.Number < 1 || d.Number > 8 {
		return errors.New("dockNumber must be between 1 and 8")
	}
	return nil
}

// PlanSource distinguishes hand-made plan items from preset activations.
type PlanSource string

const (
	SourceManual PlanSource = "manual"
	SourcePreset PlanSource = "preset"
)

// PlanItem schedules a loadout (or variant) against an intent and dock.
type PlanItem struct {
	ID           string     `json:"id"`
	IntentKey    *string    `json:"intentKey"`
	LoadoutID    *string    `json:"loadoutId"`
	VariantID    *string    `json:"variantId"`
	DockNumber   *int       `json:"dockNumber"`
	AwayOfficers []string   `json:"awayOfficers"`
	Priority     int        `json:"priority"`
	IsActive     bool       `json:"isActive"`
	Source       PlanSource `json:"source"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func (p *PlanItem) Validate() error {
	if p.DockNumber != nil && (*p.DockNumber < 1 || *p.DockNumber > 8) {
		return errors.New("dockNumber must be between 1 and 8")
	}
	switch p.Source {
	case "", SourceManual, SourcePreset:
	default:
		return fmt.Errorf("unknown plan source %q", p.Source)
	}
	return nil
}

// TargetType is what a target tracks progress toward.
type TargetType string

const (
	TargetOfficer TargetType = "officer"
	TargetShip    TargetType = "ship"
	TargetCrew    TargetType = "crew"
	TargetOps     TargetType = "ops"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetOfficer, TargetShip, TargetCrew, TargetOps:
		return true
	}
	return false
}

// TargetStatus is the target lifecycle state.
type TargetStatus string

const (
	TargetActive    TargetStatus = "active"
	TargetAchieved  TargetStatus = "achieved"
	TargetAbandoned TargetStatus = "abandoned"
)

func (s TargetStatus) Valid() bool {
	switch s {
	case TargetActive, TargetAchieved, TargetAbandoned:
		return true
	}
	return false
}

// Target tracks something the user is working toward.
type Target struct {
	ID          string       `json:"id"`
	TargetType  TargetType   `json:"targetType"`
	RefID       *string      `json:"refId"`
	LoadoutID   *string      `json:"loadoutId"`
	TargetTier  *int         `json:"targetTier"`
	TargetRank  *int         `json:"targetRank"`
	TargetLevel *int         `json:"targetLevel"`
	Priority    int          `json:"priority"`
	Status      TargetStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (t *Target) Validate() error {
	if !t.TargetType.Valid() {
		return fmt.Errorf("unknown target type %q", t.TargetType)
	}
	if t.Priority != 0 && (t.Priority < 1 || t.Priority > 3) {
		return errors.New("priority must be between 1 and 3")
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("unknown target status %q", t.Status)
	}
	return nil
}

var (
	ErrNotFound = errors.New("composition: not found")
	ErrInvalid  = errors.New("composition: invalid entity")
)
