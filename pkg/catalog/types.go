// Package catalog holds the global vendor reference catalog of officers and
// ships, plus the per-user overlay that annotates it with ownership, targets
// and user-entered stats.
package catalog

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind selects the officer or ship side of the catalog.
type Kind string

const (
	KindOfficer Kind = "officer"
	KindShip    Kind = "ship"
)

func (k Kind) refTable() string {
	if k == KindShip {
		return "ref_ships"
	}
	return "ref_officers"
}

func (k Kind) overlayTable() string {
	if k == KindShip {
		return "ship_overlays"
	}
	return "officer_overlays"
}

// OwnershipState is the user's relationship to a reference row.
type OwnershipState string

const (
	OwnershipUnknown OwnershipState = "unknown"
	OwnershipOwned   OwnershipState = "owned"
	OwnershipUnowned OwnershipState = "unowned"
)

func (s OwnershipState) Valid() bool {
	switch s {
	case OwnershipUnknown, OwnershipOwned, OwnershipUnowned:
		return true
	}
	return false
}

// Provenance records where a reference row came from.
type Provenance struct {
	Source     string     `json:"source,omitempty"`
	SourceURL  string     `json:"sourceUrl,omitempty"`
	RevisionID string     `json:"revisionId,omitempty"`
	RevisionAt *time.Time `json:"revisionAt,omitempty"`
}

// Officer is a vendor reference row. Abilities are opaque catalog bytes.
type Officer struct {
	RefID     string          `json:"refId"`
	Name      string          `json:"name"`
	Rarity    string          `json:"rarity,omitempty"`
	Faction   string          `json:"faction,omitempty"`
	Abilities json.RawMessage `json:"abilities,omitempty"`
	Provenance
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ship is a vendor reference row.
type Ship struct {
	RefID     string          `json:"refId"`
	Name      string          `json:"name"`
	Class     string          `json:"class,omitempty"`
	Tier      int             `json:"tier,omitempty"`
	Faction   string          `json:"faction,omitempty"`
	Abilities json.RawMessage `json:"abilities,omitempty"`
	Provenance
	UpdatedAt time.Time `json:"updatedAt"`
}

// Overlay is the per-user annotation on one reference row. Pointer fields are
// genuinely nullable in storage.
type Overlay struct {
	RefID          string         `json:"refId"`
	OwnershipState OwnershipState `json:"ownershipState"`
	Target         bool           `json:"target"`
	UserLevel      *int           `json:"userLevel"`
	UserRank       *int           `json:"userRank"`
	UserPower      *int64         `json:"userPower"`
	UserTier       *int           `json:"userTier"`
	TargetNote     *string        `json:"targetNote"`
	TargetPriority *int           `json:"targetPriority"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// defaultOverlay is the merged-read default when no overlay row exists.
func defaultOverlay(refID string) Overlay {
	return Overlay{RefID: refID, OwnershipState: OwnershipUnknown}
}

// Patch is a tri-state overlay delta. Absent fields leave the stored value
// unchanged; explicit nulls clear (ownershipState clears to unknown, target
// to false, the rest to SQL NULL).
type Patch struct {
	OwnershipState Field[OwnershipState] `json:"ownershipState"`
	Target         Field[bool]           `json:"target"`
	UserLevel      Field[int]            `json:"userLevel"`
	UserRank       Field[int]            `json:"userRank"`
	UserPower      Field[int64]          `json:"userPower"`
	UserTier       Field[int]            `json:"userTier"`
	TargetNote     Field[string]         `json:"targetNote"`
	TargetPriority Field[int]            `json:"targetPriority"`
}

// Empty reports whether the patch sets nothing.
func (p Patch) Empty() bool {
	return !p.OwnershipState.Set && !p.Target.Set && !p.UserLevel.Set &&
		!p.UserRank.Set && !p.UserPower.Set && !p.UserTier.Set &&
		!p.TargetNote.Set && !p.TargetPriority.Set
}

// Validate checks enum and range constraints before anything hits the
// database.
func (p Patch) Validate() error {
	if p.OwnershipState.Set && !p.OwnershipState.Null && !p.OwnershipState.Value.Valid() {
		return errors.New("ownershipState must be one of unknown, owned, unowned")
	}
	if p.TargetPriority.Set && !p.TargetPriority.Null {
		if v := p.TargetPriority.Value; v < 1 || v > 3 {
			return errors.New("targetPriority must be between 1 and 3")
		}
	}
	return nil
}

// MergedOfficer is a reference row flattened together with its overlay.
// Embedding both sides would collide on refId, so the overlay fields are
// spelled out.
type MergedOfficer struct {
	Officer
	OwnershipState OwnershipState `json:"ownershipState"`
	Target         bool           `json:"target"`
	UserLevel      *int           `json:"userLevel"`
	UserRank       *int           `json:"userRank"`
	UserPower      *int64         `json:"userPower"`
	UserTier       *int           `json:"userTier"`
	TargetNote     *string        `json:"targetNote"`
	TargetPriority *int           `json:"targetPriority"`
}

// MergedShip is a reference row flattened together with its overlay.
type MergedShip struct {
	Ship
	OwnershipState OwnershipState `json:"ownershipState"`
	Target         bool           `json:"target"`
	UserLevel      *int           `json:"userLevel"`
	UserRank       *int           `json:"userRank"`
	UserPower      *int64         `json:"userPower"`
	UserTier       *int           `json:"userTier"`
	TargetNote     *string        `json:"targetNote"`
	TargetPriority *int           `json:"targetPriority"`
}

// NameRef is the (refId, name) projection the import resolver matches
// against.
type NameRef struct {
	RefID string
	Name  string
}

var (
	ErrNotFound     = errors.New("catalog: not found")
	ErrInvalidPatch = errors.New("catalog: invalid patch")
)
