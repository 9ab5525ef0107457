// Package receipts persists the reversible record of every applied mutation.
// A receipt's changeset describes what happened; its inverse, when applied,
// returns the affected rows bitwise-equal to their pre-receipt state.
package receipts

import (
	"encoding/json"
	"errors"
	"time"
)

// Layer scopes a receipt for listing and undo.
type Layer string

const (
	LayerReference   Layer = "reference"
	LayerOwnership   Layer = "ownership"
	LayerComposition Layer = "composition"
)

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	switch l {
	case LayerReference, LayerOwnership, LayerComposition:
		return true
	}
	return false
}

// Entry is one affected row inside a changeset. Exactly one of RefID or ID
// identifies the row; Fields carries the values written (forward) or the
// snapshot to restore (inverse).
type Entry struct {
	Entity string         `json:"entity"`
	RefID  string         `json:"refId,omitempty"`
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ChangeSet groups entries by the operation that produced them.
type ChangeSet struct {
	Added   []Entry `json:"added,omitempty"`
	Updated []Entry `json:"updated,omitempty"`
	Removed []Entry `json:"removed,omitempty"`
}

// Empty reports whether the changeset touches nothing.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// UnresolvedItem is an import row a human must still pick a reference for.
type UnresolvedItem struct {
	RowIndex   int         `json:"rowIndex"`
	Name       string      `json:"name"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Candidate is one fuzzy-match suggestion for an unresolved row.
type Candidate struct {
	RefID string `json:"refId"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// ResolvedItem records a later human decision against an unresolved row.
// Attaching one never alters the receipt's inverse.
type ResolvedItem struct {
	RowIndex   int       `json:"rowIndex"`
	RefID      string    `json:"refId"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Receipt is the persistent record of an applied mutation.
type Receipt struct {
	ID            string           `json:"id"`
	SourceType    string           `json:"sourceType"`
	SourceMeta    map[string]any   `json:"sourceMeta,omitempty"`
	Mapping       json.RawMessage  `json:"mapping,omitempty"`
	Layer         Layer            `json:"layer"`
	Changeset     ChangeSet        `json:"changeset"`
	Inverse       ChangeSet        `json:"inverse"`
	Unresolved    []UnresolvedItem `json:"unresolved,omitempty"`
	ResolvedItems []ResolvedItem   `json:"resolvedItems,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

var ErrNotFound = errors.New("receipts: not found")
