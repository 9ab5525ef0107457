// Package proposals persists the two-phase mutation protocol: a model or
// client proposes a mutation, a human (or the auto policy) confirms it, and
// only then does the mutation run. Status moves proposed → applied, declined
// or expired and never backwards.
package proposals

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the proposal lifecycle state.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApplied  Status = "applied"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusProposed, StatusApplied, StatusDeclined, StatusExpired:
		return true
	}
	return false
}

// Proposal is one gated mutation awaiting (or past) confirmation.
type Proposal struct {
	ID               string          `json:"id"`
	Tool             string          `json:"tool"`
	Args             json.RawMessage `json:"args"`
	ArgsHash         string          `json:"argsHash"`
	Preview          json.RawMessage `json:"preview"`
	BatchItems       json.RawMessage `json:"batchItems,omitempty"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	AppliedReceiptID *string         `json:"appliedReceiptId,omitempty"`
	AppliedAt        *time.Time      `json:"appliedAt,omitempty"`
	DeclinedAt       *time.Time      `json:"declinedAt,omitempty"`
	DeclineReason    *string         `json:"declineReason,omitempty"`
}

// ErrNotFound is returned for missing proposals; the row policy makes another
// user's proposal indistinguishable from a missing one.
var ErrNotFound = errors.New("proposals: not found")

// StateError reports an apply or decline against a proposal that already left
// the proposed state. ExpiresAt is set when the rejection is an expiry.
type StateError struct {
	ID        string
	Status    Status
	ExpiresAt time.Time
}

func (e *StateError) Error() string {
	if e.Status == StatusExpired && !e.ExpiresAt.IsZero() {
		return fmt.Sprintf("proposal %s expired at %s", e.ID, e.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("proposal %s is already %s", e.ID, e.Status)
}
