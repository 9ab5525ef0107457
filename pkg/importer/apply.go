package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/composition"
	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/receipts"
)

// Archiver stores raw import payloads out of band. Archival failures never
// block an import.
type Archiver interface {
	Archive(ctx context.Context, userID, fileName string, payload []byte) (string, error)
}

// Service runs the apply and undo ends of the import pipeline.
type Service struct {
	db       *database.DB
	refs     *catalog.ReferenceStore
	overlays *catalog.OverlayStore
	comp     *composition.Store
	receipts *receipts.Store
	archiver Archiver
	logger   *slog.Logger
}

func NewService(db *database.DB, refs *catalog.ReferenceStore, overlays *catalog.OverlayStore,
	comp *composition.Store, rs *receipts.Store, archiver Archiver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db: db, refs: refs, overlays: overlays, comp: comp,
		receipts: rs, archiver: archiver, logger: logger,
	}
}

// Row is one overlay delta extracted from an import. RefID may be empty when
// only a display name was present; the resolver fills it or the row goes to
// the receipt's unresolved list.
type Row struct {
	RowIndex int           `json:"rowIndex"`
	Kind     catalog.Kind  `json:"kind"`
	RefID    string        `json:"refId,omitempty"`
	Name     string        `json:"name,omitempty"`
	Patch    catalog.Patch `json:"patch"`
}

// ApplyRequest is a resolved import ready to persist.
type ApplyRequest struct {
	SourceType string          `json:"sourceType"`
	FileName   string          `json:"fileName,omitempty"`
	Mapping    json.RawMessage `json:"mapping,omitempty"`
	Rows       []Row           `json:"rows"`
	RawPayload []byte          `json:"-"`
}

// Apply resolves names, applies every resolved row and writes one receipt,
// all in a single user-scoped transaction. Rows that cannot be resolved are
// recorded as unresolved with candidates; they block nothing.
func (s *Service) Apply(ctx context.Context, userID string, req ApplyRequest) (*receipts.Receipt, error) {
	if len(req.Rows) == 0 {
		return nil, fmt.Errorf("%w: no rows to apply", ErrInvalidInput)
	}

	resolvers, err := s.buildResolvers(ctx, req.Rows)
	if err != nil {
		return nil, err
	}

	var resolved []Row
	var unresolved []receipts.UnresolvedItem
	for _, row := range req.Rows {
		if row.RefID != "" {
			resolved = append(resolved, row)
			continue
		}
		match := resolvers[row.Kind].Resolve(row.Name)
		if match.RefID != "" {
			row.RefID = match.RefID
			resolved = append(resolved, row)
			continue
		}
		unresolved = append(unresolved, receipts.UnresolvedItem{
			RowIndex:   row.RowIndex,
			Name:       row.Name,
			Candidates: match.Candidates,
		})
	}

	sourceMeta := map[string]any{
		"rows":       len(req.Rows),
		"resolved":   len(resolved),
		"unresolved": len(unresolved),
	}
	if req.FileName != "" {
		sourceMeta["fileName"] = req.FileName
	}

	// Archival happens before the transaction opens; no connection is held
	// across the external call.
	if s.archiver != nil && len(req.RawPayload) > 0 {
		key, err := s.archiver.Archive(ctx, userID, req.FileName, req.RawPayload)
		if err != nil {
			s.logger.Warn("raw payload archival failed, continuing",
				"userId", userID, "error", err)
		} else {
			sourceMeta["archiveKey"] = key
		}
	}

	receipt := &receipts.Receipt{
		SourceType: req.SourceType,
		SourceMeta: sourceMeta,
		Mapping:    req.Mapping,
		Layer:      receipts.LayerOwnership,
		Unresolved: unresolved,
	}

	err = s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		for _, row := range resolved {
			prior, err := s.overlays.GetTx(ctx, tx, row.Kind, row.RefID)
			if err != nil {
				return err
			}
			if _, err := s.overlays.SetTx(ctx, tx, row.Kind, row.RefID, row.Patch); err != nil {
				return err
			}
			appendOverlayEntries(receipt, row, prior)
		}
		return s.receipts.InsertTx(ctx, tx, receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// buildResolvers loads the reference name index, one resolver per kind, but
// only for kinds that actually have rows needing name resolution.
func (s *Service) buildResolvers(ctx context.Context, rows []Row) (map[catalog.Kind]*Resolver, error) {
	out := map[catalog.Kind]*Resolver{}
	for _, row := range rows {
		if row.RefID != "" {
			continue
		}
		if _, ok := out[row.Kind]; ok {
			continue
		}
		names, err := s.refs.Names(ctx, row.Kind)
		if err != nil {
			return nil, err
		}
		out[row.Kind] = NewResolver(names)
	}
	return out, nil
}

func appendOverlayEntries(receipt *receipts.Receipt, row Row, prior *catalog.Overlay) {
	entry := receipts.Entry{
		Entity: string(row.Kind),
		RefID:  row.RefID,
		Fields: catalog.PatchFields(row.Patch),
	}
	if prior == nil {
		receipt.Changeset.Added = append(receipt.Changeset.Added, entry)
		receipt.Inverse.Removed = append(receipt.Inverse.Removed, receipts.Entry{
			Entity: string(row.Kind), RefID: row.RefID,
		})
		return
	}
	receipt.Changeset.Updated = append(receipt.Changeset.Updated, entry)
	receipt.Inverse.Updated = append(receipt.Inverse.Updated, receipts.Entry{
		Entity: string(row.Kind),
		RefID:  row.RefID,
		Fields: catalog.PriorFields(*prior, row.Patch),
	})
}

// Undo applies a receipt's inverse inside one user-scoped transaction,
// returning the affected entities to their pre-receipt state. The forward
// changeset is never consulted.
func (s *Service) Undo(ctx context.Context, userID, receiptID string) (*receipts.Receipt, error) {
	var receipt *receipts.Receipt
	err := s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		r, err := s.receipts.GetTx(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		receipt = r

		// Inverse entries restore in their recorded order: removed rows
		// vanish, updated rows regain prior values, added rows reappear.
		for _, entry := range r.Inverse.Removed {
			if err := s.undoRemove(ctx, tx, entry); err != nil {
				return err
			}
		}
		for _, entry := range r.Inverse.Updated {
			if err := s.undoUpdate(ctx, tx, entry); err != nil {
				return err
			}
		}
		for _, entry := range r.Inverse.Added {
			if err := s.undoAdd(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *Service) undoRemove(ctx context.Context, tx *sql.Tx, entry receipts.Entry) error {
	if kind, ok := overlayKind(entry.Entity); ok {
		return s.overlays.DeleteTx(ctx, tx, kind, entry.RefID)
	}
	switch entry.Entity {
	case "target":
		return s.comp.DeleteTargetTx(ctx, tx, entry.ID)
	case "loadout":
		return s.comp.DeleteLoadoutTx(ctx, tx, entry.ID)
	case "bridge_core":
		return s.comp.DeleteBridgeCoreTx(ctx, tx, entry.ID)
	case "below_deck_policy":
		return s.comp.DeletePolicyTx(ctx, tx, entry.ID)
	case "loadout_variant":
		return s.comp.DeleteVariantTx(ctx, tx, entry.ID)
	case "plan_item":
		return s.comp.DeletePlanItemTx(ctx, tx, entry.ID)
	case "dock":
		number, err := strconv.Atoi(entry.ID)
		if err != nil {
			return fmt.Errorf("importer: dock entry id %q is not a number", entry.ID)
		}
		return s.comp.ClearDockTx(ctx, tx, number)
	}
	return fmt.Errorf("importer: cannot undo entity %q", entry.Entity)
}

func (s *Service) undoUpdate(ctx context.Context, tx *sql.Tx, entry receipts.Entry) error {
	if kind, ok := overlayKind(entry.Entity); ok {
		patch, err := fieldsToPatch(entry.Fields)
		if err != nil {
			return err
		}
		_, err = s.overlays.SetTx(ctx, tx, kind, entry.RefID, patch)
		return err
	}
	switch entry.Entity {
	case "loadout":
		var l composition.Loadout
		if err := remarshal(entry.Fields, &l); err != nil {
			return err
		}
		l.ID = entry.ID
		return s.comp.UpdateLoadoutTx(ctx, tx, &l)
	case "plan_item":
		var p composition.PlanItem
		if err := remarshal(entry.Fields, &p); err != nil {
			return err
		}
		p.ID = entry.ID
		return s.comp.UpdatePlanItemTx(ctx, tx, &p)
	case "dock":
		var d composition.Dock
		if err := remarshal(entry.Fields, &d); err != nil {
			return err
		}
		return s.comp.SetDockTx(ctx, tx, &d)
	}
	return fmt.Errorf("importer: cannot undo update for entity %q", entry.Entity)
}

func (s *Service) undoAdd(ctx context.Context, tx *sql.Tx, entry receipts.Entry) error {
	if kind, ok := overlayKind(entry.Entity); ok {
		patch, err := fieldsToPatch(entry.Fields)
		if err != nil {
			return err
		}
		_, err = s.overlays.SetTx(ctx, tx, kind, entry.RefID, patch)
		return err
	}
	switch entry.Entity {
	case "target":
		var t composition.Target
		if err := remarshal(entry.Fields, &t); err != nil {
			return err
		}
		t.ID = entry.ID
		return s.comp.CreateTargetTx(ctx, tx, &t)
	case "loadout":
		var l composition.Loadout
		if err := remarshal(entry.Fields, &l); err != nil {
			return err
		}
		l.ID = entry.ID
		return s.comp.CreateLoadoutTx(ctx, tx, &l)
	case "bridge_core":
		var b composition.BridgeCore
		if err := remarshal(entry.Fields, &b); err != nil {
			return err
		}
		b.ID = entry.ID
		return s.comp.CreateBridgeCoreTx(ctx, tx, &b)
	case "below_deck_policy":
		var p composition.BelowDeckPolicy
		if err := remarshal(entry.Fields, &p); err != nil {
			return err
		}
		p.ID = entry.ID
		return s.comp.CreatePolicyTx(ctx, tx, &p)
	case "loadout_variant":
		var v composition.Variant
		if err := remarshal(entry.Fields, &v); err != nil {
			return err
		}
		v.ID = entry.ID
		return s.comp.CreateVariantTx(ctx, tx, &v)
	case "plan_item":
		var p composition.PlanItem
		if err := remarshal(entry.Fields, &p); err != nil {
			return err
		}
		p.ID = entry.ID
		return s.comp.CreatePlanItemTx(ctx, tx, &p)
	case "dock":
		var d composition.Dock
		if err := remarshal(entry.Fields, &d); err != nil {
			return err
		}
		return s.comp.SetDockTx(ctx, tx, &d)
	}
	return fmt.Errorf("importer: cannot undo add for entity %q", entry.Entity)
}

func overlayKind(entity string) (catalog.Kind, bool) {
	switch entity {
	case string(catalog.KindOfficer):
		return catalog.KindOfficer, true
	case string(catalog.KindShip):
		return catalog.KindShip, true
	}
	return "", false
}

func fieldsToPatch(fields map[string]any) (catalog.Patch, error) {
	var patch catalog.Patch
	raw, err := json.Marshal(fields)
	if err != nil {
		return patch, err
	}
	if err := json.Unmarshal(raw, &patch); err != nil {
		return patch, fmt.Errorf("importer: inverse fields are not an overlay patch: %w", err)
	}
	return patch, nil
}

func remarshal(fields map[string]any, dst any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("importer: inverse fields do not match entity shape: %w", err)
	}
	return nil
}

// Decision is one human pick for a previously unresolved row.
type Decision struct {
	RowIndex int    `json:"rowIndex"`
	RefID    string `json:"refId"`
}

// ResolveReceiptItems attaches later decisions to a receipt. The receipt's
// inverse is untouched; applying the decisions is a separate import.
func (s *Service) ResolveReceiptItems(ctx context.Context, userID, receiptID string, decisions []Decision) error {
	if len(decisions) == 0 {
		return fmt.Errorf("%w: no decisions supplied", ErrInvalidInput)
	}
	now := time.Now().UTC()
	items := make([]receipts.ResolvedItem, 0, len(decisions))
	for _, d := range decisions {
		if d.RefID == "" {
			return fmt.Errorf("%w: decision for row %d has no refId", ErrInvalidInput, d.RowIndex)
		}
		items = append(items, receipts.ResolvedItem{
			RowIndex:   d.RowIndex,
			RefID:      d.RefID,
			ResolvedAt: now,
		})
	}
	return s.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		return s.receipts.AttachResolvedItemsTx(ctx, tx, receiptID, items)
	})
}
