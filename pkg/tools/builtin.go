package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/composition"
	"github.com/Guffawaffle/majel/pkg/receipts"
)

// Builtins wires the standard fleet tools into a registry. The handlers
// close over the stores; the runtime supplies the user scope and the
// transaction.
type Builtins struct {
	overlays *catalog.OverlayStore
	comp     *composition.Store
}

func NewBuiltins(overlays *catalog.OverlayStore, comp *composition.Store) *Builtins {
	return &Builtins{overlays: overlays, comp: comp}
}

// RegisterAll installs every built-in tool.
func (b *Builtins) RegisterAll(r *Registry) {
	r.MustRegister(b.createTarget())
	r.MustRegister(b.completeTarget())
	r.MustRegister(b.removeTarget())
	r.MustRegister(b.createLoadout())
	r.MustRegister(b.updateLoadout())
	r.MustRegister(b.deleteLoadout())
	r.MustRegister(b.createBridgeCore())
	r.MustRegister(b.setDock())
	r.MustRegister(b.createPlanItem())
	r.MustRegister(b.activatePreset())
	r.MustRegister(b.setOverlay("set_officer_overlay", catalog.KindOfficer))
	r.MustRegister(b.setOverlay("set_ship_overlay", catalog.KindShip))
	r.MustRegister(b.listTargets())
	r.MustRegister(b.listLoadouts())
	r.MustRegister(b.listDocks())
	r.MustRegister(b.listPlanItems())
	r.MustRegister(b.getOfficers())
	r.MustRegister(b.getShips())
}

// decodeArgs round-trips the argument map into a typed struct.
func decodeArgs[T any](args map[string]any) (*T, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("tools: decode args: %w", err)
	}
	return &v, nil
}

// entityFields flattens an entity for receipt entries.
func entityFields(v any) map[string]any {
	raw, _ := json.Marshal(v)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func preview(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func (b *Builtins) createTarget() *Tool {
	return &Tool{
		Name:        "create_target",
		Description: "Add an acquisition or upgrade target to the user's plan.",
		Schema: `{
			"type": "object",
			"properties": {
				"targetType": {"type": "string", "enum": ["officer", "ship", "loadout"]},
				"refId": {"type": "string"},
				"loadoutId": {"type": "string"},
				"targetTier": {"type": "integer"},
				"targetRank": {"type": "integer"},
				"targetLevel": {"type": "integer"},
				"priority": {"type": "integer", "minimum": 1, "maximum": 3}
			},
			"required": ["targetType"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			t, err := decodeArgs[composition.Target](call.Args)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "create_target", "target": t,
				})}, nil
			}
			if err := b.comp.CreateTargetTx(ctx, call.Tx, t); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    t,
				Changes: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "target", ID: t.ID, Fields: entityFields(t)}}},
				Inverse: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "target", ID: t.ID}}},
			}, nil
		},
	}
}

func (b *Builtins) completeTarget() *Tool {
	return &Tool{
		Name:        "complete_target",
		Description: "Mark a target achieved.",
		Schema: `{
			"type": "object",
			"properties": {"id": {"type": "string"}},
			"required": ["id"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			args, err := decodeArgs[struct {
				ID string `json:"id"`
			}](call.Args)
			if err != nil {
				return nil, err
			}
			prior, err := b.comp.GetTargetTx(ctx, call.Tx, args.ID)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "complete_target", "id": args.ID, "current": prior.Status,
				})}, nil
			}
			if err := b.comp.SetTargetStatusTx(ctx, call.Tx, args.ID, composition.TargetAchieved); err != nil {
				return nil, err
			}
			return &Outcome{
				Data: map[string]any{"id": args.ID, "status": composition.TargetAchieved},
				Changes: receipts.ChangeSet{Updated: []receipts.Entry{{
					Entity: "target", ID: args.ID,
					Fields: map[string]any{"status": composition.TargetAchieved},
				}}},
				Inverse: receipts.ChangeSet{Updated: []receipts.Entry{{
					Entity: "target", ID: args.ID,
					Fields: map[string]any{"status": prior.Status},
				}}},
			}, nil
		},
	}
}

func (b *Builtins) removeTarget() *Tool {
	return &Tool{
		Name:        "remove_target",
		Description: "Delete a target from the plan.",
		Schema: `{
			"type": "object",
			"properties": {"id": {"type": "string"}},
			"required": ["id"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			args, err := decodeArgs[struct {
				ID string `json:"id"`
			}](call.Args)
			if err != nil {
				return nil, err
			}
			prior, err := b.comp.GetTargetTx(ctx, call.Tx, args.ID)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "remove_target", "target": prior,
				})}, nil
			}
			if err := b.comp.DeleteTargetTx(ctx, call.Tx, args.ID); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    map[string]any{"id": args.ID},
				Changes: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "target", ID: args.ID}}},
				Inverse: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "target", ID: args.ID, Fields: entityFields(prior)}}},
			}, nil
		},
	}
}

func (b *Builtins) createLoadout() *Tool {
	return &Tool{
		Name:        "create_loadout",
		Description: "Create a ship loadout.",
		Schema: `{
			"type": "object",
			"properties": {
				"shipRefId": {"type": "string"},
				"name": {"type": "string"},
				"priority": {"type": "integer"},
				"isActive": {"type": "boolean"},
				"intentKeys": {"type": "array", "items": {"type": "string"}},
				"tags": {"type": "array", "items": {"type": "string"}},
				"bridgeCoreId": {"type": "string"},
				"belowDeckPolicyId": {"type": "string"},
				"notes": {"type": "string"}
			},
			"required": ["shipRefId", "name"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			l, err := decodeArgs[composition.Loadout](call.Args)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "create_loadout", "loadout": l,
				})}, nil
			}
			if err := b.comp.CreateLoadoutTx(ctx, call.Tx, l); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    l,
				Changes: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "loadout", ID: l.ID, Fields: entityFields(l)}}},
				Inverse: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "loadout", ID: l.ID}}},
			}, nil
		},
	}
}

func (b *Builtins) updateLoadout() *Tool {
	return &Tool{
		Name:        "update_loadout",
		Description: "Update an existing loadout.",
		Schema: `{
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"shipRefId": {"type": "string"},
				"name": {"type": "string"},
				"priority": {"type": "integer"},
				"isActive": {"type": "boolean"},
				"intentKeys": {"type": "array", "items": {"type": "string"}},
				"tags": {"type": "array", "items": {"type": "string"}},
				"bridgeCoreId": {"type": "string"},
				"belowDeckPolicyId": {"type": "string"},
				"notes": {"type": "string"}
			},
			"required": ["id", "shipRefId", "name"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			l, err := decodeArgs[composition.Loadout](call.Args)
			if err != nil {
				return nil, err
			}
			prior, err := b.comp.GetLoadoutTx(ctx, call.Tx, l.ID)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "update_loadout", "loadout": l, "replaces": prior,
				})}, nil
			}
			if err := b.comp.UpdateLoadoutTx(ctx, call.Tx, l); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    l,
				Changes: receipts.ChangeSet{Updated: []receipts.Entry{{Entity: "loadout", ID: l.ID, Fields: entityFields(l)}}},
				Inverse: receipts.ChangeSet{Updated: []receipts.Entry{{Entity: "loadout", ID: l.ID, Fields: entityFields(prior)}}},
			}, nil
		},
	}
}

func (b *Builtins) deleteLoadout() *Tool {
	return &Tool{
		Name:        "delete_loadout",
		Description: "Delete a loadout.",
		Schema: `{
			"type": "object",
			"properties": {"id": {"type": "string"}},
			"required": ["id"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			args, err := decodeArgs[struct {
				ID string `json:"id"`
			}](call.Args)
			if err != nil {
				return nil, err
			}
			prior, err := b.comp.GetLoadoutTx(ctx, call.Tx, args.ID)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "delete_loadout", "loadout": prior,
				})}, nil
			}
			if err := b.comp.DeleteLoadoutTx(ctx, call.Tx, args.ID); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    map[string]any{"id": args.ID},
				Changes: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "loadout", ID: args.ID}}},
				Inverse: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "loadout", ID: args.ID, Fields: entityFields(prior)}}},
			}, nil
		},
	}
}

func (b *Builtins) createBridgeCore() *Tool {
	return &Tool{
		Name:        "create_bridge_core",
		Description: "Create a named bridge crew trio.",
		Schema: `{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"members": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"slot": {"type": "string", "enum": ["captain", "officer1", "officer2"]},
							"officerRefId": {"type": "string"}
						},
						"required": ["slot", "officerRefId"]
					}
				}
			},
			"required": ["name", "members"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			bc, err := decodeArgs[composition.BridgeCore](call.Args)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "create_bridge_core", "bridgeCore": bc,
				})}, nil
			}
			if err := b.comp.CreateBridgeCoreTx(ctx, call.Tx, bc); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    bc,
				Changes: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "bridge_core", ID: bc.ID, Fields: entityFields(bc)}}},
				Inverse: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "bridge_core", ID: bc.ID}}},
			}, nil
		},
	}
}

func (b *Builtins) setDock() *Tool {
	return &Tool{
		Name:        "set_dock",
		Description: "Label one of the eight drydocks.",
		Schema: `{
			"type": "object",
			"properties": {
				"dockNumber": {"type": "integer", "minimum": 1, "maximum": 8},
				"label": {"type": "string"},
				"notes": {"type": "string"}
			},
			"required": ["dockNumber"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			d, err := decodeArgs[composition.Dock](call.Args)
			if err != nil {
				return nil, err
			}
			prior, err := b.comp.GetDockTx(ctx, call.Tx, d.Number)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "set_dock", "dock": d, "replaces": prior,
				})}, nil
			}
			if err := b.comp.SetDockTx(ctx, call.Tx, d); err != nil {
				return nil, err
			}
			id := strconv.Itoa(d.Number)
			out := &Outcome{Data: d}
			if prior == nil {
				out.Changes = receipts.ChangeSet{Added: []receipts.Entry{{Entity: "dock", ID: id, Fields: entityFields(d)}}}
				out.Inverse = receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "dock", ID: id}}}
			} else {
				out.Changes = receipts.ChangeSet{Updated: []receipts.Entry{{Entity: "dock", ID: id, Fields: entityFields(d)}}}
				out.Inverse = receipts.ChangeSet{Updated: []receipts.Entry{{Entity: "dock", ID: id, Fields: entityFields(prior)}}}
			}
			return out, nil
		},
	}
}

func (b *Builtins) createPlanItem() *Tool {
	return &Tool{
		Name:        "create_plan_item",
		Description: "Add an item to the active fleet plan.",
		Schema: `{
			"type": "object",
			"properties": {
				"intentKey": {"type": "string"},
				"loadoutId": {"type": "string"},
				"variantId": {"type": "string"},
				"dockNumber": {"type": "integer", "minimum": 1, "maximum": 8},
				"awayOfficers": {"type": "array", "items": {"type": "string"}},
				"priority": {"type": "integer"},
				"isActive": {"type": "boolean"}
			},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			p, err := decodeArgs[composition.PlanItem](call.Args)
			if err != nil {
				return nil, err
			}
			p.Source = composition.SourceManual
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "create_plan_item", "planItem": p,
				})}, nil
			}
			if err := b.comp.CreatePlanItemTx(ctx, call.Tx, p); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    p,
				Changes: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "plan_item", ID: p.ID, Fields: entityFields(p)}}},
				Inverse: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "plan_item", ID: p.ID}}},
			}, nil
		},
	}
}

// activatePreset turns a loadout into a live plan item, optionally pinned to
// a dock.
func (b *Builtins) activatePreset() *Tool {
	return &Tool{
		Name:        "activate_preset",
		Description: "Activate a saved loadout as a plan item.",
		Schema: `{
			"type": "object",
			"properties": {
				"loadoutId": {"type": "string"},
				"dockNumber": {"type": "integer", "minimum": 1, "maximum": 8}
			},
			"required": ["loadoutId"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			args, err := decodeArgs[struct {
				LoadoutID  string `json:"loadoutId"`
				DockNumber *int   `json:"dockNumber"`
			}](call.Args)
			if err != nil {
				return nil, err
			}
			loadout, err := b.comp.GetLoadoutTx(ctx, call.Tx, args.LoadoutID)
			if err != nil {
				return nil, err
			}
			item := &composition.PlanItem{
				LoadoutID:  &loadout.ID,
				DockNumber: args.DockNumber,
				Priority:   loadout.Priority,
				IsActive:   true,
				Source:     composition.SourcePreset,
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": "activate_preset", "loadout": loadout.Name, "planItem": item,
				})}, nil
			}
			if err := b.comp.CreatePlanItemTx(ctx, call.Tx, item); err != nil {
				return nil, err
			}
			return &Outcome{
				Data:    item,
				Changes: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "plan_item", ID: item.ID, Fields: entityFields(item)}}},
				Inverse: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "plan_item", ID: item.ID}}},
			}, nil
		},
	}
}

func (b *Builtins) setOverlay(name string, kind catalog.Kind) *Tool {
	return &Tool{
		Name:        name,
		Description: fmt.Sprintf("Patch the user's %s overlay for one reference entry.", kind),
		Schema: `{
			"type": "object",
			"properties": {
				"refId": {"type": "string"},
				"patch": {"type": "object"}
			},
			"required": ["refId", "patch"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			args, err := decodeArgs[struct {
				RefID string        `json:"refId"`
				Patch catalog.Patch `json:"patch"`
			}](call.Args)
			if err != nil {
				return nil, err
			}
			if err := args.Patch.Validate(); err != nil {
				return nil, err
			}
			prior, err := b.overlays.GetTx(ctx, call.Tx, kind, args.RefID)
			if err != nil {
				return nil, err
			}
			if call.DryRun {
				return &Outcome{Preview: preview(map[string]any{
					"action": name, "refId": args.RefID, "patch": call.Args["patch"],
				})}, nil
			}
			if _, err := b.overlays.SetTx(ctx, call.Tx, kind, args.RefID, args.Patch); err != nil {
				return nil, err
			}
			out := &Outcome{
				Data:  map[string]any{"refId": args.RefID},
				Layer: receipts.LayerOwnership,
			}
			entry := receipts.Entry{Entity: string(kind), RefID: args.RefID, Fields: catalog.PatchFields(args.Patch)}
			if prior == nil {
				out.Changes = receipts.ChangeSet{Added: []receipts.Entry{entry}}
				out.Inverse = receipts.ChangeSet{Removed: []receipts.Entry{{Entity: string(kind), RefID: args.RefID}}}
			} else {
				out.Changes = receipts.ChangeSet{Updated: []receipts.Entry{entry}}
				out.Inverse = receipts.ChangeSet{Updated: []receipts.Entry{{
					Entity: string(kind), RefID: args.RefID,
					Fields: catalog.PriorFields(*prior, args.Patch),
				}}}
			}
			return out, nil
		},
	}
}

func (b *Builtins) listTargets() *Tool {
	return &Tool{
		Name:        "list_targets",
		Description: "List the user's targets, optionally by status.",
		Schema: `{
			"type": "object",
			"properties": {
				"status": {"type": "string", "enum": ["active", "achieved", "abandoned"]}
			},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			status, _ := call.Args["status"].(string)
			targets, err := b.comp.ForUser(call.UserID).ListTargets(ctx, composition.TargetStatus(status))
			if err != nil {
				return nil, err
			}
			return &Outcome{Data: targets}, nil
		},
	}
}

func (b *Builtins) listLoadouts() *Tool {
	return &Tool{
		Name:        "list_loadouts",
		Description: "List the user's loadouts.",
		Schema:      `{"type": "object", "additionalProperties": false}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			loadouts, err := b.comp.ForUser(call.UserID).ListLoadouts(ctx)
			if err != nil {
				return nil, err
			}
			return &Outcome{Data: loadouts}, nil
		},
	}
}

func (b *Builtins) listDocks() *Tool {
	return &Tool{
		Name:        "list_docks",
		Description: "List the user's dock assignments.",
		Schema:      `{"type": "object", "additionalProperties": false}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			docks, err := b.comp.ForUser(call.UserID).ListDocks(ctx)
			if err != nil {
				return nil, err
			}
			return &Outcome{Data: docks}, nil
		},
	}
}

func (b *Builtins) listPlanItems() *Tool {
	return &Tool{
		Name:        "list_plan_items",
		Description: "List plan items, optionally only active ones.",
		Schema: `{
			"type": "object",
			"properties": {"activeOnly": {"type": "boolean"}},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			activeOnly, _ := call.Args["activeOnly"].(bool)
			items, err := b.comp.ForUser(call.UserID).ListPlanItems(ctx, activeOnly)
			if err != nil {
				return nil, err
			}
			return &Outcome{Data: items}, nil
		},
	}
}

func (b *Builtins) getOfficers() *Tool {
	return &Tool{
		Name:        "get_officers",
		Description: "Read merged officer records (reference plus the user's overlay).",
		Schema: `{
			"type": "object",
			"properties": {"name": {"type": "string"}},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			name, _ := call.Args["name"].(string)
			officers, err := b.overlays.ForUser(call.UserID).MergedOfficers(ctx, name)
			if err != nil {
				return nil, err
			}
			return &Outcome{Data: officers}, nil
		},
	}
}

func (b *Builtins) getShips() *Tool {
	return &Tool{
		Name:        "get_ships",
		Description: "Read merged ship records (reference plus the user's overlay).",
		Schema: `{
			"type": "object",
			"properties": {"name": {"type": "string"}},
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			name, _ := call.Args["name"].(string)
			ships, err := b.overlays.ForUser(call.UserID).MergedShips(ctx, name)
			if err != nil {
				return nil, err
			}
			return &Outcome{Data: ships}, nil
		},
	}
}
