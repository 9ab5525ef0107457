package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guffawaffle/majel/pkg/canonicalize"
	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/proposals"
	"github.com/Guffawaffle/majel/pkg/receipts"
	"github.com/Guffawaffle/majel/pkg/trust"
)

// Invoke outcomes.
const (
	StatusOK       = "ok"       // read-only tool, result returned directly
	StatusProposed = "proposed" // mutation awaits confirmation
	StatusApplied  = "applied"  // mutation committed (auto tier or replay)
)

// InvokeResult is the envelope payload for one tool invocation.
type InvokeResult struct {
	Status     string               `json:"status"`
	Data       any                  `json:"data,omitempty"`
	ProposalID string               `json:"proposalId,omitempty"`
	ExpiresAt  *time.Time           `json:"expiresAt,omitempty"`
	Preview    json.RawMessage      `json:"preview,omitempty"`
	Proposal   *proposals.Proposal  `json:"proposal,omitempty"`
	Receipt    *receipts.Receipt    `json:"receipt,omitempty"`
}

// BatchItem is one step of a multi-tool proposal.
type BatchItem struct {
	Tool    string          `json:"tool"`
	Args    map[string]any  `json:"args"`
	Preview json.RawMessage `json:"preview,omitempty"`
}

// Runtime executes tools under the trust policy. Mutations never run
// directly: they either become proposals or commit atomically with their
// proposal and receipt.
type Runtime struct {
	db        *database.DB
	registry  *Registry
	trust     *trust.Engine
	proposals *proposals.Store
	receipts  *receipts.Store
	logger    *slog.Logger
}

func NewRuntime(db *database.DB, registry *Registry, engine *trust.Engine,
	ps *proposals.Store, rs *receipts.Store, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		db: db, registry: registry, trust: engine,
		proposals: ps, receipts: rs, logger: logger,
	}
}

// Invoke runs one tool for one user. Read-only tools execute immediately;
// mutating tools route through the trust tier.
func (rt *Runtime) Invoke(ctx context.Context, userID, name string, args map[string]any) (*InvokeResult, error) {
	tool, ok := rt.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err := tool.validate(args); err != nil {
		return nil, err
	}

	if !tool.Mutating() {
		out, err := tool.Handler(ctx, &Call{UserID: userID, Args: args})
		if err != nil {
			return nil, err
		}
		return &InvokeResult{Status: StatusOK, Data: out.Data}, nil
	}

	switch rt.trust.Resolve(ctx, userID, name) {
	case trust.TierBlock:
		return nil, &BlockedError{Tool: name}
	case trust.TierAuto:
		return rt.autoApply(ctx, userID, tool, args)
	default:
		return rt.propose(ctx, userID, tool, args)
	}
}

// propose dry-runs the tool and persists a proposal. Replaying an argsHash
// that was already applied is treated as success without re-applying.
func (rt *Runtime) propose(ctx context.Context, userID string, tool *Tool, args map[string]any) (*InvokeResult, error) {
	hash, err := canonicalize.ArgsHash(tool.Name, args)
	if err != nil {
		return nil, err
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	var result *InvokeResult
	err = rt.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		if applied, err := rt.proposals.AppliedByHashTx(ctx, tx, hash); err != nil {
			return err
		} else if applied != nil {
			result = &InvokeResult{Status: StatusApplied, Proposal: applied}
			return nil
		}

		out, err := tool.Handler(ctx, &Call{UserID: userID, Args: args, DryRun: true, Tx: tx})
		if err != nil {
			return err
		}

		p, err := rt.proposals.CreateTx(ctx, tx, &proposals.Proposal{
			Tool:       tool.Name,
			Args:       argsJSON,
			ArgsHash:   hash,
			Preview:    out.Preview,
			BatchItems: out.BatchItems,
			ExpiresAt:  time.Now().UTC().Add(tool.ttl()),
		})
		if err != nil {
			return err
		}
		result = &InvokeResult{
			Status:     StatusProposed,
			ProposalID: p.ID,
			ExpiresAt:  &p.ExpiresAt,
			Preview:    p.Preview,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// autoApply commits proposal, mutation and receipt in one transaction.
func (rt *Runtime) autoApply(ctx context.Context, userID string, tool *Tool, args map[string]any) (*InvokeResult, error) {
	hash, err := canonicalize.ArgsHash(tool.Name, args)
	if err != nil {
		return nil, err
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	var result *InvokeResult
	err = rt.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		if applied, err := rt.proposals.AppliedByHashTx(ctx, tx, hash); err != nil {
			return err
		} else if applied != nil {
			rt.logger.Debug("replayed argsHash already applied, skipping re-apply",
				"tool", tool.Name, "proposalId", applied.ID)
			result = &InvokeResult{Status: StatusApplied, Proposal: applied}
			return nil
		}

		p, err := rt.proposals.CreateTx(ctx, tx, &proposals.Proposal{
			Tool:      tool.Name,
			Args:      argsJSON,
			ArgsHash:  hash,
			ExpiresAt: time.Now().UTC().Add(tool.ttl()),
		})
		if err != nil {
			return err
		}

		out, err := tool.Handler(ctx, &Call{UserID: userID, Args: args, Tx: tx})
		if err != nil {
			return err
		}

		receipt := rt.buildReceipt(p, out.Layer, out.Changes, out.Inverse)
		if err := rt.receipts.InsertTx(ctx, tx, receipt); err != nil {
			return err
		}
		applied, err := rt.proposals.ApplyTx(ctx, tx, p.ID, receipt.ID)
		if err != nil {
			return err
		}
		result = &InvokeResult{
			Status:   StatusApplied,
			Data:     out.Data,
			Proposal: applied,
			Receipt:  receipt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyProposal confirms a pending proposal: the mutation, the receipt and
// the status flip commit atomically. Batched proposals apply their items in
// order; any failure rolls back the whole batch.
func (rt *Runtime) ApplyProposal(ctx context.Context, userID, proposalID string) (*InvokeResult, error) {
	var result *InvokeResult
	var expiredErr *proposals.StateError

	err := rt.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		p, err := rt.proposals.GetTx(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if p.Status != proposals.StatusProposed {
			se := &proposals.StateError{ID: p.ID, Status: p.Status}
			if p.Status == proposals.StatusExpired {
				se.ExpiresAt = p.ExpiresAt
			}
			return se
		}
		if p.ExpiresAt.Before(time.Now().UTC()) {
			// ApplyTx marks the row expired; commit that mark by
			// returning nil and surfacing the error afterwards.
			_, aerr := rt.proposals.ApplyTx(ctx, tx, p.ID, "")
			if errors.As(aerr, &expiredErr) {
				return nil
			}
			return aerr
		}

		out, err := rt.runProposal(ctx, tx, userID, p)
		if err != nil {
			return err
		}

		receipt := rt.buildReceipt(p, out.Layer, out.Changes, out.Inverse)
		if err := rt.receipts.InsertTx(ctx, tx, receipt); err != nil {
			return err
		}
		applied, err := rt.proposals.ApplyTx(ctx, tx, p.ID, receipt.ID)
		if err != nil {
			return err
		}
		result = &InvokeResult{
			Status:   StatusApplied,
			Data:     out.Data,
			Proposal: applied,
			Receipt:  receipt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expiredErr != nil {
		return nil, expiredErr
	}
	return result, nil
}

// runProposal executes a proposal's mutation: a single tool, or every batch
// item in order with the combined inverse recorded in reverse order.
func (rt *Runtime) runProposal(ctx context.Context, tx *sql.Tx, userID string, p *proposals.Proposal) (*Outcome, error) {
	if len(p.BatchItems) == 0 {
		tool, ok := rt.registry.Get(p.Tool)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, p.Tool)
		}
		var args map[string]any
		if err := json.Unmarshal(p.Args, &args); err != nil {
			return nil, fmt.Errorf("tools: proposal %s args: %w", p.ID, err)
		}
		return tool.Handler(ctx, &Call{UserID: userID, Args: args, Tx: tx})
	}

	var items []BatchItem
	if err := json.Unmarshal(p.BatchItems, &items); err != nil {
		return nil, fmt.Errorf("tools: proposal %s batch items: %w", p.ID, err)
	}

	combined := &Outcome{Layer: receipts.LayerComposition}
	var inverses []receipts.ChangeSet
	var data []any
	for i, item := range items {
		tool, ok := rt.registry.Get(item.Tool)
		if !ok {
			return nil, fmt.Errorf("%w: %q (batch item %d)", ErrUnknownTool, item.Tool, i)
		}
		if err := tool.validate(item.Args); err != nil {
			return nil, err
		}
		out, err := tool.Handler(ctx, &Call{UserID: userID, Args: item.Args, Tx: tx})
		if err != nil {
			return nil, fmt.Errorf("tools: batch item %d (%s): %w", i, item.Tool, err)
		}
		mergeChangeSet(&combined.Changes, out.Changes)
		inverses = append(inverses, out.Inverse)
		data = append(data, out.Data)
		if combined.Layer == receipts.LayerComposition && out.Layer != "" {
			combined.Layer = out.Layer
		}
	}
	// Undo restores identically only if the inverse runs backwards.
	for i := len(inverses) - 1; i >= 0; i-- {
		mergeChangeSet(&combined.Inverse, inverses[i])
	}
	combined.Data = data
	return combined, nil
}

// ProposeBatch dry-runs every item and persists one batched proposal.
func (rt *Runtime) ProposeBatch(ctx context.Context, userID string, items []BatchItem) (*InvokeResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("tools: empty batch")
	}
	hash, err := canonicalize.ArgsHash("batch", map[string]any{"items": items})
	if err != nil {
		return nil, err
	}

	var result *InvokeResult
	err = rt.db.WithUserScope(ctx, userID, func(tx *sql.Tx) error {
		ttl := DefaultProposalTTL
		for i := range items {
			tool, ok := rt.registry.Get(items[i].Tool)
			if !ok {
				return fmt.Errorf("%w: %q (batch item %d)", ErrUnknownTool, items[i].Tool, i)
			}
			if !tool.Mutating() {
				return fmt.Errorf("tools: batch item %d (%s) is not a mutation", i, items[i].Tool)
			}
			if err := tool.validate(items[i].Args); err != nil {
				return err
			}
			out, err := tool.Handler(ctx, &Call{UserID: userID, Args: items[i].Args, DryRun: true, Tx: tx})
			if err != nil {
				return err
			}
			items[i].Preview = out.Preview
			if tool.ttl() < ttl {
				ttl = tool.ttl()
			}
		}

		batchJSON, err := json.Marshal(items)
		if err != nil {
			return err
		}
		argsJSON, err := json.Marshal(map[string]any{"items": items})
		if err != nil {
			return err
		}
		p, err := rt.proposals.CreateTx(ctx, tx, &proposals.Proposal{
			Tool:       "batch",
			Args:       argsJSON,
			ArgsHash:   hash,
			Preview:    batchJSON,
			BatchItems: batchJSON,
			ExpiresAt:  time.Now().UTC().Add(ttl),
		})
		if err != nil {
			return err
		}
		result = &InvokeResult{
			Status:     StatusProposed,
			ProposalID: p.ID,
			ExpiresAt:  &p.ExpiresAt,
			Preview:    p.Preview,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeclineProposal records a user's refusal. Declining an expired proposal is
// allowed; declining an applied or declined one is not.
func (rt *Runtime) DeclineProposal(ctx context.Context, userID, proposalID, reason string) (*proposals.Proposal, error) {
	return rt.proposals.ForUser(userID).Decline(ctx, proposalID, reason)
}

func (rt *Runtime) buildReceipt(p *proposals.Proposal, layer receipts.Layer,
	changes, inverse receipts.ChangeSet) *receipts.Receipt {
	if layer == "" {
		layer = receipts.LayerComposition
	}
	return &receipts.Receipt{
		SourceType: "tool",
		SourceMeta: map[string]any{"tool": p.Tool, "proposalId": p.ID},
		Layer:      layer,
		Changeset:  changes,
		Inverse:    inverse,
	}
}

func mergeChangeSet(dst *receipts.ChangeSet, src receipts.ChangeSet) {
	dst.Added = append(dst.Added, src.Added...)
	dst.Updated = append(dst.Updated, src.Updated...)
	dst.Removed = append(dst.Removed, src.Removed...)
}
