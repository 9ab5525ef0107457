package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/proposals"
	"github.com/Guffawaffle/majel/pkg/receipts"
	"github.com/Guffawaffle/majel/pkg/trust"
)

// noteTool is a mutating tool with a pure handler so runtime tests exercise
// the proposal machinery without mocking entity SQL.
func noteTool() *Tool {
	return &Tool{
		Name:   "create_note",
		Schema: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"],"additionalProperties":false}`,
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			id, _ := call.Args["id"].(string)
			if call.DryRun {
				return &Outcome{Preview: json.RawMessage(fmt.Sprintf(`{"action":"create_note","id":%q}`, id))}, nil
			}
			return &Outcome{
				Data:    map[string]any{"id": id},
				Changes: receipts.ChangeSet{Added: []receipts.Entry{{Entity: "note", ID: id}}},
				Inverse: receipts.ChangeSet{Removed: []receipts.Entry{{Entity: "note", ID: id}}},
			}, nil
		},
	}
}

func newTestRuntime(t *testing.T) (*Runtime, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	db := database.NewFromPools(pool, pool)

	registry := NewRegistry()
	registry.MustRegister(noteTool())
	registry.MustRegister(&Tool{
		Name: "get_time",
		Handler: func(ctx context.Context, call *Call) (*Outcome, error) {
			return &Outcome{Data: "now"}, nil
		},
	})

	engine := trust.NewEngine(trust.NewSettingsStore(db), nil)
	rt := NewRuntime(db, registry, engine, proposals.NewStore(db, nil), receipts.NewStore(db), nil)
	return rt, mock
}

// expectTrustLookup mocks the settings read the trust engine performs.
// An empty value mocks a missing setting.
func expectTrustLookup(mock sqlmock.Sqlmock, value string) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	q := mock.ExpectQuery("SELECT (.+) FROM user_settings").WithArgs(trust.SettingKey)
	if value == "" {
		q.WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()
		return
	}
	q.WillReturnRows(sqlmock.NewRows([]string{"key", "value", "provenance", "updated_at"}).
		AddRow(trust.SettingKey, []byte(value), "user", time.Now()))
	mock.ExpectCommit()
}

func proposalRows(id, tool string, status proposals.Status, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tool", "args_json", "args_hash", "proposal_json", "batch_items",
		"status", "created_at", "expires_at", "applied_receipt_id", "applied_at",
		"declined_at", "decline_reason",
	}).AddRow(id, tool, []byte(`{"id":"n1"}`), "hash", []byte(`{}`), nil,
		string(status), time.Now(), expiresAt, nil, nil, nil, nil)
}

func TestReadOnlyToolBypassesTrustAndProposals(t *testing.T) {
	rt, mock := newTestRuntime(t)

	res, err := rt.Invoke(context.Background(), "u1", "get_time", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "now", res.Data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownToolRejected(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, err := rt.Invoke(context.Background(), "u1", "warp_core_eject", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestInvalidArgsRejectedBeforeAnySQL(t *testing.T) {
	rt, mock := newTestRuntime(t)

	var vErr *ValidationError
	_, err := rt.Invoke(context.Background(), "u1", "create_note", map[string]any{})
	assert.ErrorAs(t, err, &vErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockTierFailsWithHint(t *testing.T) {
	rt, mock := newTestRuntime(t)
	expectTrustLookup(mock, `{"create_note":"block"}`)

	var blocked *BlockedError
	_, err := rt.Invoke(context.Background(), "u1", "create_note", map[string]any{"id": "n1"})
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, blocked.Hint(), trust.SettingKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveTierCreatesProposal(t *testing.T) {
	rt, mock := newTestRuntime(t)
	expectTrustLookup(mock, "") // no override: create_note falls back to approve

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("status = 'applied'").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("status = 'proposed'").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO mutation_proposals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := rt.Invoke(context.Background(), "u1", "create_note", map[string]any{"id": "n1"})
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, res.Status)
	assert.NotEmpty(t, res.ProposalID)
	require.NotNil(t, res.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(DefaultProposalTTL), *res.ExpiresAt, time.Minute)
	assert.JSONEq(t, `{"action":"create_note","id":"n1"}`, string(res.Preview))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoTierCommitsEverythingInOneTx(t *testing.T) {
	rt, mock := newTestRuntime(t)
	expectTrustLookup(mock, `{"create_note":"auto"}`)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("status = 'applied'").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("status = 'proposed'").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO mutation_proposals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO import_receipts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM mutation_proposals WHERE id =").
		WillReturnRows(proposalRows("p1", "create_note", proposals.StatusProposed,
			time.Now().Add(10*time.Minute)))
	mock.ExpectExec("SET status = 'applied'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := rt.Invoke(context.Background(), "u1", "create_note", map[string]any{"id": "n1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, receipts.LayerComposition, res.Receipt.Layer)
	assert.Equal(t, "n1", res.Receipt.Changeset.Added[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppliedHashReplayIsSuccessWithoutReapply(t *testing.T) {
	rt, mock := newTestRuntime(t)
	expectTrustLookup(mock, "")

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("status = 'applied'").
		WillReturnRows(proposalRows("p9", "create_note", proposals.StatusApplied,
			time.Now().Add(-time.Minute)))
	mock.ExpectCommit()

	res, err := rt.Invoke(context.Background(), "u1", "create_note", map[string]any{"id": "n1"})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.NotNil(t, res.Proposal)
	assert.Equal(t, "p9", res.Proposal.ID)
	assert.Nil(t, res.Receipt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyProposalExpiredMarksRowAndCommits(t *testing.T) {
	rt, mock := newTestRuntime(t)
	past := time.Now().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM mutation_proposals WHERE id =").
		WillReturnRows(proposalRows("p1", "create_note", proposals.StatusProposed, past))
	// ApplyTx reloads, then marks the row expired; that mark must commit.
	mock.ExpectQuery("FROM mutation_proposals WHERE id =").
		WillReturnRows(proposalRows("p1", "create_note", proposals.StatusProposed, past))
	mock.ExpectExec("SET status = 'expired'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := rt.ApplyProposal(context.Background(), "u1", "p1")
	var stateErr *proposals.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, proposals.StatusExpired, stateErr.Status)
	assert.Contains(t, stateErr.Error(), "expired at")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInverseRecordsInReverseOrder(t *testing.T) {
	rt, _ := newTestRuntime(t)

	items := []BatchItem{
		{Tool: "create_note", Args: map[string]any{"id": "a"}},
		{Tool: "create_note", Args: map[string]any{"id": "b"}},
	}
	batchJSON, err := json.Marshal(items)
	require.NoError(t, err)

	out, err := rt.runProposal(context.Background(), nil, "u1", &proposals.Proposal{
		ID:         "p1",
		Tool:       "batch",
		BatchItems: batchJSON,
	})
	require.NoError(t, err)

	require.Len(t, out.Changes.Added, 2)
	assert.Equal(t, "a", out.Changes.Added[0].ID)
	assert.Equal(t, "b", out.Changes.Added[1].ID)

	require.Len(t, out.Inverse.Removed, 2)
	assert.Equal(t, "b", out.Inverse.Removed[0].ID)
	assert.Equal(t, "a", out.Inverse.Removed[1].ID)
}

func TestBatchItemFailureAbortsWholeBatch(t *testing.T) {
	rt, _ := newTestRuntime(t)

	items := []BatchItem{
		{Tool: "create_note", Args: map[string]any{"id": "a"}},
		{Tool: "no_such_tool", Args: map[string]any{}},
	}
	batchJSON, err := json.Marshal(items)
	require.NoError(t, err)

	_, err = rt.runProposal(context.Background(), nil, "u1", &proposals.Proposal{
		ID:         "p1",
		Tool:       "batch",
		BatchItems: batchJSON,
	})
	assert.ErrorIs(t, err, ErrUnknownTool)
}
