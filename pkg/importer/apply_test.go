package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/composition"
	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/receipts"
)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	db := database.NewFromPools(pool, pool)
	rs := receipts.NewStore(db)
	return NewService(db, catalog.NewReferenceStore(db), catalog.NewOverlayStore(db, rs),
		composition.NewStore(db), rs, nil, nil), mock
}

func TestApplyWritesOverlaysAndReceiptInOneTx(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("cdn:officer:kirk").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("cdn:officer:kirk").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO officer_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO import_receipts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var patch catalog.Patch
	require.NoError(t, json.Unmarshal([]byte(`{"ownershipState":"owned"}`), &patch))

	receipt, err := svc.Apply(context.Background(), "u1", ApplyRequest{
		SourceType: "spreadsheet",
		FileName:   "roster.csv",
		Rows: []Row{
			{RowIndex: 0, Kind: catalog.KindOfficer, RefID: "cdn:officer:kirk", Patch: patch},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, receipts.LayerOwnership, receipt.Layer)
	require.Len(t, receipt.Changeset.Added, 1)
	assert.Equal(t, "cdn:officer:kirk", receipt.Changeset.Added[0].RefID)
	// First-touch rows invert to removal.
	require.Len(t, receipt.Inverse.Removed, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRollsBackWhenReceiptInsertFails(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("cdn:officer:kirk").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("cdn:officer:kirk").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO officer_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO import_receipts").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	var patch catalog.Patch
	require.NoError(t, json.Unmarshal([]byte(`{"target":true}`), &patch))

	_, err := svc.Apply(context.Background(), "u1", ApplyRequest{
		SourceType: "spreadsheet",
		Rows: []Row{
			{Kind: catalog.KindOfficer, RefID: "cdn:officer:kirk", Patch: patch},
		},
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRequiresRows(t *testing.T) {
	svc, _ := newMockService(t)
	_, err := svc.Apply(context.Background(), "u1", ApplyRequest{SourceType: "chat"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func receiptRow(t *testing.T, inverse receipts.ChangeSet) *sqlmock.Rows {
	t.Helper()
	inv, err := json.Marshal(inverse)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{
		"id", "source_type", "source_meta", "mapping", "layer",
		"changeset", "inverse", "unresolved", "resolved_items", "created_at",
	}).AddRow("r1", "spreadsheet", []byte(`{}`), nil, "ownership",
		[]byte(`{}`), inv, []byte(`[]`), []byte(`[]`), time.Now())
}

func TestUndoAppliesInverseOnly(t *testing.T) {
	svc, mock := newMockService(t)

	inverse := receipts.ChangeSet{
		Removed: []receipts.Entry{{Entity: "officer", RefID: "cdn:officer:kirk"}},
		Updated: []receipts.Entry{{
			Entity: "officer",
			RefID:  "cdn:officer:spock",
			Fields: map[string]any{"ownershipState": "unowned", "userLevel": nil},
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM import_receipts").
		WithArgs("r1").
		WillReturnRows(receiptRow(t, inverse))
	// Removed entry: overlay row deleted.
	mock.ExpectExec("DELETE FROM officer_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Updated entry: prior values patched back.
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("cdn:officer:spock").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO officer_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	receipt, err := svc.Undo(context.Background(), "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", receipt.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveReceiptItemsValidatesDecisions(t *testing.T) {
	svc, _ := newMockService(t)

	err := svc.ResolveReceiptItems(context.Background(), "u1", "r1", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = svc.ResolveReceiptItems(context.Background(), "u1", "r1",
		[]Decision{{RowIndex: 1}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFieldsToPatchRestoresExplicitNulls(t *testing.T) {
	patch, err := fieldsToPatch(map[string]any{"userLevel": nil, "ownershipState": "unknown"})
	require.NoError(t, err)
	assert.True(t, patch.UserLevel.Set)
	assert.True(t, patch.UserLevel.Null)
	assert.True(t, patch.OwnershipState.Set)
	assert.Equal(t, catalog.OwnershipUnknown, patch.OwnershipState.Value)
	assert.False(t, patch.Target.Set)
}
