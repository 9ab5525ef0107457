package composition

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/database"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return NewStore(database.NewFromPools(pool, pool)), mock
}

func TestBridgeCoreValidate(t *testing.T) {
	ok := &BridgeCore{Name: "pvp core", Members: []BridgeMember{
		{OfficerRefID: "ref:kirk", Slot: SlotCaptain},
		{OfficerRefID: "ref:spock", Slot: SlotBridge1},
	}}
	assert.NoError(t, ok.Validate())

	dup := &BridgeCore{Name: "dup", Members: []BridgeMember{
		{OfficerRefID: "a", Slot: SlotCaptain},
		{OfficerRefID: "b", Slot: SlotCaptain},
	}}
	assert.Error(t, dup.Validate())

	badSlot := &BridgeCore{Name: "bad", Members: []BridgeMember{
		{OfficerRefID: "a", Slot: "helm"},
	}}
	assert.Error(t, badSlot.Validate())
}

func TestDockValidateRange(t *testing.T) {
	assert.NoError(t, (&Dock{Number: 1}).Validate())
	assert.NoError(t, (&Dock{Number: 8}).Validate())
	assert.Error(t, (&Dock{Number: 0}).Validate())
	assert.Error(t, (&Dock{Number: 9}).Validate())
}

func TestTargetValidate(t *testing.T) {
	assert.NoError(t, (&Target{TargetType: TargetOfficer}).Validate())
	assert.Error(t, (&Target{TargetType: "planet"}).Validate())
	assert.Error(t, (&Target{TargetType: TargetShip, Priority: 5}).Validate())
	assert.Error(t, (&Target{TargetType: TargetShip, Status: "paused"}).Validate())
}

func TestCreateTargetAppliesDefaults(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO targets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	target := &Target{TargetType: TargetOfficer}
	err := store.ForUser("u1").CreateTarget(context.Background(), target)
	require.NoError(t, err)
	assert.NotEmpty(t, target.ID)
	assert.Equal(t, 2, target.Priority)
	assert.Equal(t, TargetActive, target.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLoadoutMissingRowIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE loadouts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.ForUser("u1").UpdateLoadout(context.Background(),
		&Loadout{ID: "missing", ShipRefID: "ref:ent", Name: "alpha"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetLoadoutDecodesJSONColumns(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM loadouts").
		WithArgs("l1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "ship_ref_id", "name", "priority", "is_active", "intent_keys",
			"tags", "bridge_core_id", "below_deck_policy_id", "notes", "created_at",
		}).AddRow("l1", "ref:enterprise", "mining alpha", 1, true,
			[]byte(`["mine_gas"]`), []byte(`["pve"]`), nil, nil, "", created))
	mock.ExpectCommit()

	l, err := store.ForUser("u1").GetLoadout(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"mine_gas"}, l.IntentKeys)
	assert.Equal(t, []string{"pve"}, l.Tags)
	assert.Nil(t, l.BridgeCoreID)
	assert.Equal(t, created, l.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateVariantRequiresBase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.ForUser("u1").CreateVariant(context.Background(), &Variant{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestJSONTextEmptySliceBecomesArray(t *testing.T) {
	out, err := jsonText([]string(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	out, err = jsonText([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, out)
}
