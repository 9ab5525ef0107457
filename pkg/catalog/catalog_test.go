package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/receipts"
)

func TestFieldTriState(t *testing.T) {
	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"ownershipState":"owned","userLevel":null}`), &p))

	assert.True(t, p.OwnershipState.Set)
	assert.False(t, p.OwnershipState.Null)
	assert.Equal(t, OwnershipOwned, p.OwnershipState.Value)

	assert.True(t, p.UserLevel.Set)
	assert.True(t, p.UserLevel.Null)

	// Absent keys stay unset.
	assert.False(t, p.Target.Set)
	assert.False(t, p.UserRank.Set)
}

func TestPatchValidate(t *testing.T) {
	assert.NoError(t, Patch{OwnershipState: Some(OwnershipUnowned)}.Validate())
	assert.Error(t, Patch{OwnershipState: Some(OwnershipState("lost"))}.Validate())
	assert.NoError(t, Patch{TargetPriority: Some(2)}.Validate())
	assert.Error(t, Patch{TargetPriority: Some(0)}.Validate())
	assert.Error(t, Patch{TargetPriority: Some(4)}.Validate())
	// Clearing an enum field is always legal.
	assert.NoError(t, Patch{OwnershipState: Clear[OwnershipState](), TargetPriority: Clear[int]()}.Validate())
}

func TestApplyPatch(t *testing.T) {
	lvl := 20
	note := "promote next"
	cur := Overlay{
		RefID:          "ref:kirk",
		OwnershipState: OwnershipOwned,
		Target:         true,
		UserLevel:      &lvl,
		TargetNote:     &note,
	}

	next := applyPatch(cur, Patch{
		UserLevel:  Some(25),
		TargetNote: Clear[string](),
	})

	// Touched fields move, the rest stay put.
	require.NotNil(t, next.UserLevel)
	assert.Equal(t, 25, *next.UserLevel)
	assert.Nil(t, next.TargetNote)
	assert.Equal(t, OwnershipOwned, next.OwnershipState)
	assert.True(t, next.Target)

	// Clearing NOT NULL columns falls back to their defaults.
	cleared := applyPatch(cur, Patch{
		OwnershipState: Clear[OwnershipState](),
		Target:         Clear[bool](),
	})
	assert.Equal(t, OwnershipUnknown, cleared.OwnershipState)
	assert.False(t, cleared.Target)
}

func TestPatchAndPriorFieldsMirror(t *testing.T) {
	lvl := 10
	prior := Overlay{RefID: "ref:spock", OwnershipState: OwnershipUnknown, UserLevel: &lvl}
	p := Patch{
		OwnershipState: Some(OwnershipOwned),
		UserLevel:      Some(15),
		UserRank:       Clear[int](),
	}

	forward := PatchFields(p)
	inverse := PriorFields(prior, p)

	// Forward and inverse cover exactly the same keys.
	assert.Equal(t, len(forward), len(inverse))
	for k := range forward {
		_, ok := inverse[k]
		assert.True(t, ok, "inverse missing %s", k)
	}

	assert.Equal(t, OwnershipOwned, forward["ownershipState"])
	assert.Equal(t, OwnershipUnknown, inverse["ownershipState"])
	assert.Equal(t, 15, forward["userLevel"])
	assert.Equal(t, 10, inverse["userLevel"])
	assert.Nil(t, forward["userRank"])
	assert.Nil(t, inverse["userRank"])
}

func TestLikePatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, `d'\%von`, likePattern(`D'%Von`))
	assert.Equal(t, `k\_t`, likePattern(`K_T`))
}

func newMockOverlays(t *testing.T) (*OverlayStore, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	db := database.NewFromPools(pool, pool)
	return NewOverlayStore(db, receipts.NewStore(db)), mock
}

func overlayColumns() []string {
	return []string{"ref_id", "ownership_state", "target", "user_level", "user_rank",
		"user_power", "user_tier", "target_note", "target_priority", "updated_at"}
}

func TestSetCreatesRowOnFirstTouch(t *testing.T) {
	store, mock := newMockOverlays(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("ref:kirk").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO officer_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	o, err := store.ForUser("u1").Set(context.Background(), KindOfficer, "ref:kirk",
		Patch{OwnershipState: Some(OwnershipOwned)})
	require.NoError(t, err)
	assert.Equal(t, OwnershipOwned, o.OwnershipState)
	assert.False(t, o.Target)
	assert.Nil(t, o.UserLevel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRejectsInvalidPatchBeforeSQL(t *testing.T) {
	store, mock := newMockOverlays(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.ForUser("u1").Set(context.Background(), KindOfficer, "ref:kirk",
		Patch{TargetPriority: Some(9)})
	assert.ErrorIs(t, err, ErrInvalidPatch)
}

func TestBulkPatchOwnershipWritesReceipt(t *testing.T) {
	store, mock := newMockOverlays(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// First refId has no overlay yet, second one does.
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("ref:kirk").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("ref:kirk").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO officer_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("ref:spock").
		WillReturnRows(sqlmock.NewRows(overlayColumns()).
			AddRow("ref:spock", "unowned", false, nil, nil, nil, nil, nil, nil, time.Now()))
	mock.ExpectQuery("SELECT (.+) FROM officer_overlays").
		WithArgs("ref:spock").
		WillReturnRows(sqlmock.NewRows(overlayColumns()).
			AddRow("ref:spock", "unowned", false, nil, nil, nil, nil, nil, nil, time.Now()))
	mock.ExpectExec("INSERT INTO officer_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO import_receipts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.ForUser("u1").BulkPatch(context.Background(), KindOfficer,
		[]string{"ref:kirk", "ref:spock"},
		Patch{OwnershipState: Some(OwnershipOwned)},
		receipts.LayerOwnership)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.NotEmpty(t, res.ReceiptID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkPatchCompositionLayerSkipsReceipt(t *testing.T) {
	store, mock := newMockOverlays(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM ship_overlays").
		WithArgs("ref:enterprise").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM ship_overlays").
		WithArgs("ref:enterprise").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO ship_overlays").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.ForUser("u1").BulkPatch(context.Background(), KindShip,
		[]string{"ref:enterprise"}, Patch{Target: Some(true)}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.ReceiptID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
