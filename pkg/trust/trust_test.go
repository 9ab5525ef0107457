package trust

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/database"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return NewEngine(NewSettingsStore(database.NewFromPools(pool, pool)), nil), mock
}

func settingRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "value", "provenance", "updated_at"})
}

func expectSettingLookup(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	q := mock.ExpectQuery("SELECT (.+) FROM user_settings").WithArgs(SettingKey)
	if rows != nil {
		q.WillReturnRows(rows)
		mock.ExpectCommit()
	} else {
		q.WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()
	}
}

func TestResolveHonoursUserOverride(t *testing.T) {
	engine, mock := newMockEngine(t)
	expectSettingLookup(mock, settingRows().AddRow(
		SettingKey, []byte(`{"create_loadout":"auto"}`), "user", time.Now()))

	tier := engine.Resolve(context.Background(), "u1", "create_loadout")
	assert.Equal(t, TierAuto, tier)
}

func TestResolveSkipsNonUserProvenance(t *testing.T) {
	engine, mock := newMockEngine(t)
	expectSettingLookup(mock, settingRows().AddRow(
		SettingKey, []byte(`{"create_loadout":"auto"}`), "default", time.Now()))

	// The default map says approve for create_loadout.
	tier := engine.Resolve(context.Background(), "u1", "create_loadout")
	assert.Equal(t, TierApprove, tier)
}

func TestResolvePresetActivationBlocksWithoutUserOverride(t *testing.T) {
	engine, mock := newMockEngine(t)

	// A default-provenance override cannot unblock it.
	expectSettingLookup(mock, settingRows().AddRow(
		SettingKey, []byte(`{"activate_preset":"auto"}`), "default", time.Now()))
	assert.Equal(t, TierBlock, engine.Resolve(context.Background(), "u1", "activate_preset"))

	// A user-written override can.
	expectSettingLookup(mock, settingRows().AddRow(
		SettingKey, []byte(`{"activate_preset":"approve"}`), "user", time.Now()))
	assert.Equal(t, TierApprove, engine.Resolve(context.Background(), "u1", "activate_preset"))
}

func TestResolveFallsThroughToDefaults(t *testing.T) {
	engine, mock := newMockEngine(t)

	expectSettingLookup(mock, nil)
	assert.Equal(t, TierAuto, engine.Resolve(context.Background(), "u1", "create_target"))

	expectSettingLookup(mock, nil)
	assert.Equal(t, TierBlock, engine.Resolve(context.Background(), "u1", "delete_user_data"))
}

func TestResolveUnknownToolDefaultsToApprove(t *testing.T) {
	engine, mock := newMockEngine(t)
	expectSettingLookup(mock, nil)

	tier := engine.Resolve(context.Background(), "u1", "paint_the_hull")
	assert.Equal(t, TierApprove, tier)
}

func TestResolveMalformedOverrideNeverYieldsAuto(t *testing.T) {
	engine, mock := newMockEngine(t)
	expectSettingLookup(mock, settingRows().AddRow(
		SettingKey, []byte(`"not a map"`), "user", time.Now()))

	tier := engine.Resolve(context.Background(), "u1", "remove_target")
	assert.Equal(t, TierApprove, tier)
}

func TestResolveInvalidTierValueIsSkipped(t *testing.T) {
	engine, mock := newMockEngine(t)
	expectSettingLookup(mock, settingRows().AddRow(
		SettingKey, []byte(`{"create_target":"yolo"}`), "user", time.Now()))

	// Falls through to the system default for create_target.
	tier := engine.Resolve(context.Background(), "u1", "create_target")
	assert.Equal(t, TierAuto, tier)
}

func TestSettingsStoreLookupFailureFallsThrough(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM user_settings").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	tier := engine.Resolve(context.Background(), "u1", "delete_loadout")
	assert.Equal(t, TierApprove, tier)
}
