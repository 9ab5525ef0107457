package behavior

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

func ruleColumns() []string {
	return []string{"id", "rule_text", "task_type", "alpha", "beta",
		"observation_count", "severity", "created_at"}
}

func TestConfidenceIsPosteriorMean(t *testing.T) {
	r := &Rule{Alpha: PriorAlpha, Beta: PriorBeta}
	assert.InDelta(t, 2.0/7.0, r.Confidence(), 1e-9)

	// Ten straight hits push a fresh rule well past the priors.
	r.Alpha += 10
	assert.InDelta(t, 12.0/17.0, r.Confidence(), 1e-9)
}

func TestCreateStartsAtPriors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO behavior_rules").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rule, err := store.Create(context.Background(), "u1", "always show power deltas", nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, PriorAlpha, rule.Alpha)
	assert.Equal(t, PriorBeta, rule.Beta)
	assert.Equal(t, SeverityShould, rule.Severity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsUnknownSeverity(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.Create(context.Background(), "u1", "rule", nil, "critical")
	assert.Error(t, err)
}

func TestObserveHitBumpsAlpha(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SET alpha = alpha \+ 1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(ruleColumns()).
			AddRow("r1", "rule", nil, 3.0, 5.0, 1, "should", time.Now()))
	mock.ExpectCommit()

	rule, err := store.Observe(context.Background(), "u1", "r1", true)
	require.NoError(t, err)
	assert.Equal(t, 3.0, rule.Alpha)
	assert.Equal(t, 1, rule.ObservationCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObserveMissBumpsBeta(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SET beta = beta \+ 1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(ruleColumns()).
			AddRow("r1", "rule", nil, 2.0, 6.0, 1, "should", time.Now()))
	mock.ExpectCommit()

	rule, err := store.Observe(context.Background(), "u1", "r1", false)
	require.NoError(t, err)
	assert.Equal(t, 6.0, rule.Beta)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFiltersByConfidenceFloor(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM behavior_rules").
		WillReturnRows(sqlmock.NewRows(ruleColumns()).
			AddRow("confident", "rule a", nil, 12.0, 5.0, 15, "must", time.Now()).
			AddRow("fresh", "rule b", nil, 2.0, 5.0, 0, "should", time.Now()))
	mock.ExpectCommit()

	rules, err := store.List(context.Background(), "u1", nil, 0.5)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "confident", rules[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingRuleIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM behavior_rules").
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Delete(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
