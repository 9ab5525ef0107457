package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/proposals"
)

func failureBody(t *testing.T, err error) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/mutations/proposals/p1/apply", nil)
	fail(rec, req, err)

	var env struct {
		Error struct {
			Code   string         `json:"code"`
			Detail map[string]any `json:"detail"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "CONFLICT", env.Error.Code)
	return rec.Code, env.Error.Detail
}

func TestExpiredProposalConflictCarriesExpiry(t *testing.T) {
	expiresAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	code, detail := failureBody(t, &proposals.StateError{
		ID:        "p1",
		Status:    proposals.StatusExpired,
		ExpiresAt: expiresAt,
	})

	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "p1", detail["proposalId"])
	assert.Equal(t, "expired", detail["status"])
	assert.Equal(t, expiresAt.Format(time.RFC3339), detail["expiresAt"])
}

func TestDeclinedProposalConflictOmitsExpiry(t *testing.T) {
	code, detail := failureBody(t, &proposals.StateError{
		ID:     "p1",
		Status: proposals.StatusDeclined,
	})

	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "declined", detail["status"])
	assert.NotContains(t, detail, "expiresAt")
}
