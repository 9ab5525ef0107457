package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/auth"
	"github.com/Guffawaffle/majel/pkg/behavior"
	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/composition"
	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/frames"
	"github.com/Guffawaffle/majel/pkg/importer"
	"github.com/Guffawaffle/majel/pkg/llm"
	"github.com/Guffawaffle/majel/pkg/proposals"
	"github.com/Guffawaffle/majel/pkg/receipts"
	"github.com/Guffawaffle/majel/pkg/session"
	"github.com/Guffawaffle/majel/pkg/tools"
	"github.com/Guffawaffle/majel/pkg/trust"
)

const (
	testAdminToken = "test-admin-token"
	testInviteKey  = "test-invite-key"
)

// echoBackend answers every chat turn with a fixed line.
type echoBackend struct{}

func (echoBackend) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ *llm.SamplingOptions) (*llm.Response, error) {
	return &llm.Response{Content: "aye, captain"}, nil
}


func newTestHandler(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	db := database.NewFromPools(pool, pool)
	refs := catalog.NewReferenceStore(db)
	rs := receipts.NewStore(db)
	overlays := catalog.NewOverlayStore(db, rs)
	comp := composition.NewStore(db)
	props := proposals.NewStore(db, nil)
	engine := trust.NewEngine(trust.NewSettingsStore(db), nil)

	registry := tools.NewRegistry()
	tools.NewBuiltins(overlays, comp).RegisterAll(registry)
	runtime := tools.NewRuntime(db, registry, engine, props, rs, nil)

	translators, err := importer.NewRegistry()
	require.NoError(t, err)

	authSvc := auth.NewService(auth.NewStore(db), nil, nil, "http://test.local")
	chat := session.NewOrchestrator(session.NewRegistry(nil, nil),
		echoBackend{}, session.PassthroughRunner{}, "you are majel", registry.Definitions(), nil)

	srv := New(Deps{
		Resolver:    auth.NewResolver(authSvc, testAdminToken, testInviteKey),
		Auth:        authSvc,
		Refs:        refs,
		Overlays:    overlays,
		Imports:     importer.NewService(db, refs, overlays, comp, rs, nil, nil),
		Translators: translators,
		Receipts:    rs,
		Proposals:   props,
		Runtime:     runtime,
		Chat:        chat,
		Behavior:    behavior.NewStore(db),
		Frames:      frames.NewStore(db),
	})
	return srv.Handler(), mock
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Hints   []string `json:"hints"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func inviteToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.InviteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: subject + "@example.com",
	}).SignedString([]byte(testInviteKey))
	require.NoError(t, err)
	return token
}

func TestRoutesRejectAnonymousCallers(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/catalog/officers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.OK)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestAdminTokenListsOfficers(t *testing.T) {
	h, mock := newTestHandler(t)

	cols := []string{"ref_id", "name", "rarity", "faction", "abilities",
		"source", "source_url", "revision_id", "revision_at", "updated_at",
		"ownership_state", "target", "user_level", "user_rank",
		"user_power", "user_tier", "target_note", "target_priority"}
	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("admin:root").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM ref_officers").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("officer:kirk", "Kirk", "epic", "federation", []byte(`[]`),
				"seed", "", "", nil, time.Now(),
				nil, nil, nil, nil, nil, nil, nil, nil))
	mock.ExpectCommit()

	rec := doJSON(t, h, http.MethodGet, "/api/catalog/officers", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec)
	assert.True(t, env.OK)
	assert.Contains(t, string(env.Data), "officer:kirk")
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInviteTokenIsLieutenantOnly(t *testing.T) {
	h, _ := newTestHandler(t)
	token := inviteToken(t, "guest-1")

	// Import routes require admiral.
	rec := doJSON(t, h, http.MethodPost, "/api/import/parse", token, map[string]any{
		"fileName": "x.csv", "format": "csv", "contentBase64": "YQ==",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "INSUFFICIENT_RANK", decodeEnvelope(t, rec).Error.Code)
}

func TestInviteTokenCannotWriteOverlays(t *testing.T) {
	h, _ := newTestHandler(t)
	token := inviteToken(t, "guest-1")

	rec := doJSON(t, h, http.MethodPatch, "/api/catalog/officers/officer:kirk/overlay",
		token, map[string]any{"target": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeEnvelope(t, rec).Error.Code)
}

func TestImportParseDecodesCSV(t *testing.T) {
	h, _ := newTestHandler(t)

	csv := "name,level\nKirk,20\nSpock,18\n"
	rec := doJSON(t, h, http.MethodPost, "/api/import/parse", testAdminToken, map[string]any{
		"fileName":      "roster.csv",
		"format":        "csv",
		"contentBase64": base64.StdEncoding.EncodeToString([]byte(csv)),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var parsed importer.Parsed
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &parsed))
	assert.Equal(t, []string{"name", "level"}, parsed.Headers)
	assert.Len(t, parsed.Rows, 2)
}

func TestImportParseRejectsGarbage(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/import/parse", testAdminToken, map[string]any{
		"fileName": "x.csv", "format": "csv", "contentBase64": "not base64!!!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAM", decodeEnvelope(t, rec).Error.Code)
}

func TestTranslateUnknownTranslatorIsInvalid(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/import/translate", testAdminToken, map[string]any{
		"translator": "no-such-vendor",
		"payload":    map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "INVALID_PARAM", env.Error.Code)
	assert.NotEmpty(t, env.Error.Hints)
}

func TestCreateProposalRequiresToolOrItems(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/mutations/proposals", testAdminToken,
		map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_PARAM", decodeEnvelope(t, rec).Error.Code)
}

func TestCreateProposalRejectsUnknownTool(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/mutations/proposals", testAdminToken,
		map[string]any{"tool": "warp_to_earth", "args": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAM", decodeEnvelope(t, rec).Error.Code)
}

func TestChatTurnRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/chat", testAdminToken,
		map[string]any{"message": "status report"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result session.TurnResult
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, session.DefaultSessionID, result.SessionID)
	assert.Equal(t, "aye, captain", result.Text)
}

func TestChatRequiresMessage(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/chat", testAdminToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_PARAM", decodeEnvelope(t, rec).Error.Code)
}

func TestListRulesRejectsBadConfidence(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/behavior/rules?minConfidence=1.5",
		testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAM", decodeEnvelope(t, rec).Error.Code)
}

func TestInviteTokenCannotCreateFrames(t *testing.T) {
	h, _ := newTestHandler(t)
	token := inviteToken(t, "guest-1")

	rec := doJSON(t, h, http.MethodPost, "/api/chat/frames", token,
		map[string]any{"summary": "dock planning"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeEnvelope(t, rec).Error.Code)
}

func TestConditionalGetReturns304(t *testing.T) {
	h, mock := newTestHandler(t)

	cols := []string{"ref_id", "name", "rarity", "faction", "abilities",
		"source", "source_url", "revision_id", "revision_at", "updated_at",
		"ownership_state", "target", "user_level", "user_rank",
		"user_power", "user_tier", "target_note", "target_priority"}
	for range 2 {
		mock.ExpectBegin()
		mock.ExpectExec("set_config").WithArgs("admin:root").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM ref_officers").
			WillReturnRows(sqlmock.NewRows(cols))
		mock.ExpectCommit()
	}

	first := doJSON(t, h, http.MethodGet, "/api/catalog/officers", testAdminToken, nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/catalog/officers", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("If-None-Match", etag)
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, http.StatusNotModified, second.Code)
}
