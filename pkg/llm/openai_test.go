package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatDecodesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "create_target", req.Tools[0].Function.Name)

		_, _ = w.Write([]byte(`{"choices":[{"message":{
			"content":"on it",
			"tool_calls":[{"id":"call_1","function":{
				"name":"create_target","arguments":"{\"refId\":\"cdn:officer:kirk\"}"}}]
		}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sekrit", "test-model")
	resp, err := c.Chat(context.Background(),
		[]Message{{Role: RoleUser, Content: "target kirk"}},
		[]ToolDefinition{{Name: "create_target", Parameters: map[string]any{"type": "object"}}},
		nil)
	require.NoError(t, err)
	assert.Equal(t, "on it", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "create_target", resp.ToolCalls[0].Name)
	assert.Equal(t, "cdn:officer:kirk", resp.ToolCalls[0].Arguments["refId"])
}

func TestChatSurfacesBackendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "test-model")
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestChatRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "test-model")
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, nil)
	assert.Error(t, err)
}
