package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"nexusdesk/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), config.AIConfig{Provider: "openai"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), config.AIConfig{Provider: "nope", APIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestOpenAI_Generate(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": " {\"responseText\":\"hi\",\"escalationSuggested\":false} "}}]
		}`))
	}))
	defer srv.Close()

	m := NewOpenAI(config.AIConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "gpt-4o-mini"}, srv.Client())
	out, err := m.Generate(context.Background(), Request{
		SystemInstruction: "be nice",
		Conversation: []Turn{
			{Role: RoleUser, Text: "hello"},
			{Role: RoleModel, Text: "hi there"},
			{Role: RoleUser, Text: "printer broken"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"responseText":"hi","escalationSuggested":false}`, out)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be nice", got.Messages[0].Content)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Equal(t, "openai:gpt-4o-mini", m.Name())
}

func TestOpenAI_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	m := NewOpenAI(config.AIConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	_, err := m.Generate(context.Background(), Request{SystemInstruction: "s"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestToGenaiContents_RoleMapping(t *testing.T) {
	contents := toGenaiContents([]Turn{
		{Role: RoleUser, Text: "a"},
		{Role: RoleModel, Text: "b"},
	})
	require.Len(t, contents, 2)
	assert.Equal(t, "user", string(contents[0].Role))
	assert.Equal(t, "model", string(contents[1].Role))
	assert.Equal(t, "b", contents[1].Parts[0].Text)
}
