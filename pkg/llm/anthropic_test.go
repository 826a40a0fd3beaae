package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sci-core/internal/config"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropic_Generate(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "a-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":" merged answer "}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	c := newAnthropicClient(config.LLMConfig{BaseURL: srv.URL, APIKey: "a-key", Model: "claude-test"}, srv.Client())
	text, err := c.Generate(context.Background(), Request{System: "judge", Prompt: "merge"})
	require.NoError(t, err)
	assert.Equal(t, "merged answer", text)

	assert.Equal(t, "claude-test", got["model"])
	assert.EqualValues(t, anthropicDefaultMaxTokens, got["max_tokens"])
	system := got["system"].([]interface{})
	assert.Equal(t, "judge", system[0].(map[string]interface{})["text"])
}

func TestAnthropic_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer srv.Close()

	c := newAnthropicClient(config.LLMConfig{BaseURL: srv.URL, APIKey: "a-key", Model: "m"}, srv.Client())
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, IsRetryable(err))
}
