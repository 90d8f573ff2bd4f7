package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/types"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func okResponse(content string) openAIResponse {
	return openAIResponse{
		ID:    "cmpl-test",
		Model: "gpt-4o-mini",
		Choices: []openAIChoice{
			{Index: 0, FinishReason: "stop", Message: openAIMessage{Role: "assistant", Content: content}},
		},
	}
}

func TestCompleteSuccess(t *testing.T) {
	var capturedAuth, capturedPath string
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedPath = r.URL.Path

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(okResponse("world"))
	})

	client := NewClient(Config{BaseURL: server.URL, APIKey: "sk-test", Model: "gpt-4o-mini"}, nil)
	got, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "world", got)
	assert.Equal(t, "Bearer sk-test", capturedAuth)
	assert.Equal(t, "/chat/completions", capturedPath)
}

func TestCompleteRetriesOn500(t *testing.T) {
	var calls atomic.Int32
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(okResponse("recovered"))
	})

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: 2}, nil)
	got, err := client.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteDoesNotRetryOn400(t *testing.T) {
	var calls atomic.Int32
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(openAIResponse{Error: &openAIError{Message: "bad prompt", Type: "invalid_request_error"}})
	})

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: 3}, nil)
	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "bad prompt")
}

func TestCompleteEmptyChoices(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openAIResponse{ID: "cmpl-empty"})
	})

	client := NewClient(Config{BaseURL: server.URL}, nil)
	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.CodeOf(err))
}

func TestCompleteTimeout(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: 0}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, "hi")
	require.Error(t, err)
}
