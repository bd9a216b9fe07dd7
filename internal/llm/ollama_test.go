package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClientInfer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Errorf("expected stream=false")
		}
		if req.Model != "llama3" || req.Prompt != "score this" {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Model: "llama3", Response: "FRAUD_SCORE: 0.4", Done: true})
	}))
	defer server.Close()

	client := NewOllamaClient(Config{BaseURL: server.URL, Model: "llama3"})
	out, err := client.Infer(context.Background(), "score this")
	require.NoError(t, err)
	assert.Equal(t, "FRAUD_SCORE: 0.4", out)
	assert.Equal(t, "llama3", client.Model())
}

func TestOllamaClientErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewOllamaClient(Config{BaseURL: server.URL + "/api/", Model: "llama3"})
	_, err := client.Infer(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")

	errServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Error: "boom"})
	}))
	defer errServer.Close()
	_, err = NewOllamaClient(Config{BaseURL: errServer.URL}).Infer(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestOllamaClientHonoursContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOllamaClient(Config{BaseURL: server.URL}).Infer(ctx, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
