package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/generate", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "command", req.Model)
		require.Equal(t, "The quick ", req.Prompt)

		json.NewEncoder(w).Encode(generateResponse{
			Generations: []struct {
				Text string `json:"text"`
			}{{Text: "brown fox"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "command")
	text, err := c.Generate(context.Background(), "The quick ")
	require.NoError(t, err)
	require.Equal(t, "brown fox", text)
}

func TestGenerateNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "command")
	_, err := c.Generate(context.Background(), "prompt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestGenerateEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"generations":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "command")
	_, err := c.Generate(context.Background(), "prompt")
	require.ErrorIs(t, err, ErrEmptyGeneration)
}

func TestGenerateContextTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, "", "command")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, "prompt")
	require.Error(t, err)
}
