package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGeminiGenerate(t *testing.T) {
	t.Run("should post prompt and join candidate parts", func(t *testing.T) {
		req := require.New(t)
		var gotPath, gotKey, gotText string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotKey = r.URL.Query().Get("key")
			var body geminiRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body.Contents) == 1 && len(body.Contents[0].Parts) == 1 {
				gotText = body.Contents[0].Parts[0].Text
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Two tasks "},{"text":"are open."}]}}]}`))
		}))
		defer server.Close()

		client, err := NewGemini(GeminiConfig{APIKey: "k1", Model: "gemini-test", BaseURL: server.URL})
		req.NoError(err)

		out, err := client.Generate(context.Background(), "what's open?")
		req.NoError(err)
		req.Equal("Two tasks are open.", out)
		req.Equal("/v1beta/models/gemini-test:generateContent", gotPath)
		req.Equal("k1", gotKey)
		req.Equal("what's open?", gotText)
	})

	t.Run("should return provider error on non-200", func(t *testing.T) {
		req := require.New(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
		}))
		defer server.Close()

		client, err := NewGemini(GeminiConfig{APIKey: "k1", Model: "m", BaseURL: server.URL})
		req.NoError(err)

		_, err = client.Generate(context.Background(), "q")
		var providerErr *ProviderError
		req.True(errors.As(err, &providerErr))
		req.True(providerErr.IsRateLimited())
		req.Equal("RESOURCE_EXHAUSTED", providerErr.Status)
		req.Equal("quota", providerErr.Message)
	})

	t.Run("should fail on empty candidates", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[]}`))
		}))
		defer server.Close()

		client, err := NewGemini(GeminiConfig{APIKey: "k1", Model: "m", BaseURL: server.URL})
		require.NoError(t, err)
		_, err = client.Generate(context.Background(), "q")
		require.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("should honor context deadline", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		client, err := NewGemini(GeminiConfig{APIKey: "k1", Model: "m", BaseURL: server.URL})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = client.Generate(ctx, "q")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(GeminiConfig{Model: "m"})
	require.Error(t, err)
}
