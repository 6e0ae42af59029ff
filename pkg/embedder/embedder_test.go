package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
)

func testClient(t *testing.T, provider, baseURL string) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Embedding = config.EmbeddingConfig{
		Provider: provider,
		Model:    "test-embed",
		BaseURL:  baseURL,
		APIKey:   "sk-test",
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	c := New(cfg, logger.WithField("component", "embedder-test"))
	require.NotNil(t, c)
	return c
}

func TestNewDisabledWithoutProvider(t *testing.T) {
	cfg := config.Default()
	logger := logrus.New()
	assert.Nil(t, New(cfg, logger.WithField("component", "embedder-test")))
}

func TestEmbedOpenAIShape(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)
		require.Len(t, req.Input, 1)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	c := testClient(t, "openai", srv.URL)
	vec, model, err := c.Embed(context.Background(), "some node summary")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "test-embed", model)
	assert.Equal(t, "/embeddings", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestEmbedOllamaShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": []float32{1, 0},
		})
	}))
	defer srv.Close()

	c := testClient(t, "ollama", srv.URL)
	vec, _, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestEmbedRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, "openai", srv.URL)
	_, _, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRateLimited, errors.GetCode(err))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": []float32{0.1, 0.2}}},
		})
	}))
	defer srv.Close()

	c := testClient(t, "openai", srv.URL)
	c.cfg.Dimensions = 3
	_, _, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
}
