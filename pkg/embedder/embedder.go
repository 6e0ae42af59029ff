// Package embedder calls an external embedding provider over HTTP. Two wire
// shapes are supported: OpenAI-compatible /embeddings and Ollama's
// /api/embeddings.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
)

const requestTimeout = 30 * time.Second

// Client is a thin embedding-provider client. The zero provider means
// embeddings are disabled; callers get a nil Client from New.
type Client struct {
	cfg    config.EmbeddingConfig
	http   *http.Client
	logger *logrus.Entry
}

// New returns a client, or nil when no provider is configured. A nil Client
// is a valid "embeddings off" state for callers holding the interface.
func New(cfg *config.Config, logger *logrus.Entry) *Client {
	if cfg.Embedding.Provider == "" || cfg.Embedding.Model == "" {
		return nil
	}
	return &Client{
		cfg:    cfg.Embedding,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Model returns the embedding model tag vectors are stored under.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Embed returns the vector for a text and the model tag it belongs to.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, string, error) {
	var vector []float32
	var err error

	switch strings.ToLower(c.cfg.Provider) {
	case "ollama":
		vector, err = c.embedOllama(ctx, text)
	default:
		// openai, voyage, and most hosted providers share the OpenAI shape.
		vector, err = c.embedOpenAI(ctx, text)
	}
	if err != nil {
		return nil, "", err
	}
	if c.cfg.Dimensions > 0 && len(vector) != c.cfg.Dimensions {
		return nil, "", errors.New(errors.ErrCodeBackendOffline,
			fmt.Sprintf("provider returned %d dimensions, expected %d", len(vector), c.cfg.Dimensions))
	}
	return vector, c.cfg.Model, nil
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) embedOpenAI(ctx context.Context, text string) ([]float32, error) {
	base := c.cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	body, err := c.post(ctx, strings.TrimRight(base, "/")+"/embeddings",
		openAIRequest{Model: c.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackendOffline, "malformed embedding response")
	}
	if resp.Error != nil {
		return nil, errors.New(errors.ErrCodeBackendOffline, "embedding provider: "+resp.Error.Message)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New(errors.ErrCodeBackendOffline, "embedding response contained no vector")
	}
	return resp.Data[0].Embedding, nil
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (c *Client) embedOllama(ctx context.Context, text string) ([]float32, error) {
	base := c.cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	body, err := c.post(ctx, strings.TrimRight(base, "/")+"/api/embeddings",
		ollamaRequest{Model: c.cfg.Model, Prompt: text})
	if err != nil {
		return nil, err
	}

	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackendOffline, "malformed embedding response")
	}
	if resp.Error != "" {
		return nil, errors.New(errors.ErrCodeBackendOffline, "embedding provider: "+resp.Error)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New(errors.ErrCodeBackendOffline, "embedding response contained no vector")
	}
	return resp.Embedding, nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackendOffline, "embedding request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackendOffline, "failed to read embedding response")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.New(errors.ErrCodeRateLimited, "embedding provider rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrCodeBackendOffline,
			fmt.Sprintf("embedding provider returned %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
