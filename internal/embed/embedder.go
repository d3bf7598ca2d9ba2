// Package embed turns chunk text into dense vectors through an
// OpenAI-compatible embeddings endpoint, and runs the background job that
// keeps the vector store current with the chunk manifest.
package embed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/verdict-systems/kbengine/pkg/types"
)

const embedCacheSize = 4096

// Embedder produces one vector per input text, order-preserving.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
	Close() error
}

// ClientConfig configures the HTTP embedding client.
type ClientConfig struct {
	BaseURL    string // e.g. https://api.openai.com/v1
	APIKey     string
	Model      string
	Dimensions int
	RateLimit  float64 // requests per second, 0 disables limiting
}

// HTTPClient calls an OpenAI-compatible /embeddings endpoint. Results are
// cached by text hash so re-embedding identical content is free.
type HTTPClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *lru.Cache[string, []float32]
	retry      RetryConfig
}

// NewHTTPClient creates an embedding client for the configured provider.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: embedding API key not set", types.ErrProviderFatal)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: embedding base URL not set", types.ErrProviderFatal)
	}
	cache, err := lru.New[string, []float32](embedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &HTTPClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
		cache:   cache,
		retry:   DefaultRetryConfig(),
	}, nil
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return string(sum[:])
}

// EmbedBatch returns one vector per text, in input order. Cached texts are
// served locally; only misses are sent to the provider. Transient provider
// errors are retried with backoff; overflow and fatal errors are returned
// as-is for the caller to handle.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		if vec, ok := c.cache.Get(textKey(t)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := retryWithBackoff(ctx, c.retry, func() ([][]float32, error) {
		return c.callAPI(ctx, missTexts)
	})
	if err != nil {
		return nil, err
	}

	for i, vec := range vecs {
		out[missIdx[i]] = vec
		c.cache.Add(textKey(missTexts[i]), vec)
	}
	return out, nil
}

func (c *HTTPClient) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqBody := map[string]any{
		"input": texts,
		"model": c.cfg.Model,
	}
	if c.cfg.Dimensions > 0 && strings.HasPrefix(c.cfg.Model, "text-embedding-3") {
		reqBody["dimensions"] = c.cfg.Dimensions
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", types.ErrProviderTransient, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyAPIError(resp.StatusCode, bodyBytes)
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", types.ErrProviderTransient, err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", types.ErrProviderTransient, len(apiResp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", types.ErrProviderTransient, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("%w: missing embedding for input %d", types.ErrProviderTransient, i)
		}
	}
	return vecs, nil
}

// classifyAPIError maps provider HTTP failures onto the shared error
// taxonomy so callers can pick retry, truncation fallback, or abort.
func classifyAPIError(status int, body []byte) error {
	msg := strings.ToLower(string(body))
	switch {
	case status == http.StatusTooManyRequests && strings.Contains(msg, "quota"):
		return fmt.Errorf("%w: api error %d: %s", types.ErrProviderFatal, status, body)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return fmt.Errorf("%w: api error %d: %s", types.ErrProviderTransient, status, body)
	case status == http.StatusBadRequest &&
		(strings.Contains(msg, "context length") ||
			strings.Contains(msg, "context_length") ||
			strings.Contains(msg, "maximum context") ||
			strings.Contains(msg, "too many tokens") ||
			strings.Contains(msg, "token limit")):
		return fmt.Errorf("%w: api error %d: %s", types.ErrProviderTokenOverflow, status, body)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: api error %d: %s", types.ErrProviderFatal, status, body)
	default:
		return fmt.Errorf("%w: api error %d: %s", types.ErrProviderFatal, status, body)
	}
}

func (c *HTTPClient) Model() string { return c.cfg.Model }

func (c *HTTPClient) Dimension() int { return c.cfg.Dimensions }

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// EmbedOne embeds a single text, used for search queries and ad-hoc ranking.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 embedding, got %d", types.ErrProviderTransient, len(vecs))
	}
	return vecs[0], nil
}
