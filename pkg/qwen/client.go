// Package qwen calls a Qwen embedding service over its OpenAI-compatible
// HTTP API.
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ashareinsight/pipeline-cli/internal/resilience"
)

const (
	defaultBaseURL   = "http://localhost:9547"
	defaultModel     = "Qwen3-Embedding-4B"
	defaultDimension = 2560
	defaultTimeout   = 5 * time.Minute
)

// Client generates embeddings for batches of texts.
type Client interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	HealthCheck(ctx context.Context) error
	Dimension() int
	MaxBatchSize() int
}

// EmbeddingRequest is the request body for POST /v1/embeddings. Normalize
// asks the service for unit-length vectors so cosine distance in the index
// matches inner product; deployments that always normalize ignore it.
type EmbeddingRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	Normalize bool     `json:"normalize"`
}

// EmbeddingResponse is the response from POST /v1/embeddings.
type EmbeddingResponse struct {
	Data  []EmbeddingDatum `json:"data"`
	Model string           `json:"model"`
	Usage Usage            `json:"usage"`
}

// EmbeddingDatum carries one vector with its input index.
type EmbeddingDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default service URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default embedding model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithDimension overrides the expected vector dimension.
func WithDimension(d int) Option {
	return func(c *httpClient) {
		c.dimension = d
	}
}

// WithMaxBatchSize caps how many texts one request may carry.
func WithMaxBatchSize(n int) Option {
	return func(c *httpClient) {
		c.maxBatch = n
	}
}

// WithRateLimit throttles requests to n per second.
func WithRateLimit(n float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(n), 1)
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey    string
	baseURL   string
	model     string
	dimension int
	maxBatch  int
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	http      *http.Client
}

// NewClient creates a Qwen embedding client. apiKey may be empty for
// services deployed without auth.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		model:     defaultModel,
		dimension: defaultDimension,
		maxBatch:  50,
		retry:     resilience.DefaultRetryConfig(),
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	c.retry.OnRetry = resilience.RetryLogger("qwen", "embed texts")
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("qwen circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	c.breaker = resilience.NewCircuitBreaker(breakerCfg)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Dimension() int    { return c.dimension }
func (c *httpClient) MaxBatchSize() int { return c.maxBatch }

// EmbedTexts returns one vector per input text, in input order. The
// caller is responsible for batching; requests larger than the configured
// maximum are rejected.
func (c *httpClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > c.maxBatch {
		return nil, eris.Errorf("qwen: batch of %d exceeds maximum %d", len(texts), c.maxBatch)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "qwen: rate limit wait")
		}
	}

	// The breaker wraps the whole retry loop so a sustained outage is
	// rejected up front instead of burning the full backoff schedule.
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([][]float32, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([][]float32, error) {
			return c.embedOnce(ctx, texts)
		})
	})
}

// EmbedText embeds a single text.
func (c *httpClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// HealthCheck verifies the service answers a minimal embedding request.
func (c *httpClient) HealthCheck(ctx context.Context) error {
	if _, err := c.EmbedText(ctx, "健康检查"); err != nil {
		return eris.Wrap(err, "qwen: health check")
	}
	return nil
}

func (c *httpClient) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(EmbeddingRequest{Model: c.model, Input: texts, Normalize: true})
	if err != nil {
		return nil, eris.Wrap(err, "qwen: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "qwen: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "qwen: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "qwen: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("qwen: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result EmbeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "qwen: unmarshal response")
	}
	if len(result.Data) != len(texts) {
		return nil, eris.Errorf("qwen: expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, eris.Errorf("qwen: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
