package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

const (
	voyageURL          = "https://api.voyageai.com/v1/embeddings"
	voyageDefaultModel = "voyage-3"
	voyageDimensions   = 1024
	voyageMaxBatch     = 128
)

// VoyageProvider embeds text with the Voyage AI API.
type VoyageProvider struct {
	apiKey  string
	model   string
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

type voyageConfig struct {
	apiKey    string
	model     string
	url       string
	rateLimit float64
	timeout   time.Duration
}

// VoyageOption configures a VoyageProvider.
type VoyageOption func(*voyageConfig)

// WithAPIKey sets the API key. The default is $VOYAGE_API_KEY.
func WithAPIKey(key string) VoyageOption {
	return func(c *voyageConfig) { c.apiKey = key }
}

// WithModel sets the model.
func WithModel(model string) VoyageOption {
	return func(c *voyageConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithRateLimit sets requests per second.
func WithRateLimit(rps float64) VoyageOption {
	return func(c *voyageConfig) {
		if rps > 0 {
			c.rateLimit = rps
		}
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) VoyageOption {
	return func(c *voyageConfig) { c.timeout = d }
}

// WithEndpoint overrides the API URL.
func WithEndpoint(url string) VoyageOption {
	return func(c *voyageConfig) { c.url = url }
}

// NewVoyageProvider creates a Voyage provider.
func NewVoyageProvider(opts ...VoyageOption) (*VoyageProvider, error) {
	cfg := voyageConfig{
		apiKey:    os.Getenv("VOYAGE_API_KEY"),
		model:     voyageDefaultModel,
		url:       voyageURL,
		rateLimit: 10,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.apiKey == "" {
		return nil, errors.New("voyage API key required: set VOYAGE_API_KEY or embedding api key")
	}

	return &VoyageProvider{
		apiKey:  cfg.apiKey,
		model:   cfg.model,
		url:     cfg.url,
		client:  &http.Client{Timeout: cfg.timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.rateLimit), 1),
	}, nil
}

// Embed implements Provider. Large inputs are split into batches, each
// waiting on the rate limiter.
func (p *VoyageProvider) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, 0, len(texts))
	for start := 0; start < len(texts); start += voyageMaxBatch {
		end := min(start+voyageMaxBatch, len(texts))
		vecs, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *VoyageProvider) embedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(voyageRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voyage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("voyage API error %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	vectors := make([]Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimensions implements Provider.
func (p *VoyageProvider) Dimensions() int { return voyageDimensions }

// Model implements Provider.
func (p *VoyageProvider) Model() string { return p.model }

type voyageRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type voyageResponse struct {
	Data []struct {
		Embedding Vector `json:"embedding"`
		Index     int    `json:"index"`
	} `json:"data"`
}
