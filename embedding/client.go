// Package embedding turns image paths and free-text queries into
// unit-normalized vectors in a shared space, and caches the expensive
// image inference in a persisted archive keyed by the exact ordered
// path list.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrEmptyInput is returned when a client is asked to embed nothing.
var ErrEmptyInput = errors.New("embedding: empty input")

// Client is the external embedding model. Implementations must return
// one vector per input, all of the same fixed dimensionality,
// unit-normalized.
type Client interface {
	// EmbedImages embeds the images at the given paths, preserving order.
	EmbedImages(ctx context.Context, paths []string) ([][]float32, error)
	// EmbedText embeds free-text queries, preserving order.
	EmbedText(ctx context.Context, queries []string) ([][]float32, error)
}

// HTTPClientOptions configures an HTTPClient.
type HTTPClientOptions struct {
	// HTTPClient is the underlying http.Client. Defaults to a client
	// with a 120s timeout; inference is slow on cold accelerators.
	HTTPClient *http.Client

	// Limiter rate-limits requests to the inference service. Nil
	// disables limiting.
	Limiter *rate.Limiter
}

// DefaultHTTPClientOptions contains the default HTTPClient configuration.
var DefaultHTTPClientOptions = HTTPClientOptions{}

// HTTPClient talks to an embedding inference sidecar over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// Compile-time check to ensure HTTPClient satisfies the Client interface.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the inference service at baseURL.
func NewHTTPClient(baseURL string, optFns ...func(o *HTTPClientOptions)) *HTTPClient {
	opts := DefaultHTTPClientOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}

	return &HTTPClient{
		baseURL: baseURL,
		client:  opts.HTTPClient,
		limiter: opts.Limiter,
	}
}

type embedRequest struct {
	Images []string `json:"images,omitempty"`
	Texts  []string `json:"texts,omitempty"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Error   string      `json:"error,omitempty"`
}

// EmbedImages implements Client.
func (c *HTTPClient) EmbedImages(ctx context.Context, paths []string) ([][]float32, error) {
	if len(paths) == 0 {
		return nil, ErrEmptyInput
	}
	return c.post(ctx, "/embed/images", embedRequest{Images: paths}, len(paths))
}

// EmbedText implements Client.
func (c *HTTPClient) EmbedText(ctx context.Context, queries []string) ([][]float32, error) {
	if len(queries) == 0 {
		return nil, ErrEmptyInput
	}
	return c.post(ctx, "/embed/text", embedRequest{Texts: queries}, len(queries))
}

func (c *HTTPClient) post(ctx context.Context, path string, reqBody embedRequest, want int) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedding service: decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("embedding service: %s", msg)
	}

	if len(out.Vectors) != want {
		return nil, fmt.Errorf("embedding service: got %d vectors, want %d", len(out.Vectors), want)
	}

	return out.Vectors, nil
}
