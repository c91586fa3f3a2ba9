// Package openai is the HTTP adapter for the text-embedding API
// (POST {base}/v1/embeddings) used by the text-vector pipeline.
//
// The adapter owns the provider-boundary policies: dual-bucket rate limiting
// before every remote call, jittered exponential retry on transient failures
// (429, 5xx, network), immediate abort on auth failures, and the zero-vector
// short-circuit for empty input — whitespace-only text never reaches the wire.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slidemanager/slidemanager/internal/infra/ratelimit"
)

const (
	mimeJSON          = "application/json"
	headerContentType = "Content-Type"

	// DefaultDim is used for zero vectors before the real dimension has been
	// discovered from a successful call. text-embedding-3-large returns 3072.
	DefaultDim = 3072
)

// Sentinel errors the pipeline branches on.
var (
	// ErrAuth marks 401/403 responses. Not retried: the text-embedding
	// pipeline aborts for the job when it sees this.
	ErrAuth = errors.New("openai: authentication failed")
	// ErrRateLimited marks a 429 that survived all retries.
	ErrRateLimited = errors.New("openai: rate limited")
)

// TextEmbedder is the seam the workers depend on; tests substitute counting
// stubs for the real client.
type TextEmbedder interface {
	// EmbedBatch returns one vector per input, in order. Empty or
	// whitespace-only inputs yield the model's canonical zero vector without
	// a remote call.
	EmbedBatch(ctx context.Context, model string, inputs []string) ([][]float32, error)
	// Dim returns the model's vector dimension: discovered from the first
	// successful call, the configured default before that.
	Dim(model string) int
}

// Client calls the embeddings endpoint with stdlib net/http.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	backoff    *ratelimit.Backoff
	maxRetries int
	defaultDim int

	mu   sync.Mutex
	dims map[string]int // model → discovered dimension
}

// Options configures a Client.
type Options struct {
	BaseURL    string // default https://api.openai.com
	APIKey     string
	Limiter    *ratelimit.Limiter
	Backoff    *ratelimit.Backoff
	MaxRetries int // default 8
	DefaultDim int // default DefaultDim
	Timeout    time.Duration
}

// NewClient builds a Client. A nil limiter or backoff gets a default.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(120, 200000)
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = ratelimit.DefaultBackoff()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 8
	}
	defaultDim := opts.DefaultDim
	if defaultDim <= 0 {
		defaultDim = DefaultDim
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		backoff:    backoff,
		maxRetries: maxRetries,
		defaultDim: defaultDim,
		dims:       make(map[string]int),
	}
}

// ─── wire types ──────────────────────────────────────────────────────────────

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponseItem struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embedResponse struct {
	Data []embedResponseItem `json:"data"`
}

// ─── TextEmbedder implementation ────────────────────────────────────────────

// EmbedBatch embeds inputs in a single remote call. Empty inputs are stripped
// before the call and filled back in as zero vectors; a batch with no
// non-empty input makes no remote call at all.
func (c *Client) EmbedBatch(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	nonEmptyIdx := make([]int, 0, len(inputs))
	nonEmpty := make([]string, 0, len(inputs))
	for i, s := range inputs {
		if strings.TrimSpace(s) != "" {
			nonEmptyIdx = append(nonEmptyIdx, i)
			nonEmpty = append(nonEmpty, s)
		}
	}

	var embedded [][]float32
	if len(nonEmpty) > 0 {
		tokCost := 0
		for _, s := range nonEmpty {
			tokCost += EstimateTokens(s)
		}
		if err := c.limiter.Acquire(ctx, 1, tokCost); err != nil {
			return nil, err
		}

		var err error
		embedded, err = c.callWithRetry(ctx, model, nonEmpty)
		if err != nil {
			return nil, err
		}
		if len(embedded) != len(nonEmpty) {
			return nil, fmt.Errorf("openai: %d inputs but %d embeddings returned", len(nonEmpty), len(embedded))
		}
		c.recordDim(model, len(embedded[0]))
	}

	dim := c.Dim(model)
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = make([]float32, dim)
	}
	for j, i := range nonEmptyIdx {
		out[i] = embedded[j]
	}
	return out, nil
}

// Dim returns the discovered dimension for model, or the configured default
// before any call has succeeded.
func (c *Client) Dim(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.dims[model]; ok {
		return d
	}
	return c.defaultDim
}

func (c *Client) recordDim(model string, dim int) {
	if dim <= 0 {
		return
	}
	c.mu.Lock()
	c.dims[model] = dim
	c.mu.Unlock()
}

// callWithRetry performs the POST, retrying transient failures with the
// backoff schedule. Auth failures are returned immediately.
func (c *Client) callWithRetry(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		vecs, retriable, err := c.callOnce(ctx, model, inputs)
		if err == nil {
			return vecs, nil
		}
		if !retriable {
			return nil, err
		}
		lastErr = err
		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("openai: %d retries exhausted: %w", c.maxRetries, lastErr)
		}
		if sleepErr := c.backoff.Sleep(ctx, attempt); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

// callOnce performs a single POST /v1/embeddings. The second return reports
// whether the failure is transient.
func (c *Client) callOnce(ctx context.Context, model string, inputs []string) ([][]float32, bool, error) {
	body, err := json.Marshal(embedRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set(headerContentType, mimeJSON)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w (status %d)", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w (status 429)", ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("openai: server error (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		return nil, false, fmt.Errorf("openai: status %d: %s", resp.StatusCode, tail)
	}

	var decoded embedResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&decoded); decodeErr != nil {
		return nil, false, fmt.Errorf("openai: decode response: %w", decodeErr)
	}
	if len(decoded.Data) == 0 {
		return nil, false, fmt.Errorf("openai: empty data in response")
	}

	// The API documents data in request order but indexes defensively.
	sort.Slice(decoded.Data, func(i, j int) bool { return decoded.Data[i].Index < decoded.Data[j].Index })
	vecs := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vecs[i] = item.Embedding
	}
	return vecs, true, nil
}

// ─── image embedding ─────────────────────────────────────────────────────────

// ImageEmbedder embeds one rendered page image.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, model string, image []byte) ([]float32, error)
	Dim(model string) int
}

// ImageClient adapts Client to image inputs: the image bytes travel through
// the embeddings endpoint as a data URI.
type ImageClient struct {
	*Client
}

// NewImageClient wraps an existing Client.
func NewImageClient(c *Client) *ImageClient { return &ImageClient{Client: c} }

// EmbedImage embeds a single JPEG image.
func (c *ImageClient) EmbedImage(ctx context.Context, model string, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("openai: empty image")
	}
	uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	vecs, err := c.EmbedBatch(ctx, model, []string{uri})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// ─── vector helpers ──────────────────────────────────────────────────────────

// EstimateTokens returns a conservative token estimate for s, always ≥ 1.
// ~4 chars per token plus a 20% safety margin.
func EstimateTokens(s string) int {
	n := len(s) * 3 / 10
	if n < 1 {
		n = 1
	}
	return n
}

// PackF32 serialises a vector as contiguous little-endian float32 bytes.
func PackF32(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// UnpackF32 decodes a little-endian float32 blob. Returns nil when the blob
// length is not a multiple of 4.
func UnpackF32(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

// ZeroVector returns the canonical all-zero blob for dim (length dim*4).
func ZeroVector(dim int) []byte {
	return make([]byte, dim*4)
}
