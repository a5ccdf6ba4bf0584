// Package backend talks to a local model server that exposes the common
// /api/embed, /api/generate and /api/tags endpoints. One client serves both
// the Embedder and Generator contracts, mirroring how the upstream tool
// drives a single Ollama instance for both concerns.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"docrag/internal/model"
)

// knownDims maps embedding model families to their output dimension so the
// service can size the collection before the first embed call.
var knownDims = map[string]int{
	"all-minilm":        384,
	"all-minilm:l6-v2":  384,
	"all-minilm:l12-v2": 384,
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"snowflake-arctic-embed": 1024,
}

// DimForModel returns the embedding dimension for a known model name, or
// fallback when the family is not recognized.
func DimForModel(name string, fallback int) int {
	if d, ok := knownDims[strings.ToLower(strings.TrimSpace(name))]; ok {
		return d
	}
	return fallback
}

// Client implements model.Embedder and model.Generator against one base URL.
type Client struct {
	baseURL    string
	embedModel string
	genModel   string
	dim        int
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, embedModel, genModel string, dim int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		genModel:   genModel,
		dim:        dim,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// SetGeneratorModel updates the completion model; generator_model is a
// runtime-mutable config field.
func (c *Client) SetGeneratorModel(name string) {
	if strings.TrimSpace(name) != "" {
		c.genModel = name
	}
}

// SetEndpoint updates the base URL; generator_endpoint is runtime-mutable.
func (c *Client) SetEndpoint(baseURL string) {
	if strings.TrimSpace(baseURL) != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one L2-normalized vector per input, in input order.
func (c *Client) Embed(ctx context.Context, batch []string) ([][]float32, error) {
	if len(batch) == 0 {
		return [][]float32{}, nil
	}

	var resp embedResponse
	err := c.postJSON(ctx, "/api/embed", embedRequest{Model: c.embedModel, Input: batch}, &resp)
	if err != nil {
		return nil, &model.BackendError{Backend: "embedder", Op: "embed", Cause: err}
	}
	if len(resp.Embeddings) != len(batch) {
		return nil, &model.BackendError{
			Backend: "embedder",
			Op:      "embed",
			Cause:   fmt.Errorf("%w: got %d vectors for %d inputs", model.ErrInternal, len(resp.Embeddings), len(batch)),
		}
	}
	for i := range resp.Embeddings {
		if len(resp.Embeddings[i]) != c.dim {
			return nil, &model.BackendError{
				Backend: "embedder",
				Op:      "embed",
				Cause: fmt.Errorf("%w: backend returned dimension %d, expected %d",
					model.ErrDimensionMismatch, len(resp.Embeddings[i]), c.dim),
			}
		}
		normalize(resp.Embeddings[i])
	}
	return resp.Embeddings, nil
}

func (c *Client) Dim() int {
	return c.dim
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
}

type generateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

// Generate runs one non-streaming completion. max_tokens is passed through
// as num_predict, which the backend treats as a hard response cap.
func (c *Client) Generate(ctx context.Context, prompt string, params model.GenerateParams) (model.GenerateResult, error) {
	req := generateRequest{
		Model:  c.genModel,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
			Stop:        params.Stop,
		},
	}
	var resp generateResponse
	if err := c.postJSON(ctx, "/api/generate", req, &resp); err != nil {
		return model.GenerateResult{}, &model.BackendError{Backend: "generator", Op: "generate", Cause: err}
	}
	return model.GenerateResult{
		Text:            strings.TrimSpace(resp.Response),
		TokensGenerated: resp.EvalCount,
	}, nil
}

func (c *Client) ModelID() string {
	return c.genModel
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Healthy reports whether the backend answers /api/tags and has the
// configured completion model loaded.
func (c *Client) Healthy(ctx context.Context) bool {
	tags, err := c.listModels(ctx)
	if err != nil {
		return false
	}
	for _, name := range tags {
		if strings.Contains(name, c.genModel) || strings.Contains(c.genModel, name) {
			return true
		}
	}
	return false
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tags returned %d", model.ErrBackendUnavailable, resp.StatusCode)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decode tags: %v", model.ErrBackendUnavailable, err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", model.ErrBackendUnavailable, err)
	}
	c.logger.Debug("backend call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if resp.StatusCode == http.StatusNotFound && strings.Contains(strings.ToLower(string(raw)), "model") {
		return fmt.Errorf("%w: %s", model.ErrModelMissing, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d: %s", model.ErrBackendUnavailable, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
