package roles

import (
	"context"
	"log/slog"

	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/resiliency"
	"github.com/casegraph/swarm/pkg/semgraph"
)

// ExtractRequest is posted to the extraction worker.
type ExtractRequest struct {
	Context       []ContextEntry    `json:"context"`
	PreviousFacts *semgraph.FactSet `json:"previous_facts,omitempty"`
}

// ContextEntry is one replayed event handed to the worker.
type ContextEntry struct {
	Seq     int64  `json:"seq"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ExtractResponse is the worker's structured output.
type ExtractResponse struct {
	Facts semgraph.FactSet `json:"facts"`
}

// DriftRequest asks the worker to classify drift between fact sets.
type DriftRequest struct {
	Facts         semgraph.FactSet `json:"facts"`
	PreviousDrift *policy.Drift    `json:"previous_drift,omitempty"`
}

// DriftResponse carries the classification.
type DriftResponse struct {
	Drift policy.Drift `json:"drift"`
}

// ExtractionClient talks to the extraction worker.
type ExtractionClient struct {
	client *resiliency.Client
}

// NewExtractionClient wraps the worker base URL with the standard
// timeout and breaker.
func NewExtractionClient(baseURL string, log *slog.Logger) *ExtractionClient {
	return &ExtractionClient{client: resiliency.NewClient("extraction", baseURL, resiliency.Config{}, log)}
}

// Extract posts replayed context and previous facts to the worker.
func (c *ExtractionClient) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	var resp ExtractResponse
	if err := c.client.PostJSON(ctx, "/extract", req, &resp); err != nil {
		return nil, Transient(err)
	}
	return &resp, nil
}

// ClassifyDrift posts the current facts for drift classification.
func (c *ExtractionClient) ClassifyDrift(ctx context.Context, req DriftRequest) (*DriftResponse, error) {
	var resp DriftResponse
	if err := c.client.PostJSON(ctx, "/drift", req, &resp); err != nil {
		return nil, Transient(err)
	}
	return &resp, nil
}

// EmbeddingClient talks to the embedding backend (Ollama-compatible
// POST /api/embeddings).
type EmbeddingClient struct {
	client *resiliency.Client
	model  string
}

// NewEmbeddingClient wraps the embedding base URL.
func NewEmbeddingClient(baseURL, model string, log *slog.Logger) *EmbeddingClient {
	if model == "" {
		model = "mxbai-embed-large"
	}
	return &EmbeddingClient{
		client: resiliency.NewClient("embedding", baseURL, resiliency.Config{}, log),
		model:  model,
	}
}

// Embed returns the vector for one prompt. Vectors that do not match
// the graph's fixed width are discarded by the caller.
func (c *EmbeddingClient) Embed(ctx context.Context, prompt string) ([]float32, error) {
	req := map[string]string{"model": c.model, "prompt": prompt}
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.client.PostJSON(ctx, "/api/embeddings", req, &resp); err != nil {
		return nil, Transient(err)
	}
	return resp.Embedding, nil
}
