package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// LocalClient talks to a self-hosted cross-encoder server. Such servers
// return raw logits, so scores pass through a logistic before they reach
// the confidence thresholds.
type LocalClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type localRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type localResponse struct {
	Scores []float64 `json:"scores"`
}

// NewLocalClient creates a reranker backed by a local cross-encoder server.
func NewLocalClient(baseURL, model string, timeout time.Duration) *LocalClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Rerank scores candidates and returns the top n, logits mapped into
// (0, 1) so thresholds behave the same as with the hosted API.
func (c *LocalClient) Rerank(ctx context.Context, query string, candidates []string, topN int) ([]domain.RerankResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	body, err := json.Marshal(localRequest{
		Model:     c.model,
		Query:     query,
		Documents: candidates,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrRerankFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/reranking", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRerankFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRerankFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrRerankFailed, resp.StatusCode, snippet)
	}

	var parsed localResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrRerankFailed, err)
	}
	if len(parsed.Scores) != len(candidates) {
		return nil, fmt.Errorf("%w: got %d scores for %d documents", domain.ErrRerankFailed, len(parsed.Scores), len(candidates))
	}

	results := make([]domain.RerankResult, len(parsed.Scores))
	for i, logit := range parsed.Scores {
		results[i] = domain.RerankResult{Index: i, Score: sigmoid(logit)}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
