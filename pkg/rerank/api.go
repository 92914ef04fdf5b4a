// Package rerank rescores fused retrieval candidates against the user
// query. Two client implementations exist: an API client for hosted
// rerank endpoints that return calibrated relevance, and a local client
// for cross-encoder servers that return raw logits.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// APIClient talks to a hosted rerank endpoint (Cohere wire shape).
type APIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

type apiRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type apiResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewAPIClient creates a reranker backed by a hosted rerank API.
func NewAPIClient(baseURL, apiKey, model string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Rerank scores candidates against query and returns the top n results
// sorted by descending relevance. Indices point into candidates.
func (c *APIClient) Rerank(ctx context.Context, query string, candidates []string, topN int) ([]domain.RerankResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	body, err := json.Marshal(apiRequest{
		Model:     c.model,
		Query:     query,
		Documents: candidates,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrRerankFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRerankFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRerankFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrRerankFailed, resp.StatusCode, snippet)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrRerankFailed, err)
	}

	results := make([]domain.RerankResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, fmt.Errorf("%w: result index %d out of range", domain.ErrRerankFailed, r.Index)
		}
		results = append(results, domain.RerankResult{Index: r.Index, Score: r.RelevanceScore})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}
