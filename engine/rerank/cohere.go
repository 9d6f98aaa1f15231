package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// cohereBackend speaks the Cohere-compatible /v1/rerank protocol, which
// several hosted and self-hosted rerankers expose.
type cohereBackend struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func newCohereBackend(baseURL, apiKey, model string) *cohereBackend {
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}
	return &cohereBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{},
	}
}

type cohereRerankReq struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type cohereRerankResp struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (b *cohereBackend) Rerank(ctx context.Context, query string, docs []string, topN int) ([]Ranked, error) {
	body, err := json.Marshal(cohereRerankReq{
		Model:     b.model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: status %d: %s", b.model, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out cohereRerankResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", b.model, err)
	}
	ranked := make([]Ranked, len(out.Results))
	for i, r := range out.Results {
		ranked[i] = Ranked{Index: r.Index, Score: r.RelevanceScore}
	}
	return ranked, nil
}
