package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
)

// openaiEncoder speaks the OpenAI-compatible /v1/embeddings protocol.
// Multimodal servers behind this protocol (CLIP and CLAP style) take
// media as data URIs in the input array, which is how EncodeFiles
// submits them.
type openaiEncoder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	http    *http.Client
}

func newOpenAIEncoder(baseURL, apiKey, model string, dim int) *openaiEncoder {
	return &openaiEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		http:    &http.Client{},
	}
}

func (e *openaiEncoder) Dim() int { return e.dim }

type openaiEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResp struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *openaiEncoder) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return e.encode(ctx, texts)
}

func (e *openaiEncoder) EncodeFiles(ctx context.Context, paths []string) ([][]float32, error) {
	inputs := make([]string, len(paths))
	for i, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("embed: read %s: %w", p, err)
		}
		mime := http.DetectContentType(raw)
		inputs[i] = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
	}
	return e.encode(ctx, inputs)
}

func (e *openaiEncoder) encode(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(openaiEmbedReq{Model: e.model, Input: inputs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %s: %w", e.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed: %s: status %d: %s", e.model, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out openaiEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: decode %s response: %w", e.model, err)
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
