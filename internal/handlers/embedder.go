// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/soliplex/ingester/pkg/errors"
	"github.com/soliplex/ingester/pkg/httpclient"
)

// Embedder turns a batch of chunk texts into vectors, one per input, in
// input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string, opts map[string]any) ([][]float32, error)
}

// OllamaEmbedder calls an Ollama-compatible /api/embed endpoint. The model
// comes from the step config; dimension, when configured, is checked against
// what the provider actually returned.
type OllamaEmbedder struct {
	baseURL string
	client  *http.Client
}

// NewOllamaEmbedder builds an embedder client against baseURL.
func NewOllamaEmbedder(baseURL string, timeout time.Duration) (*OllamaEmbedder, error) {
	if baseURL == "" {
		return nil, &errors.ConfigError{Key: "embedder_url", Reason: "embedder URL is required"}
	}
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.UserAgent = "soliplex-ingester/1.0"
	cfg.AllowNonIdempotentRetry = true
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, &errors.ConfigError{Key: "embedder_url", Reason: "building HTTP client", Cause: err}
	}
	return &OllamaEmbedder{baseURL: baseURL, client: client}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string, opts map[string]any) ([][]float32, error) {
	model := configString(opts, "model", "")
	if model == "" {
		return nil, &errors.ConfigError{Key: "embed.model", Reason: "embedding model is required"}
	}

	payload, err := json.Marshal(embedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, &errors.FatalError{Operation: "embed batch", Message: "encoding request", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, &errors.FatalError{Operation: "embed batch", Message: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "embed batch", Message: "embedder unreachable", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "embed batch", Message: "reading response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		cls := "embedder returned %d: %s"
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &errors.RetryableError{Operation: "embed batch",
				Message: fmt.Sprintf(cls, resp.StatusCode, truncateBody(body))}
		}
		return nil, &errors.FatalError{Operation: "embed batch",
			Message: fmt.Sprintf(cls, resp.StatusCode, truncateBody(body))}
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &errors.RetryableError{Operation: "embed batch", Message: "decoding response", Cause: err}
	}
	if out.Error != "" {
		return nil, &errors.FatalError{Operation: "embed batch", Message: out.Error}
	}

	if dim := configInt(opts, "dimension", 0); dim > 0 {
		for i, v := range out.Embeddings {
			if len(v) != dim {
				return nil, &errors.FatalError{Operation: "embed batch",
					Message: fmt.Sprintf("vector %d has dimension %d, expected %d", i, len(v), dim)}
			}
		}
	}
	return out.Embeddings, nil
}
