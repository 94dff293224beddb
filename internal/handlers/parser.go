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
	"mime/multipart"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/soliplex/ingester/pkg/errors"
	"github.com/soliplex/ingester/pkg/httpclient"
)

// ParseResult is the parser service's output for one document.
type ParseResult struct {
	// Text is the flattened markdown rendition used for chunking.
	Text string

	// Structured is the parser's full JSON document (layout, tables, pages).
	Structured []byte
}

// Parser converts raw document bytes into text and structured output.
type Parser interface {
	Parse(ctx context.Context, data []byte, mimeType string, opts map[string]any) (*ParseResult, error)
}

// parseResponse is the wire shape of the parser service's reply.
type parseResponse struct {
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured"`
	Error      string          `json:"error,omitempty"`
}

// HTTPParser talks to the document parser service. A client-side rate
// limiter keeps concurrent workers from overwhelming the parser, which is
// typically the slowest and most memory-hungry component in the pipeline.
type HTTPParser struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPParser builds a parser client. rps bounds outbound parse requests
// per second across the worker pool; rps <= 0 disables the limiter.
func NewHTTPParser(baseURL string, timeout time.Duration, rps float64) (*HTTPParser, error) {
	if baseURL == "" {
		return nil, &errors.ConfigError{Key: "parser_url", Reason: "parser URL is required"}
	}
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.UserAgent = "soliplex-ingester/1.0"
	// Parse requests are idempotent on our side: the step reruns on failure
	// and the artifact write is what commits the result.
	cfg.AllowNonIdempotentRetry = true
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, &errors.ConfigError{Key: "parser_url", Reason: "building HTTP client", Cause: err}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HTTPParser{baseURL: baseURL, client: client, limiter: limiter}, nil
}

// Parse uploads the document as multipart form data together with the step
// options and decodes the service's text/structured reply.
func (p *HTTPParser) Parse(ctx context.Context, data []byte, mimeType string, opts map[string]any) (*ParseResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "document")
	if err != nil {
		return nil, &errors.FatalError{Operation: "parse request", Message: "building multipart body", Cause: err}
	}
	if _, err := part.Write(data); err != nil {
		return nil, &errors.FatalError{Operation: "parse request", Message: "writing multipart body", Cause: err}
	}
	_ = mw.WriteField("mime_type", mimeType)
	if len(opts) > 0 {
		encoded, err := json.Marshal(opts)
		if err != nil {
			return nil, &errors.FatalError{Operation: "parse request", Message: "encoding options", Cause: err}
		}
		_ = mw.WriteField("options", string(encoded))
	}
	if err := mw.Close(); err != nil {
		return nil, &errors.FatalError{Operation: "parse request", Message: "finalizing multipart body", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/parse", &body)
	if err != nil {
		return nil, &errors.FatalError{Operation: "parse request", Message: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "parse request", Message: "parser unreachable", Cause: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "parse request", Message: "reading response", Cause: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The parser rejected the document itself; retrying the same bytes
		// cannot help.
		return nil, &errors.FatalError{Operation: "parse request",
			Message: fmt.Sprintf("parser rejected document: %s", truncateBody(payload))}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &errors.RetryableError{Operation: "parse request",
			Message: fmt.Sprintf("parser returned %d: %s", resp.StatusCode, truncateBody(payload))}
	default:
		return nil, &errors.FatalError{Operation: "parse request",
			Message: fmt.Sprintf("parser returned %d: %s", resp.StatusCode, truncateBody(payload))}
	}

	var out parseResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, &errors.RetryableError{Operation: "parse request", Message: "decoding response", Cause: err}
	}
	if out.Error != "" {
		return nil, &errors.FatalError{Operation: "parse request", Message: out.Error}
	}
	return &ParseResult{Text: out.Text, Structured: []byte(out.Structured)}, nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
