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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soliplex/ingester/pkg/errors"
)

func newParserServer(t *testing.T, status int, reply any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		_, err = io.ReadAll(file)
		require.NoError(t, err)

		w.WriteHeader(status)
		if reply != nil {
			require.NoError(t, json.NewEncoder(w).Encode(reply))
		}
	}))
}

func TestHTTPParser_Parse(t *testing.T) {
	srv := newParserServer(t, http.StatusOK, parseResponse{
		Text:       "parsed text",
		Structured: json.RawMessage(`{"pages":2}`),
	})
	defer srv.Close()

	p, err := NewHTTPParser(srv.URL, 5*time.Second, 0)
	require.NoError(t, err)

	res, err := p.Parse(context.Background(), []byte("%PDF-"), "application/pdf",
		map[string]any{"ocr": true})
	require.NoError(t, err)
	assert.Equal(t, "parsed text", res.Text)
	assert.JSONEq(t, `{"pages":2}`, string(res.Structured))
}

func TestHTTPParser_StatusMapping(t *testing.T) {
	var fe *errors.FatalError
	var re *errors.RetryableError

	rejected := newParserServer(t, http.StatusUnprocessableEntity, nil)
	defer rejected.Close()
	p, err := NewHTTPParser(rejected.URL, 5*time.Second, 0)
	require.NoError(t, err)
	_, err = p.Parse(context.Background(), []byte("x"), "application/pdf", nil)
	assert.ErrorAs(t, err, &fe, "422 means the document is unparseable")

	// 503 is transient. The client retries internally, so count the hits.
	hits := 0
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer flaky.Close()
	p, err = NewHTTPParser(flaky.URL, 5*time.Second, 0)
	require.NoError(t, err)
	_, err = p.Parse(context.Background(), []byte("x"), "application/pdf", nil)
	assert.ErrorAs(t, err, &re, "5xx is retryable")
	assert.Greater(t, hits, 1, "transport-level retries engaged")
}

func TestHTTPParser_ServiceError(t *testing.T) {
	srv := newParserServer(t, http.StatusOK, parseResponse{Error: "unsupported encoding"})
	defer srv.Close()

	p, err := NewHTTPParser(srv.URL, 5*time.Second, 0)
	require.NoError(t, err)
	_, err = p.Parse(context.Background(), []byte("x"), "application/pdf", nil)
	var fe *errors.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "unsupported encoding")
}

func TestHTTPParser_RateLimitHonorsContext(t *testing.T) {
	srv := newParserServer(t, http.StatusOK, parseResponse{Text: "ok"})
	defer srv.Close()

	// 1 request per 100s: the second call must wait on the limiter and see
	// the cancelled context instead.
	p, err := NewHTTPParser(srv.URL, 5*time.Second, 0.01)
	require.NoError(t, err)

	_, err = p.Parse(context.Background(), []byte("x"), "text/plain", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Parse(ctx, []byte("x"), "text/plain", nil)
	require.Error(t, err)
}

func TestNewHTTPParser_RequiresURL(t *testing.T) {
	_, err := NewHTTPParser("", time.Second, 0)
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce)
}
