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

package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	cfg := DefaultConfig()
	client, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeout, client.Timeout)

	cfg.RetryAttempts = -1
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.UserAgent = ""
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxBackoff = cfg.RetryBackoff / 2
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestClient_SetsUserAgent(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "test-agent/2.0"
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "test-agent/2.0", gotUA.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, hits.Load())
}

func TestClient_DoesNotRetryPostByDefault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "text/plain", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.EqualValues(t, 1, hits.Load())
}

func TestClient_RetriesPostWithRewoundBody(t *testing.T) {
	var hits atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.AllowNonIdempotentRetry = true
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "text/plain", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, "payload", lastBody.Load(), "body replayed intact on retry")
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(http.StatusInternalServerError))
	assert.True(t, retryableStatus(http.StatusTooManyRequests))
	assert.True(t, retryableStatus(http.StatusRequestTimeout))
	assert.False(t, retryableStatus(http.StatusOK))
	assert.False(t, retryableStatus(http.StatusNotFound))
	assert.False(t, retryableStatus(http.StatusUnprocessableEntity))
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Zero(t, parseRetryAfter(resp))

	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, parseRetryAfter(resp))

	resp.Header.Set("Retry-After", "garbage")
	assert.Zero(t, parseRetryAfter(resp))
}

func TestSanitizeURL(t *testing.T) {
	u, err := url.Parse("https://api.example.com/v1/parse?api_key=secret123&page=2")
	require.NoError(t, err)
	got := sanitizeURL(u)
	assert.NotContains(t, got, "secret123")
	assert.Contains(t, got, "page=2")
	assert.Contains(t, got, "%5BREDACTED%5D")

	assert.Empty(t, sanitizeURL(nil))
}
