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
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soliplex/ingester/internal/artifact"
	"github.com/soliplex/ingester/internal/engine"
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/pkg/errors"
)

const testHash = "sha256-bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

type fakeParser struct {
	result *ParseResult
	err    error
	calls  int
}

func (f *fakeParser) Parse(ctx context.Context, data []byte, mimeType string, opts map[string]any) (*ParseResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeEmbedder struct {
	dim     int
	batches [][]string
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, opts map[string]any) ([][]float32, error) {
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

type fakeVectorStore struct {
	last Upsert
	id   string
}

func (f *fakeVectorStore) Upsert(ctx context.Context, up Upsert) (string, error) {
	f.last = up
	return f.id, nil
}

type fixture struct {
	h         *Handlers
	st        *store.Store
	artifacts artifact.Store
	parser    *fakeParser
	embedder  *fakeEmbedder
	vectors   *fakeVectorStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "ingester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fs, err := artifact.NewFS(t.TempDir(), "default")
	require.NoError(t, err)

	parser := &fakeParser{result: &ParseResult{
		Text:       "# Quarterly Report\n\nRevenue grew.",
		Structured: []byte(`{"pages":1}`),
	}}
	embedder := &fakeEmbedder{dim: 4}
	vectors := &fakeVectorStore{id: "receipt-1"}

	h := New(st, fs, parser, TextChunker{}, embedder, vectors, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{h: h, st: st, artifacts: fs, parser: parser, embedder: embedder, vectors: vectors}
}

// seedDocument registers one document and writes its raw artifact.
func (f *fixture) seedDocument(t *testing.T, data []byte, mimeType string) {
	t.Helper()
	ctx := context.Background()
	b, err := f.st.CreateBatch(ctx, "b1", "test-source", nil)
	require.NoError(t, err)
	_, err = f.st.RegisterDocument(ctx, store.DocumentRegistration{
		BatchID: b.ID, URI: "/doc", Source: "test-source", Hash: testHash,
		MimeType: mimeType, Size: int64(len(data)),
	})
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Put(ctx, testHash, artifact.KindRaw, data))
}

func req(cfg map[string]any) engine.Request {
	return engine.Request{
		BatchID: 1, RunID: 1, DocumentHash: testHash, Source: "test-source", Config: cfg,
	}
}

func TestRegister_BindsAllHandlers(t *testing.T) {
	f := newFixture(t)
	reg := engine.NewHandlerRegistry()
	require.NoError(t, f.h.Register(reg))
	assert.Len(t, reg.Names(), 8)
	for _, name := range []string{NameIngest, NameValidate, NameParse, NameChunk,
		NameEmbed, NameStore, NameEnrich, NameRoute} {
		_, err := reg.Resolve(name)
		assert.NoError(t, err, name)
	}
}

func TestIngest_RecordsMD5(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("raw bytes")
	f.seedDocument(t, data, "text/plain")

	meta, err := f.h.Ingest(ctx, req(nil))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), meta["size"])

	sum := md5.Sum(data)
	doc, err := f.st.GetDocument(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), doc.Meta["md5"])
}

func TestIngest_MissingRawIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.st.CreateBatch(ctx, "b1", "test-source", nil)
	require.NoError(t, err)
	_, err = f.st.RegisterDocument(ctx, store.DocumentRegistration{
		BatchID: b.ID, URI: "/doc", Source: "test-source", Hash: testHash,
		MimeType: "text/plain", Size: 3,
	})
	require.NoError(t, err)

	_, err = f.h.Ingest(ctx, req(nil))
	var fe *errors.FatalError
	require.ErrorAs(t, err, &fe)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDocument(t, []byte("hello"), "application/pdf")

	_, err := f.h.Validate(ctx, req(map[string]any{
		"mime_types": []any{"application/pdf", "text/plain"},
	}))
	assert.NoError(t, err)

	var fe *errors.FatalError
	_, err = f.h.Validate(ctx, req(map[string]any{"mime_types": []any{"text/html"}}))
	assert.ErrorAs(t, err, &fe, "disallowed mime type is fatal")

	_, err = f.h.Validate(ctx, req(map[string]any{"max_size": 2}))
	assert.ErrorAs(t, err, &fe, "oversized document is fatal")

	_, err = f.h.Validate(ctx, req(map[string]any{"max_size": float64(100)}))
	assert.NoError(t, err, "limits arriving as JSON numbers still apply")
}

func TestParse_WritesArtifactsAndSkipsWhenPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDocument(t, []byte("%PDF-"), "application/pdf")

	meta, err := f.h.Parse(ctx, req(map[string]any{"ocr": false}))
	require.NoError(t, err)
	assert.NotContains(t, meta, "skipped")

	text, err := f.artifacts.Get(ctx, testHash, artifact.KindParsedText)
	require.NoError(t, err)
	assert.Contains(t, string(text), "Quarterly Report")
	structured, err := f.artifacts.Get(ctx, testHash, artifact.KindParsedStructured)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pages":1}`, string(structured))

	// Second invocation finds the artifact and does not hit the parser.
	meta, err = f.h.Parse(ctx, req(nil))
	require.NoError(t, err)
	assert.Equal(t, true, meta["skipped"])
	assert.Equal(t, 1, f.parser.calls)
}

func TestChunkEmbedStore_Pipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDocument(t, []byte("raw"), "text/plain")
	require.NoError(t, f.artifacts.Put(ctx, testHash, artifact.KindParsedText,
		[]byte("First paragraph.\n\nSecond paragraph.\n\nThird paragraph.")))

	meta, err := f.h.Chunk(ctx, req(map[string]any{"chunk_size": 20, "overlap": 4}))
	require.NoError(t, err)
	nChunks := meta["chunks"].(int)
	require.Greater(t, nChunks, 1)

	meta, err = f.h.Embed(ctx, req(map[string]any{"model": "test", "batch_size": 2}))
	require.NoError(t, err)
	assert.Equal(t, nChunks, meta["embeddings"])
	assert.Greater(t, len(f.embedder.batches), 1, "batch_size 2 splits the chunks")

	meta, err = f.h.Store(ctx, req(map[string]any{"target": "docs"}))
	require.NoError(t, err)
	assert.Equal(t, "receipt-1", meta["receipt_id"])
	assert.Equal(t, testHash, f.vectors.last.DocumentHash)
	assert.Len(t, f.vectors.last.Embeddings, nChunks)

	var receipt Receipt
	data, err := f.artifacts.Get(ctx, testHash, artifact.KindStoreReceipt)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &receipt))
	assert.Equal(t, "docs", receipt.Target)
	assert.Equal(t, nChunks, receipt.ChunkCount)

	// Store is idempotent once the receipt exists.
	meta, err = f.h.Store(ctx, req(nil))
	require.NoError(t, err)
	assert.Equal(t, true, meta["skipped"])
}

func TestChunk_EmptyTextIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDocument(t, []byte("raw"), "text/plain")
	require.NoError(t, f.artifacts.Put(ctx, testHash, artifact.KindParsedText, []byte("   \n\n  ")))

	_, err := f.h.Chunk(ctx, req(nil))
	var fe *errors.FatalError
	assert.ErrorAs(t, err, &fe)
}

func TestEnrich_TitleAndStaticFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDocument(t, []byte("raw"), "text/plain")
	require.NoError(t, f.artifacts.Put(ctx, testHash, artifact.KindParsedText,
		[]byte("# Annual Review\n\nBody text.")))

	_, err := f.h.Enrich(ctx, req(map[string]any{"department": "finance", "ocr": true}))
	require.NoError(t, err)

	doc, err := f.st.GetDocument(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, "Annual Review", doc.Meta["title"])
	assert.Equal(t, "finance", doc.Meta["department"])
	assert.NotContains(t, doc.Meta, "ocr", "step options are not metadata")
}

func TestRoute_PredicateAgainstDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDocument(t, []byte("hello"), "application/pdf")

	meta, err := f.h.Route(ctx, req(map[string]any{
		"predicate":  `mime_type == "application/pdf" && size < 100`,
		"true_step":  "parse",
		"false_step": "enrich",
	}))
	require.NoError(t, err)
	assert.Equal(t, true, meta["matched"])
	assert.Equal(t, "parse", meta["branch"])

	meta, err = f.h.Route(ctx, req(map[string]any{
		"predicate":  `size > 1000`,
		"false_step": "enrich",
	}))
	require.NoError(t, err)
	assert.Equal(t, false, meta["matched"])
	assert.Equal(t, "enrich", meta["branch"])

	var fe *errors.FatalError
	_, err = f.h.Route(ctx, req(map[string]any{"predicate": `size +`}))
	assert.ErrorAs(t, err, &fe, "compile errors are fatal")

	_, err = f.h.Route(ctx, req(nil))
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce, "missing predicate")
}

func TestTextChunker_Windows(t *testing.T) {
	long := strings.Repeat("abcdefghij", 10) // 100 runes, no paragraph breaks
	chunks, err := TextChunker{}.Chunk(context.Background(), long,
		map[string]any{"chunk_size": 40, "overlap": 10})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, len(c.Text), 40)
	}

	_, err = TextChunker{}.Chunk(context.Background(), "x",
		map[string]any{"chunk_size": 10, "overlap": 10})
	var ve *errors.ValidationError
	assert.ErrorAs(t, err, &ve, "overlap must be smaller than chunk_size")
}

func TestDetectMime(t *testing.T) {
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		DetectMime("report.docx", []byte("PK\x03\x04")))
	assert.Equal(t, "application/pdf", DetectMime("doc.pdf", nil))
	assert.Equal(t, "text/markdown", DetectMime("README.md", nil))
	assert.Equal(t, "application/octet-stream", DetectMime("blob", nil))
}

func TestFindTitle(t *testing.T) {
	assert.Equal(t, "Heading", findTitle("\n\n## Heading\n\nbody"))
	assert.Equal(t, "first line", findTitle("first line\nsecond"))
	assert.Equal(t, "", findTitle("  \n \n"))
}
