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

// Package handlers implements the built-in step handlers. Every handler is
// idempotent by artifact existence: rerunning a step finds the artifact its
// earlier attempt produced and reuses it.
package handlers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/soliplex/ingester/internal/artifact"
	"github.com/soliplex/ingester/internal/engine"
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/pkg/errors"
)

// Fully-qualified handler names referenced by workflow definitions.
const (
	NameIngest   = "soliplex.ingester.handlers.ingest"
	NameValidate = "soliplex.ingester.handlers.validate"
	NameParse    = "soliplex.ingester.handlers.parse"
	NameChunk    = "soliplex.ingester.handlers.chunk"
	NameEmbed    = "soliplex.ingester.handlers.embed"
	NameStore    = "soliplex.ingester.handlers.store"
	NameEnrich   = "soliplex.ingester.handlers.enrich"
	NameRoute    = "soliplex.ingester.handlers.route"
)

// Chunk is one retrieval unit produced by the chunk step.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Embedding pairs a chunk index with its vector.
type Embedding struct {
	Index  int       `json:"index"`
	Vector []float32 `json:"vector"`
}

// Receipt records what the store step wrote to the vector store.
type Receipt struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	ChunkCount int    `json:"chunk_count"`
}

// Handlers binds the built-in steps to their collaborators.
type Handlers struct {
	store     *store.Store
	artifacts artifact.Store
	parser    Parser
	chunker   Chunker
	embedder  Embedder
	vectors   VectorStore
	logger    *slog.Logger
}

// New wires the handler set. Any collaborator may be nil; the steps that
// need it then fail fatally, which keeps partial deployments honest.
func New(st *store.Store, artifacts artifact.Store, parser Parser, chunker Chunker, embedder Embedder, vectors VectorStore, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:     st,
		artifacts: artifacts,
		parser:    parser,
		chunker:   chunker,
		embedder:  embedder,
		vectors:   vectors,
		logger:    logger.With("component", "handlers"),
	}
}

// Register binds every built-in handler into the engine's registry.
func (h *Handlers) Register(reg *engine.HandlerRegistry) error {
	for name, fn := range map[string]engine.Handler{
		NameIngest:   h.Ingest,
		NameValidate: h.Validate,
		NameParse:    h.Parse,
		NameChunk:    h.Chunk,
		NameEmbed:    h.Embed,
		NameStore:    h.Store,
		NameEnrich:   h.Enrich,
		NameRoute:    h.Route,
	} {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Ingest confirms the raw artifact is in place and records the md5 companion
// digest in the document metadata. The raw bytes themselves are written at
// registration time by the ingest surface.
func (h *Handlers) Ingest(ctx context.Context, req engine.Request) (map[string]any, error) {
	ok, err := h.artifacts.Exists(ctx, req.DocumentHash, artifact.KindRaw)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "ingest", Message: "artifact store unavailable", Cause: err}
	}
	if !ok {
		return nil, &errors.FatalError{Operation: "ingest",
			Message: "raw artifact missing for " + req.DocumentHash}
	}

	doc, err := h.store.GetDocument(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}
	if _, has := doc.Meta["md5"]; !has {
		data, err := h.artifacts.Get(ctx, req.DocumentHash, artifact.KindRaw)
		if err != nil {
			return nil, &errors.RetryableError{Operation: "ingest", Message: "reading raw artifact", Cause: err}
		}
		sum := md5.Sum(data)
		if _, err := h.store.UpdateDocumentMeta(ctx, req.DocumentHash, map[string]any{
			"md5": hex.EncodeToString(sum[:]),
		}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"size": doc.Size}, nil
}

// Validate rejects documents outside the configured mime allow-list or size
// limit. Rejection is fatal: retrying cannot change the bytes.
func (h *Handlers) Validate(ctx context.Context, req engine.Request) (map[string]any, error) {
	doc, err := h.store.GetDocument(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}

	if allowed := configStrings(req.Config, "mime_types"); len(allowed) > 0 {
		ok := false
		for _, m := range allowed {
			if m == doc.MimeType {
				ok = true
				break
			}
		}
		if !ok {
			return nil, &errors.FatalError{Operation: "validate",
				Message: fmt.Sprintf("mime type %s not allowed", doc.MimeType)}
		}
	}
	if max := configInt(req.Config, "max_size", 0); max > 0 && doc.Size > int64(max) {
		return nil, &errors.FatalError{Operation: "validate",
			Message: fmt.Sprintf("document size %d exceeds limit %d", doc.Size, max)}
	}
	return map[string]any{"mime_type": doc.MimeType, "size": doc.Size}, nil
}

// Parse produces the parsed-text and parsed-structured artifacts from the
// raw bytes. Skipped when parsed-text already exists.
func (h *Handlers) Parse(ctx context.Context, req engine.Request) (map[string]any, error) {
	if h.parser == nil {
		return nil, &errors.FatalError{Operation: "parse", Message: "no parser configured"}
	}
	ok, err := h.artifacts.Exists(ctx, req.DocumentHash, artifact.KindParsedText)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "parse", Message: "artifact store unavailable", Cause: err}
	}
	if ok {
		return map[string]any{"skipped": true}, nil
	}

	doc, err := h.store.GetDocument(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}
	raw, err := h.artifacts.Get(ctx, req.DocumentHash, artifact.KindRaw)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "parse", Message: "reading raw artifact", Cause: err}
	}

	res, err := h.parser.Parse(ctx, raw, doc.MimeType, req.Config)
	if err != nil {
		return nil, err
	}
	if err := h.artifacts.Put(ctx, req.DocumentHash, artifact.KindParsedStructured, res.Structured); err != nil {
		return nil, &errors.RetryableError{Operation: "parse", Message: "writing parsed-structured", Cause: err}
	}
	if err := h.artifacts.Put(ctx, req.DocumentHash, artifact.KindParsedText, []byte(res.Text)); err != nil {
		return nil, &errors.RetryableError{Operation: "parse", Message: "writing parsed-text", Cause: err}
	}
	return map[string]any{"text_bytes": len(res.Text)}, nil
}

// Chunk splits the parsed text into retrieval units.
func (h *Handlers) Chunk(ctx context.Context, req engine.Request) (map[string]any, error) {
	if h.chunker == nil {
		return nil, &errors.FatalError{Operation: "chunk", Message: "no chunker configured"}
	}
	ok, err := h.artifacts.Exists(ctx, req.DocumentHash, artifact.KindChunks)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "chunk", Message: "artifact store unavailable", Cause: err}
	}
	if ok {
		return map[string]any{"skipped": true}, nil
	}

	text, err := h.artifacts.Get(ctx, req.DocumentHash, artifact.KindParsedText)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "chunk", Message: "reading parsed-text", Cause: err}
	}
	chunks, err := h.chunker.Chunk(ctx, string(text), req.Config)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, &errors.FatalError{Operation: "chunk", Message: "document produced no chunks"}
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		return nil, &errors.FatalError{Operation: "chunk", Message: "encoding chunks", Cause: err}
	}
	if err := h.artifacts.Put(ctx, req.DocumentHash, artifact.KindChunks, data); err != nil {
		return nil, &errors.RetryableError{Operation: "chunk", Message: "writing chunks", Cause: err}
	}
	return map[string]any{"chunks": len(chunks)}, nil
}

// Embed computes a vector per chunk.
func (h *Handlers) Embed(ctx context.Context, req engine.Request) (map[string]any, error) {
	if h.embedder == nil {
		return nil, &errors.FatalError{Operation: "embed", Message: "no embedder configured"}
	}
	ok, err := h.artifacts.Exists(ctx, req.DocumentHash, artifact.KindEmbeddings)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "embed", Message: "artifact store unavailable", Cause: err}
	}
	if ok {
		return map[string]any{"skipped": true}, nil
	}

	chunks, err := h.readChunks(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}

	batch := configInt(req.Config, "batch_size", 16)
	embeddings := make([]Embedding, 0, len(chunks))
	for lo := 0; lo < len(chunks); lo += batch {
		hi := lo + batch
		if hi > len(chunks) {
			hi = len(chunks)
		}
		texts := make([]string, 0, hi-lo)
		for _, c := range chunks[lo:hi] {
			texts = append(texts, c.Text)
		}
		vectors, err := h.embedder.Embed(ctx, texts, req.Config)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, &errors.FatalError{Operation: "embed",
				Message: fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))}
		}
		for i, v := range vectors {
			embeddings = append(embeddings, Embedding{Index: chunks[lo+i].Index, Vector: v})
		}
	}

	data, err := json.Marshal(embeddings)
	if err != nil {
		return nil, &errors.FatalError{Operation: "embed", Message: "encoding embeddings", Cause: err}
	}
	if err := h.artifacts.Put(ctx, req.DocumentHash, artifact.KindEmbeddings, data); err != nil {
		return nil, &errors.RetryableError{Operation: "embed", Message: "writing embeddings", Cause: err}
	}
	return map[string]any{"embeddings": len(embeddings)}, nil
}

// Store upserts chunks and vectors into the vector store and records the
// receipt artifact.
func (h *Handlers) Store(ctx context.Context, req engine.Request) (map[string]any, error) {
	if h.vectors == nil {
		return nil, &errors.FatalError{Operation: "store", Message: "no vector store configured"}
	}
	ok, err := h.artifacts.Exists(ctx, req.DocumentHash, artifact.KindStoreReceipt)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "store", Message: "artifact store unavailable", Cause: err}
	}
	if ok {
		return map[string]any{"skipped": true}, nil
	}

	chunks, err := h.readChunks(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}
	var embeddings []Embedding
	data, err := h.artifacts.Get(ctx, req.DocumentHash, artifact.KindEmbeddings)
	if err == nil {
		if err := json.Unmarshal(data, &embeddings); err != nil {
			return nil, &errors.FatalError{Operation: "store", Message: "decoding embeddings", Cause: err}
		}
	} else if !errors.IsNotFound(err) {
		return nil, &errors.RetryableError{Operation: "store", Message: "reading embeddings", Cause: err}
	}

	doc, err := h.store.GetDocument(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}
	id, err := h.vectors.Upsert(ctx, Upsert{
		DocumentHash: req.DocumentHash,
		Source:       req.Source,
		Meta:         doc.Meta,
		Chunks:       chunks,
		Embeddings:   embeddings,
		Config:       req.Config,
	})
	if err != nil {
		return nil, err
	}

	receipt := Receipt{
		ID:         id,
		Target:     configString(req.Config, "target", "default"),
		ChunkCount: len(chunks),
	}
	out, err := json.Marshal(receipt)
	if err != nil {
		return nil, &errors.FatalError{Operation: "store", Message: "encoding receipt", Cause: err}
	}
	if err := h.artifacts.Put(ctx, req.DocumentHash, artifact.KindStoreReceipt, out); err != nil {
		return nil, &errors.RetryableError{Operation: "store", Message: "writing receipt", Cause: err}
	}
	return map[string]any{"receipt_id": id, "chunks": len(chunks)}, nil
}

// Enrich adds derived fields to the document metadata: a title pulled from
// the parsed text plus any static fields configured on the step.
func (h *Handlers) Enrich(ctx context.Context, req engine.Request) (map[string]any, error) {
	doc, err := h.store.GetDocument(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if _, has := doc.Meta["title"]; !has {
		text, err := h.artifacts.Get(ctx, req.DocumentHash, artifact.KindParsedText)
		if err == nil {
			if title := findTitle(string(text)); title != "" {
				fields["title"] = title
			}
		} else if !errors.IsNotFound(err) {
			return nil, &errors.RetryableError{Operation: "enrich", Message: "reading parsed-text", Cause: err}
		}
	}
	for k, v := range req.Config {
		if k == "title" || fieldReserved(k) {
			continue
		}
		fields[k] = v
	}

	if len(fields) > 0 {
		if _, err := h.store.UpdateDocumentMeta(ctx, req.DocumentHash, fields); err != nil {
			return nil, err
		}
	}
	return map[string]any{"fields": len(fields)}, nil
}

func (h *Handlers) readChunks(ctx context.Context, hash string) ([]Chunk, error) {
	data, err := h.artifacts.Get(ctx, hash, artifact.KindChunks)
	if err != nil {
		return nil, &errors.RetryableError{Operation: "store", Message: "reading chunks", Cause: err}
	}
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, &errors.FatalError{Operation: "store", Message: "decoding chunks", Cause: err}
	}
	return chunks, nil
}

// fieldReserved guards cumulative-config keys that are step options rather
// than metadata fields.
func fieldReserved(key string) bool {
	switch key {
	case "ocr", "language", "backend", "table_mode", "chunker", "chunk_size",
		"overlap", "strategy", "provider", "model", "dimension", "batch_size",
		"target", "upsert", "mime_types", "max_size", "predicate", "true_step",
		"false_step", "split_workers", "use_serve":
		return true
	}
	return false
}
