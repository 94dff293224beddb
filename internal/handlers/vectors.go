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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/soliplex/ingester/pkg/errors"
)

// Upsert is the store step's input to a vector store backend.
type Upsert struct {
	DocumentHash string
	Source       string
	Meta         map[string]any
	Chunks       []Chunk
	Embeddings   []Embedding
	Config       map[string]any
}

// VectorStore persists a document's chunks and vectors for retrieval.
// Upsert returns a receipt id identifying what was written.
type VectorStore interface {
	Upsert(ctx context.Context, up Upsert) (string, error)
}

// vectorRecord is the on-disk shape of one stored document.
type vectorRecord struct {
	ID           string         `json:"id"`
	DocumentHash string         `json:"document_hash"`
	Source       string         `json:"source"`
	Meta         map[string]any `json:"meta,omitempty"`
	Chunks       []Chunk        `json:"chunks"`
	Embeddings   []Embedding    `json:"embeddings,omitempty"`
	StoredAt     time.Time      `json:"stored_at"`
}

// LocalVectorStore writes one JSON record per document under
// <root>/<target>/<hash>.json. It is the default backend for deployments
// where a retrieval service tails the directory, and for tests.
type LocalVectorStore struct {
	root string
}

// NewLocalVectorStore builds a store rooted at root.
func NewLocalVectorStore(root string) (*LocalVectorStore, error) {
	if root == "" {
		return nil, &errors.ConfigError{Key: "vector_store_root", Reason: "vector store root is required"}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &errors.ConfigError{Key: "vector_store_root", Reason: "creating root", Cause: err}
	}
	return &LocalVectorStore{root: root}, nil
}

// Upsert implements VectorStore. The upsert option controls collisions:
// "replace" (default) overwrites the existing record, "skip" keeps it and
// returns its id.
func (s *LocalVectorStore) Upsert(ctx context.Context, up Upsert) (string, error) {
	target := configString(up.Config, "target", "default")
	dir := filepath.Join(s.root, target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &errors.RetryableError{Operation: "vector upsert", Message: "creating target dir", Cause: err}
	}
	path := filepath.Join(dir, up.DocumentHash+".json")

	if configString(up.Config, "upsert", "replace") == "skip" {
		if existing, err := os.ReadFile(path); err == nil {
			var rec vectorRecord
			if json.Unmarshal(existing, &rec) == nil && rec.ID != "" {
				return rec.ID, nil
			}
		}
	}

	rec := vectorRecord{
		ID:           uuid.NewString(),
		DocumentHash: up.DocumentHash,
		Source:       up.Source,
		Meta:         up.Meta,
		Chunks:       up.Chunks,
		Embeddings:   up.Embeddings,
		StoredAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", &errors.FatalError{Operation: "vector upsert", Message: "encoding record", Cause: err}
	}

	tmp, err := os.CreateTemp(dir, ".upsert-*")
	if err != nil {
		return "", &errors.RetryableError{Operation: "vector upsert", Message: "creating temp file", Cause: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &errors.RetryableError{Operation: "vector upsert", Message: "writing record", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &errors.RetryableError{Operation: "vector upsert", Message: "closing record", Cause: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", &errors.RetryableError{Operation: "vector upsert",
			Message: fmt.Sprintf("committing record for %s", up.DocumentHash), Cause: err}
	}
	return rec.ID, nil
}
