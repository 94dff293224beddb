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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalVectorStore_UpsertReplaceAndSkip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	vs, err := NewLocalVectorStore(root)
	require.NoError(t, err)

	up := Upsert{
		DocumentHash: testHash,
		Source:       "test-source",
		Meta:         map[string]any{"title": "Doc"},
		Chunks:       []Chunk{{Index: 0, Text: "hello"}},
		Embeddings:   []Embedding{{Index: 0, Vector: []float32{1, 2}}},
		Config:       map[string]any{"target": "docs"},
	}
	id1, err := vs.Upsert(ctx, up)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	path := filepath.Join(root, "docs", testHash+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec vectorRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id1, rec.ID)
	assert.Equal(t, "test-source", rec.Source)
	assert.Len(t, rec.Chunks, 1)

	// Default replace mints a new record id.
	id2, err := vs.Upsert(ctx, up)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	// skip keeps the existing record.
	up.Config = map[string]any{"target": "docs", "upsert": "skip"}
	id3, err := vs.Upsert(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, id2, id3)
}
