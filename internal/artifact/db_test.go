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

package artifact

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soliplex/ingester/internal/config"
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/pkg/errors"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ingester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewDB(s, "default")
}

func TestDB_RoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, testHash, KindRaw, []byte("payload")))
	require.NoError(t, d.Put(ctx, testHash, KindRaw, []byte("payload")))

	data, err := d.Get(ctx, testHash, KindRaw)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	ok, err := d.Exists(ctx, testHash, KindRaw)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = d.Get(ctx, testHash, KindChunks)
	assert.True(t, errors.IsNotFound(err))
}

func TestDB_DeleteAllFor(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, testHash, KindRaw, []byte("a")))
	require.NoError(t, d.Put(ctx, testHash, KindChunks, []byte("b")))

	n, err := d.DeleteAllFor(ctx, testHash)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ok, err := d.Exists(ctx, testHash, KindRaw)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDB_StorageRootIsolation(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "ingester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	a := NewDB(s, "root-a")
	b := NewDB(s, "root-b")

	require.NoError(t, a.Put(ctx, testHash, KindRaw, []byte("a")))

	ok, err := b.Exists(ctx, testHash, KindRaw)
	require.NoError(t, err)
	assert.False(t, ok, "storage roots are independent namespaces")
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.ArtifactRoot = t.TempDir()

	st, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FS{}, st)

	cfg.ArtifactBackend = config.ArtifactBackendDB
	st, err = Open(ctx, cfg, newTestDB(t).bytes)
	require.NoError(t, err)
	assert.IsType(t, &DB{}, st)

	cfg.ArtifactBackend = "bogus"
	_, err = Open(ctx, cfg, nil)
	var ce *errors.ConfigError
	assert.ErrorAs(t, err, &ce)
}

// A URI deletion cascade invokes the deleter inside its own transaction; the
// DB backend must join that transaction rather than wait on a second pool
// connection that SQLite never grants.
func TestDB_DeleteAllForJoinsDeletionCascade(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "ingester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	d := NewDB(s, "default")

	b, err := s.CreateBatch(ctx, "b1", "src", nil)
	require.NoError(t, err)
	_, err = s.RegisterDocument(ctx, store.DocumentRegistration{
		BatchID: b.ID, URI: "/a", Source: "src", Hash: testHash,
		MimeType: "text/plain", Size: 3,
	})
	require.NoError(t, err)
	require.NoError(t, d.Put(ctx, testHash, KindRaw, []byte("raw")))
	require.NoError(t, d.Put(ctx, testHash, KindChunks, []byte("[]")))

	counts, err := s.DeleteDocumentURI(ctx, "/a", "src", d.DeleteAllFor)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Artifacts)
	assert.EqualValues(t, 1, counts.Documents)

	ok, err := d.Exists(ctx, testHash, KindRaw)
	require.NoError(t, err)
	assert.False(t, ok)
}
