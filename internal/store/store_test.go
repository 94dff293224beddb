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

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a fresh SQLite-backed store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ingester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// mustBatch creates a batch for tests.
func mustBatch(t *testing.T, s *Store, name string) *Batch {
	t.Helper()
	b, err := s.CreateBatch(context.Background(), name, "test-source", nil)
	require.NoError(t, err)
	return b
}

// mustRegister ingests one document registration.
func mustRegister(t *testing.T, s *Store, batchID int64, uri, hash string) *RegisterResult {
	t.Helper()
	res, err := s.RegisterDocument(context.Background(), DocumentRegistration{
		BatchID:  batchID,
		URI:      uri,
		Source:   "test-source",
		Hash:     hash,
		MimeType: "text/plain",
		Size:     12,
	})
	require.NoError(t, err)
	return res
}

// seed builds a StepSeed for tests.
func seed(num int, name string, retries int, last bool) StepSeed {
	return StepSeed{
		Name:       name,
		Type:       name,
		StepNum:    num,
		Retries:    retries,
		IsLast:     last,
		Config:     map[string]any{"step": name},
		Cumulative: map[string]any{"step": name},
	}
}

func TestOpen_Migrations(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, DialectSQLite, s.Dialect())

	// Schema creation is idempotent.
	require.NoError(t, s.migrate(context.Background()))
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	require.Equal(t, "SELECT $1, $2", s.rebind("SELECT ?, ?"))

	s.dialect = DialectSQLite
	require.Equal(t, "SELECT ?, ?", s.rebind("SELECT ?, ?"))
}

func TestNormalizeHash(t *testing.T) {
	require.Equal(t, "abc123", NormalizeHash("sha256-abc123"))
	require.Equal(t, "abc123", NormalizeHash("abc123"))
}

func TestTimeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	b := mustBatch(t, s, "b1")

	got, err := s.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.WithinDuration(t, b.StartedAt, got.StartedAt, 0)
	require.Nil(t, got.CompletedAt)
}
