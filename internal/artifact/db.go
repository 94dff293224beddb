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

import "context"

// ByteStore is the slice of the relational store the DB backend needs.
// *store.Store satisfies it.
type ByteStore interface {
	PutDocumentBytes(ctx context.Context, hash, kind, storageRoot string, data []byte) error
	GetDocumentBytes(ctx context.Context, hash, kind, storageRoot string) ([]byte, error)
	ExistsDocumentBytes(ctx context.Context, hash, kind, storageRoot string) (bool, error)
	DeleteDocumentBytesFor(ctx context.Context, hash, storageRoot string) (int64, error)
}

// DB stores artifacts as rows in the document_bytes table, keeping artifacts
// and metadata in one database. Suited to small deployments where a second
// storage system is not worth running.
type DB struct {
	bytes       ByteStore
	storageRoot string
}

// NewDB returns a database-backed artifact store.
func NewDB(bytes ByteStore, storageRoot string) *DB {
	if storageRoot == "" {
		storageRoot = "default"
	}
	return &DB{bytes: bytes, storageRoot: storageRoot}
}

func (d *DB) Put(ctx context.Context, hash string, kind Kind, data []byte) error {
	return d.bytes.PutDocumentBytes(ctx, hash, string(kind), d.storageRoot, data)
}

func (d *DB) Get(ctx context.Context, hash string, kind Kind) ([]byte, error) {
	return d.bytes.GetDocumentBytes(ctx, hash, string(kind), d.storageRoot)
}

func (d *DB) Exists(ctx context.Context, hash string, kind Kind) (bool, error) {
	return d.bytes.ExistsDocumentBytes(ctx, hash, string(kind), d.storageRoot)
}

func (d *DB) DeleteAllFor(ctx context.Context, hash string) (int64, error) {
	return d.bytes.DeleteDocumentBytesFor(ctx, hash, d.storageRoot)
}
