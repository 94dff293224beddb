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

// Package artifact stores typed byte blobs keyed by (content hash, kind,
// storage root). Backends: local filesystem, the relational store, and
// S3-compatible object storage. Puts are overwrite-idempotent; the package
// never interprets bytes.
package artifact

import (
	"context"
	"strings"
)

// Kind labels a class of intermediate output. Labels are stable strings.
type Kind string

const (
	KindRaw              Kind = "raw"
	KindParsedText       Kind = "parsed-text"
	KindParsedStructured Kind = "parsed-structured"
	KindChunks           Kind = "chunks"
	KindEmbeddings       Kind = "embeddings"
	KindStoreReceipt     Kind = "store-receipt"
)

// Kinds enumerates every artifact kind.
var Kinds = []Kind{
	KindRaw, KindParsedText, KindParsedStructured,
	KindChunks, KindEmbeddings, KindStoreReceipt,
}

// Store is the capability interface every backend satisfies. All methods are
// safe to call concurrently for distinct keys.
type Store interface {
	// Put writes one artifact. Writing the same bytes twice is a no-op
	// observationally.
	Put(ctx context.Context, hash string, kind Kind, data []byte) error

	// Get reads one artifact, or NotFoundError.
	Get(ctx context.Context, hash string, kind Kind) ([]byte, error)

	// Exists reports whether an artifact is stored.
	Exists(ctx context.Context, hash string, kind Kind) (bool, error)

	// DeleteAllFor removes every artifact kind for a hash and returns the
	// count removed. Used only by cascading deletion.
	DeleteAllFor(ctx context.Context, hash string) (int64, error)
}

// shard returns the two-character fan-out directory for a hash, computed
// from the hex digest with any algorithm prefix stripped.
func shard(hash string) string {
	hex := hash
	if i := strings.IndexByte(hex, '-'); i >= 0 {
		hex = hex[i+1:]
	}
	if len(hex) < 2 {
		return hex
	}
	return hex[:2]
}
