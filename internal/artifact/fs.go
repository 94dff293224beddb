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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/soliplex/ingester/pkg/errors"
)

// FS stores artifacts on the local filesystem under
// <root>/<storageRoot>/<shard>/<hash>/<kind>, where shard is the first two
// characters of the hex digest. The same document under two storage roots
// occupies two independent subtrees.
type FS struct {
	root        string
	storageRoot string
}

// NewFS returns a filesystem-backed artifact store. The directory tree is
// created lazily on first Put.
func NewFS(root, storageRoot string) (*FS, error) {
	if root == "" {
		return nil, &errors.ValidationError{Field: "artifact_root", Message: "artifact root directory is required"}
	}
	if storageRoot == "" {
		storageRoot = "default"
	}
	return &FS{root: root, storageRoot: storageRoot}, nil
}

func (f *FS) dir(hash string) string {
	return filepath.Join(f.root, f.storageRoot, shard(hash), hash)
}

func (f *FS) path(hash string, kind Kind) string {
	return filepath.Join(f.dir(hash), string(kind))
}

// Put writes atomically: the bytes land in a temp file in the target
// directory and are renamed into place, so readers never observe a partial
// artifact.
func (f *FS) Put(ctx context.Context, hash string, kind Kind, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := f.dir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+string(kind)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmpName, f.path(hash, kind)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing artifact: %w", err)
	}
	return nil
}

func (f *FS) Get(ctx context.Context, hash string, kind Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(hash, kind))
	if os.IsNotExist(err) {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: hash + "/" + string(kind)}
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

func (f *FS) Exists(ctx context.Context, hash string, kind Kind) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(f.path(hash, kind))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteAllFor removes the per-hash directory and reports how many artifact
// files it held.
func (f *FS) DeleteAllFor(ctx context.Context, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := f.dir(hash)
	var count int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting artifacts: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("deleting artifacts: %w", err)
	}
	return count, nil
}
