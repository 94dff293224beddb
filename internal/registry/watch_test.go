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

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnFileChange(t *testing.T) {
	r, _, paramDir := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Watch(ctx)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(paramDir, "fast.yaml"),
		[]byte("id: fast\nconfig:\n  chunk:\n    chunk_size: 128\n"), 0o644))

	assert.Eventually(t, func() bool {
		_, err := r.ParamSet("fast")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "watcher picks up new parameter set")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on context cancel")
	}
}
