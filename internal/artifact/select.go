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

	"github.com/soliplex/ingester/internal/config"
	"github.com/soliplex/ingester/pkg/errors"
)

// Open builds the artifact store named by cfg.ArtifactBackend. The bytes
// argument is only consulted for the db backend; for s3 the ArtifactRoot is
// interpreted as the bucket name.
func Open(ctx context.Context, cfg *config.Settings, bytes ByteStore) (Store, error) {
	switch cfg.ArtifactBackend {
	case config.ArtifactBackendFS:
		return NewFS(cfg.ArtifactRoot, cfg.StorageRoot)
	case config.ArtifactBackendDB:
		return NewDB(bytes, cfg.StorageRoot), nil
	case config.ArtifactBackendS3:
		return NewS3FromEnv(ctx, cfg.ArtifactRoot, cfg.StorageRoot, "")
	default:
		return nil, &errors.ConfigError{Key: "artifact_backend", Reason: "unknown backend " + cfg.ArtifactBackend}
	}
}
