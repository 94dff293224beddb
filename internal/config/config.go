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

// Package config loads engine settings from an optional YAML file plus
// environment variable overrides. Environment variables use the INGESTER_
// prefix and always win over file values.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soliplex/ingester/pkg/errors"
)

// Artifact backend selectors.
const (
	ArtifactBackendFS = "fs"
	ArtifactBackendDB = "db"
	ArtifactBackendS3 = "s3"
)

// Settings holds every tunable the engine consumes.
type Settings struct {
	// DatabaseURL is the persistence target. Either a sqlite path
	// (file:ingester.db or a bare path) or a postgres URL. Required.
	DatabaseURL string `yaml:"database_url"`

	// ArtifactBackend selects the artifact store: fs, db, or s3.
	ArtifactBackend string `yaml:"artifact_backend"`

	// ArtifactRoot is the root directory for the fs backend, or the
	// bucket name for the s3 backend.
	ArtifactRoot string `yaml:"artifact_root"`

	// StorageRoot namespaces artifact paths beneath the root.
	StorageRoot string `yaml:"storage_root"`

	// VectorStoreRoot is the vector store location used by the store step.
	VectorStoreRoot string `yaml:"vector_store_root"`

	// WorkflowDir is the directory the registry loads workflow
	// definitions from.
	WorkflowDir string `yaml:"workflow_dir"`

	// ParamDir is the directory the registry loads parameter sets from.
	ParamDir string `yaml:"param_dir"`

	// DefaultWorkflow is the workflow id used when none is specified.
	DefaultWorkflow string `yaml:"default_workflow"`

	// DefaultParams is the parameter set id used when none is specified.
	DefaultParams string `yaml:"default_params"`

	// WorkerPoolSize is the number of concurrent step executors per process.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// ClaimBatchSize is the number of steps claimed per poll.
	ClaimBatchSize int `yaml:"claim_batch_size"`

	// HeartbeatInterval is how often a worker checks in.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleWorkerThreshold is how long after the last check-in a worker
	// is presumed dead and its RUNNING steps become reclaimable.
	StaleWorkerThreshold time.Duration `yaml:"stale_worker_threshold"`

	// RetryBaseBackoff is the base delay for the first retry.
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`

	// RetryCap bounds the exponential backoff.
	RetryCap time.Duration `yaml:"retry_cap"`

	// PollInterval is the idle delay between claim attempts.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DrainDeadline bounds graceful shutdown.
	DrainDeadline time.Duration `yaml:"drain_deadline"`

	// ParserURL is the base URL of the parser service, if any.
	ParserURL string `yaml:"parser_url"`

	// ParserRPS bounds outbound parse requests per second across the
	// worker pool. Zero disables the limiter.
	ParserRPS float64 `yaml:"parser_rps"`

	// EmbedderURL is the base URL of the embedding provider, if any.
	EmbedderURL string `yaml:"embedder_url"`

	// HTTPTimeout bounds collaborator HTTP calls (parser, embedder).
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// MetricsAddr is the daemon's metrics/health listen address.
	MetricsAddr string `yaml:"metrics_addr"`

	// TracingEnabled turns on the stdout trace exporter.
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Default returns a Settings with every optional key at its default.
func Default() *Settings {
	return &Settings{
		ArtifactBackend:      ArtifactBackendFS,
		ArtifactRoot:         "file_store",
		StorageRoot:          "default",
		VectorStoreRoot:      "lancedb",
		WorkflowDir:          "config/workflows",
		ParamDir:             "config/params",
		DefaultWorkflow:      "batch_split",
		DefaultParams:        "default",
		WorkerPoolSize:       10,
		ClaimBatchSize:       5,
		HeartbeatInterval:    120 * time.Second,
		StaleWorkerThreshold: 600 * time.Second,
		RetryBaseBackoff:     5 * time.Second,
		RetryCap:             600 * time.Second,
		PollInterval:         1 * time.Second,
		DrainDeadline:        30 * time.Second,
		HTTPTimeout:          120 * time.Second,
		MetricsAddr:          "127.0.0.1:9187",
	}
}

// Load builds Settings from an optional YAML file at path (empty path skips
// the file), then applies environment overrides, then validates.
func Load(path string) (*Settings, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &errors.ConfigError{Key: path, Reason: "cannot read settings file", Cause: err}
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "cannot parse settings YAML", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds Settings from defaults plus environment overrides only.
func FromEnv() (*Settings, error) {
	return Load("")
}

func (s *Settings) applyEnv() {
	setString(&s.DatabaseURL, "INGESTER_DB_URL")
	setString(&s.ArtifactBackend, "INGESTER_ARTIFACT_BACKEND")
	setString(&s.ArtifactRoot, "INGESTER_ARTIFACT_ROOT")
	setString(&s.StorageRoot, "INGESTER_STORAGE_ROOT")
	setString(&s.VectorStoreRoot, "INGESTER_VECTOR_STORE_ROOT")
	setString(&s.WorkflowDir, "INGESTER_WORKFLOW_DIR")
	setString(&s.ParamDir, "INGESTER_PARAM_DIR")
	setString(&s.DefaultWorkflow, "INGESTER_DEFAULT_WORKFLOW")
	setString(&s.DefaultParams, "INGESTER_DEFAULT_PARAMS")
	setInt(&s.WorkerPoolSize, "INGESTER_WORKER_POOL_SIZE")
	setInt(&s.ClaimBatchSize, "INGESTER_CLAIM_BATCH_SIZE")
	setSeconds(&s.HeartbeatInterval, "INGESTER_HEARTBEAT_INTERVAL")
	setSeconds(&s.StaleWorkerThreshold, "INGESTER_WORKER_CHECKIN_TIMEOUT")
	setSeconds(&s.RetryBaseBackoff, "INGESTER_RETRY_BASE_BACKOFF")
	setSeconds(&s.RetryCap, "INGESTER_RETRY_CAP")
	setSeconds(&s.PollInterval, "INGESTER_POLL_INTERVAL")
	setSeconds(&s.DrainDeadline, "INGESTER_DRAIN_DEADLINE")
	setString(&s.ParserURL, "INGESTER_PARSER_URL")
	setFloat(&s.ParserRPS, "INGESTER_PARSER_RPS")
	setString(&s.EmbedderURL, "INGESTER_EMBEDDER_URL")
	setSeconds(&s.HTTPTimeout, "INGESTER_HTTP_TIMEOUT")
	setString(&s.MetricsAddr, "INGESTER_METRICS_ADDR")
	setBool(&s.TracingEnabled, "INGESTER_TRACING")
}

// Validate checks required keys and numeric sanity.
func (s *Settings) Validate() error {
	if s.DatabaseURL == "" {
		return &errors.ConfigError{Key: "database_url", Reason: "required (set INGESTER_DB_URL)"}
	}
	switch s.ArtifactBackend {
	case ArtifactBackendFS, ArtifactBackendDB, ArtifactBackendS3:
	default:
		return &errors.ConfigError{Key: "artifact_backend", Reason: "must be fs, db, or s3"}
	}
	if s.WorkerPoolSize < 1 {
		return &errors.ConfigError{Key: "worker_pool_size", Reason: "must be at least 1"}
	}
	if s.ClaimBatchSize < 1 {
		return &errors.ConfigError{Key: "claim_batch_size", Reason: "must be at least 1"}
	}
	if s.RetryBaseBackoff <= 0 {
		return &errors.ConfigError{Key: "retry_base_backoff", Reason: "must be positive"}
	}
	if s.RetryCap < s.RetryBaseBackoff {
		return &errors.ConfigError{Key: "retry_cap", Reason: "must be at least retry_base_backoff"}
	}
	if s.StaleWorkerThreshold < s.HeartbeatInterval {
		return &errors.ConfigError{Key: "stale_worker_threshold", Reason: "must be at least heartbeat_interval"}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}
