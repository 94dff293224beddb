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

// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the engine records.
type Metrics struct {
	registry *prometheus.Registry

	StepsClaimed   *prometheus.CounterVec
	StepsCompleted *prometheus.CounterVec
	StepsRetried   *prometheus.CounterVec
	StepsFailed    *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec

	RunsCompleted prometheus.Counter
	RunsFailed    prometheus.Counter

	Heartbeats     prometheus.Counter
	StepsReclaimed prometheus.Counter
	WorkersActive  prometheus.Gauge
}

// New builds and registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{
		registry: reg,
		StepsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingester_steps_claimed_total",
			Help: "Steps claimed by this worker, by step type.",
		}, []string{"step_type"}),
		StepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingester_steps_completed_total",
			Help: "Steps that finished successfully, by step type.",
		}, []string{"step_type"}),
		StepsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingester_steps_retried_total",
			Help: "Steps rescheduled after a retryable failure, by step type.",
		}, []string{"step_type"}),
		StepsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingester_steps_failed_total",
			Help: "Steps that failed permanently, by step type.",
		}, []string{"step_type"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingester_step_duration_seconds",
			Help:    "Wall-clock step execution time, by step type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"step_type"}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingester_runs_completed_total",
			Help: "Workflow runs that reached COMPLETED.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingester_runs_failed_total",
			Help: "Workflow runs that reached FAILED.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingester_heartbeats_total",
			Help: "Worker check-ins written.",
		}),
		StepsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingester_steps_reclaimed_total",
			Help: "RUNNING steps reclaimed from stale workers.",
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingester_worker_slots_busy",
			Help: "Worker pool slots currently executing a step.",
		}),
	}

	reg.MustRegister(
		m.StepsClaimed, m.StepsCompleted, m.StepsRetried, m.StepsFailed,
		m.StepDuration, m.RunsCompleted, m.RunsFailed,
		m.Heartbeats, m.StepsReclaimed, m.WorkersActive,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
