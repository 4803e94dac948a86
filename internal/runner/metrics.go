// Copyright 2025 Tom Barlow
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

package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nofx_steps_succeeded_total",
		Help: "Steps that reached succeeded, by tool.",
	}, []string{"tool"})

	stepsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nofx_steps_failed_total",
		Help: "Steps that reached a failure state, by tool and reason.",
	}, []string{"tool", "reason"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nofx_step_duration_seconds",
		Help:    "Wall time from step start to terminal state, by tool.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"tool"})

	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nofx_runs_completed_total",
		Help: "Runs that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	duplicateDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nofx_duplicate_deliveries_total",
		Help: "Queue deliveries acknowledged as no-ops by the inbox.",
	}, []string{"topic"})
)
