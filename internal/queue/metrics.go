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

package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nofx_queue_jobs_enqueued_total",
			Help: "Total jobs enqueued by topic",
		},
		[]string{"topic"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nofx_queue_jobs_completed_total",
			Help: "Total jobs completed successfully by topic",
		},
		[]string{"topic"},
	)

	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nofx_queue_jobs_failed_total",
			Help: "Total job handler failures by topic",
		},
		[]string{"topic"},
	)

	jobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nofx_queue_jobs_dead_lettered_total",
			Help: "Total jobs moved to the DLQ by topic",
		},
		[]string{"topic"},
	)

	jobsWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_jobs_waiting",
			Help: "Jobs currently waiting by topic",
		},
		[]string{"topic"},
	)

	jobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_jobs_active",
			Help: "Jobs currently being handled by topic",
		},
		[]string{"topic"},
	)

	oldestAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_oldest_age_seconds",
			Help: "Age of the oldest waiting job by topic",
		},
		[]string{"topic"},
	)
)

// RecordEnqueue updates metrics on enqueue.
func RecordEnqueue(topic string, waiting int64, oldest time.Duration) {
	jobsEnqueued.WithLabelValues(topic).Inc()
	jobsWaiting.WithLabelValues(topic).Set(float64(waiting))
	oldestAge.WithLabelValues(topic).Set(oldest.Seconds())
}

// RecordStart updates metrics when a worker claims a job.
func RecordStart(topic string, waiting int64) {
	jobsActive.WithLabelValues(topic).Inc()
	jobsWaiting.WithLabelValues(topic).Set(float64(waiting))
}

// RecordSuccess updates metrics on handler success.
func RecordSuccess(topic string) {
	jobsActive.WithLabelValues(topic).Dec()
	jobsCompleted.WithLabelValues(topic).Inc()
}

// RecordFailure updates metrics on handler failure.
func RecordFailure(topic string, deadLettered bool) {
	jobsActive.WithLabelValues(topic).Dec()
	jobsFailed.WithLabelValues(topic).Inc()
	if deadLettered {
		jobsDeadLettered.WithLabelValues(topic).Inc()
	}
}
