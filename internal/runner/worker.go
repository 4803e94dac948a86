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
	"context"
	"fmt"
	"log/slog"

	"github.com/nofx/nofx/internal/queue"
	"github.com/nofx/nofx/internal/store"
)

// Worker consumes step.ready deliveries and drives them through the
// runner, deduplicating via the inbox.
type Worker struct {
	runner *Runner
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
}

// NewWorker creates a worker over the runner's store and the queue.
func NewWorker(r *Runner, q queue.Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{runner: r, store: r.store, queue: q, logger: logger}
}

// Start subscribes concurrency consumers to the step.ready topic.
func (w *Worker) Start(concurrency int) error {
	return w.queue.Subscribe(store.TopicStepReady, concurrency, w.Handle)
}

// Handle processes one step.ready delivery. A nil return acknowledges
// the job; an error sends it through the queue's retry policy.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	runID, _ := job.Payload["runId"].(string)
	stepID, _ := job.Payload["stepId"].(string)
	if runID == "" || stepID == "" {
		// Malformed deliveries can never succeed; ack and move on.
		w.logger.ErrorContext(ctx, "dropping malformed step.ready job",
			"jobId", job.ID, "payload", job.Payload)
		return nil
	}

	key, err := w.idempotencyKey(ctx, job, runID, stepID)
	if err != nil {
		return err
	}

	if err := w.resetRetryableStep(ctx, runID, stepID); err != nil {
		return err
	}

	fresh, inboxErr := w.store.InboxMarkIfNew(ctx, key)
	if inboxErr != nil {
		// An inbox outage must not stall the pipeline. Proceed
		// as-if-new; the store's per-row atomicity still guards
		// downstream effects.
		w.logger.WarnContext(ctx, "inbox unavailable, proceeding as new",
			"key", key, "error", inboxErr)
		fresh = true
	}
	if !fresh {
		w.logger.InfoContext(ctx, "duplicate delivery acknowledged", "key", key)
		duplicateDeliveries.WithLabelValues(job.Topic).Inc()
		return nil
	}

	runErr := w.runner.RunStep(ctx, runID, stepID)

	// The entry bounded duplicate deliveries for this attempt; clear
	// it so a future retry of the same inputs can proceed.
	if inboxErr == nil {
		if err := w.store.InboxDelete(ctx, key); err != nil {
			w.logger.WarnContext(ctx, "failed to clear inbox entry",
				"key", key, "error", err)
		}
	}
	return runErr
}

// resetRetryableStep reopens a failed or timed out step so a queue
// redelivery (retry or DLQ rehydrate) re-executes it. Cancelled and
// succeeded steps stay terminal.
func (w *Worker) resetRetryableStep(ctx context.Context, runID, stepID string) error {
	return w.store.RunAtomically(ctx, runID, func(ctx context.Context) error {
		step, err := w.store.GetStep(ctx, stepID)
		if err != nil {
			return fmt.Errorf("loading step for redelivery: %w", err)
		}
		if step.Status != store.StepStatusFailed && step.Status != store.StepStatusTimedOut {
			return nil
		}
		previousStatus := string(step.Status)

		run, err := w.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading run for redelivery: %w", err)
		}
		if run.Status.Terminal() {
			run.Status = store.RunStatusRunning
			run.EndedAt = nil
			if err := w.store.UpdateRun(ctx, run); err != nil {
				return fmt.Errorf("reopening run for redelivery: %w", err)
			}
		}

		step.Status = store.StepStatusQueued
		step.EndedAt = nil
		step.Outputs = nil
		if err := w.store.UpdateStep(ctx, step); err != nil {
			return fmt.Errorf("re-queueing step for redelivery: %w", err)
		}
		if _, err := w.store.RecordEvent(ctx, runID, store.EventStepRetry,
			map[string]any{"previousStatus": previousStatus}, stepID); err != nil {
			return fmt.Errorf("recording step.retry: %w", err)
		}
		w.logger.InfoContext(ctx, "retryable step reopened on redelivery",
			"previousStatus", previousStatus)
		return nil
	})
}

// idempotencyKey prefers an explicit key on the payload and falls back
// to the natural key derived from the step's current inputs.
func (w *Worker) idempotencyKey(ctx context.Context, job *queue.Job, runID, stepID string) (string, error) {
	if explicit, _ := job.Payload["idempotencyKey"].(string); explicit != "" {
		return explicit, nil
	}
	step, err := w.store.GetStep(ctx, stepID)
	if err != nil {
		return "", fmt.Errorf("loading step for idempotency key: %w", err)
	}
	key, err := store.NaturalKey(runID, step.Name, step.Inputs)
	if err != nil {
		return "", fmt.Errorf("deriving natural key: %w", err)
	}
	return key, nil
}
