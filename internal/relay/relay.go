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

// Package relay drains the transactional outbox into the work queue.
// Rows are marked sent only after a successful enqueue, so a crash
// between the two yields redelivery, never loss. Consumers dedupe via
// the inbox.
package relay

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nofx/nofx/internal/queue"
	"github.com/nofx/nofx/internal/store"
)

const (
	// DefaultBatch is how many unsent rows each tick drains.
	DefaultBatch = 25

	// DefaultInterval is the tick period.
	DefaultInterval = time.Second
)

var tracer = otel.Tracer("nofx/relay")

// Relay moves unsent outbox rows onto the queue.
type Relay struct {
	outbox   store.Outbox
	queue    queue.Queue
	logger   *slog.Logger
	interval time.Duration
	batch    int
	disabled bool
}

// Option configures the relay.
type Option func(*Relay)

// WithInterval overrides the tick period.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatch overrides the per-tick batch size.
func WithBatch(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// Disabled turns the background loop into a no-op. Tests drive the
// relay deterministically through Flush instead.
func Disabled() Option {
	return func(r *Relay) { r.disabled = true }
}

// New creates a relay over the given outbox and queue.
func New(outbox store.Outbox, q queue.Queue, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		outbox:   outbox,
		queue:    q,
		logger:   logger,
		interval: DefaultInterval,
		batch:    DefaultBatch,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled, then performs a final flush so
// rows recorded during shutdown still reach the queue.
func (r *Relay) Run(ctx context.Context) {
	if r.disabled {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Flush(flushCtx); err != nil {
				r.logger.Warn("final outbox flush incomplete", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := r.tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox relay tick failed", "error", err)
			}
		}
	}
}

// Flush drains batches until the outbox is empty or ctx expires.
// Returns the number of rows relayed.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		sent, err := r.tick(ctx)
		total += sent
		if err != nil {
			return total, err
		}
		if sent == 0 {
			return total, nil
		}
	}
}

// tick drains one batch. Invalid rows are skipped but left unsent so
// operators can inspect them.
func (r *Relay) tick(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "relay.tick")
	defer span.End()

	rows, err := r.outbox.OutboxListUnsent(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, row := range rows {
		topic, payload, ok := r.normalize(row)
		if !ok {
			continue
		}
		if err := r.queue.Enqueue(ctx, topic, payload, nil); err != nil {
			// Leave sent_at null; the next tick retries.
			r.logger.Warn("outbox enqueue failed",
				"outboxId", row.ID, "topic", topic, "error", err)
			continue
		}
		if err := r.outbox.OutboxMarkSent(ctx, row.ID); err != nil {
			// Already marked by a racing relay, or gone. The
			// inbox absorbs the duplicate delivery either way.
			r.logger.Warn("outbox mark-sent failed",
				"outboxId", row.ID, "error", err)
			continue
		}
		sent++
	}
	span.SetAttributes(attribute.Int("relay.sent", sent))
	return sent, nil
}

// normalize shapes the row's payload for its destination topic.
func (r *Relay) normalize(row *store.OutboxRow) (string, map[string]any, bool) {
	payload := row.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	if row.Topic == store.TopicOutbox {
		// Event rows must identify a run and an event type or no
		// consumer can act on them.
		runID, _ := payload["runId"].(string)
		evType, _ := payload["type"].(string)
		if runID == "" || evType == "" {
			r.logger.Warn("skipping malformed outbox row",
				"outboxId", row.ID, "topic", row.Topic)
			return "", nil, false
		}
		return store.TopicOutbox, payload, true
	}

	enriched := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched["__attempt"] = 1
	return row.Topic, enriched, true
}
