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

// Package redis provides the durable queue driver. Each topic is a
// ready list, a delayed zset scored by ready time, and a DLQ list. A
// promotion loop moves due delayed jobs onto the ready list; workers
// block on BLPOP.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nofx/nofx/internal/queue"
)

var _ queue.Queue = (*Driver)(nil)

const (
	keyPrefix = "nofx:queue:"

	// blpopTimeout bounds each blocking pop so workers notice shutdown.
	blpopTimeout = 2 * time.Second

	// promoteInterval is how often due delayed jobs are promoted.
	promoteInterval = 500 * time.Millisecond

	// promoteBatch caps jobs promoted per tick.
	promoteBatch = 100

	// defaultJobTimeout is the hard deadline per delivery.
	defaultJobTimeout = 10 * time.Minute
)

// Driver is the redis-backed queue driver.
type Driver struct {
	client *goredis.Client
	logger *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	jobTimeout time.Duration

	mu        sync.Mutex
	promoting map[string]bool
	active    map[string]*int64
	closed    bool
}

// Config holds redis connection settings.
type Config struct {
	Addr       string
	Password   string
	DB         int
	JobTimeout time.Duration
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Driver{
		client:     client,
		logger:     logger,
		ctx:        runCtx,
		cancel:     cancel,
		jobTimeout: jobTimeout,
		promoting:  make(map[string]bool),
		active:     make(map[string]*int64),
	}, nil
}

func readyKey(topic string) string   { return keyPrefix + topic }
func delayedKey(topic string) string { return keyPrefix + topic + ":delayed" }
func dlqKey(topic string) string     { return keyPrefix + topic + ":dlq" }
func statsKey(topic string) string   { return keyPrefix + topic + ":stats" }

// Enqueue adds a job to the topic, to the delayed zset if a delay is
// requested.
func (q *Driver) Enqueue(ctx context.Context, topic string, payload map[string]any, opts *queue.Options) error {
	var o queue.Options
	if opts != nil {
		o = *opts
	}
	attempts := o.Attempts
	if attempts <= 0 {
		attempts = queue.DefaultAttempts
	}

	job := &queue.Job{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		MaxAttempts: attempts,
		Priority:    o.Priority,
		EnqueuedAt:  time.Now(),
	}
	return q.push(ctx, job, o.Delay)
}

func (q *Driver) push(ctx context.Context, job *queue.Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		err = q.client.ZAdd(ctx, delayedKey(job.Topic), goredis.Z{
			Score:  score,
			Member: raw,
		}).Err()
	} else if job.Priority > 0 {
		// High-priority jobs jump the line. Redis lists have no
		// real priority ordering, head insertion is close enough.
		err = q.client.LPush(ctx, readyKey(job.Topic), raw).Err()
	} else {
		err = q.client.RPush(ctx, readyKey(job.Topic), raw).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueueing to %s: %w", job.Topic, err)
	}

	waiting, _ := q.client.LLen(ctx, readyKey(job.Topic)).Result()
	oldest, _ := q.OldestAge(ctx, job.Topic)
	queue.RecordEnqueue(job.Topic, waiting, oldest)
	return nil
}

// Subscribe starts the promotion loop and concurrency workers for the
// topic.
func (q *Driver) Subscribe(topic string, concurrency int, handler queue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	if !q.promoting[topic] {
		q.promoting[topic] = true
		q.wg.Add(1)
		go q.promote(topic)
	}
	if _, ok := q.active[topic]; !ok {
		q.active[topic] = new(int64)
	}
	counter := q.active[topic]
	q.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(topic, counter, handler)
	}
	return nil
}

// promote moves due delayed jobs onto the ready list.
func (q *Driver) promote(topic string) {
	defer q.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		members, err := q.client.ZRangeByScore(q.ctx, delayedKey(topic), &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: promoteBatch,
		}).Result()
		if err != nil || len(members) == 0 {
			continue
		}

		for _, raw := range members {
			// Remove first so a concurrent promoter cannot
			// double-deliver.
			removed, err := q.client.ZRem(q.ctx, delayedKey(topic), raw).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.client.RPush(q.ctx, readyKey(topic), raw).Err(); err != nil {
				q.logger.Error("failed to promote delayed job",
					"topic", topic, "error", err)
			}
		}
	}
}

func (q *Driver) worker(topic string, active *int64, handler queue.Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		res, err := q.client.BLPop(q.ctx, blpopTimeout, readyKey(topic)).Result()
		if err != nil {
			if err == goredis.Nil || q.ctx.Err() != nil {
				continue
			}
			q.logger.Error("queue pop failed", "topic", topic, "error", err)
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		var job queue.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("dropping undecodable job", "topic", topic, "error", err)
			continue
		}
		job.Attempt++

		q.mu.Lock()
		*active++
		q.mu.Unlock()
		waiting, _ := q.client.LLen(q.ctx, readyKey(topic)).Result()
		queue.RecordStart(topic, waiting)

		q.handle(&job, handler)

		q.mu.Lock()
		*active--
		q.mu.Unlock()
	}
}

func (q *Driver) handle(job *queue.Job, handler queue.Handler) {
	ctx, cancel := context.WithTimeout(q.ctx, q.jobTimeout)
	err := handler(ctx, job)
	cancel()

	if err == nil {
		q.client.HIncrBy(q.ctx, statsKey(job.Topic), "completed", 1)
		queue.RecordSuccess(job.Topic)
		return
	}

	q.client.HIncrBy(q.ctx, statsKey(job.Topic), "failed", 1)
	job.LastError = err.Error()
	exhausted := job.Attempt >= job.MaxAttempts
	queue.RecordFailure(job.Topic, exhausted)

	if exhausted {
		now := time.Now()
		job.FailedAt = &now
		raw, merr := json.Marshal(job)
		if merr != nil {
			q.logger.Error("failed to marshal dead letter",
				"topic", job.Topic, "jobId", job.ID, "error", merr)
			return
		}
		if perr := q.client.RPush(q.ctx, dlqKey(job.Topic), raw).Err(); perr != nil {
			q.logger.Error("failed to dead-letter job",
				"topic", job.Topic, "jobId", job.ID, "error", perr)
		}
		return
	}

	if perr := q.push(q.ctx, job, queue.RetryDelay(job.Attempt)); perr != nil {
		q.logger.Error("failed to requeue job",
			"topic", job.Topic, "jobId", job.ID, "error", perr)
	}
}

// Counts reports the topic's census.
func (q *Driver) Counts(ctx context.Context, topic string) (queue.Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, readyKey(topic))
	delayed := pipe.ZCard(ctx, delayedKey(topic))
	stats := pipe.HGetAll(ctx, statsKey(topic))
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return queue.Counts{}, fmt.Errorf("reading counts for %s: %w", topic, err)
	}

	counts := queue.Counts{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
	}
	if v, err := strconv.ParseInt(stats.Val()["completed"], 10, 64); err == nil {
		counts.Completed = v
	}
	if v, err := strconv.ParseInt(stats.Val()["failed"], 10, 64); err == nil {
		counts.Failed = v
	}

	q.mu.Lock()
	if c, ok := q.active[topic]; ok {
		counts.Active = *c
	}
	q.mu.Unlock()
	return counts, nil
}

// OldestAge returns the age of the job at the head of the ready list.
func (q *Driver) OldestAge(ctx context.Context, topic string) (time.Duration, error) {
	raw, err := q.client.LIndex(ctx, readyKey(topic), 0).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inspecting head of %s: %w", topic, err)
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return 0, nil
	}
	age := time.Since(job.EnqueuedAt)
	if age < 0 {
		age = 0
	}
	return age, nil
}

// ListDLQ returns up to limit dead-lettered jobs, oldest first.
func (q *Driver) ListDLQ(ctx context.Context, topic string, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, dlqKey(topic), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing DLQ for %s: %w", topic, err)
	}
	jobs := make([]*queue.Job, 0, len(raws))
	for _, raw := range raws {
		var job queue.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// RehydrateDLQ re-enqueues up to limit DLQ jobs with a fresh attempt
// counter.
func (q *Driver) RehydrateDLQ(ctx context.Context, topic string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	moved := 0
	for moved < limit {
		raw, err := q.client.LPop(ctx, dlqKey(topic)).Result()
		if err == goredis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("popping DLQ for %s: %w", topic, err)
		}

		var job queue.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("dropping undecodable dead letter", "topic", topic, "error", err)
			continue
		}
		job.Attempt = 0
		job.FailedAt = nil
		job.LastError = ""
		if err := q.push(ctx, &job, 0); err != nil {
			// Put it back so the job is not lost.
			_ = q.client.LPush(ctx, dlqKey(topic), raw).Err()
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Close stops workers and promotion loops and closes the connection.
func (q *Driver) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return q.client.Close()
}
