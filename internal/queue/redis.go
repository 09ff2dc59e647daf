package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/ident"
)

// RedisQueue implements Queue on top of Redis: a pending list and a
// processing list per queue, a sorted set for delayed jobs, string keys for
// dedup and dependency counters, and a list for the DLQ.
type RedisQueue struct {
	rdb       *redis.Client
	ns        string
	backoff   BackoffConfig
	pollEvery time.Duration
	now       func() time.Time
	onFinish  func(jobID string)
}

// RedisOptions tunes the queue. The zero value is usable.
type RedisOptions struct {
	// Namespace prefixes every key. Default "poirot".
	Namespace string
	// Backoff overrides the default 250ms/x8/16s-cap jittered schedule.
	Backoff *BackoffConfig
	// PollInterval is the idle consumer poll period. Default 25ms.
	PollInterval time.Duration
	// OnFinish is invoked with a job's id once it finishes for good: acked or
	// dead-lettered, never on a retry.
	OnFinish func(jobID string)
}

// defaultMaxRetries satisfies the minimum-3-retries policy.
const defaultMaxRetries = 3

// doneMarkerTTL bounds how long completion markers linger for dependency
// resolution across late enqueues.
const doneMarkerTTL = 24 * time.Hour

// NewRedis builds a RedisQueue over an existing client.
func NewRedis(rdb *redis.Client, opts RedisOptions) *RedisQueue {
	ns := opts.Namespace
	if ns == "" {
		ns = "poirot"
	}
	bo := defaultBackoffConfig()
	if opts.Backoff != nil {
		bo = *opts.Backoff
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	return &RedisQueue{rdb: rdb, ns: ns, backoff: bo, pollEvery: poll, now: time.Now, onFinish: opts.OnFinish}
}

// SetOnFinish installs the finish hook after construction. Call before any
// Consume starts.
func (q *RedisQueue) SetOnFinish(fn func(jobID string)) { q.onFinish = fn }

// jobRecord is the durable envelope stored at the job key.
type jobRecord struct {
	Job
	MaxRetries int `json:"max_retries"`
}

func (q *RedisQueue) keyJob(id string) string        { return q.ns + ":job:" + id }
func (q *RedisQueue) keyDone(id string) string       { return q.ns + ":job:" + id + ":done" }
func (q *RedisQueue) keyDeps(id string) string       { return q.ns + ":job:" + id + ":deps" }
func (q *RedisQueue) keyWaiters(id string) string    { return q.ns + ":job:" + id + ":waiters" }
func (q *RedisQueue) keyPending(name string) string  { return q.ns + ":q:" + name + ":pending" }
func (q *RedisQueue) keyProc(name string) string     { return q.ns + ":q:" + name + ":processing" }
func (q *RedisQueue) keyDelayed(name string) string  { return q.ns + ":q:" + name + ":delayed" }
func (q *RedisQueue) keyPaused(name string) string   { return q.ns + ":q:" + name + ":paused" }
func (q *RedisQueue) keyDLQ(name string) string      { return q.ns + ":q:" + name + ":dlq" }
func (q *RedisQueue) keyDedup(name, k string) string { return q.ns + ":q:" + name + ":dedup:" + k }

// Enqueue adds a job, honoring dedup, delay and dependency gating.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (string, error) {
	if opts.DedupKey != "" {
		if existing, handled, err := q.tryDedup(ctx, queueName, opts); err != nil {
			return "", err
		} else if handled {
			return existing, nil
		}
	}

	rec := jobRecord{
		Job: Job{
			ID:       ident.NewJobID(),
			Queue:    queueName,
			Payload:  payload,
			DedupKey: opts.DedupKey,
		},
		MaxRetries: defaultMaxRetries,
	}
	if opts.MaxRetries > 0 {
		rec.MaxRetries = opts.MaxRetries
	}
	if err := q.putRecord(ctx, rec); err != nil {
		return "", err
	}
	if opts.DedupKey != "" {
		if err := q.rdb.Set(ctx, q.keyDedup(queueName, opts.DedupKey), rec.ID, doneMarkerTTL).Err(); err != nil {
			return "", fmt.Errorf("set dedup key: %w", err)
		}
	}

	remaining, err := q.registerDependencies(ctx, rec.ID, opts.DependsOn)
	if err != nil {
		return "", err
	}
	if remaining > 0 {
		// Gated: delivery happens when the last dependency finishes.
		return rec.ID, nil
	}
	if err := q.deliver(ctx, rec.ID, queueName, opts.Delay); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// tryDedup handles an enqueue whose dedup key is already taken. A delayed
// holder is rescheduled (latest delay wins); a pending or running holder
// absorbs the duplicate.
func (q *RedisQueue) tryDedup(ctx context.Context, queueName string, opts EnqueueOptions) (string, bool, error) {
	existing, err := q.rdb.Get(ctx, q.keyDedup(queueName, opts.DedupKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read dedup key: %w", err)
	}
	score := q.rdb.ZScore(ctx, q.keyDelayed(queueName), existing)
	if score.Err() == nil {
		readyAt := float64(q.now().Add(opts.Delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.keyDelayed(queueName), redis.Z{Score: readyAt, Member: existing}).Err(); err != nil {
			return "", false, fmt.Errorf("reschedule deduped job: %w", err)
		}
		return existing, true, nil
	}
	if errors.Is(score.Err(), redis.Nil) {
		// Already pending or in flight; the duplicate creates no work.
		return existing, true, nil
	}
	return "", false, score.Err()
}

func (q *RedisQueue) putRecord(ctx context.Context, rec jobRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	if err := q.rdb.Set(ctx, q.keyJob(rec.ID), b, doneMarkerTTL).Err(); err != nil {
		return fmt.Errorf("store job record: %w", err)
	}
	return nil
}

func (q *RedisQueue) getRecord(ctx context.Context, id string) (jobRecord, bool, error) {
	b, err := q.rdb.Get(ctx, q.keyJob(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return jobRecord{}, false, nil
	}
	if err != nil {
		return jobRecord{}, false, err
	}
	var rec jobRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return jobRecord{}, false, fmt.Errorf("decode job record %s: %w", id, err)
	}
	return rec, true, nil
}

// registerDependencies wires the job behind each unfinished dependency and
// returns how many remain.
func (q *RedisQueue) registerDependencies(ctx context.Context, id string, deps []string) (int, error) {
	remaining := 0
	for _, dep := range deps {
		done, err := q.rdb.Exists(ctx, q.keyDone(dep)).Result()
		if err != nil {
			return 0, err
		}
		if done > 0 {
			continue
		}
		if err := q.rdb.SAdd(ctx, q.keyWaiters(dep), id).Err(); err != nil {
			return 0, err
		}
		// The dependency may have finished between the check and the add; its
		// finisher will have missed us, so re-check and self-remove.
		done, err = q.rdb.Exists(ctx, q.keyDone(dep)).Result()
		if err != nil {
			return 0, err
		}
		if done > 0 {
			q.rdb.SRem(ctx, q.keyWaiters(dep), id)
			continue
		}
		remaining++
	}
	if remaining > 0 {
		if err := q.rdb.Set(ctx, q.keyDeps(id), remaining, doneMarkerTTL).Err(); err != nil {
			return 0, err
		}
	}
	return remaining, nil
}

func (q *RedisQueue) deliver(ctx context.Context, id, queueName string, delay time.Duration) error {
	if delay > 0 {
		readyAt := float64(q.now().Add(delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.keyDelayed(queueName), redis.Z{Score: readyAt, Member: id}).Err(); err != nil {
			return fmt.Errorf("delay job: %w", err)
		}
		return nil
	}
	if err := q.rdb.LPush(ctx, q.keyPending(queueName), id).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// PauseQueue stops consumption (not enqueueing) for the queue.
func (q *RedisQueue) PauseQueue(ctx context.Context, name string) error {
	return q.rdb.Set(ctx, q.keyPaused(name), "1", 0).Err()
}

// ResumeQueue re-enables consumption.
func (q *RedisQueue) ResumeQueue(ctx context.Context, name string) error {
	return q.rdb.Del(ctx, q.keyPaused(name)).Err()
}

func (q *RedisQueue) paused(ctx context.Context, name string) bool {
	n, err := q.rdb.Exists(ctx, q.keyPaused(name)).Result()
	return err == nil && n > 0
}

// Depth reports immediately deliverable jobs.
func (q *RedisQueue) Depth(ctx context.Context, name string) (int64, error) {
	return q.rdb.LLen(ctx, q.keyPending(name)).Result()
}

// DeadLetter returns the queue's DLQ contents, newest first.
func (q *RedisQueue) DeadLetter(ctx context.Context, name string) ([]DeadJob, error) {
	raw, err := q.rdb.LRange(ctx, q.keyDLQ(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	out := make([]DeadJob, 0, len(raw))
	for _, r := range raw {
		var d DeadJob
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			return nil, fmt.Errorf("decode dlq entry: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Consume runs concurrency workers until ctx is canceled. Leftover
// processing-list entries from a previous crash are requeued first.
func (q *RedisQueue) Consume(ctx context.Context, name string, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.requeueOrphans(ctx, name)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx, name)
	}()

	host, _ := os.Hostname()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%s-%d", host, name, i)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx, name, handler, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// requeueOrphans moves jobs stranded in the processing list (crashed
// consumer) back to pending. At-least-once, so re-delivery is fine.
func (q *RedisQueue) requeueOrphans(ctx context.Context, name string) {
	for {
		_, err := q.rdb.LMove(ctx, q.keyProc(name), q.keyPending(name), "RIGHT", "LEFT").Result()
		if err != nil {
			return
		}
	}
}

// promoteLoop moves due delayed jobs into the pending list.
func (q *RedisQueue) promoteLoop(ctx context.Context, name string) {
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		nowMS := fmt.Sprintf("%d", q.now().UnixMilli())
		ids, err := q.rdb.ZRangeByScore(ctx, q.keyDelayed(name), &redis.ZRangeBy{
			Min: "-inf", Max: nowMS, Count: 100,
		}).Result()
		if err != nil || len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			removed, err := q.rdb.ZRem(ctx, q.keyDelayed(name), id).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.rdb.LPush(ctx, q.keyPending(name), id).Err(); err != nil {
				log.WithError(err).WithField("job", id).Warn("failed to promote delayed job")
			}
		}
	}
}

func (q *RedisQueue) workerLoop(ctx context.Context, name string, handler Handler, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if q.paused(ctx, name) {
			sleepCtx(ctx, 4*q.pollEvery)
			continue
		}
		id, err := q.rdb.LMove(ctx, q.keyPending(name), q.keyProc(name), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			sleepCtx(ctx, q.pollEvery)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("queue", name).Warn("queue poll failed")
			sleepCtx(ctx, 4*q.pollEvery)
			continue
		}

		rec, ok, err := q.getRecord(ctx, id)
		if err != nil || !ok {
			// Record expired or unreadable; drop the stale list entry.
			q.rdb.LRem(ctx, q.keyProc(name), 1, id)
			continue
		}

		res := safeHandle(ctx, handler, rec.Job)
		switch res.Kind {
		case KindAck:
			q.finish(ctx, name, rec)
		case KindRetry:
			q.retry(ctx, name, rec, res, workerID)
		case KindDead:
			q.deadLetter(ctx, name, rec, res.Err, workerID)
			q.finish(ctx, name, rec)
		}
	}
}

// safeHandle converts a handler panic into a retryable result.
func safeHandle(ctx context.Context, handler Handler, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Retry(0, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

func (q *RedisQueue) retry(ctx context.Context, name string, rec jobRecord, res Result, workerID string) {
	rec.Attempts++
	if rec.Attempts > rec.MaxRetries {
		q.deadLetter(ctx, name, rec, res.Err, workerID)
		q.finish(ctx, name, rec)
		return
	}
	if err := q.putRecord(ctx, rec); err != nil {
		log.WithError(err).WithField("job", rec.ID).Error("failed to persist retry attempt")
	}
	delay := res.Delay
	if delay <= 0 {
		delay = DelayForAttempt(rec.Attempts, q.backoff, rec.ID+fmt.Sprint(rec.Attempts))
	}
	readyAt := float64(q.now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.keyDelayed(name), redis.Z{Score: readyAt, Member: rec.ID}).Err(); err != nil {
		log.WithError(err).WithField("job", rec.ID).Error("failed to schedule retry")
	}
	q.rdb.LRem(ctx, q.keyProc(name), 1, rec.ID)
	log.WithFields(log.Fields{
		"queue": name, "job": rec.ID, "attempt": rec.Attempts, "delay": delay,
	}).WithError(res.Err).Debug("job retry scheduled")
}

func (q *RedisQueue) deadLetter(ctx context.Context, name string, rec jobRecord, cause error, workerID string) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry := DeadJob{
		Job:      rec.Job,
		Error:    msg,
		Attempts: rec.Attempts,
		WorkerID: workerID,
		FailedAt: q.now().UTC(),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		log.WithError(err).WithField("job", rec.ID).Error("failed to encode dlq entry")
		return
	}
	if err := q.rdb.LPush(ctx, q.keyDLQ(name), b).Err(); err != nil {
		log.WithError(err).WithField("job", rec.ID).Error("failed to push dlq entry")
		return
	}
	log.WithFields(log.Fields{
		"queue": name, "job": rec.ID, "attempts": rec.Attempts,
	}).WithError(cause).Warn("job dead-lettered")
}

// finish removes the job from the processing list, marks it done, clears its
// dedup key, and releases any dependents.
func (q *RedisQueue) finish(ctx context.Context, name string, rec jobRecord) {
	q.rdb.LRem(ctx, q.keyProc(name), 1, rec.ID)
	q.rdb.Set(ctx, q.keyDone(rec.ID), "1", doneMarkerTTL)
	q.rdb.Del(ctx, q.keyJob(rec.ID))
	if rec.DedupKey != "" {
		holder, err := q.rdb.Get(ctx, q.keyDedup(name, rec.DedupKey)).Result()
		if err == nil && holder == rec.ID {
			q.rdb.Del(ctx, q.keyDedup(name, rec.DedupKey))
		}
	}
	q.resolveWaiters(ctx, rec.ID)
	if q.onFinish != nil {
		q.onFinish(rec.ID)
	}
}

func (q *RedisQueue) resolveWaiters(ctx context.Context, id string) {
	waiters, err := q.rdb.SMembers(ctx, q.keyWaiters(id)).Result()
	if err != nil || len(waiters) == 0 {
		return
	}
	q.rdb.Del(ctx, q.keyWaiters(id))
	for _, w := range waiters {
		left, err := q.rdb.Decr(ctx, q.keyDeps(w)).Result()
		if err != nil || left > 0 {
			continue
		}
		q.rdb.Del(ctx, q.keyDeps(w))
		rec, ok, err := q.getRecord(ctx, w)
		if err != nil || !ok {
			log.WithField("job", w).Warn("gated job record missing at release")
			continue
		}
		if err := q.deliver(ctx, rec.ID, rec.Queue, 0); err != nil {
			log.WithError(err).WithField("job", w).Error("failed to release gated job")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
