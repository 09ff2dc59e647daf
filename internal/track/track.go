// Package track maintains the run's active-work set: the ids of every
// dynamically created downstream job that has not yet finished. Finalization
// waits for this set to drain before building the graph.
//
// Sets (not counters) keep the accounting idempotent: re-publishing an
// outbox event after a crash re-adds the same job id, and a finished job is
// removed exactly once no matter how many times it was added.
package track

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// finishedTTL bounds how long early-finish markers linger.
const finishedTTL = time.Hour

// Set is the Redis-backed active-work set for one run.
//
// A job can finish before its producer records it as active: the queue
// delivers during Enqueue, so a consumer may ack the job in the gap before
// Add runs. Remove therefore parks unknown ids in a finished set that Add
// consults, making the two calls commute.
type Set struct {
	rdb      *redis.Client
	active   string
	finished string
}

// NewSet returns the active-work set for runID under the given namespace.
func NewSet(rdb *redis.Client, namespace, runID string) *Set {
	base := namespace + ":run:" + runID
	return &Set{rdb: rdb, active: base + ":active", finished: base + ":finished"}
}

// Add registers job ids as active. An id that already finished is dropped.
func (s *Set) Add(ctx context.Context, jobIDs ...string) error {
	for _, id := range jobIDs {
		n, err := s.rdb.SRem(ctx, s.finished, id).Result()
		if err != nil {
			return fmt.Errorf("track add: %w", err)
		}
		if n > 0 {
			continue // finished before we recorded it
		}
		if err := s.rdb.SAdd(ctx, s.active, id).Err(); err != nil {
			return fmt.Errorf("track add: %w", err)
		}
	}
	return nil
}

// Remove marks one job id as no longer active. Ids not yet added are parked
// so a late Add does not resurrect them.
func (s *Set) Remove(ctx context.Context, jobID string) error {
	n, err := s.rdb.SRem(ctx, s.active, jobID).Result()
	if err != nil {
		return fmt.Errorf("track remove: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := s.rdb.SAdd(ctx, s.finished, jobID).Err(); err != nil {
		return fmt.Errorf("track remove: %w", err)
	}
	return s.rdb.Expire(ctx, s.finished, finishedTTL).Err()
}

// Size reports how many jobs are still active.
func (s *Set) Size(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.active).Result()
	if err != nil {
		return 0, fmt.Errorf("track size: %w", err)
	}
	return n, nil
}

// Clear removes both sets. Called once the run is finished.
func (s *Set) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.active, s.finished).Err()
}
