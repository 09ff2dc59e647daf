package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, RedisOptions{
		Namespace:    "test",
		PollInterval: 5 * time.Millisecond,
		// No jitter and tiny delays so retry tests finish quickly.
		Backoff: &BackoffConfig{InitialDelayMS: 5, BackoffFactor: 2, MaxDelayMS: 50, Jitter: false},
	})
}

func consume(t *testing.T, q *RedisQueue, name string, h Handler, n int) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Consume(ctx, name, h, n)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueConsumeAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var got atomic.Value
	stop := consume(t, q, "work", func(ctx context.Context, job Job) Result {
		got.Store(string(job.Payload))
		return Ack()
	}, 2)
	defer stop()

	_, err := q.Enqueue(ctx, "work", []byte("hello"), EnqueueOptions{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil })
	require.Equal(t, "hello", got.Load().(string))

	waitFor(t, time.Second, func() bool {
		d, _ := q.Depth(ctx, "work")
		return d == 0
	})
}

func TestRetryThenDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	stop := consume(t, q, "work", func(ctx context.Context, job Job) Result {
		calls.Add(1)
		return Retry(0, errDeliberate)
	}, 1)
	defer stop()

	_, err := q.Enqueue(ctx, "work", []byte("x"), EnqueueOptions{})
	require.NoError(t, err)

	// 1 initial delivery + 3 retries, then DLQ.
	waitFor(t, 5*time.Second, func() bool {
		dlq, _ := q.DeadLetter(ctx, "work")
		return len(dlq) == 1
	})
	require.Equal(t, int32(4), calls.Load())

	dlq, err := q.DeadLetter(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, errDeliberate.Error(), dlq[0].Error)
	require.Equal(t, 3, dlq[0].Attempts)
	require.NotEmpty(t, dlq[0].WorkerID)
	require.False(t, dlq[0].FailedAt.IsZero())
}

func TestDelayedJobPromoted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var done atomic.Bool
	stop := consume(t, q, "work", func(ctx context.Context, job Job) Result {
		done.Store(true)
		return Ack()
	}, 1)
	defer stop()

	start := time.Now()
	_, err := q.Enqueue(ctx, "work", []byte("x"), EnqueueOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return done.Load() })
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDedupAbsorbsDuplicates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "work", []byte("a"), EnqueueOptions{DedupKey: "file:1"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "work", []byte("a"), EnqueueOptions{DedupKey: "file:1"})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	d, err := q.Depth(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, int64(1), d)
}

func TestDedupReschedulesDelayedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var done atomic.Bool
	stop := consume(t, q, "work", func(ctx context.Context, job Job) Result {
		done.Store(true)
		return Ack()
	}, 1)
	defer stop()

	start := time.Now()
	_, err := q.Enqueue(ctx, "work", []byte("x"), EnqueueOptions{DedupKey: "h", Delay: 500 * time.Millisecond})
	require.NoError(t, err)
	// Re-arming with a short delay wins over the long one.
	_, err = q.Enqueue(ctx, "work", []byte("x"), EnqueueOptions{DedupKey: "h", Delay: 30 * time.Millisecond})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return done.Load() })
	require.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestPauseResume(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var handled atomic.Int32
	stop := consume(t, q, "work", func(ctx context.Context, job Job) Result {
		handled.Add(1)
		return Ack()
	}, 1)
	defer stop()

	require.NoError(t, q.PauseQueue(ctx, "work"))
	_, err := q.Enqueue(ctx, "work", []byte("x"), EnqueueOptions{})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), handled.Load())

	require.NoError(t, q.ResumeQueue(ctx, "work"))
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })
}

func TestDependencyGating(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	handler := func(ctx context.Context, job Job) Result {
		mu.Lock()
		order = append(order, string(job.Payload))
		mu.Unlock()
		return Ack()
	}

	require.NoError(t, q.PauseQueue(ctx, "work"))
	dep1, err := q.Enqueue(ctx, "work", []byte("dep1"), EnqueueOptions{})
	require.NoError(t, err)
	dep2, err := q.Enqueue(ctx, "work", []byte("dep2"), EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "final", []byte("final"), EnqueueOptions{DependsOn: []string{dep1, dep2}})
	require.NoError(t, err)

	stopWork := consume(t, q, "work", handler, 2)
	defer stopWork()
	stopFinal := consume(t, q, "final", handler, 1)
	defer stopFinal()

	// Gated job stays out of its queue while dependencies are queued.
	d, err := q.Depth(ctx, "final")
	require.NoError(t, err)
	require.Equal(t, int64(0), d)

	require.NoError(t, q.ResumeQueue(ctx, "work"))
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "final", order[2])
}

func TestDependencyOnFinishedJobDeliversImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var handled atomic.Int32
	handler := func(ctx context.Context, job Job) Result {
		handled.Add(1)
		return Ack()
	}
	stop := consume(t, q, "work", handler, 1)
	defer stop()

	dep, err := q.Enqueue(ctx, "work", []byte("dep"), EnqueueOptions{})
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })

	_, err = q.Enqueue(ctx, "work", []byte("after"), EnqueueOptions{DependsOn: []string{dep}})
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 2 })
}

var errDeliberate = errTest("deliberate failure")

type errTest string

func (e errTest) Error() string { return string(e) }
