// Package queue provides named durable queues with at-least-once delivery,
// automatic retries with backoff, delayed jobs, dedup keys, dependency-gated
// jobs, pause/resume, and a dead-letter queue per queue.
package queue

import (
	"context"
	"time"
)

// Queue names used by the pipeline.
const (
	FileAnalysisQueue        = "file-analysis"
	RelationshipQueue        = "relationship-resolution"
	DirectoryResolutionQueue = "directory-resolution"
	ValidationQueue          = "validation"
	ReconciliationQueue      = "reconciliation"
	GraphBuildQueue          = "graph-build"
)

// Job is one delivered unit of work.
type Job struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	Payload  []byte `json:"payload"`
	Attempts int    `json:"attempts"`
	DedupKey string `json:"dedup_key,omitempty"`
}

// EnqueueOptions modifies enqueue behavior. The zero value enqueues an
// immediate, independent job.
type EnqueueOptions struct {
	// DedupKey makes the enqueue idempotent: while a job with the same key is
	// queued, a duplicate enqueue creates no new work. If the existing job is
	// still delayed, the new enqueue reschedules it (latest delay wins).
	DedupKey string
	// Delay holds the job in the delayed set until it elapses.
	Delay time.Duration
	// ParentJobID records provenance for observability.
	ParentJobID string
	// DependsOn gates the job until every listed job has finished
	// (acked or dead-lettered).
	DependsOn []string
	// MaxRetries overrides the queue default (3) for this job.
	MaxRetries int
}

// ResultKind is the handler's verdict for one delivery.
type ResultKind int

const (
	// KindAck marks the job done.
	KindAck ResultKind = iota
	// KindRetry re-delivers the job after a delay (backoff-derived when zero).
	KindRetry
	// KindDead sends the job to the dead-letter queue immediately.
	KindDead
)

// Result is returned by handlers.
type Result struct {
	Kind  ResultKind
	Delay time.Duration
	Err   error
}

// Ack reports successful processing.
func Ack() Result { return Result{Kind: KindAck} }

// Retry requests re-delivery. A zero delay uses the backoff schedule.
func Retry(delay time.Duration, err error) Result {
	return Result{Kind: KindRetry, Delay: delay, Err: err}
}

// Dead sends the job straight to the DLQ.
func Dead(err error) Result { return Result{Kind: KindDead, Err: err} }

// Handler processes one job delivery.
type Handler func(ctx context.Context, job Job) Result

// DeadJob is one dead-letter entry, with enough context for an operator.
type DeadJob struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	WorkerID string    `json:"worker_id"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue is the broker abstraction used by every pipeline component.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (jobID string, err error)
	// Consume starts concurrency workers for the queue and blocks until ctx
	// is canceled and in-flight jobs have finished.
	Consume(ctx context.Context, queue string, handler Handler, concurrency int) error
	PauseQueue(ctx context.Context, queue string) error
	ResumeQueue(ctx context.Context, queue string) error
	// Depth reports the number of immediately deliverable jobs.
	Depth(ctx context.Context, queue string) (int64, error)
	DeadLetter(ctx context.Context, queue string) ([]DeadJob, error)
}
