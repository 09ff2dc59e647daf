// Package pipeline wires the stages into one run: scan, analyze, resolve,
// validate, reconcile, finalize. It owns consumer lifecycles, the outbox
// publisher, finalization quiescence, and the run artifact.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/poirot/internal/cleaner"
	"github.com/danshapiro/poirot/internal/config"
	"github.com/danshapiro/poirot/internal/graphbuild"
	"github.com/danshapiro/poirot/internal/graphstore"
	"github.com/danshapiro/poirot/internal/ident"
	"github.com/danshapiro/poirot/internal/llm"
	"github.com/danshapiro/poirot/internal/metrics"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/outbox"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
	"github.com/danshapiro/poirot/internal/scout"
	"github.com/danshapiro/poirot/internal/track"
	"github.com/danshapiro/poirot/internal/validate"
	"github.com/danshapiro/poirot/internal/workers"
)

// directoryWorkers and reconcilerWorkers are fixed small pools; both stages
// are store-bound, not LLM-bound, except the directory summarizer which is
// gated to one directory at a time anyway.
const (
	directoryWorkers  = 2
	reconcilerWorkers = 2
)

// Pipeline composes one run over shared infrastructure.
type Pipeline struct {
	Opts    *config.RunOptions
	Root    string
	Store   *relstore.Store
	Queue   *queue.RedisQueue
	Redis   *redis.Client
	LLM     *llm.Client
	Graph   graphstore.GraphStore
	Metrics *metrics.Metrics
	// ReportDir receives report.json; empty disables the artifact.
	ReportDir string
	// QuiesceInterval is the finalization poll period. Default 250ms.
	QuiesceInterval time.Duration
}

// Run executes a full pipeline run and returns its result. The result is
// non-nil even on error so callers can report partial progress.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	runID := ident.NewRunID()
	result := &RunResult{
		RunID:     runID,
		Root:      p.Root,
		Status:    StatusFailed,
		StartedAt: time.Now().UTC(),
	}
	log.WithFields(log.Fields{"run": runID, "root": p.Root}).Info("run starting")

	tracker := track.NewSet(p.Redis, p.Opts.Queue.Namespace, runID)
	p.Queue.SetOnFinish(func(jobID string) {
		if err := tracker.Remove(context.Background(), jobID); err != nil {
			log.WithError(err).WithField("job", jobID).Warn("failed to untrack finished job")
		}
	})

	scan, err := scout.New(p.Opts, p.Store, p.Queue).Scan(ctx, runID, p.Root)
	if err != nil {
		return p.finish(result, err)
	}
	result.TotalFiles = scan.TotalFiles

	if err := SaveManifest(ctx, p.Redis, p.Opts.Queue.Namespace, Manifest{
		RunID:            runID,
		Root:             p.Root,
		TotalFiles:       scan.TotalFiles,
		FilesByDirectory: scan.FilesByDirectory,
		StartedAt:        result.StartedAt,
	}); err != nil {
		return p.finish(result, err)
	}

	pub := outbox.New(p.Store, p.Queue, tracker, outbox.Options{
		HighWatermark: int64(p.Opts.HighWatermark),
		LowWatermark:  int64(p.Opts.LowWatermark),
	})

	// Consumers and publisher run on their own contexts so the run controls
	// shutdown order: quiesce first, then stop.
	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()

	var g errgroup.Group
	consume := func(name string, h queue.Handler, n int) {
		g.Go(func() error {
			if err := p.Queue.Consume(consumerCtx, name, h, n); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	fileWorker := &workers.FileAnalysis{Root: p.Root, Opts: p.Opts, Store: p.Store, LLM: p.LLM, Metrics: p.Metrics}
	relWorker := &workers.Relationship{Store: p.Store, LLM: p.LLM, Metrics: p.Metrics}
	dirWorker := &workers.Directory{Store: p.Store, LLM: p.LLM, Metrics: p.Metrics}
	validator := &validate.Validator{
		Store: p.Store, Queue: p.Queue, Tracker: tracker,
		Metrics: p.Metrics, QuietWindow: p.Opts.QuietWindow,
	}
	reconciler := &validate.Reconciler{Store: p.Store, Metrics: p.Metrics, AcceptThreshold: p.Opts.AcceptThreshold}

	// The finalize job is gated on every file and directory job, so its
	// delivery means extraction and summarization are over; the dynamic
	// downstream work (resolution, validation, reconciliation) may still be
	// busy and is covered by quiesce.
	filesDone := make(chan struct{}, 1)
	finalizeHandler := func(ctx context.Context, job queue.Job) queue.Result {
		select {
		case filesDone <- struct{}{}:
		default:
		}
		return queue.Ack()
	}

	consume(queue.FileAnalysisQueue, fileWorker.Handle, p.Opts.FileWorkers)
	consume(queue.RelationshipQueue, relWorker.Handle, p.Opts.RelationshipWorkers)
	consume(queue.DirectoryResolutionQueue, dirWorker.Handle, directoryWorkers)
	consume(queue.ValidationQueue, validator.Handle, p.Opts.ValidationWorkers)
	consume(queue.ReconciliationQueue, reconciler.Handle, reconcilerWorkers)
	consume(queue.GraphBuildQueue, finalizeHandler, 1)
	g.Go(func() error {
		if err := pub.Run(pubCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	select {
	case <-ctx.Done():
		return p.interrupt(result, ctx.Err(), &g, stopConsumers, stopPublisher)
	case <-filesDone:
	}

	if err := p.quiesce(ctx, pub, tracker); err != nil {
		return p.interrupt(result, err, &g, stopConsumers, stopPublisher)
	}

	stopConsumers()
	stopPublisher()
	if err := g.Wait(); err != nil {
		return p.finish(result, err)
	}

	p.collectFailures(ctx, runID, result)

	cl := &cleaner.Cleaner{Store: p.Store, Graph: p.Graph}
	if _, err := cl.Reconcile(ctx, runID, p.Root); err != nil {
		return p.finish(result, err)
	}
	swept, err := cl.Sweep(ctx, runID)
	if err != nil {
		return p.finish(result, err)
	}
	result.SweptFiles = swept

	stats, err := (&graphbuild.Builder{Store: p.Store, Graph: p.Graph}).Build(ctx, runID)
	if err != nil {
		return p.finish(result, err)
	}
	result.GraphNodes = stats.Nodes
	result.GraphEdges = stats.Edges

	if err := tracker.Clear(ctx); err != nil {
		log.WithError(err).Warn("failed to clear work tracker")
	}

	result.Status = StatusCompleted
	if len(result.FailedFiles) > 0 || len(result.DeadJobs) > 0 {
		result.Status = StatusCompletedWithFailures
	}
	return p.finish(result, nil)
}

// quiesce waits until every dynamically created job has finished and no
// unpublished findings remain, observing the empty state twice in a row to
// cover the publish-to-enqueue window.
func (p *Pipeline) quiesce(ctx context.Context, pub *outbox.Publisher, tracker *track.Set) error {
	interval := p.QuiesceInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	stable := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := pub.HasPending(ctx)
		if err != nil {
			return err
		}
		active, err := tracker.Size(ctx)
		if err != nil {
			return err
		}
		if !pending && active == 0 {
			stable++
			if stable >= 2 {
				return nil
			}
		} else {
			stable = 0
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// collectFailures snapshots every DLQ into the result and flips the files of
// dead file-analysis jobs (retry exhaustion leaves them processing) to
// failed.
func (p *Pipeline) collectFailures(ctx context.Context, runID string, result *RunResult) {
	for _, name := range []string{
		queue.FileAnalysisQueue, queue.RelationshipQueue, queue.DirectoryResolutionQueue,
		queue.ValidationQueue, queue.ReconciliationQueue,
	} {
		dead, err := p.Queue.DeadLetter(ctx, name)
		if err != nil {
			log.WithError(err).WithField("queue", name).Warn("failed to read dead letter queue")
			continue
		}
		if len(dead) == 0 {
			continue
		}
		if result.DeadJobs == nil {
			result.DeadJobs = map[string][]queue.DeadJob{}
		}
		result.DeadJobs[name] = dead
	}

	for _, dead := range result.DeadJobs[queue.FileAnalysisQueue] {
		var job model.FileAnalysisJob
		if err := json.Unmarshal(dead.Job.Payload, &job); err != nil {
			continue
		}
		if err := p.Store.Write(ctx, func(tx *sql.Tx) error {
			return relstore.UpdateFileStatus(tx, job.FileID, model.FileStatusFailed)
		}); err != nil {
			log.WithError(err).WithField("file", job.FilePath).Warn("failed to mark dead-lettered file failed")
		}
	}

	failed, err := p.Store.ListFilesWithStatus(ctx, model.FileStatusFailed, runID)
	if err != nil {
		log.WithError(err).Warn("failed to list failed files")
		return
	}
	for _, f := range failed {
		result.FailedFiles = append(result.FailedFiles, f.Path)
	}
}

// interrupt is the cancellation path: pause intake, drain the outbox, stop
// everything, and report an interrupted run.
func (p *Pipeline) interrupt(result *RunResult, cause error, g *errgroup.Group, stopConsumers, stopPublisher context.CancelFunc) (*RunResult, error) {
	log.WithField("run", result.RunID).Warn("run interrupted, draining")
	pauseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range []string{
		queue.FileAnalysisQueue, queue.RelationshipQueue, queue.DirectoryResolutionQueue,
		queue.ValidationQueue, queue.ReconciliationQueue, queue.GraphBuildQueue,
	} {
		if err := p.Queue.PauseQueue(pauseCtx, name); err != nil {
			log.WithError(err).WithField("queue", name).Warn("failed to pause queue")
		}
	}
	stopConsumers()
	stopPublisher() // triggers the publisher's final drain sweep
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("worker shutdown error during interrupt")
	}
	result.Status = StatusInterrupted
	result.FinishedAt = time.Now().UTC()
	if p.LLM != nil {
		result.Tokens = p.LLM.Usage()
	}
	if cause != nil {
		result.Error = cause.Error()
	}
	p.writeReport(result)
	return result, cause
}

// finish stamps the result, records usage, writes the artifact and returns.
func (p *Pipeline) finish(result *RunResult, err error) (*RunResult, error) {
	result.FinishedAt = time.Now().UTC()
	if p.LLM != nil {
		result.Tokens = p.LLM.Usage()
		if p.Metrics != nil {
			p.Metrics.TokensUsed.WithLabelValues("prompt").Add(float64(result.Tokens.PromptTokens))
			p.Metrics.TokensUsed.WithLabelValues("completion").Add(float64(result.Tokens.CompletionTokens))
		}
	}
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
	}
	p.writeReport(result)
	log.WithFields(log.Fields{
		"run":    result.RunID,
		"status": result.Status,
		"files":  result.TotalFiles,
		"nodes":  result.GraphNodes,
		"edges":  result.GraphEdges,
	}).Info("run finished")
	return result, err
}

func (p *Pipeline) writeReport(result *RunResult) {
	if p.ReportDir == "" {
		return
	}
	if err := WriteReport(p.ReportDir, result); err != nil {
		log.WithError(err).Warn("failed to write run report")
	}
}
