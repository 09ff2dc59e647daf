// Package outbox turns committed findings into downstream work. The publisher
// polls the store's outbox table and fans each event out to queue jobs,
// marking a row published only after every enqueue for it succeeded. Delivery
// is therefore at-least-once; all downstream writes tolerate replays.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

// maxPublishAttempts is how many failed rounds a row survives before it is
// marked failed and abandoned.
const maxPublishAttempts = 5

// Tracker records dynamically created jobs as active work. Satisfied by
// track.Set.
type Tracker interface {
	Add(ctx context.Context, jobIDs ...string) error
}

// Options tunes the publisher. The zero value is usable.
type Options struct {
	// PollInterval between outbox sweeps. Default 200ms.
	PollInterval time.Duration
	// BatchSize rows fetched per sweep. Default 200.
	BatchSize int
	// HighWatermark / LowWatermark throttle fan-out on relationship queue
	// depth. Zero disables throttling.
	HighWatermark int64
	LowWatermark  int64
}

// Publisher is the run-scoped outbox publisher. Exactly one runs per store.
type Publisher struct {
	store   *relstore.Store
	queue   queue.Queue
	tracker Tracker
	opts    Options
}

// New returns a publisher over the given store and queue.
func New(store *relstore.Store, q queue.Queue, tracker Tracker, opts Options) *Publisher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Publisher{store: store, queue: q, tracker: tracker, opts: opts}
}

// Run polls until ctx is canceled, then performs one final drain sweep so
// findings committed before shutdown still reach the queue.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := p.Sweep(drainCtx); err != nil {
				log.WithError(err).Warn("outbox drain sweep failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("outbox sweep failed")
			}
		}
	}
}

// Sweep publishes one batch of pending rows and reports how many it
// published.
func (p *Publisher) Sweep(ctx context.Context) (int, error) {
	events, err := p.store.FetchPendingOutbox(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	var published []int64
	var stuck []int64
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := p.publish(ctx, ev); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"outbox_id": ev.ID,
				"event":     ev.EventType,
			}).Warn("outbox publish failed")
			if ev.Attempts+1 >= maxPublishAttempts {
				if err := p.store.MarkOutboxFailed(ctx, ev.ID, err); err != nil {
					log.WithError(err).Error("failed to mark outbox row failed")
				}
			} else {
				stuck = append(stuck, ev.ID)
			}
			continue
		}
		published = append(published, ev.ID)
	}
	if err := p.store.BumpOutboxAttempts(ctx, stuck); err != nil {
		return len(published), err
	}
	if err := p.store.MarkOutboxPublished(ctx, published); err != nil {
		return len(published), err
	}
	return len(published), nil
}

// HasPending reports whether any unpublished rows remain.
func (p *Publisher) HasPending(ctx context.Context) (bool, error) {
	events, err := p.store.FetchPendingOutbox(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

func (p *Publisher) publish(ctx context.Context, ev model.OutboxEvent) error {
	switch ev.EventType {
	case model.EventFileAnalysisFinding:
		return p.publishFileAnalysis(ctx, ev)
	case model.EventRelationshipFinding:
		return p.publishRelationshipFinding(ctx, ev)
	case model.EventDirectorySummaryFinding:
		return p.publishDirectorySummary(ctx, ev)
	default:
		return fmt.Errorf("unknown outbox event type %q", ev.EventType)
	}
}

// publishFileAnalysis fans one analyzed file out to one relationship job per
// POI, each carrying the rest of the file's POIs as context.
func (p *Publisher) publishFileAnalysis(ctx context.Context, ev model.OutboxEvent) error {
	var finding model.FileAnalysisFinding
	if err := json.Unmarshal(ev.Payload, &finding); err != nil {
		return fmt.Errorf("decode file-analysis finding: %w", err)
	}
	if err := p.throttle(ctx); err != nil {
		return err
	}
	for i, primary := range finding.POIs {
		contextual := make([]model.POI, 0, len(finding.POIs)-1)
		for j, other := range finding.POIs {
			if j != i {
				contextual = append(contextual, other)
			}
		}
		payload, err := json.Marshal(model.RelationshipJob{
			RunID:          finding.RunID,
			FilePath:       finding.FilePath,
			PrimaryPOI:     primary,
			ContextualPOIs: contextual,
		})
		if err != nil {
			return fmt.Errorf("encode relationship job: %w", err)
		}
		jobID, err := p.queue.Enqueue(ctx, queue.RelationshipQueue, payload, queue.EnqueueOptions{
			// Replays after a crash must not double the work.
			DedupKey: fmt.Sprintf("rel:%s:%d:%s", finding.RunID, finding.FileID, primary.ID),
		})
		if err != nil {
			return fmt.Errorf("enqueue relationship job: %w", err)
		}
		if err := p.track(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishRelationshipFinding(ctx context.Context, ev model.OutboxEvent) error {
	var finding model.RelationshipFinding
	if err := json.Unmarshal(ev.Payload, &finding); err != nil {
		return fmt.Errorf("decode relationship finding: %w", err)
	}
	return p.enqueueValidation(ctx, ev.ID, finding)
}

func (p *Publisher) publishDirectorySummary(ctx context.Context, ev model.OutboxEvent) error {
	var finding model.DirectorySummaryFinding
	if err := json.Unmarshal(ev.Payload, &finding); err != nil {
		return fmt.Errorf("decode directory-summary finding: %w", err)
	}
	for _, candidate := range finding.Candidates {
		if err := p.enqueueValidation(ctx, ev.ID, candidate); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) enqueueValidation(ctx context.Context, outboxID int64, finding model.RelationshipFinding) error {
	payload, err := json.Marshal(model.ValidationJob{RunID: finding.RunID, Finding: finding})
	if err != nil {
		return fmt.Errorf("encode validation job: %w", err)
	}
	jobID, err := p.queue.Enqueue(ctx, queue.ValidationQueue, payload, queue.EnqueueOptions{
		// Keyed by outbox row so a replay of this row is absorbed while
		// genuinely distinct observations of the same hash still each land.
		DedupKey: fmt.Sprintf("validate:%d:%s", outboxID, finding.RelationshipHash),
	})
	if err != nil {
		return fmt.Errorf("enqueue validation job: %w", err)
	}
	return p.track(ctx, jobID)
}

func (p *Publisher) track(ctx context.Context, jobID string) error {
	if p.tracker == nil {
		return nil
	}
	if err := p.tracker.Add(ctx, jobID); err != nil {
		return fmt.Errorf("track job %s: %w", jobID, err)
	}
	return nil
}

// throttle blocks while the relationship queue sits above the high
// watermark, resuming once it drains below the low one.
func (p *Publisher) throttle(ctx context.Context) error {
	if p.opts.HighWatermark <= 0 {
		return nil
	}
	depth, err := p.queue.Depth(ctx, queue.RelationshipQueue)
	if err != nil || depth <= p.opts.HighWatermark {
		return err
	}
	log.WithField("depth", depth).Info("relationship queue above high watermark, pausing fan-out")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		depth, err = p.queue.Depth(ctx, queue.RelationshipQueue)
		if err != nil {
			return err
		}
		if depth <= p.opts.LowWatermark {
			return nil
		}
	}
}
