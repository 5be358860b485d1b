// Package pipeline drives full extraction cycles: drain the ingest spool,
// open a run over the message window, batch, extract, and triage.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsumugi/internal/batch"
	"github.com/ashita-ai/tsumugi/internal/ingest"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/notify"
	"github.com/ashita-ai/tsumugi/internal/service/extraction"
	"github.com/ashita-ai/tsumugi/internal/service/review"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Config tunes one pipeline instance.
type Config struct {
	// Lookback is the width of the message window each run covers.
	Lookback time.Duration

	// BatchConcurrency bounds how many batches extract in parallel.
	// Batches that may touch the same entity race on its unique name, so
	// this defaults to 1.
	BatchConcurrency int

	// SpoolDrainLimit caps how many spooled messages move per cycle.
	SpoolDrainLimit int
}

func (c *Config) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 1
	}
	if c.SpoolDrainLimit <= 0 {
		c.SpoolDrainLimit = 1000
	}
}

// Pipeline wires the run controller, batcher, coordinator, and triage into
// repeating cycles.
type Pipeline struct {
	db          *storage.DB
	spool       *ingest.Spool // nil when no local ingestion is configured
	runs        *runs.Service
	coordinator *extraction.Coordinator
	review      *review.Service
	publisher   *notify.Publisher
	runCfg      model.ConfigSnapshot
	cfg         Config
	logger      *slog.Logger
}

// New creates a pipeline. spool may be nil.
func New(
	db *storage.DB,
	spool *ingest.Spool,
	runSvc *runs.Service,
	coordinator *extraction.Coordinator,
	reviewSvc *review.Service,
	publisher *notify.Publisher,
	runCfg model.ConfigSnapshot,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	cfg.applyDefaults()
	runCfg.ApplyDefaults()
	return &Pipeline{
		db:          db,
		spool:       spool,
		runs:        runSvc,
		coordinator: coordinator,
		review:      reviewSvc,
		publisher:   publisher,
		runCfg:      runCfg,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run executes cycles on the given interval until ctx is cancelled. A failed
// cycle is logged and the next tick tries again.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("pipeline running", "interval", interval, "lookback", p.cfg.Lookback)
	for {
		if err := p.Cycle(ctx); err != nil {
			p.logger.Error("pipeline cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle performs one full pass. When a prior run is still unclosed the cycle
// tries to close it (its reviews may have finished since) and otherwise
// leaves it alone; a new run starts only after the previous one is out of
// the way.
func (p *Pipeline) Cycle(ctx context.Context) error {
	if err := p.drainSpool(ctx); err != nil {
		// Ingestion trouble should not block extraction of what's already
		// in Postgres.
		p.logger.Warn("spool drain failed", "error", err)
	}

	windowEnd := time.Now().UTC()
	windowStart := windowEnd.Add(-p.cfg.Lookback)

	run, err := p.runs.Create(ctx, windowStart, windowEnd, p.runCfg)
	if errors.Is(err, model.ErrRunConflict) {
		return p.reapActiveRun(ctx)
	}
	if err != nil {
		return err
	}

	msgs, err := p.db.MessagesInWindow(ctx, run.WindowStart, run.WindowEnd)
	if err != nil {
		return err
	}

	batchCfg := batch.Config{
		MinContentLength: run.Config.MinContentLength,
		Keywords:         run.Config.Keywords,
		GapThreshold:     time.Duration(run.Config.GapThreshold),
		MaxBatchSize:     run.Config.MaxBatchSize,
	}
	filtered := batch.Prefilter(msgs, batchCfg)
	grouped := batch.Group(filtered, batchCfg)
	selected, deferred := batch.SelectWithinBudget(grouped, run.Config.MessageBudget)
	if len(deferred) > 0 {
		p.logger.Info("deferring batches beyond message budget",
			"run_id", run.ID, "deferred", len(deferred), "budget", run.Config.MessageBudget)
	}

	if err := p.runs.Start(ctx, run.ID); err != nil {
		return err
	}

	summary := model.ExtractionSummary{
		MessagesInWindow:       len(msgs),
		MessagesAfterPrefilter: len(filtered),
		BatchesCreated:         len(selected),
	}

	if err := p.extractAll(ctx, run, selected); err != nil {
		var extractionErr *model.ExtractionError
		if errors.As(err, &extractionErr) {
			if failErr := p.runs.Fail(ctx, run.ID, extractionErr.Error(), map[string]any{
				"batch_index": extractionErr.BatchIndex,
			}); failErr != nil {
				p.logger.Error("failed to mark run failed", "run_id", run.ID, "error", failErr)
			}
		}
		return err
	}

	if err := p.runs.CompleteExtraction(ctx, run.ID, summary); err != nil {
		return err
	}

	if _, err := p.review.AutoTriage(ctx, run.ID); err != nil {
		return err
	}

	return p.tryClose(ctx, run.ID)
}

// extractAll processes batches with bounded concurrency. The first failure
// cancels outstanding batches; already-committed batches stay committed.
func (p *Pipeline) extractAll(ctx context.Context, run model.Run, batches []batch.Batch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchConcurrency)

	for i, b := range batches {
		g.Go(func() error {
			committed, err := p.coordinator.ProcessBatch(gctx, run, i, b)
			if err != nil {
				return err
			}
			p.publisher.BatchCommitted(gctx, run.ID, i, committed.ProposalsCreated)
			return nil
		})
	}
	return g.Wait()
}

// drainSpool moves locally buffered messages into Postgres.
func (p *Pipeline) drainSpool(ctx context.Context) error {
	if p.spool == nil {
		return nil
	}

	msgs, err := p.spool.Pending(ctx, p.cfg.SpoolDrainLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	inserted, err := p.db.InsertMessages(ctx, msgs)
	if err != nil {
		return err
	}

	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := p.spool.MarkConsumed(ctx, ids); err != nil {
		return err
	}

	p.logger.Info("spool drained", "messages", len(msgs), "newly_inserted", inserted)
	return nil
}

// reapActiveRun tries to finish off the run blocking new cycles.
func (p *Pipeline) reapActiveRun(ctx context.Context) error {
	active, err := p.runs.Active(ctx)
	if err != nil {
		return err
	}
	if active.Status != model.RunStatusCompleted {
		p.logger.Info("previous run still in progress, skipping cycle",
			"run_id", active.ID, "status", active.Status)
		return nil
	}
	return p.tryClose(ctx, active.ID)
}

// tryClose closes the run unless proposals are still awaiting review.
func (p *Pipeline) tryClose(ctx context.Context, runID uuid.UUID) error {
	_, err := p.runs.Close(ctx, runID)
	if errors.Is(err, model.ErrPreconditionFailed) {
		p.logger.Info("run awaiting manual review before close", "run_id", runID)
		return nil
	}
	return err
}
