// Package runs implements the run lifecycle: one extraction run at a time
// moves pending → running → completed → closed, or lands in failed.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/notify"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Service drives run state transitions and announces them.
type Service struct {
	db        *storage.DB
	publisher *notify.Publisher
	logger    *slog.Logger
}

// New creates a run service.
func New(db *storage.DB, publisher *notify.Publisher, logger *slog.Logger) *Service {
	return &Service{db: db, publisher: publisher, logger: logger}
}

// Create opens a new run over the given message window. The configuration is
// snapshotted into the run so later config changes never affect a run in
// flight. Fails with model.ErrRunConflict while another run is unclosed.
func (s *Service) Create(ctx context.Context, windowStart, windowEnd time.Time, cfg model.ConfigSnapshot) (model.Run, error) {
	if !windowEnd.After(windowStart) {
		return model.Run{}, fmt.Errorf("runs: window end %s not after start %s: %w",
			windowEnd.Format(time.RFC3339), windowStart.Format(time.RFC3339), model.ErrValidation)
	}
	cfg.ApplyDefaults()

	run, err := s.db.CreateRun(ctx, windowStart, windowEnd, cfg)
	if err != nil {
		return model.Run{}, err
	}

	s.logger.Info("run created",
		"run_id", run.ID,
		"window_start", run.WindowStart,
		"window_end", run.WindowEnd,
		"confidence_threshold", cfg.ConfidenceThreshold)
	s.publisher.RunStatusChanged(ctx, run.ID, run.Status)
	return run, nil
}

// Start moves a pending run to running.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	if err := s.db.StartRun(ctx, id); err != nil {
		return err
	}
	s.logger.Info("run started", "run_id", id)
	s.publisher.RunStatusChanged(ctx, id, model.RunStatusRunning)
	return nil
}

// CompleteExtraction moves a running run to completed and records the batch
// summary. Proposals may still be pending; completed only means extraction is
// done.
func (s *Service) CompleteExtraction(ctx context.Context, id uuid.UUID, summary model.ExtractionSummary) error {
	if err := s.db.CompleteRun(ctx, id, summary); err != nil {
		return err
	}
	s.logger.Info("run extraction completed",
		"run_id", id,
		"messages_in_window", summary.MessagesInWindow,
		"messages_after_prefilter", summary.MessagesAfterPrefilter,
		"batches_created", summary.BatchesCreated)
	s.publisher.RunStatusChanged(ctx, id, model.RunStatusCompleted)
	return nil
}

// Close finalizes a completed run once every proposal has a verdict, freezing
// its approval and rejection rates. Returns model.ErrPreconditionFailed while
// proposals are still pending.
func (s *Service) Close(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := s.db.CloseRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	s.logger.Info("run closed",
		"run_id", id,
		"proposals_total", run.Counters.ProposalsTotal,
		"approval_rate", derefFloat(run.ApprovalRate),
		"rejection_rate", derefFloat(run.RejectionRate))
	s.publisher.RunStatusChanged(ctx, id, model.RunStatusClosed)
	return run, nil
}

// Fail moves a non-terminal run to failed with a structured error. Work
// already committed by earlier batches stays in place.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, message string, errCtx map[string]any) error {
	runErr := model.RunError{At: time.Now().UTC(), Message: message, Context: errCtx}
	if err := s.db.FailRun(ctx, id, runErr); err != nil {
		return err
	}
	s.logger.Error("run failed", "run_id", id, "reason", message)
	s.publisher.RunStatusChanged(ctx, id, model.RunStatusFailed)
	return nil
}

// Get retrieves a run.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Run, error) {
	return s.db.GetRun(ctx, id)
}

// Active returns the current unclosed run, or storage.ErrNotFound.
func (s *Service) Active(ctx context.Context) (model.Run, error) {
	return s.db.GetUnclosedRun(ctx)
}

// List returns runs newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]model.Run, int, error) {
	return s.db.ListRuns(ctx, limit, offset)
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
