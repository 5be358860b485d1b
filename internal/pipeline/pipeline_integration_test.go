package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/extract"
	"github.com/ashita-ai/tsumugi/internal/ingest"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/notify"
	"github.com/ashita-ai/tsumugi/internal/pipeline"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/service/embedding"
	"github.com/ashita-ai/tsumugi/internal/service/extraction"
	"github.com/ashita-ai/tsumugi/internal/service/review"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// newPipeline builds a pipeline over the shared test DB. Each test uses a
// lookback that excludes messages older tests inserted, so windows stay
// disjoint.
func newPipeline(t *testing.T, oracle extract.Oracle, spool *ingest.Spool, lookback time.Duration) *pipeline.Pipeline {
	t.Helper()

	logger := testutil.TestLogger()
	publisher := notify.NewPublisher(testDB, logger)
	runSvc := runs.New(testDB, publisher, logger)
	coordinator := extraction.New(testDB, oracle, embedding.NewNoopProvider(4), search.Noop{}, logger)
	reviewSvc := review.New(testDB, publisher, logger)

	return pipeline.New(testDB, spool, runSvc, coordinator, reviewSvc, publisher,
		model.ConfigSnapshot{Model: "static", Keywords: []string{"deploy"}},
		pipeline.Config{Lookback: lookback},
		logger)
}

// cleanupActiveRun guarantees no unclosed run leaks into the next test.
func cleanupActiveRun(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		active, err := testDB.GetUnclosedRun(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		require.NoError(t, err)
		require.NoError(t, testDB.FailRun(ctx, active.ID, model.RunError{Message: "test cleanup"}))
	})
}

func TestCycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cleanupActiveRun(t)

	// An auto-approve rule so the cycle can close the run unattended.
	rule, err := testDB.CreateRule(ctx, model.Rule{
		Name:     "approve confident extractions",
		Priority: 50,
		Action:   model.RuleActionApprove,
		Logic:    model.LogicAnd,
		Conditions: []model.Condition{
			{Field: "confidence", Operator: model.OpGte, Value: 0.8},
		},
		Enabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.DeleteRule(context.Background(), rule.ID) })

	spool, err := ingest.Open(t.TempDir() + "/spool.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = spool.Close() })

	msg := model.Message{
		ID:        uuid.New(),
		ChannelID: "releases",
		Author:    "kai",
		Content:   "deploy freeze starts friday, please land everything before then",
		SentAt:    time.Now().UTC().Add(-10 * time.Minute),
	}
	require.NoError(t, spool.Append(ctx, []model.Message{msg}))

	oracle := extract.Static{Result: extract.Result{
		Topics: []extract.TopicCandidate{
			{Name: "Deploy Freeze", Description: "freeze window coordination", Confidence: 0.92,
				MessageIDs: []uuid.UUID{msg.ID}},
		},
	}}

	p := newPipeline(t, oracle, spool, time.Hour)
	require.NoError(t, p.Cycle(ctx))

	// The spool drained into Postgres.
	pendingSpool, err := spool.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pendingSpool)

	// The run went all the way to closed: proposal auto-approved, rates frozen.
	runsList, total, err := testDB.ListRuns(ctx, 1, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, 1)
	run := runsList[0]
	assert.Equal(t, model.RunStatusClosed, run.Status)
	assert.Equal(t, 1, run.Counters.MessagesInWindow)
	assert.Equal(t, 1, run.Counters.ProposalsTotal)
	assert.Equal(t, 1, run.Counters.ProposalsApproved)
	require.NotNil(t, run.ApprovalRate)
	assert.InDelta(t, 1.0, *run.ApprovalRate, 1e-9)

	// The topic entity landed with the message assigned to it.
	topic, err := testDB.GetEntityByName(ctx, model.EntityKindTopic, "deploy-freeze")
	require.NoError(t, err)
	gotMsg, err := testDB.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, gotMsg.TopicID)
	assert.Equal(t, topic.ID, *gotMsg.TopicID)

	// The rule saw one trigger.
	gotRule, err := testDB.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotRule.TriggeredCount)
}

func TestCycle_NoRulesLeavesRunOpenForReview(t *testing.T) {
	ctx := context.Background()
	cleanupActiveRun(t)

	msg := model.Message{
		ID:        uuid.New(),
		ChannelID: "support",
		Author:    "rin",
		Content:   "customer reported the export endpoint times out on big workspaces",
		SentAt:    time.Now().UTC().Add(-5 * time.Minute),
	}
	_, err := testDB.InsertMessages(ctx, []model.Message{msg})
	require.NoError(t, err)

	oracle := extract.Static{Result: extract.Result{
		Atoms: []extract.AtomCandidate{
			{Type: "problem", Title: "Export endpoint timeout", Content: "times out on big workspaces",
				Confidence: 0.88},
		},
	}}

	p := newPipeline(t, oracle, nil, 7*time.Minute)
	require.NoError(t, p.Cycle(ctx))

	active, err := testDB.GetUnclosedRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, active.Status)
	assert.Equal(t, 1, active.Counters.ProposalsPending)

	// A human verdict arrives; the next cycle closes the run instead of
	// opening a new one.
	proposals, err := testDB.ListProposals(ctx, active.ID, model.ProposalStatusPending)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	_, err = testDB.ReviewProposal(ctx, proposals[0].ID, model.Review{
		Reviewer: "alex", Action: model.ReviewActionApprove,
	})
	require.NoError(t, err)

	require.NoError(t, p.Cycle(ctx))

	got, err := testDB.GetRun(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusClosed, got.Status)
}

func TestCycle_OracleFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	cleanupActiveRun(t)

	msg := model.Message{
		ID:        uuid.New(),
		ChannelID: "ops",
		Author:    "kai",
		Content:   "long enough message to survive the prefilter step",
		SentAt:    time.Now().UTC().Add(-time.Minute),
	}
	_, err := testDB.InsertMessages(ctx, []model.Message{msg})
	require.NoError(t, err)

	p := newPipeline(t, extract.Static{Err: errors.New("oracle unreachable")}, nil, 2*time.Minute)
	err = p.Cycle(ctx)

	var extractionErr *model.ExtractionError
	require.ErrorAs(t, err, &extractionErr)

	runsList, _, err := testDB.ListRuns(ctx, 1, 0)
	require.NoError(t, err)
	run := runsList[0]
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, run.Error.Message, "oracle unreachable")
}
