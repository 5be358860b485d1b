package extraction_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/batch"
	"github.com/ashita-ai/tsumugi/internal/extract"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/service/embedding"
	"github.com/ashita-ai/tsumugi/internal/service/extraction"
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

func startRun(t *testing.T) model.Run {
	t.Helper()
	ctx := context.Background()

	cfg := model.ConfigSnapshot{Model: "static"}
	cfg.ApplyDefaults()

	run, err := testDB.CreateRun(ctx, time.Now().Add(-time.Hour), time.Now(), cfg)
	require.NoError(t, err)
	require.NoError(t, testDB.StartRun(ctx, run.ID))

	t.Cleanup(func() {
		err := testDB.FailRun(ctx, run.ID, model.RunError{Message: "test cleanup"})
		if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("cleanup run %s: %v", run.ID, err)
		}
	})
	return run
}

func newCoordinator(oracle extract.Oracle) *extraction.Coordinator {
	return extraction.New(testDB, oracle, embedding.NewNoopProvider(4), search.Noop{}, testutil.TestLogger())
}

func TestProcessBatch_CommitsGatedCandidates(t *testing.T) {
	ctx := context.Background()
	run := startRun(t)

	msg := model.Message{ID: uuid.New(), ChannelID: "ops", Author: "rin",
		Content: "we agreed to gate deploys on the smoke suite", SentAt: time.Now().UTC()}
	_, err := testDB.InsertMessages(ctx, []model.Message{msg})
	require.NoError(t, err)

	oracle := extract.Static{Result: extract.Result{
		Topics: []extract.TopicCandidate{
			{Name: "Deploy Gating", Description: "gating deploys on tests", Confidence: 0.9,
				MessageIDs: []uuid.UUID{msg.ID}},
			{Name: "Noise", Description: "low confidence chatter", Confidence: 0.3},
		},
		Atoms: []extract.AtomCandidate{
			{Type: "decision", Title: "Gate deploys on smoke suite", Content: "decided in standup",
				Confidence: 0.85, TopicName: "Deploy Gating"},
			{Type: "action", Title: "Wire smoke suite into CI", Content: "follow-up work",
				Confidence: 0.8, TopicName: "Deploy Gating",
				Links: []extract.LinkCandidate{
					{TargetName: "Gate deploys on smoke suite", Type: model.LinkTypeContinues},
					{TargetName: "Wire smoke suite into CI", Type: model.LinkTypeSolves}, // self, skipped
					{TargetName: "Nonexistent Atom", Type: model.LinkTypeRelatesTo},      // unknown, skipped
				}},
		},
	}}

	res, err := newCoordinator(oracle).ProcessBatch(ctx, run, 0, batch.Batch{
		ChannelID: "ops", Messages: []model.Message{msg},
	})
	require.NoError(t, err)

	// One topic gated out, so: 1 topic + 2 atoms created, 1 resolvable link.
	assert.Equal(t, 3, res.EntitiesCreated)
	assert.Equal(t, 1, res.LinksCreated)
	assert.Equal(t, 3, res.ProposalsCreated)
	assert.Equal(t, 1, res.TopicsAssigned)

	topic, err := testDB.GetEntityByName(ctx, model.EntityKindTopic, "deploy-gating")
	require.NoError(t, err)
	// The disabled embedder must leave the embedding column NULL; committing
	// must not depend on the provider's dimensions matching the schema.
	assert.Nil(t, topic.Embedding)

	gotMsg, err := testDB.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, gotMsg.TopicID)
	assert.Equal(t, topic.ID, *gotMsg.TopicID)

	// The action atom became a task proposal.
	proposals, err := testDB.ListProposals(ctx, run.ID, model.ProposalStatusPending)
	require.NoError(t, err)
	kinds := make(map[model.ProposalKind]int)
	for _, p := range proposals {
		kinds[p.Kind]++
	}
	assert.Equal(t, 1, kinds[model.ProposalKindTopic])
	assert.Equal(t, 1, kinds[model.ProposalKindAtom])
	assert.Equal(t, 1, kinds[model.ProposalKindTask])
}

func TestProcessBatch_SameNameAppendsVersion(t *testing.T) {
	ctx := context.Background()
	run := startRun(t)

	coordinator := newCoordinator(extract.Static{Result: extract.Result{
		Topics: []extract.TopicCandidate{
			{Name: "Incident Response", Description: "first take", Confidence: 0.9},
		},
	}})
	_, err := coordinator.ProcessBatch(ctx, run, 0, batch.Batch{ChannelID: "ops"})
	require.NoError(t, err)

	coordinator = newCoordinator(extract.Static{Result: extract.Result{
		Topics: []extract.TopicCandidate{
			{Name: "Incident Response", Description: "refined description", Confidence: 0.95},
		},
	}})
	_, err = coordinator.ProcessBatch(ctx, run, 1, batch.Batch{ChannelID: "ops"})
	require.NoError(t, err)

	entity, err := testDB.GetEntityByName(ctx, model.EntityKindTopic, "incident-response")
	require.NoError(t, err)
	assert.Equal(t, 2, entity.CurrentVersion)
	assert.Equal(t, "refined description", entity.Content)

	versions, err := testDB.ListEntityVersions(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "first take", versions[0].Content)
	assert.Equal(t, "extraction run "+run.ID.String(), versions[1].Provenance)
}

func TestProcessBatch_NilCollaborators(t *testing.T) {
	ctx := context.Background()
	run := startRun(t)

	// A library consumer may wire neither an embedder nor a searcher; the
	// coordinator runs with both disabled.
	coordinator := extraction.New(testDB, extract.Static{Result: extract.Result{
		Topics: []extract.TopicCandidate{
			{Name: "Bare Wiring", Description: "no enrichment configured", Confidence: 0.9},
		},
	}}, nil, nil, testutil.TestLogger())

	res, err := coordinator.ProcessBatch(ctx, run, 0, batch.Batch{ChannelID: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesCreated)
	assert.Equal(t, 1, res.ProposalsCreated)

	entity, err := testDB.GetEntityByName(ctx, model.EntityKindTopic, "bare-wiring")
	require.NoError(t, err)
	assert.Nil(t, entity.Embedding)

	proposals, err := testDB.ListProposals(ctx, run.ID, model.ProposalStatusPending)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Nil(t, proposals[0].SimilarEntityID)
}

// fixedProvider returns a deterministic unit vector of the schema's width.
type fixedProvider struct{ dims int }

func (p fixedProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	vec := make([]float32, p.dims)
	vec[0] = 1
	return pgvector.NewVector(vec), nil
}

func (p fixedProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i], _ = p.Embed(ctx, texts[i])
	}
	return vecs, nil
}

func (p fixedProvider) Dimensions() int { return p.dims }

func TestBackfillEmbeddings(t *testing.T) {
	ctx := context.Background()
	run := startRun(t)

	// Commit with embeddings disabled, then bring a provider online.
	disabled := extraction.New(testDB, extract.Static{Result: extract.Result{
		Topics: []extract.TopicCandidate{
			{Name: "Backfill Candidate", Description: "stored without a vector", Confidence: 0.9},
		},
	}}, nil, nil, testutil.TestLogger())
	_, err := disabled.ProcessBatch(ctx, run, 0, batch.Batch{ChannelID: "ops"})
	require.NoError(t, err)

	// Still disabled: backfill is a no-op.
	n, err := disabled.BackfillEmbeddings(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	online := extraction.New(testDB, extract.Static{}, fixedProvider{dims: 1024}, search.Noop{}, testutil.TestLogger())
	n, err = online.BackfillEmbeddings(ctx, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	entity, err := testDB.GetEntityByName(ctx, model.EntityKindTopic, "backfill-candidate")
	require.NoError(t, err)
	require.NotNil(t, entity.Embedding)
	assert.Len(t, entity.Embedding.Slice(), 1024)
}

func TestProcessBatch_OracleFailure(t *testing.T) {
	ctx := context.Background()
	run := startRun(t)

	coordinator := newCoordinator(extract.Static{Err: errors.New("upstream timeout")})
	_, err := coordinator.ProcessBatch(ctx, run, 2, batch.Batch{ChannelID: "ops"})

	var extractionErr *model.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, 2, extractionErr.BatchIndex)
	assert.Equal(t, run.ID.String(), extractionErr.RunID)
}
