// Package extraction coordinates one batch at a time through the oracle,
// the confidence gate, similarity enrichment, and a single transactional
// commit per batch.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/batch"
	"github.com/ashita-ai/tsumugi/internal/extract"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/service/embedding"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// dedupLimit and dedupMinScore bound the similarity lookup used to flag
// near-duplicate proposals for reviewers.
const (
	dedupLimit    = 1
	dedupMinScore = 0.5
)

// Coordinator turns oracle output into committed entities, versions, links,
// proposals, and topic assignments.
type Coordinator struct {
	db       *storage.DB
	oracle   extract.Oracle
	embedder embedding.Provider
	searcher search.Searcher
	logger   *slog.Logger

	oracleDuration metric.Float64Histogram
	proposalCount  metric.Int64Counter
	discardCount   metric.Int64Counter
}

// New creates a coordinator. A nil embedder or searcher disables embedding
// and similarity enrichment respectively.
func New(db *storage.DB, oracle extract.Oracle, embedder embedding.Provider, searcher search.Searcher, logger *slog.Logger) *Coordinator {
	if embedder == nil {
		embedder = embedding.NewNoopProvider(0)
	}
	if searcher == nil {
		searcher = search.Noop{}
	}
	meter := telemetry.Meter("tsumugi/extraction")
	oracleDur, _ := meter.Float64Histogram("tsumugi.oracle.duration",
		metric.WithDescription("Time spent in one oracle extraction call (ms)"),
		metric.WithUnit("ms"),
	)
	proposals, _ := meter.Int64Counter("tsumugi.proposals.created",
		metric.WithDescription("Proposals committed across all batches"),
	)
	discards, _ := meter.Int64Counter("tsumugi.candidates.discarded",
		metric.WithDescription("Oracle candidates dropped by the confidence gate"),
	)
	return &Coordinator{
		db:             db,
		oracle:         oracle,
		embedder:       embedder,
		searcher:       searcher,
		logger:         logger,
		oracleDuration: oracleDur,
		proposalCount:  proposals,
		discardCount:   discards,
	}
}

// ProcessBatch drives one batch through extraction and commits the result
// atomically. An oracle failure is returned as *model.ExtractionError so the
// caller can fail the run; commits from earlier batches are unaffected.
func (c *Coordinator) ProcessBatch(ctx context.Context, run model.Run, batchIndex int, b batch.Batch) (storage.CommitResult, error) {
	start := time.Now()
	result, err := c.oracle.Extract(ctx, b.Messages, run.Config)
	c.oracleDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return storage.CommitResult{}, &model.ExtractionError{BatchIndex: batchIndex, RunID: run.ID.String(), Err: err}
	}

	commit := storage.BatchCommit{
		RunID:      run.ID,
		Provenance: "extraction run " + run.ID.String(),
	}

	// Entity IDs by (kind, name), covering both entities that already exist
	// and ones created in this very batch. Links and topic assignments
	// resolve against this map.
	entityIDs := make(map[string]uuid.UUID)
	var newPoints []search.Point

	assignedMsgs := make(map[uuid.UUID]string)

	for _, t := range result.Topics {
		if t.Confidence < run.Config.ConfidenceThreshold {
			c.discardCount.Add(ctx, 1)
			c.logger.Info("discarding low-confidence topic",
				"run_id", run.ID, "batch", batchIndex, "topic", t.Name,
				"confidence", t.Confidence, "threshold", run.Config.ConfidenceThreshold)
			continue
		}

		name := Slugify(t.Name)
		entityID, isNew, prevVersion, err := c.upsertCandidate(ctx, &commit, model.EntityKindTopic, name, t.Name, t.Description, t.Confidence, t.Keywords, &newPoints)
		if err != nil {
			return storage.CommitResult{}, err
		}
		entityIDs[entityKey(model.EntityKindTopic, name)] = entityID

		proposal := model.Proposal{
			ID:         uuid.New(),
			Kind:       model.ProposalKindTopic,
			Title:      t.Name,
			Content:    t.Description,
			Confidence: t.Confidence,
			EntityID:   &entityID,
			Diff:       map[string]any{"topic": name},
		}
		if !isNew {
			proposal.Diff["previous_version"] = prevVersion
		}
		c.enrichSimilarity(ctx, &proposal, model.EntityKindTopic, t.Description, entityID)
		commit.Proposals = append(commit.Proposals, proposal)

		for _, msgID := range t.MessageIDs {
			if prior, taken := assignedMsgs[msgID]; taken {
				c.logger.Info("ignoring repeat topic claim for message",
					"run_id", run.ID, "message_id", msgID, "topic", name, "assigned_to", prior)
				continue
			}
			assignedMsgs[msgID] = name
			commit.Assignments = append(commit.Assignments, storage.TopicAssignment{MessageID: msgID, TopicID: entityID})
		}
	}

	for _, a := range result.Atoms {
		if a.Confidence < run.Config.ConfidenceThreshold {
			c.discardCount.Add(ctx, 1)
			c.logger.Info("discarding low-confidence atom",
				"run_id", run.ID, "batch", batchIndex, "atom", a.Title,
				"confidence", a.Confidence, "threshold", run.Config.ConfidenceThreshold)
			continue
		}

		name := Slugify(a.Title)
		entityID, _, prevVersion, err := c.upsertCandidate(ctx, &commit, model.EntityKindAtom, name, a.Title, a.Content, a.Confidence, nil, &newPoints)
		if err != nil {
			return storage.CommitResult{}, err
		}
		entityIDs[entityKey(model.EntityKindAtom, name)] = entityID

		proposal := model.Proposal{
			ID:         uuid.New(),
			Kind:       proposalKindFor(a.Type),
			Title:      a.Title,
			Content:    a.Content,
			Confidence: a.Confidence,
			EntityID:   &entityID,
			Diff:       map[string]any{"type": a.Type},
		}
		if a.TopicName != "" {
			proposal.Diff["topic"] = Slugify(a.TopicName)
		}
		if prevVersion > 0 {
			proposal.Diff["previous_version"] = prevVersion
		}
		c.enrichSimilarity(ctx, &proposal, model.EntityKindAtom, a.Content, entityID)
		commit.Proposals = append(commit.Proposals, proposal)
	}

	if err := c.resolveLinks(ctx, &commit, result.Atoms, entityIDs, run.ID); err != nil {
		return storage.CommitResult{}, err
	}

	committed, err := c.db.CommitExtraction(ctx, commit)
	if err != nil {
		return storage.CommitResult{}, err
	}
	c.proposalCount.Add(ctx, int64(committed.ProposalsCreated))

	// Index freshly committed embeddings. Best-effort: the index catches up
	// on the next batch if this fails.
	if len(newPoints) > 0 {
		if err := c.searcher.Upsert(ctx, newPoints); err != nil {
			c.logger.Warn("similarity index upsert failed", "run_id", run.ID, "points", len(newPoints), "error", err)
		}
	}

	c.logger.Info("batch committed",
		"run_id", run.ID,
		"batch", batchIndex,
		"entities", committed.EntitiesCreated,
		"versions", committed.VersionsCreated,
		"links", committed.LinksCreated,
		"proposals", committed.ProposalsCreated,
		"topics_assigned", committed.TopicsAssigned)
	return committed, nil
}

// BackfillEmbeddings vectorizes entities stored without an embedding, e.g.
// ones committed while the provider was disabled. Returns how many entities
// were updated. A disabled provider makes this a no-op.
func (c *Coordinator) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	entities, err := c.db.ListEntitiesMissingEmbedding(ctx, limit)
	if err != nil {
		return 0, err
	}

	var done int
	var points []search.Point
	for _, e := range entities {
		vec, err := c.embedder.Embed(ctx, e.Title+"\n"+e.Content)
		if errors.Is(err, embedding.ErrDisabled) {
			return done, nil
		}
		if err != nil {
			return done, fmt.Errorf("backfill entity %s: %w", e.ID, err)
		}
		if err := c.db.UpdateEntityEmbedding(ctx, e.ID, vec); err != nil {
			return done, err
		}
		done++
		points = append(points, search.Point{
			ID:         e.ID,
			Kind:       e.Kind,
			Name:       e.Name,
			Confidence: e.Confidence,
			Embedding:  vec.Slice(),
		})
	}

	if len(points) > 0 {
		if err := c.searcher.Upsert(ctx, points); err != nil {
			c.logger.Warn("similarity index upsert failed during backfill", "points", len(points), "error", err)
		}
	}
	return done, nil
}

// upsertCandidate routes a gated candidate either to a brand-new entity or to
// a version append on the same-name entity. Existing content is never
// overwritten in place; the prior state stays in the version history.
func (c *Coordinator) upsertCandidate(
	ctx context.Context,
	commit *storage.BatchCommit,
	kind model.EntityKind,
	name, title, content string,
	confidence float32,
	keywords []string,
	newPoints *[]search.Point,
) (entityID uuid.UUID, isNew bool, prevVersion int, err error) {
	// The entity may have been created earlier in this same batch.
	for i := range commit.Entities {
		if commit.Entities[i].Kind == kind && commit.Entities[i].Name == name {
			return commit.Entities[i].ID, true, 0, nil
		}
	}

	existing, err := c.db.GetEntityByName(ctx, kind, name)
	switch {
	case err == nil:
		commit.Versions = append(commit.Versions, storage.VersionAppend{
			EntityID:   existing.ID,
			Title:      title,
			Content:    content,
			Confidence: confidence,
		})
		return existing.ID, false, existing.CurrentVersion, nil

	case errors.Is(err, storage.ErrNotFound):
		entity := model.Entity{
			ID:         uuid.New(),
			Kind:       kind,
			Name:       name,
			Title:      title,
			Content:    content,
			Confidence: confidence,
			Keywords:   keywords,
		}
		if vec, ok := c.embed(ctx, title+"\n"+content); ok {
			entity.Embedding = &vec
			*newPoints = append(*newPoints, search.Point{
				ID:         entity.ID,
				Kind:       kind,
				Name:       name,
				Confidence: confidence,
				Embedding:  vec.Slice(),
			})
		}
		commit.Entities = append(commit.Entities, entity)
		return entity.ID, true, 0, nil

	default:
		return uuid.Nil, false, 0, err
	}
}

// enrichSimilarity flags the closest prior entity of the same kind so
// reviewers see likely duplicates. Failures only cost the hint.
func (c *Coordinator) enrichSimilarity(ctx context.Context, p *model.Proposal, kind model.EntityKind, text string, selfID uuid.UUID) {
	vec, ok := c.embed(ctx, text)
	if !ok {
		return
	}
	neighbors, err := c.searcher.FindSimilar(ctx, kind, vec.Slice(), dedupLimit+1, dedupMinScore)
	if err != nil {
		c.logger.Warn("similarity lookup failed", "kind", kind, "error", err)
		return
	}
	for _, n := range neighbors {
		if n.EntityID == selfID {
			continue
		}
		score := n.Score
		p.SimilarEntityID = &n.EntityID
		p.SimilarityScore = &score
		return
	}
}

func (c *Coordinator) embed(ctx context.Context, text string) (pgvector.Vector, bool) {
	if strings.TrimSpace(text) == "" {
		return pgvector.Vector{}, false
	}
	vec, err := c.embedder.Embed(ctx, text)
	if errors.Is(err, embedding.ErrDisabled) {
		return pgvector.Vector{}, false
	}
	if err != nil {
		c.logger.Warn("embedding failed", "error", err)
		return pgvector.Vector{}, false
	}
	return vec, true
}

// resolveLinks turns name-addressed link candidates into ID-addressed link
// writes. Self links, unresolvable targets, and pairs already linked are
// skipped with a log line; they are model slips, not batch failures.
func (c *Coordinator) resolveLinks(ctx context.Context, commit *storage.BatchCommit, atoms []extract.AtomCandidate, entityIDs map[string]uuid.UUID, runID uuid.UUID) error {
	seenPairs := make(map[[2]uuid.UUID]bool)

	for _, a := range atoms {
		sourceID, ok := entityIDs[entityKey(model.EntityKindAtom, Slugify(a.Title))]
		if !ok {
			continue // Source atom was gated out.
		}

		for _, l := range a.Links {
			targetName := Slugify(l.TargetName)
			targetID, ok := entityIDs[entityKey(model.EntityKindAtom, targetName)]
			if !ok {
				existing, err := c.db.GetEntityByName(ctx, model.EntityKindAtom, targetName)
				if errors.Is(err, storage.ErrNotFound) {
					c.logger.Info("skipping link to unknown atom",
						"run_id", runID, "source", a.Title, "target", l.TargetName)
					continue
				}
				if err != nil {
					return err
				}
				targetID = existing.ID
			}

			if targetID == sourceID {
				c.logger.Info("skipping self link", "run_id", runID, "atom", a.Title)
				continue
			}

			pair := [2]uuid.UUID{sourceID, targetID}
			if seenPairs[pair] {
				c.logger.Info("skipping duplicate link in batch",
					"run_id", runID, "source", a.Title, "target", l.TargetName)
				continue
			}
			exists, err := c.db.HasAtomLink(ctx, sourceID, targetID)
			if err != nil {
				return err
			}
			if exists {
				c.logger.Info("skipping already-linked pair",
					"run_id", runID, "source", a.Title, "target", l.TargetName)
				continue
			}

			seenPairs[pair] = true
			commit.Links = append(commit.Links, storage.LinkCreate{SourceID: sourceID, TargetID: targetID, Type: l.Type})
		}
	}
	return nil
}

func proposalKindFor(atomType string) model.ProposalKind {
	switch strings.ToLower(atomType) {
	case "action", "task":
		return model.ProposalKindTask
	default:
		return model.ProposalKindAtom
	}
}

func entityKey(kind model.EntityKind, name string) string {
	return string(kind) + "\x00" + name
}

// Slugify derives a stable entity name from free-form text: lowercase,
// alphanumerics kept, everything else collapsed to single hyphens.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	hyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
