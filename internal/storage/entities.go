package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const entityColumns = `id, kind, name, title, content, confidence, keywords,
	 embedding, current_version, created_at, updated_at`

// GetEntity retrieves an entity by ID.
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("storage: entity %s: %w", id, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// GetEntityByName retrieves an entity by its natural key (kind, name).
func (db *DB) GetEntityByName(ctx context.Context, kind model.EntityKind, name string) (model.Entity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = $1 AND name = $2`,
		string(kind), name,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("storage: entity %s/%s: %w", kind, name, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity by name: %w", err)
	}
	return e, nil
}

// ListEntities returns entities of a kind ordered by most recently updated.
func (db *DB) ListEntities(ctx context.Context, kind model.EntityKind, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = $1 ORDER BY updated_at DESC LIMIT $2`,
		string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ListEntitiesMissingEmbedding returns entities stored without an embedding,
// oldest first, for backfill after an embedding provider comes online.
func (db *DB) ListEntitiesMissingEmbedding(ctx context.Context, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE embedding IS NULL ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities missing embedding: %w", err)
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ListEntityVersions returns the full version history of an entity, oldest first.
func (db *DB) ListEntityVersions(ctx context.Context, entityID uuid.UUID) ([]model.EntityVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, entity_id, version, title, content, confidence, provenance, created_at
		 FROM entity_versions WHERE entity_id = $1 ORDER BY version ASC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entity versions: %w", err)
	}
	defer rows.Close()

	var versions []model.EntityVersion
	for rows.Next() {
		var v model.EntityVersion
		if err := rows.Scan(&v.ID, &v.EntityID, &v.Version, &v.Title, &v.Content, &v.Confidence, &v.Provenance, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan entity version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListAtomLinks returns all links where the given atom is source or target.
func (db *DB) ListAtomLinks(ctx context.Context, atomID uuid.UUID) ([]model.AtomLink, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source_id, target_id, link_type, created_at
		 FROM atom_links WHERE source_id = $1 OR target_id = $1 ORDER BY created_at ASC`,
		atomID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list atom links: %w", err)
	}
	defer rows.Close()

	var links []model.AtomLink
	for rows.Next() {
		var l model.AtomLink
		var linkType string
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &linkType, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan atom link: %w", err)
		}
		l.Type = model.LinkType(linkType)
		links = append(links, l)
	}
	return links, rows.Err()
}

// HasAtomLink reports whether a link between the pair already exists, in
// either direction of insertion order.
func (db *DB) HasAtomLink(ctx context.Context, sourceID, targetID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM atom_links WHERE source_id = $1 AND target_id = $2)`,
		sourceID, targetID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check atom link: %w", err)
	}
	return exists, nil
}

// createEntityTx inserts a new entity together with its version-1 snapshot.
// The initial snapshot means the history is complete from birth: every state
// the entity has ever been in has a row in entity_versions.
func createEntityTx(ctx context.Context, tx pgx.Tx, e *model.Entity, provenance string) error {
	now := time.Now().UTC()
	e.CurrentVersion = 1
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := tx.Exec(ctx,
		`INSERT INTO entities (id, kind, name, title, content, confidence, keywords, embedding, current_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)`,
		e.ID, string(e.Kind), e.Name, e.Title, e.Content, e.Confidence, e.Keywords, e.Embedding, now,
	)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO entity_versions (id, entity_id, version, title, content, confidence, provenance, created_at)
		 VALUES ($1, $2, 1, $3, $4, $5, $6, $7)`,
		uuid.New(), e.ID, e.Title, e.Content, e.Confidence, provenance, now,
	)
	if err != nil {
		return fmt.Errorf("insert entity version 1: %w", err)
	}
	return nil
}

// appendEntityVersionTx records a new snapshot of an existing entity and
// advances current_version. The prior content is never overwritten; the new
// state lands as a fresh entity_versions row and the entities row is updated
// to mirror it.
func appendEntityVersionTx(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, title, content string, confidence float32, provenance string) (int, error) {
	now := time.Now().UTC()

	var version int
	err := tx.QueryRow(ctx,
		`UPDATE entities SET current_version = current_version + 1,
		   title = $1, content = $2, confidence = $3, updated_at = $4
		 WHERE id = $5
		 RETURNING current_version`,
		title, content, confidence, now, entityID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
		}
		return 0, fmt.Errorf("bump entity version: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO entity_versions (id, entity_id, version, title, content, confidence, provenance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), entityID, version, title, content, confidence, provenance, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert entity version %d: %w", version, err)
	}
	return version, nil
}

// createAtomLinkTx inserts a typed link between two atoms. Self-links and
// duplicate pairs are rejected with model.ErrValidation; the schema enforces
// both as a backstop.
func createAtomLinkTx(ctx context.Context, tx pgx.Tx, sourceID, targetID uuid.UUID, linkType model.LinkType) (model.AtomLink, error) {
	if sourceID == targetID {
		return model.AtomLink{}, fmt.Errorf("atom link from %s to itself: %w", sourceID, model.ErrValidation)
	}
	if !model.ValidLinkType(linkType) {
		return model.AtomLink{}, fmt.Errorf("atom link type %q: %w", linkType, model.ErrValidation)
	}

	link := model.AtomLink{
		ID:        uuid.New(),
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      linkType,
		CreatedAt: time.Now().UTC(),
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO atom_links (id, source_id, target_id, link_type, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		link.ID, link.SourceID, link.TargetID, string(link.Type), link.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "atom_links_pair_key") {
			return model.AtomLink{}, fmt.Errorf("atom link %s -> %s already exists: %w", sourceID, targetID, model.ErrValidation)
		}
		return model.AtomLink{}, fmt.Errorf("insert atom link: %w", err)
	}
	return link, nil
}

// UpdateEntityEmbedding stores a freshly computed embedding without touching
// the version history; embeddings are derived data, not content.
func (db *DB) UpdateEntityEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE entities SET embedding = $1, updated_at = $2 WHERE id = $3`,
		embedding, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update entity embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: entity %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanEntity(row pgx.Row) (model.Entity, error) {
	var (
		e    model.Entity
		kind string
	)
	err := row.Scan(
		&e.ID, &kind, &e.Name, &e.Title, &e.Content, &e.Confidence, &e.Keywords,
		&e.Embedding, &e.CurrentVersion, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return model.Entity{}, err
	}
	e.Kind = model.EntityKind(kind)
	return e, nil
}
