package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EntityKind distinguishes topics from atomic facts.
type EntityKind string

const (
	EntityKindTopic EntityKind = "topic"
	EntityKindAtom  EntityKind = "atom"
)

// Entity is a knowledge record whose history is preserved via append-only
// version snapshots instead of in-place overwrites. Name is the natural key:
// extraction runs that touch an existing name append a version, never mutate.
type Entity struct {
	ID         uuid.UUID        `json:"id"`
	Kind       EntityKind       `json:"kind"`
	Name       string           `json:"name"`
	Title      string           `json:"title"`
	Content    string           `json:"content"`
	Confidence float32          `json:"confidence"`
	Keywords   []string         `json:"keywords,omitempty"`
	Embedding  *pgvector.Vector `json:"-"`

	// CurrentVersion is the version number of the materialized state.
	// Version snapshots 1..CurrentVersion exist in the versions table.
	CurrentVersion int `json:"current_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityVersion is one append-only snapshot of a proposed entity state.
type EntityVersion struct {
	ID         uuid.UUID `json:"id"`
	EntityID   uuid.UUID `json:"entity_id"`
	Version    int       `json:"version"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Confidence float32   `json:"confidence"`
	Provenance string    `json:"provenance"` // e.g. "extraction run <id>"
	CreatedAt  time.Time `json:"created_at"`
}

// LinkType is a typed relation between two atomic facts.
type LinkType string

const (
	LinkTypeSolves    LinkType = "solves"
	LinkTypeContinues LinkType = "continues"
	LinkTypeRelatesTo LinkType = "relates_to"
)

// ValidLinkType reports whether t is one of the supported relation types.
func ValidLinkType(t LinkType) bool {
	switch t {
	case LinkTypeSolves, LinkTypeContinues, LinkTypeRelatesTo:
		return true
	}
	return false
}

// AtomLink is a typed, directed relation between two atoms. Self-referential
// links and duplicate (source, target) pairs are rejected at write time.
type AtomLink struct {
	ID        uuid.UUID `json:"id"`
	SourceID  uuid.UUID `json:"source_id"`
	TargetID  uuid.UUID `json:"target_id"`
	Type      LinkType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}
