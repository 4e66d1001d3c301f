package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueryEmbedding stores the vector for one normalized query text. Exactly
// one row exists per (workspace, query hash); re-embedding updates in place.
type QueryEmbedding struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	QueryHash   string
	QueryText   string
	Vector      []float32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PendingQuery is a distinct query text observed in the metrics stream that
// has no stored embedding yet.
type PendingQuery struct {
	WorkspaceID uuid.UUID
	QueryText   string
	QueryHash   string
}

// SimilarQuery is one vector-search hit.
type SimilarQuery struct {
	ID         uuid.UUID `json:"id"`
	QueryText  string    `json:"query_text"`
	Similarity float64   `json:"similarity"`
}
