package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueryStatus enumerates the terminal states of a query execution.
type QueryStatus string

const (
	StatusRunning   QueryStatus = "running"
	StatusSuccess   QueryStatus = "success"
	StatusFailed    QueryStatus = "failed"
	StatusCancelled QueryStatus = "cancelled"
	StatusTimeout   QueryStatus = "timeout"
)

// Valid reports whether the status is one the status enum defines.
func (s QueryStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// QueryMetric describes one completed query execution. Instances are
// immutable once accepted by the ingest boundary; ownership moves from the
// buffer slot to the persistence batch on drain.
type QueryMetric struct {
	ID           uuid.UUID   `json:"id"`
	WorkspaceID  uuid.UUID   `json:"workspace_id"`
	ServiceID    uuid.UUID   `json:"service_id"`
	QueryText    string      `json:"query_text"`
	Status       QueryStatus `json:"status"`
	DurationMS   int64       `json:"duration_ms"`
	RowsAffected *int64      `json:"rows_affected,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
	Tags         []string    `json:"tags,omitempty"`
}

// Workspace represents a tenant. API keys authenticate ingest and read
// traffic against it.
type Workspace struct {
	ID        uuid.UUID
	Name      string
	APIKey    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServiceKey identifies one (workspace, service) pair with recent activity.
type ServiceKey struct {
	WorkspaceID uuid.UUID
	ServiceID   uuid.UUID
}

// Service represents an application emitting metrics within a workspace.
type Service struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}
