// Package ingest validates incoming metric records and pushes them into the
// buffer. Malformed records are rejected here, at the boundary; the buffer
// itself never second-guesses the caller.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/buffer"
	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/metrics"
)

// Result summarizes one ingest request.
type Result struct {
	Ingested int `json:"ingested"`
	Dropped  int `json:"dropped"`
}

// Service accepts metric records on behalf of an authenticated workspace.
type Service struct {
	buf    *buffer.Buffer
	logger *slog.Logger
	now    func() time.Time
}

// New constructs the ingest service.
func New(buf *buffer.Buffer, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	return &Service{buf: buf, logger: logger, now: time.Now}
}

// Accept validates every record, stamps it with the workspace identity, and
// pushes the batch into the buffer. Validation runs for the whole batch
// before anything is pushed: a malformed record fails the request with
// nothing ingested, so a full-batch retry never duplicates data. Records
// refused by a full buffer are counted as dropped; the caller surfaces that
// as a retryable condition.
func (s *Service) Accept(workspaceID uuid.UUID, records []domain.QueryMetric) (Result, error) {
	var res Result
	prepared := make([]domain.QueryMetric, len(records))
	for i := range records {
		rec := records[i]
		rec.WorkspaceID = workspaceID
		if err := s.prepare(&rec); err != nil {
			return res, fmt.Errorf("record %d: %w", i, err)
		}
		prepared[i] = rec
	}
	for _, rec := range prepared {
		if err := s.buf.TryPush(rec); err != nil {
			if errors.Is(err, buffer.ErrFull) {
				res.Dropped++
				metrics.DroppedTotal.Inc()
				continue
			}
			return res, err
		}
		res.Ingested++
		metrics.IngestedTotal.Inc()
	}
	metrics.BufferLen.Set(float64(s.buf.Len()))
	return res, nil
}

// prepare validates a record and fills defaulted fields in place.
func (s *Service) prepare(rec *domain.QueryMetric) error {
	if rec.QueryText == "" {
		return errors.New("query_text required")
	}
	if rec.ServiceID == uuid.Nil {
		return errors.New("service_id required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid status %q", rec.Status)
	}
	if rec.DurationMS < 0 {
		return errors.New("duration_ms must be non-negative")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.now().UTC()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.CompletedAt.Add(-time.Duration(rec.DurationMS) * time.Millisecond)
	}
	if rec.CompletedAt.Before(rec.StartedAt) {
		return errors.New("completed_at before started_at")
	}
	return nil
}
