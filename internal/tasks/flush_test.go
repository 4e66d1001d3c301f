package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/buffer"
	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/ws"
)

func bufferWith(t *testing.T, capacity int, records ...domain.QueryMetric) *buffer.Buffer {
	t.Helper()
	buf, err := buffer.New(capacity)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i, rec := range records {
		if err := buf.TryPush(rec); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	return buf
}

func testMetric(workspaceID uuid.UUID, query string) domain.QueryMetric {
	return domain.QueryMetric{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ServiceID:   uuid.New(),
		QueryText:   query,
		Status:      domain.StatusSuccess,
		DurationMS:  25,
		StartedAt:   time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, time.March, 1, 10, 0, 0, 25_000_000, time.UTC),
	}
}

func TestFlushPersistsBatchAndBroadcasts(t *testing.T) {
	workspace := uuid.New()
	buf := bufferWith(t, 16,
		testMetric(workspace, "SELECT 1"),
		testMetric(workspace, "SELECT 2"),
	)
	repo := &stubMetricRepo{}
	hub := ws.NewHub()
	sub := hub.Subscribe(workspace, 8)
	defer sub.Close()

	f := NewFlusher(buf, repo, hub, time.Second, 100, nil)
	if got := f.flushOnce(context.Background()); got != 2 {
		t.Fatalf("expected 2 persisted, got %d", got)
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer not drained, len %d", buf.Len())
	}
	if len(repo.batches) != 1 || len(repo.batches[0]) != 2 {
		t.Fatalf("unexpected persisted batches %v", repo.batches)
	}
	if repo.batches[0][0].QueryText != "SELECT 1" {
		t.Fatalf("batch order lost: %q first", repo.batches[0][0].QueryText)
	}

	for i := 1; i <= 2; i++ {
		select {
		case payload := <-sub.C():
			var msg struct {
				EventType string             `json:"event_type"`
				Metric    domain.QueryMetric `json:"metric"`
			}
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Fatalf("unmarshal broadcast: %v", err)
			}
			if msg.EventType != "metric" {
				t.Fatalf("unexpected event type %q", msg.EventType)
			}
			if msg.Metric.WorkspaceID != workspace {
				t.Fatalf("broadcast for wrong workspace %s", msg.Metric.WorkspaceID)
			}
		default:
			t.Fatalf("missing broadcast %d", i)
		}
	}
}

func TestFlushAbandonsBatchOnPersistenceFailure(t *testing.T) {
	workspace := uuid.New()
	buf := bufferWith(t, 16, testMetric(workspace, "SELECT 1"))
	repo := &stubMetricRepo{insertErr: errors.New("connection refused")}
	hub := ws.NewHub()
	sub := hub.Subscribe(workspace, 8)
	defer sub.Close()

	f := NewFlusher(buf, repo, hub, time.Second, 100, nil)
	if got := f.flushOnce(context.Background()); got != 0 {
		t.Fatalf("expected 0 persisted, got %d", got)
	}
	// The batch is gone: not re-queued, not broadcast. The loss window is
	// one flush interval by contract.
	if buf.Len() != 0 {
		t.Fatalf("failed batch was re-queued, len %d", buf.Len())
	}
	select {
	case payload := <-sub.C():
		t.Fatalf("unpersisted record broadcast: %s", payload)
	default:
	}
}

func TestFlushBacklogContinuesAcrossCycles(t *testing.T) {
	workspace := uuid.New()
	records := make([]domain.QueryMetric, 25)
	for i := range records {
		records[i] = testMetric(workspace, "SELECT 1")
	}
	buf := bufferWith(t, 32, records...)
	repo := &stubMetricRepo{}

	f := NewFlusher(buf, repo, nil, time.Second, 10, nil)
	total := 0
	for cycle := 0; cycle < 3; cycle++ {
		total += f.flushOnce(context.Background())
	}
	if total != 25 {
		t.Fatalf("expected 25 persisted across cycles, got %d", total)
	}
	if len(repo.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(repo.batches))
	}
	if len(repo.batches[0]) != 10 || len(repo.batches[1]) != 10 || len(repo.batches[2]) != 5 {
		t.Fatalf("unexpected batch sizes %d/%d/%d", len(repo.batches[0]), len(repo.batches[1]), len(repo.batches[2]))
	}
}

func TestFlushRunStopsOnCancelAndDrains(t *testing.T) {
	workspace := uuid.New()
	buf := bufferWith(t, 16, testMetric(workspace, "SELECT 1"))
	repo := &stubMetricRepo{}

	f := NewFlusher(buf, repo, nil, 50*time.Millisecond, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("flusher did not stop after cancellation")
	}
	if len(repo.persisted) != 1 {
		t.Fatalf("expected final drain to persist 1 record, got %d", len(repo.persisted))
	}
}
