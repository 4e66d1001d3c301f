package buffer

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/domain"
)

func metricNamed(query string) domain.QueryMetric {
	return domain.QueryMetric{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		ServiceID:   uuid.New(),
		QueryText:   query,
		Status:      domain.StatusSuccess,
		DurationMS:  10,
	}
}

func TestPushDrainRoundTrip(t *testing.T) {
	buf, err := New(100)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	if err := buf.TryPush(metricNamed("SELECT 1")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if buf.Len() != 1 {
		t.Fatalf("expected len 1, got %d", buf.Len())
	}
	batch := buf.Drain(10)
	if len(batch) != 1 {
		t.Fatalf("expected 1 record, got %d", len(batch))
	}
	if batch[0].QueryText != "SELECT 1" {
		t.Fatalf("unexpected record %q", batch[0].QueryText)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer, got len %d", buf.Len())
	}
}

func TestOverflowFailsWithoutCorruption(t *testing.T) {
	buf, err := New(3)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for _, q := range []string{"A", "B", "C"} {
		if err := buf.TryPush(metricNamed(q)); err != nil {
			t.Fatalf("push %s: %v", q, err)
		}
	}
	if err := buf.TryPush(metricNamed("D")); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}

	batch := buf.Drain(2)
	if len(batch) != 2 || batch[0].QueryText != "A" || batch[1].QueryText != "B" {
		t.Fatalf("expected [A B], got %v", names(batch))
	}
	if err := buf.TryPush(metricNamed("E")); err != nil {
		t.Fatalf("push E after partial drain: %v", err)
	}
	batch = buf.Drain(2)
	if len(batch) != 2 || batch[0].QueryText != "C" || batch[1].QueryText != "E" {
		t.Fatalf("expected [C E], got %v", names(batch))
	}
}

func TestDrainCapsBatchAndNeverRepeats(t *testing.T) {
	buf, err := New(100)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := buf.TryPush(metricNamed("q")); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	first := buf.Drain(20)
	if len(first) != 20 {
		t.Fatalf("expected 20 records, got %d", len(first))
	}
	rest := buf.Drain(100)
	if len(rest) != 30 {
		t.Fatalf("expected remaining 30 records, got %d", len(rest))
	}
	seen := make(map[uuid.UUID]struct{})
	for _, rec := range append(first, rest...) {
		if _, dup := seen[rec.ID]; dup {
			t.Fatalf("record %s drained twice", rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}
}

func TestConcurrentProducersPreservePerProducerOrder(t *testing.T) {
	const producers = 8
	const perProducer = 500

	buf, err := New(producers * perProducer)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	var wg sync.WaitGroup
	ids := make([][]uuid.UUID, producers)
	for p := 0; p < producers; p++ {
		ids[p] = make([]uuid.UUID, perProducer)
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			tag := uuid.New()
			for i := 0; i < perProducer; i++ {
				rec := metricNamed("q")
				rec.WorkspaceID = tag
				ids[p][i] = rec.ID
				for {
					if err := buf.TryPush(rec); err == nil {
						break
					}
				}
			}
		}(p)
	}
	wg.Wait()

	drained := buf.Drain(producers * perProducer)
	if len(drained) != producers*perProducer {
		t.Fatalf("expected %d records, got %d", producers*perProducer, len(drained))
	}

	// Every pushed record appears exactly once and each producer's records
	// come out in its own push order.
	position := make(map[uuid.UUID]int, len(drained))
	for i, rec := range drained {
		if _, dup := position[rec.ID]; dup {
			t.Fatalf("record %s appears twice", rec.ID)
		}
		position[rec.ID] = i
	}
	for p := 0; p < producers; p++ {
		last := -1
		for i, id := range ids[p] {
			pos, ok := position[id]
			if !ok {
				t.Fatalf("producer %d record %d missing from drain", p, i)
			}
			if pos <= last {
				t.Fatalf("producer %d records reordered at index %d", p, i)
			}
			last = pos
		}
	}
}

func TestConcurrentPushWhileDraining(t *testing.T) {
	buf, err := New(64)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	const total = 5000
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				for {
					if err := buf.TryPush(metricNamed("q")); err == nil {
						break
					}
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	drained := 0
	for {
		batch := buf.Drain(32)
		drained += len(batch)
		if len(batch) == 0 {
			select {
			case <-done:
				drained += len(buf.Drain(total))
				if drained != total {
					t.Errorf("expected %d records drained, got %d", total, drained)
				}
				return
			default:
			}
		}
	}
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
	if _, err := New(-5); err == nil {
		t.Fatalf("expected error for negative capacity")
	}
}

func names(batch []domain.QueryMetric) []string {
	out := make([]string, len(batch))
	for i, rec := range batch {
		out[i] = rec.QueryText
	}
	return out
}
