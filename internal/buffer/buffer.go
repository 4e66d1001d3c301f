// Package buffer provides the bounded in-memory queue that decouples metric
// ingestion from persistence. Many producers push concurrently without
// locking; exactly one consumer drains batches.
package buffer

import (
	"errors"
	"sync/atomic"

	"github.com/YASSERRMD/query-vault/internal/domain"
)

// ErrFull signals backpressure: the buffer is at capacity and the caller
// should reject or retry rather than block.
var ErrFull = errors.New("buffer: full")

type slot struct {
	seq atomic.Uint64
	rec domain.QueryMetric
}

// Buffer is a fixed-capacity multi-producer single-consumer ring. Producers
// claim slots by advancing the tail with compare-and-swap; each slot carries
// a sequence number so a claimed-but-unwritten record is never visible to the
// consumer. Capacity is fixed at construction; overflow fails fast with
// ErrFull instead of overwriting or blocking.
type Buffer struct {
	slots []slot
	size  uint64

	tail atomic.Uint64
	_    [56]byte // keep tail and head on separate cache lines
	head atomic.Uint64
}

// New constructs a buffer holding exactly capacity records.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, errors.New("buffer: capacity must be positive")
	}
	b := &Buffer{
		slots: make([]slot, capacity),
		size:  uint64(capacity),
	}
	for i := range b.slots {
		b.slots[i].seq.Store(uint64(i))
	}
	return b, nil
}

// TryPush appends a record. It never blocks; the only failure is ErrFull.
// Successive pushes from one goroutine keep their relative order.
func (b *Buffer) TryPush(rec domain.QueryMetric) error {
	pos := b.tail.Load()
	for {
		s := &b.slots[pos%b.size]
		seq := s.seq.Load()
		switch {
		case seq == pos:
			if b.tail.CompareAndSwap(pos, pos+1) {
				s.rec = rec
				s.seq.Store(pos + 1)
				return nil
			}
			pos = b.tail.Load()
		case seq < pos:
			// Slot still holds an undrained record from the previous lap.
			return ErrFull
		default:
			pos = b.tail.Load()
		}
	}
}

// Drain removes and returns up to max records in insertion order. It must be
// called from a single consumer goroutine. A slot claimed by a producer that
// has not finished writing stops the drain early; the record surfaces on the
// next call.
func (b *Buffer) Drain(max int) []domain.QueryMetric {
	if max <= 0 {
		return nil
	}
	var out []domain.QueryMetric
	for len(out) < max {
		pos := b.head.Load()
		s := &b.slots[pos%b.size]
		if s.seq.Load() != pos+1 {
			break
		}
		out = append(out, s.rec)
		s.rec = domain.QueryMetric{}
		s.seq.Store(pos + b.size)
		b.head.Store(pos + 1)
	}
	return out
}

// Len reports the number of buffered records. The value is approximate while
// producers are mid-push.
func (b *Buffer) Len() int {
	tail := b.tail.Load()
	head := b.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Capacity reports the fixed slot count.
func (b *Buffer) Capacity() int {
	return int(b.size)
}
