package sink

import (
	"context"
	"sync"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

// MemSink is an in-memory fake satisfying Sink, used for tests. Within a
// batch, insert order matches packet order (§5 ordering guarantee).
type MemSink struct {
	mu      sync.Mutex
	records []*telemetry.Record
	// FailNext, when true, makes the next Insert/InsertBatch call return
	// an error without recording anything, for exercising the
	// persistence-failure ACK policy (§7).
	FailNext bool
}

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Insert(ctx context.Context, rec *telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return errFailNext
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemSink) InsertBatch(ctx context.Context, recs []*telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return errFailNext
	}
	s.records = append(s.records, recs...)
	return nil
}

func (s *MemSink) All() []*telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Record, len(s.records))
	copy(out, s.records)
	return out
}

var errFailNext = &sinkError{"sink: forced failure"}

type sinkError struct{ msg string }

func (e *sinkError) Error() string { return e.msg }
