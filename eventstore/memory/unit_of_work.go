package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/terraskye/eventcore"
)

// UnitOfWork stages appends in memory and applies them to the MemoryStore on Commit.
//
// Appends are checked against the committed records plus what the unit already staged,
// and checked again at Commit under the store lock, so a unit that lost a race fails
// with a revision conflict instead of overwriting.
type UnitOfWork struct {
	store *MemoryStore

	mu      sync.Mutex
	state   eventcore.UnitState
	pending []batch
}

// Begin starts a unit of work on m.
func (m *MemoryStore) Begin(ctx context.Context) (*UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &UnitOfWork{store: m}, nil
}

func (u *UnitOfWork) State() eventcore.UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Append stages records for stream.
func (u *UnitOfWork) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.AppendResult{}, eventcore.ErrUnitFinished
	}

	u.store.mu.RLock()
	current := uint64(len(u.store.events[stream])) + u.stagedLocked(stream)
	seen := u.stagedIDsLocked()
	prepared, err := u.store.prepare(batch{stream: stream, state: state, records: records}, current, seen)
	u.store.mu.RUnlock()
	if err != nil {
		return eventcore.AppendResult{}, err
	}

	u.pending = append(u.pending, batch{stream: stream, state: state, records: prepared})
	return eventcore.AppendResult{
		Successful:          true,
		StreamID:            stream,
		NextExpectedVersion: current + uint64(len(prepared)),
	}, nil
}

// Load returns the committed records of stream followed by the ones staged in this unit.
func (u *UnitOfWork) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.store.mu.RLock()
	events := append([]eventcore.Record(nil), u.store.events[stream]...)
	u.store.mu.RUnlock()

	for _, b := range u.pending {
		if b.stream == stream {
			events = append(events, b.records...)
		}
	}
	return eventcore.NewSliceIterator(events), nil
}

// Commit applies all staged appends atomically. On failure nothing is applied and the
// unit is rolled back.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.ErrUnitFinished
	}

	pending := u.pending
	u.pending = nil
	if len(pending) == 0 {
		u.state = eventcore.UnitCommitted
		return nil
	}

	// Staged records carry the versions computed at staging time; the batches are
	// re-checked against the store as it is now.
	rechecked := make([]batch, len(pending))
	for i, b := range pending {
		rechecked[i] = b
		if b.state == (eventcore.Any{}) {
			rechecked[i].records = make([]eventcore.Record, len(b.records))
			for j, rec := range b.records {
				rec.Version = 0
				rechecked[i].records[j] = rec
			}
			continue
		}
		if len(b.records) > 0 {
			rechecked[i].state = eventcore.ExpectRevision(b.records[0].Version - 1)
		}
	}

	if _, err := u.store.commit(ctx, rechecked); err != nil {
		u.state = eventcore.UnitRolledBack
		return err
	}
	u.state = eventcore.UnitCommitted
	return nil
}

// Rollback discards the staged appends.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.ErrUnitFinished
	}
	u.pending = nil
	u.state = eventcore.UnitRolledBack
	return nil
}

func (u *UnitOfWork) stagedLocked(stream string) uint64 {
	var n uint64
	for _, b := range u.pending {
		if b.stream == stream {
			n += uint64(len(b.records))
		}
	}
	return n
}

func (u *UnitOfWork) stagedIDsLocked() map[uuid.UUID]struct{} {
	seen := make(map[uuid.UUID]struct{})
	for _, b := range u.pending {
		for _, rec := range b.records {
			seen[rec.EventID] = struct{}{}
		}
	}
	return seen
}

var (
	_ eventcore.RecordStore = (*UnitOfWork)(nil)
	_ eventcore.UnitOfWork  = (*UnitOfWork)(nil)
)
