package eventcore

import "context"

// ReadView is the query side of an aggregate type. It is eventually consistent with the
// EventsStore and may lag behind it; callers that need the latest state must go through
// EventsStore.GetAggregate instead.
type ReadView[A any] interface {
	// Get returns the best-known projection of id, or an error matching ErrNotFound when
	// nothing has been projected for it yet.
	Get(ctx context.Context, id string) (A, error)
}

// WritableView is the projector side of a view. Insert and Update are upserts and must be
// idempotent, since records may be delivered more than once.
type WritableView[A any] interface {
	Insert(ctx context.Context, obj A) error
	Update(ctx context.Context, obj A) error
}

// View is both readable and writable.
type View[A any] interface {
	ReadView[A]
	WritableView[A]
}

// RecordHandler processes committed records, e.g. to update a view.
type RecordHandler interface {
	Handle(ctx context.Context, rec Record) error
}

// RecordHandlerFunc adapts a function to RecordHandler.
type RecordHandlerFunc func(ctx context.Context, rec Record) error

func (f RecordHandlerFunc) Handle(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Publisher forwards committed records to interested handlers.
type Publisher interface {
	Publish(ctx context.Context, records ...Record)
}
