// Package queryhandler serves read views through github.com/io-da/query.
package queryhandler

import (
	"context"
	"fmt"

	"github.com/io-da/query"

	"github.com/terraskye/eventcore"
)

// GetByID asks for the projection of one aggregate.
type GetByID struct {
	AggregateType string
	AggregateID   string
}

func (q GetByID) ID() []byte {
	return []byte(q.AggregateType + "/" + q.AggregateID)
}

// ListAll asks for every projection of an aggregate type.
type ListAll struct {
	AggregateType string
}

func (q ListAll) ID() []byte {
	return []byte(q.AggregateType + "/*")
}

// Lister is implemented by views that can enumerate their projections.
type Lister[A any] interface {
	List(ctx context.Context) []A
}

// Handler answers GetByID and ListAll queries for one aggregate type from a ReadView.
type Handler[A any] struct {
	aggregateType string
	view          eventcore.ReadView[A]
}

// New creates a Handler for the queries addressed to aggregateType.
func New[A any](aggregateType string, view eventcore.ReadView[A]) *Handler[A] {
	return &Handler[A]{aggregateType: aggregateType, view: view}
}

// Handle implements query.Handler. Queries for other aggregate types or of unknown kinds
// are answered with an error.
func (h *Handler[A]) Handle(ctx context.Context, qry query.Query, res *query.Result) error {
	result, err := h.Fetch(ctx, qry)
	if err != nil {
		return err
	}

	res.Add(result)
	res.Done()

	return nil
}

// Fetch runs qry against the view without going through a query bus.
func (h *Handler[A]) Fetch(ctx context.Context, qry query.Query) (any, error) {
	switch q := qry.(type) {
	case GetByID:
		if q.AggregateType != h.aggregateType {
			return nil, fmt.Errorf("query %T for %q sent to %q handler", qry, q.AggregateType, h.aggregateType)
		}
		return h.view.Get(ctx, q.AggregateID)
	case ListAll:
		if q.AggregateType != h.aggregateType {
			return nil, fmt.Errorf("query %T for %q sent to %q handler", qry, q.AggregateType, h.aggregateType)
		}
		lister, ok := h.view.(Lister[A])
		if !ok {
			return nil, fmt.Errorf("view of %q cannot list projections", h.aggregateType)
		}
		return lister.List(ctx), nil
	default:
		return nil, fmt.Errorf("unknown query type: %T", qry)
	}
}

// Middleware decorates a query.Handler, e.g. otel.WithQueryTelemetry.
type Middleware func(next query.Handler) query.Handler

// Query runs qry through the handlers built by mw around h and returns the fetched value.
// The first middleware is the outermost. The chain is called with a nil *query.Result, so
// middleware must not write to it.
func (h *Handler[A]) Query(ctx context.Context, qry query.Query, mw ...Middleware) (any, error) {
	var out any
	var next query.Handler = fetcher[A]{h: h, out: &out}
	for i := len(mw) - 1; i >= 0; i-- {
		next = mw[i](next)
	}
	if err := next.Handle(ctx, qry, nil); err != nil {
		return nil, err
	}
	return out, nil
}

type fetcher[A any] struct {
	h   *Handler[A]
	out *any
}

func (f fetcher[A]) Handle(ctx context.Context, qry query.Query, _ *query.Result) error {
	v, err := f.h.Fetch(ctx, qry)
	if err != nil {
		return err
	}
	*f.out = v
	return nil
}

var _ query.Handler = (*Handler[any])(nil)
