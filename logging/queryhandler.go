package logging

import (
	"context"
	"reflect"

	"github.com/io-da/query"
	"github.com/sirupsen/logrus"
)

type queryHandlerLogger struct {
	logger *logrus.Entry
	next   query.Handler
}

func (q *queryHandlerLogger) Handle(ctx context.Context, qry query.Query, res *query.Result) error {
	qryType := reflect.TypeOf(qry).String()
	q.logger.Infof("Query: %s (%s)", qryType, qry.ID())

	err := q.next.Handle(ctx, qry, res)
	if err != nil {
		q.logger.Errorf("Query failed: %s: %v", qryType, err)
	}

	return err
}

// WithQueryLogging wraps a query.Handler with logging functionality.
// It logs the query type before execution, and logs errors if the query fails.
func WithQueryLogging(logger *logrus.Entry, next query.Handler) query.Handler {
	return &queryHandlerLogger{
		logger: logger,
		next:   next,
	}
}
