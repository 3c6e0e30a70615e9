package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventcore"
)

// WithCommandLogging returns command bus middleware that logs each command before it
// runs, and its outcome. Failure Results are logged as warnings, errors as errors.
func WithCommandLogging[U eventcore.UnitOfWork](logger *logrus.Entry) eventcore.Middleware[U] {
	return func(next eventcore.CommandHandler[U]) eventcore.CommandHandler[U] {
		return func(ctx context.Context, cmd eventcore.Command[U], uow U) (eventcore.Result, error) {
			l := logger.WithFields(logrus.Fields{
				"command":     eventcore.CommandName(cmd),
				"aggregateId": eventcore.AggregateIDOf(cmd),
			})
			l.Info("Dispatch")

			result, err := next(ctx, cmd, uow)
			switch {
			case err != nil:
				l.WithError(err).WithField("kind", eventcore.ErrorKind(err)).Error("Dispatch failed")
			case !result.OK():
				l.WithField("result", result.Value()).Warn("Dispatch rejected")
			default:
				l.Debug("Dispatch succeeded")
			}

			return result, err
		}
	}
}
