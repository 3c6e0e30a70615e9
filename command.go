package eventcore

import (
	"context"
	"fmt"
)

// Payload is the structured body of a command result.
type Payload map[string]any

// Result is the tagged outcome of a command: a success or a failure, both carrying a Payload.
type Result struct {
	ok      bool
	payload Payload
}

// Success builds a successful Result.
func Success(p Payload) Result {
	return Result{ok: true, payload: p}
}

// Failure builds a failed Result.
func Failure(p Payload) Result {
	return Result{ok: false, payload: p}
}

// FailureFromError converts err into a failure payload of the form
// {"error": <kind>, "message": <text>}. See ErrorKind for the kinds.
func FailureFromError(err error) Result {
	return Failure(Payload{
		"error":   ErrorKind(err),
		"message": err.Error(),
	})
}

func (r Result) OK() bool       { return r.ok }
func (r Result) Value() Payload { return r.payload }

func (r Result) String() string {
	if r.ok {
		return fmt.Sprintf("success%v", map[string]any(r.payload))
	}
	return fmt.Sprintf("failure%v", map[string]any(r.payload))
}

// Command is a self-contained, immutable request executed against a unit of work of type U.
//
// Notes:
//   - Implementations should be values that capture everything they need at construction.
//   - Execute returns a failure Result for expected business outcomes and an error for
//     anything else; the dispatcher turns errors into failure Results.
//   - Execute must not commit or roll back the unit; the dispatcher does that.
type Command[U UnitOfWork] interface {
	Execute(ctx context.Context, uow U) (Result, error)
}

// CommandFunc adapts a function to Command.
type CommandFunc[U UnitOfWork] func(ctx context.Context, uow U) (Result, error)

func (f CommandFunc[U]) Execute(ctx context.Context, uow U) (Result, error) {
	return f(ctx, uow)
}

// CommandHandler executes a command within a unit of work. Middleware wraps it.
type CommandHandler[U UnitOfWork] func(ctx context.Context, cmd Command[U], uow U) (Result, error)

// Middleware decorates a CommandHandler.
type Middleware[U UnitOfWork] func(next CommandHandler[U]) CommandHandler[U]

// ExecuteCommand is the innermost CommandHandler.
func ExecuteCommand[U UnitOfWork](ctx context.Context, cmd Command[U], uow U) (Result, error) {
	return cmd.Execute(ctx, uow)
}

// CommandName returns the name used for a command in logs and telemetry.
func CommandName(cmd any) string {
	if n, ok := cmd.(interface{ CommandName() string }); ok {
		return n.CommandName()
	}
	return fmt.Sprintf("%T", cmd)
}

// AggregateIDOf returns the target aggregate of cmd when it exposes one.
func AggregateIDOf(cmd any) string {
	if c, ok := cmd.(interface{ AggregateID() string }); ok {
		return c.AggregateID()
	}
	return ""
}
