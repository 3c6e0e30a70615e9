package eventcore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// errCommandFailed marks a failure Result returned by the command itself, so the unit is
// rolled back but the command's own payload is kept.
var errCommandFailed = errors.New("command returned a failure result")

// ErrBusStopped is returned when dispatching to a stopped CommandBus.
var ErrBusStopped = errors.New("command bus is stopped")

// queuedCommand represents a command enqueued in the command bus for processing.
type queuedCommand[U UnitOfWork] struct {
	Ctx        context.Context
	Command    Command[U]
	ResponseCh chan<- Result
}

// CommandBus executes commands inside units of work.
//
// Commands that expose AggregateID() are routed to a shard by a hash of that id, and each
// shard runs its commands one at a time. Commands for one aggregate are therefore
// serialized within the process; the store's revision check covers other processes.
//
// The CommandBus supports:
//   - Conversion of every error into a failure Result
//   - Retrying on StreamRevisionConflictError with a configurable backoff
//   - Middleware around the command execution
//   - Panic recovery in commands to prevent the bus from crashing
//   - Safe shutdown that waits for in-flight commands to complete
type CommandBus[U UnitOfWork] struct {
	begin   func(ctx context.Context) (U, error)
	handler CommandHandler[U]
	retry   func() backoff.BackOff

	queues []chan queuedCommand[U]
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*commandBusOptions)

type commandBusOptions struct {
	BufferSize    int
	ShardCount    int
	RetryStrategy func() backoff.BackOff
}

// WithBufferSize sets the queue size of each shard.
func WithBufferSize(n int) CommandBusOption {
	return func(o *commandBusOptions) { o.BufferSize = n }
}

// WithShardCount sets the number of shards, i.e. how many commands run in parallel.
func WithShardCount(n int) CommandBusOption {
	return func(o *commandBusOptions) { o.ShardCount = n }
}

// WithRetryStrategy sets how revision conflicts are retried. The factory is called once
// per command so stateful strategies are not shared.
//
// Usage:
//
//	bus := NewCommandBus(begin, WithRetryStrategy(func() backoff.BackOff {
//	    return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 3)
//	}))
func WithRetryStrategy(strategy func() backoff.BackOff) CommandBusOption {
	return func(o *commandBusOptions) { o.RetryStrategy = strategy }
}

// NewCommandBus starts a CommandBus whose units of work come from begin.
func NewCommandBus[U UnitOfWork](begin func(ctx context.Context) (U, error), opts ...CommandBusOption) *CommandBus[U] {
	cfg := &commandBusOptions{
		BufferSize:    16,
		ShardCount:    1,
		RetryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}

	bus := &CommandBus[U]{
		begin:   begin,
		handler: ExecuteCommand[U],
		retry:   cfg.RetryStrategy,
		queues:  make([]chan queuedCommand[U], cfg.ShardCount),
		stopCh:  make(chan struct{}),
	}

	for i := range bus.queues {
		bus.queues[i] = make(chan queuedCommand[U], cfg.BufferSize)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Use wraps the command execution with middleware. The first middleware is the outermost.
func (b *CommandBus[U]) Use(mw ...Middleware[U]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(mw) - 1; i >= 0; i-- {
		b.handler = mw[i](b.handler)
	}
}

// Dispatch enqueues cmd and waits for its Result. It is safe to call concurrently.
// It never returns an error: every failure is a failure Result.
func (b *CommandBus[U]) Dispatch(ctx context.Context, cmd Command[U]) Result {
	b.mu.RLock()
	select {
	case <-b.stopCh:
		b.mu.RUnlock()
		return FailureFromError(ErrBusStopped)
	default:
	}
	b.wg.Add(1)
	b.mu.RUnlock()
	defer b.wg.Done()

	responseCh := make(chan Result, 1)
	queue := b.queues[b.getShard(AggregateIDOf(cmd))]

	select {
	case queue <- queuedCommand[U]{Ctx: ctx, Command: cmd, ResponseCh: responseCh}:
		select {
		case result := <-responseCh:
			return result
		case <-ctx.Done():
			return FailureFromError(ctx.Err())
		}
	case <-ctx.Done():
		return FailureFromError(ctx.Err())
	}
}

// Run executes cmd synchronously on the calling goroutine, bypassing the queues.
func (b *CommandBus[U]) Run(ctx context.Context, cmd Command[U]) Result {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()

	return dispatch(ctx, b.begin, handler, b.retry(), cmd)
}

// Dispatch runs cmd once inside a unit of work obtained from begin and commits when the
// command succeeds. Every error is converted into a failure Result. Of the options only
// WithRetryStrategy applies; use a CommandBus for middleware and per-aggregate ordering.
func Dispatch[U UnitOfWork](ctx context.Context, begin func(ctx context.Context) (U, error), cmd Command[U], opts ...CommandBusOption) Result {
	cfg := &commandBusOptions{
		RetryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range opts {
		o(cfg)
	}
	return dispatch(ctx, begin, ExecuteCommand[U], cfg.RetryStrategy(), cmd)
}

func dispatch[U UnitOfWork](ctx context.Context, begin func(ctx context.Context) (U, error), handler CommandHandler[U], strategy backoff.BackOff, cmd Command[U]) Result {
	result, err := backoff.RetryWithData(func() (Result, error) {
		var res Result
		err := Within(ctx, begin, func(ctx context.Context, uow U) error {
			r, err := handler(ctx, cmd, uow)
			if err != nil {
				return err
			}
			res = r
			if !r.OK() {
				return errCommandFailed
			}
			return uow.Commit(ctx)
		})
		if err == nil || errors.Is(err, errCommandFailed) {
			return res, nil
		}
		if errors.Is(err, ErrStreamRevisionConflict) {
			return Result{}, err
		}
		return Result{}, backoff.Permanent(err)
	}, backoff.WithContext(strategy, ctx))

	if err != nil {
		return FailureFromError(err)
	}
	return result
}

// worker processes commands from a single shard queue.
func (b *CommandBus[U]) worker(queue chan queuedCommand[U]) {
	for cmd := range queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					cmd.ResponseCh <- FailureFromError(fmt.Errorf("panic in command %s: %v", CommandName(cmd.Command), r))
				}
			}()
			cmd.ResponseCh <- b.Run(cmd.Ctx, cmd.Command)
		}()
	}
}

func (b *CommandBus[U]) getShard(aggregateID string) int {
	hash := fnv.New32a()
	hash.Write([]byte(aggregateID))
	return int(hash.Sum32() % uint32(len(b.queues)))
}

// Stop shuts down the CommandBus.
//
// Behavior:
//   - Stops accepting new commands.
//   - Waits for all in-flight commands to finish before returning.
func (b *CommandBus[U]) Stop() {
	b.once.Do(func() {
		b.mu.Lock()
		close(b.stopCh)
		b.mu.Unlock()

		b.wg.Wait()
		for _, q := range b.queues {
			close(q)
		}
	})
}
