package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventstore/disk"
	"github.com/terraskye/eventcore/eventstore/kurrentdb"
	"github.com/terraskye/eventcore/eventstore/memory"
	"github.com/terraskye/eventcore/eventstore/postgres"
	"github.com/terraskye/eventcore/eventstore/sqlite"
	"github.com/terraskye/eventcore/examples/account"
	"github.com/terraskye/eventcore/internal/config"
	"github.com/terraskye/eventcore/otel"

	kurrentbus "github.com/terraskye/eventcore/eventbus/kurrentdb"
)

// backend is an opened record store and the account units that run on it.
type backend struct {
	begin func(ctx context.Context) (*account.Unit, error)
	store eventcore.RecordStore
	all   eventcore.AllReader
	close func()

	// subscribe tails every record appended from now on, or is nil when the store has
	// no push subscription.
	subscribe func(ctx context.Context, handler eventcore.RecordHandler) error
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger, pub eventcore.Publisher) (*backend, error) {
	switch cfg.Backend {
	case "memory":
		s := memory.NewMemoryStore(memory.WithPublisher(pub))
		return &backend{
			begin: account.Begin(otel.Begin(s.Begin)),
			store: otel.WithEventStoreTelemetry(s),
			all:   s,
			close: func() {},
		}, nil

	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath, sqlite.WithPublisher(pub), sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			begin: account.Begin(otel.Begin(s.Begin)),
			store: otel.WithEventStoreTelemetry(s),
			all:   s,
			close: func() { _ = s.Close() },
		}, nil

	case "postgres":
		s, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithPublisher(pub), postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			begin: account.Begin(otel.Begin(s.Begin)),
			store: otel.WithEventStoreTelemetry(s),
			all:   s,
			close: s.Close,
		}, nil

	case "disk":
		s, err := disk.Open(cfg.DiskDir, disk.WithPublisher(pub), disk.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			begin: account.Begin(otel.Begin(s.Begin)),
			store: otel.WithEventStoreTelemetry(s),
			all:   s,
			close: func() {},
		}, nil

	case "kurrentdb":
		s, err := kurrentdb.Open(cfg.KurrentDBURL, kurrentdb.WithPublisher(pub))
		if err != nil {
			return nil, err
		}
		return &backend{
			begin: account.Begin(otel.Begin(s.Begin)),
			store: otel.WithEventStoreTelemetry(s),
			all:   s,
			close: func() { _ = s.Close() },
			subscribe: func(ctx context.Context, handler eventcore.RecordHandler) error {
				bus := kurrentbus.NewEventBus(s.Client())
				defer bus.Close()
				if err := bus.Subscribe(ctx, "watch", handler); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case err := <-bus.Errors():
					return err
				}
			},
		}, nil
	}

	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
