// Command accounts opens, funds and inspects event-sourced bank accounts.
//
// The store is chosen with EVENTCORE_BACKEND (memory, sqlite, postgres, kurrentdb, disk);
// see internal/config for the other settings.
//
//	accounts open acc-1 alice 100
//	accounts deposit acc-1 25
//	accounts withdraw acc-1 10
//	accounts show acc-1
//	accounts history acc-1
//	accounts list
//	accounts watch
//	accounts demo
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/io-da/query"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventbus/file"
	"github.com/terraskye/eventcore/eventbus/memory"
	"github.com/terraskye/eventcore/examples/account"
	"github.com/terraskye/eventcore/internal/config"
	"github.com/terraskye/eventcore/internal/telemetry"
	"github.com/terraskye/eventcore/logging"
	"github.com/terraskye/eventcore/otel"
	viewmemory "github.com/terraskye/eventcore/view/memory"
	"github.com/terraskye/eventcore/view/projector"
	"github.com/terraskye/eventcore/view/queryhandler"
)

func main() {
	var by string
	flag.StringVar(&by, "by", os.Getenv("USER"), "actor recorded on new events")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-by actor] open|deposit|withdraw|show|history|list|watch|demo [args]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		exitf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		exitf("telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := newApp(ctx, cfg, by)
	if err != nil {
		exitf("%v", err)
	}
	defer a.Close()

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		a.log.WithError(err).Debug("command failed")
		exitf("%v", err)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// subscriber is implemented by the memory and file buses.
type subscriber interface {
	eventcore.Publisher
	Subscribe(ctx context.Context, name string, filter func(eventcore.Record) bool, handler eventcore.RecordHandler) error
	Errors() <-chan error
	Close() error
}

type app struct {
	cfg     config.Config
	by      string
	out     io.Writer
	log     *logrus.Entry
	slog    *slog.Logger
	backend *backend
	bus     subscriber
	cmds    *eventcore.CommandBus[*account.Unit]
	view    *viewmemory.View[*account.Account]
	proj    *projector.Projector[*account.Account]
	queries *queryhandler.Handler[*account.Account]
}

func newApp(ctx context.Context, cfg config.Config, by string) (*app, error) {
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)

	slogLevel := slog.LevelInfo
	if level >= logrus.DebugLevel {
		slogLevel = slog.LevelDebug
	}
	handlerOptions := &slog.HandlerOptions{Level: slogLevel}
	var slogger *slog.Logger
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
		slogger = slog.New(slog.NewJSONHandler(os.Stderr, handlerOptions))
	} else {
		slogger = slog.New(slog.NewTextHandler(os.Stderr, handlerOptions))
	}

	a := &app{
		cfg:  cfg,
		by:   by,
		out:  os.Stdout,
		log:  logger.WithField("backend", cfg.Backend),
		slog: slogger.With("backend", cfg.Backend),
	}

	switch cfg.Bus {
	case "file":
		bus, err := file.NewEventBus(cfg.SpoolDir)
		if err != nil {
			return nil, err
		}
		bus.RetryInterval = cfg.RetryInterval
		a.bus = bus
	default:
		a.bus = memory.NewEventBus(64)
	}

	b, err := openBackend(ctx, cfg, a.slog, otel.WithPublisherTelemetry(a.bus))
	if err != nil {
		_ = a.bus.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	a.backend = b

	a.view = viewmemory.NewView[*account.Account]("accounts")
	a.proj = projector.New(account.Type, a.view,
		projector.WithSource(b.store, eventcore.DefaultStreamNamer),
		projector.WithLogger(a.slog),
	)
	a.queries = queryhandler.New[*account.Account](account.Type.Name, a.view)

	handler := logging.WithLoggingMiddleware(a.slog, otel.WithRecordTelemetry("accounts", a.proj))
	if err := a.bus.Subscribe(ctx, "accounts", memory.ForAggregateType(account.Type.Name), handler); err != nil {
		a.Close()
		return nil, err
	}
	activity := eventcore.NewEventGroupProcessor(account.Type.Events,
		eventcore.OnEvent[*account.Account](func(ctx context.Context, ev *account.Opened) error {
			a.log.WithFields(logrus.Fields{"aggregateId": ev.AggregateID(), "owner": ev.Owner}).Info("account opened")
			return nil
		}),
		eventcore.OnEvent[*account.Account](func(ctx context.Context, ev *account.Withdrawn) error {
			a.log.WithFields(logrus.Fields{"aggregateId": ev.AggregateID(), "amount": ev.Amount}).Info("withdrawal")
			return nil
		}),
	)
	if err := a.bus.Subscribe(ctx, "activity", activity.Filter, otel.WithRecordTelemetry("activity", activity)); err != nil {
		a.Close()
		return nil, err
	}

	go func() {
		for err := range a.bus.Errors() {
			a.slog.Warn("projection failed", "error", err)
		}
	}()

	a.cmds = eventcore.NewCommandBus(b.begin,
		eventcore.WithShardCount(cfg.Shards),
		eventcore.WithRetryStrategy(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryInterval), cfg.Retries)
		}),
	)
	a.cmds.Use(
		logging.WithCommandLogging[*account.Unit](a.log),
		otel.WithCommandTelemetry[*account.Unit](),
	)

	return a, nil
}

func (a *app) Close() {
	if a.cmds != nil {
		a.cmds.Stop()
	}
	_ = a.bus.Close()
	a.backend.close()
}

func (a *app) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "open":
		if len(args) < 2 {
			return errors.New("usage: open <id> <owner> [initial balance]")
		}
		var initial int64
		if len(args) > 2 {
			n, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("initial balance: %w", err)
			}
			initial = n
		}
		return a.dispatch(ctx, account.OpenAccount{ID: args[0], Owner: args[1], InitialBalance: initial, By: a.by})

	case "deposit", "withdraw":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <id> <amount>", name)
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		if name == "deposit" {
			return a.dispatch(ctx, account.Deposit{ID: args[0], Amount: amount, By: a.by})
		}
		return a.dispatch(ctx, account.Withdraw{ID: args[0], Amount: amount, By: a.by})

	case "show":
		if len(args) != 1 {
			return errors.New("usage: show <id>")
		}
		return a.query(ctx, queryhandler.GetByID{AggregateType: account.Type.Name, AggregateID: args[0]})

	case "list":
		return a.query(ctx, queryhandler.ListAll{AggregateType: account.Type.Name})

	case "history":
		if len(args) != 1 {
			return errors.New("usage: history <id>")
		}
		return a.history(ctx, args[0])

	case "watch":
		return a.watch(ctx)

	case "demo":
		return a.demo(ctx)
	}

	return fmt.Errorf("unknown command %q", name)
}

func (a *app) dispatch(ctx context.Context, cmd eventcore.Command[*account.Unit]) error {
	res := a.cmds.Dispatch(ctx, cmd)
	if err := a.print(map[string]any{"ok": res.OK(), "result": res.Value()}); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s rejected: %v", eventcore.CommandName(cmd), res.Value()["error"])
	}
	return nil
}

// query answers qry from the view after catching up with the store.
func (a *app) query(ctx context.Context, qry query.Query) error {
	if _, err := a.proj.CatchUp(ctx, a.backend.all, 0); err != nil {
		return fmt.Errorf("catch up: %w", err)
	}

	v, err := a.queries.Query(ctx, qry,
		func(next query.Handler) query.Handler { return logging.WithQueryLogging(a.log, next) },
		func(next query.Handler) query.Handler { return otel.WithQueryTelemetry(next) },
	)
	if err != nil {
		return err
	}

	switch v := v.(type) {
	case *account.Account:
		return a.print(v.Summary())
	case []*account.Account:
		all := make([]eventcore.Payload, 0, len(v))
		for _, acc := range v {
			all = append(all, acc.Summary())
		}
		return a.print(all)
	}
	return a.print(v)
}

func (a *app) history(ctx context.Context, id string) error {
	records, err := a.backend.store.Load(ctx, eventcore.DefaultStreamNamer(account.Type.Name, id))
	if err != nil {
		return err
	}
	all, err := records.All(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return fmt.Errorf("account %q: %w", id, eventcore.ErrNotFound)
	}
	return a.print(all)
}

// watch prints every record appended from now on until interrupted.
func (a *app) watch(ctx context.Context) error {
	printer := eventcore.RecordHandlerFunc(func(ctx context.Context, rec eventcore.Record) error {
		return a.print(rec)
	})

	if a.backend.subscribe != nil {
		return a.backend.subscribe(ctx, printer)
	}

	var position uint64
	if tail, err := a.backend.all.LoadFromAll(ctx, 0); err == nil {
		for tail.Next(ctx) {
			position = tail.Value().GlobalVersion
		}
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		records, err := a.backend.all.LoadFromAll(ctx, position)
		if err != nil {
			return err
		}
		for records.Next(ctx) {
			rec := records.Value()
			if err := printer.Handle(eventcore.WithRecord(ctx, rec), rec); err != nil {
				return err
			}
			position = rec.GlobalVersion
		}
		if err := records.Err(); err != nil && ctx.Err() == nil {
			return err
		}
	}
}

// demo runs a short scenario, including an overdraft that is rejected.
func (a *app) demo(ctx context.Context) error {
	id := "demo-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	steps := []eventcore.Command[*account.Unit]{
		account.OpenAccount{ID: id, Owner: a.by, InitialBalance: 100, By: a.by},
		account.Deposit{ID: id, Amount: 50, By: a.by},
		account.Withdraw{ID: id, Amount: 30, By: a.by},
		account.Withdraw{ID: id, Amount: 130, By: a.by},
	}
	for _, cmd := range steps {
		res := a.cmds.Dispatch(ctx, cmd)
		if err := a.print(map[string]any{"command": eventcore.CommandName(cmd), "ok": res.OK(), "result": res.Value()}); err != nil {
			return err
		}
	}
	return a.query(ctx, queryhandler.GetByID{AggregateType: account.Type.Name, AggregateID: id})
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
