package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/io-da/query"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventstore/memory"
	"github.com/terraskye/eventcore/examples/account"
	"github.com/terraskye/eventcore/logging"
)

func TestWithCommandLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := memory.NewMemoryStore()
	bus := eventcore.NewCommandBus(account.Begin(store.Begin))
	defer bus.Stop()
	bus.Use(logging.WithCommandLogging[*account.Unit](logrus.NewEntry(logger)))

	if res := bus.Dispatch(t.Context(), account.OpenAccount{ID: "log-1", Owner: "ada"}); !res.OK() {
		t.Fatalf("open: %v", res)
	}
	if res := bus.Dispatch(t.Context(), account.OpenAccount{ID: "log-1", Owner: "ada"}); res.OK() {
		t.Fatal("expected a second open to be rejected")
	}
	if res := bus.Dispatch(t.Context(), account.Deposit{ID: "log-2", Amount: 1}); res.OK() {
		t.Fatal("expected a deposit to a missing account to fail")
	}

	var levels []logrus.Level
	for _, e := range hook.AllEntries() {
		if e.Data["command"] == nil {
			t.Errorf("entry %q has no command field", e.Message)
		}
		levels = append(levels, e.Level)
	}

	want := []logrus.Level{
		logrus.InfoLevel, logrus.DebugLevel,
		logrus.InfoLevel, logrus.WarnLevel,
		logrus.InfoLevel, logrus.ErrorLevel,
	}
	if len(levels) != len(want) {
		t.Fatalf("got levels %v, want %v", levels, want)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("entry %d: got %v, want %v", i, levels[i], want[i])
		}
	}

	last := hook.LastEntry()
	if last.Data["kind"] != "not_found" {
		t.Errorf("kind: got %v", last.Data["kind"])
	}
	if last.Data["aggregateId"] != "log-2" {
		t.Errorf("aggregateId: got %v", last.Data["aggregateId"])
	}
}

func TestWithLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := logging.WithLoggingMiddleware(logger, eventcore.RecordHandlerFunc(func(ctx context.Context, rec eventcore.Record) error {
		if eventcore.StreamIDFromContext(ctx) != rec.StreamID {
			t.Errorf("record context not set")
		}
		if rec.Version == 2 {
			return errors.New("boom")
		}
		return nil
	}))

	rec := eventcore.Record{StreamID: "Account-1", AggregateID: "1", EventType: "Opened", Version: 1, GlobalVersion: 7, By: "ada"}
	if err := handler.Handle(t.Context(), rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rec.Version = 2
	if err := handler.Handle(t.Context(), rec); err == nil {
		t.Fatal("expected the handler error")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d:\n%s", len(lines), buf.String())
	}

	var first, last map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[3]), &last)

	if first["stream-id"] != "Account-1" || first["global-version"] != float64(7) || first["by"] != "ada" {
		t.Errorf("unexpected attributes: %v", first)
	}
	if last["level"] != "ERROR" || last["error"] != "boom" {
		t.Errorf("unexpected error line: %v", last)
	}
}

type failingQuery struct{}

func (failingQuery) ID() []byte { return []byte("failing") }

type queryHandler struct{}

func (queryHandler) Handle(ctx context.Context, qry query.Query, res *query.Result) error {
	if _, ok := qry.(failingQuery); ok {
		return errors.New("no such view")
	}
	return nil
}

type okQuery struct{}

func (okQuery) ID() []byte { return []byte("ok") }

func TestWithQueryLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	handler := logging.WithQueryLogging(logrus.NewEntry(logger), queryHandler{})

	if err := handler.Handle(t.Context(), okQuery{}, nil); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(hook.AllEntries()) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(hook.AllEntries()))
	}

	if err := handler.Handle(t.Context(), failingQuery{}, nil); err == nil {
		t.Fatal("expected an error")
	}
	if hook.LastEntry().Level != logrus.ErrorLevel {
		t.Errorf("expected an error entry, got %v", hook.LastEntry().Level)
	}
	if !strings.Contains(hook.LastEntry().Message, "logging_test.failingQuery") {
		t.Errorf("message: %q", hook.LastEntry().Message)
	}
}
