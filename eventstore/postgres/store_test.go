//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventstore/postgres"
	"github.com/terraskye/eventcore/examples/account"
)

type StoreIntegrationSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	store     *postgres.Store
	published *recordingPublisher
}

func TestStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(StoreIntegrationSuite))
}

func (s *StoreIntegrationSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err, "could not start postgres container")
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.published = &recordingPublisher{}
	s.store, err = postgres.Open(ctx, dsn, postgres.WithPageSize(2), postgres.WithPublisher(s.published))
	s.Require().NoError(err)
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *StoreIntegrationSuite) SetupTest() {
	_, err := s.store.Pool().Exec(context.Background(), "TRUNCATE TABLE events RESTART IDENTITY")
	s.Require().NoError(err)
	s.published.reset()
}

func (s *StoreIntegrationSuite) load(store eventcore.RecordStore, stream string) []eventcore.Record {
	iter, err := store.Load(context.Background(), stream)
	s.Require().NoError(err)
	records, err := iter.All(context.Background())
	s.Require().NoError(err)
	return records
}

func (s *StoreIntegrationSuite) TestAppendAndLoad() {
	ctx := context.Background()
	in := []eventcore.Record{newRecord("acc-1"), newRecord("acc-1"), newRecord("acc-1")}

	result, err := s.store.Append(ctx, "acc-1", eventcore.NoStream{}, in)
	s.Require().NoError(err)
	s.Equal(uint64(3), result.NextExpectedVersion)

	out := s.load(s.store, "acc-1")
	s.Require().Len(out, 3)
	for i, rec := range out {
		s.Equal(in[i].EventID, rec.EventID)
		s.Equal(uint64(i+1), rec.Version)
		s.Equal(uint64(i+1), rec.GlobalVersion)
		s.JSONEq(`{"amount": 1}`, string(rec.Payload))
	}
	s.Len(s.published.all(), 3)

	iter, err := s.store.LoadFromAll(ctx, 1)
	s.Require().NoError(err)
	rest, err := iter.All(ctx)
	s.Require().NoError(err)
	s.Len(rest, 2)
}

func (s *StoreIntegrationSuite) TestRevisionConflict() {
	ctx := context.Background()
	_, err := s.store.Append(ctx, "acc-1", eventcore.NoStream{}, []eventcore.Record{newRecord("acc-1")})
	s.Require().NoError(err)

	_, err = s.store.Append(ctx, "acc-1", eventcore.NoStream{}, []eventcore.Record{newRecord("acc-1")})
	s.ErrorIs(err, eventcore.ErrStreamRevisionConflict)

	_, err = s.store.Append(ctx, "acc-1", eventcore.Revision(1), []eventcore.Record{newRecord("acc-1")})
	s.NoError(err)
}

func (s *StoreIntegrationSuite) TestConcurrentDepositsAreRetried() {
	ctx := context.Background()
	begin := account.Begin(s.store.Begin)
	retry := eventcore.WithRetryStrategy(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 50)
	})

	res := eventcore.Dispatch(ctx, begin, account.OpenAccount{ID: "acc-1", Owner: "alice"})
	s.Require().True(res.OK(), res.String())

	const deposits = 8
	var wg sync.WaitGroup
	results := make([]eventcore.Result, deposits)
	for i := range deposits {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = eventcore.Dispatch(ctx, begin, account.Deposit{ID: "acc-1", Amount: 1}, retry)
		}()
	}
	wg.Wait()

	for _, res := range results {
		s.True(res.OK(), res.String())
	}
	acc, err := eventcore.NewEventsStore(s.store, account.Type).GetAggregate(ctx, "acc-1")
	s.Require().NoError(err)
	s.Equal(int64(deposits), acc.Balance)
	s.Equal(uint64(deposits+1), acc.Version())
}

func (s *StoreIntegrationSuite) TestDuplicateEvent() {
	ctx := context.Background()
	rec := newRecord("acc-1")
	_, err := s.store.Append(ctx, "acc-1", eventcore.Any{}, []eventcore.Record{rec})
	s.Require().NoError(err)

	rec.StreamID, rec.AggregateID = "acc-2", "acc-2"
	_, err = s.store.Append(ctx, "acc-2", eventcore.Any{}, []eventcore.Record{rec})

	var dup *eventcore.DuplicateEventError
	s.Require().ErrorAs(err, &dup)
	s.Equal(rec.EventID, dup.EventID)
	s.Empty(s.load(s.store, "acc-2"))
}

func (s *StoreIntegrationSuite) TestUnitOfWork_FailedAppendLeavesNothing() {
	ctx := context.Background()
	rec := newRecord("acc-1")
	_, err := s.store.Append(ctx, "acc-1", eventcore.Any{}, []eventcore.Record{rec})
	s.Require().NoError(err)

	uow, err := s.store.Begin(ctx)
	s.Require().NoError(err)

	dup := rec
	dup.StreamID, dup.AggregateID = "acc-2", "acc-2"
	_, err = uow.Append(ctx, "acc-2", eventcore.NoStream{}, []eventcore.Record{newRecord("acc-2"), dup})
	var dupErr *eventcore.DuplicateEventError
	s.Require().ErrorAs(err, &dupErr)

	_, err = uow.Append(ctx, "acc-3", eventcore.NoStream{}, []eventcore.Record{newRecord("acc-3")})
	s.Require().NoError(err)
	s.Require().NoError(uow.Commit(ctx))

	s.Empty(s.load(s.store, "acc-2"))
	s.Len(s.load(s.store, "acc-3"), 1)
}

func (s *StoreIntegrationSuite) TestAccountCommands() {
	ctx := context.Background()
	begin := account.Begin(s.store.Begin)

	res := eventcore.Dispatch(ctx, begin, account.OpenAccount{ID: "acc-1", Owner: "alice", InitialBalance: 100})
	s.Require().True(res.OK(), res.String())
	res = eventcore.Dispatch(ctx, begin, account.Withdraw{ID: "acc-1", Amount: 30})
	s.Require().True(res.OK(), res.String())

	res = eventcore.Dispatch(ctx, begin, account.OpenAccount{ID: "acc-1", Owner: "bob"})
	s.False(res.OK())

	acc, err := eventcore.NewEventsStore(s.store, account.Type).GetAggregate(ctx, "acc-1")
	s.Require().NoError(err)
	s.Equal(int64(70), acc.Balance)
	s.Equal("alice", acc.Owner)
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []eventcore.Record
}

func (p *recordingPublisher) Publish(ctx context.Context, records ...eventcore.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records...)
}

func (p *recordingPublisher) all() []eventcore.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventcore.Record(nil), p.records...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = nil
}

func newRecord(stream string) eventcore.Record {
	return eventcore.Record{
		EventID:       uuid.New(),
		EventType:     "Deposited",
		AggregateType: "Account",
		AggregateID:   stream,
		StreamID:      stream,
		Timestamp:     time.Now().UTC(),
		By:            "alice",
		Payload:       []byte(`{"amount":1}`),
	}
}
