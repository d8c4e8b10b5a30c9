package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/projection"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/testutil"
	"github.com/jmehdipour/customer-cqrs/internal/util"
	"github.com/jmehdipour/customer-cqrs/migrations"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWriter struct {
	mu      sync.Mutex
	fail    error
	calls   int
	sent    []kafka.Message
	onWrite func(call int)
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.onWrite != nil {
		w.onWrite(w.calls)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail != nil {
		return w.fail
	}
	w.sent = append(w.sent, msgs...)
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.sent...)
}

type fixture struct {
	outbox *repository.OutboxRepositoryImpl
	writer *fakeWriter
	relay  *Relay
}

func newFixture(t *testing.T, batchSize int) *fixture {
	conn := testutil.OpenSQLite(t, migrations.TargetWrite)
	outbox := repository.NewOutboxRepository(conn)
	w := &fakeWriter{}
	r := New(
		repository.NewLeaseClaimer(outbox, time.Minute),
		outbox,
		w,
		envelope.NewCodec("command-service"),
		NewBreaker(2, time.Hour),
		zaptest.NewLogger(t),
		Config{Topic: "customers.events.v1", BatchSize: batchSize, Interval: time.Hour},
	)
	return &fixture{outbox: outbox, writer: w, relay: r}
}

func (f *fixture) stage(t *testing.T, aggregateID string, version int64) string {
	t.Helper()
	eventID := util.NewULID()
	require.NoError(t, f.outbox.Insert(context.Background(), nil, model.OutboxRecord{
		AggregateType: model.AggregateCustomer,
		AggregateID:   aggregateID,
		EventType:     model.EventCustomerUpdated.String(),
		Version:       version,
		Payload:       []byte(fmt.Sprintf(`{"name":"v%d"}`, version)),
		EventID:       eventID,
	}))
	return eventID
}

func (f *fixture) pending(t *testing.T) int64 {
	stats, err := f.outbox.Stats(context.Background())
	require.NoError(t, err)
	return stats.Pending
}

func TestPublishBatchSendsInOrderThenMarks(t *testing.T) {
	f := newFixture(t, 10)
	agg := "5f0c3c2a-1f1e-4a57-8b39-2d6f0f4f9a11"
	first := f.stage(t, agg, 0)
	second := f.stage(t, agg, 1)

	n, err := f.relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, f.pending(t))

	msgs := f.writer.messages()
	require.Len(t, msgs, 2)
	for i, want := range []string{first, second} {
		assert.Equal(t, "customers.events.v1", msgs[i].Topic)
		assert.Equal(t, agg, string(msgs[i].Key))
		env, err := envelope.FromMessage(msgs[i])
		require.NoError(t, err)
		assert.Equal(t, want, env.EventID)
		assert.EqualValues(t, i, env.Version)
		assert.Equal(t, "command-service", env.Actor)
	}

	n, err = f.relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishBatchFailureLeavesRecordsPending(t *testing.T) {
	f := newFixture(t, 10)
	f.stage(t, "5f0c3c2a-1f1e-4a57-8b39-2d6f0f4f9a11", 0)
	f.writer.fail = errors.New("leader not available")

	_, err := f.relay.PublishBatch(context.Background())
	require.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.EqualValues(t, 1, f.pending(t))

	// released, so the next cycle picks it up again
	f.writer.fail = nil
	n, err := f.relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.pending(t))
}

func TestBreakerSkipsClaimsWhileBrokerIsDown(t *testing.T) {
	f := newFixture(t, 10)
	f.stage(t, "5f0c3c2a-1f1e-4a57-8b39-2d6f0f4f9a11", 0)
	f.writer.fail = errors.New("dial tcp: connection refused")

	for i := 0; i < 2; i++ {
		_, err := f.relay.PublishBatch(context.Background())
		require.Error(t, err)
	}
	require.True(t, f.relay.breaker.Open())

	n, err := f.relay.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, f.writer.calls)
	assert.EqualValues(t, 1, f.pending(t))
}

func TestPoisonRecordHoldsBackBatch(t *testing.T) {
	conn := testutil.OpenSQLite(t, migrations.TargetWrite)
	outbox := repository.NewOutboxRepository(conn)
	// written directly to skip Insert's payload validation
	_, err := conn.Exec(`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, version, payload, published, event_id, occurred_at)
		VALUES ('Customer', 'x', 'CustomerCreated', 0, 'not json', 0, 'E1', 1)`)
	require.NoError(t, err)

	w := &fakeWriter{}
	r := New(repository.NewLeaseClaimer(outbox, time.Minute), outbox, w,
		envelope.NewCodec("command-service"), nil, zaptest.NewLogger(t), Config{Topic: "t"})

	_, err = r.PublishBatch(context.Background())
	require.ErrorIs(t, err, envelope.ErrInvalidPayload)
	assert.Zero(t, w.calls)

	stats, err := outbox.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
}

func TestRunRepollsImmediatelyOnFullBatch(t *testing.T) {
	f := newFixture(t, 2)
	for v := int64(0); v < 5; v++ {
		f.stage(t, "5f0c3c2a-1f1e-4a57-8b39-2d6f0f4f9a11", v)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	// the interval is an hour, so only back-to-back polls can drain all five
	assert.Eventually(t, func() bool { return len(f.writer.messages()) == 5 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var versions []int64
	for _, m := range f.writer.messages() {
		env, err := envelope.FromMessage(m)
		require.NoError(t, err)
		versions = append(versions, env.Version)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, versions)
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	require.True(t, b.TryAcquire())
	b.OnFailure()
	assert.True(t, b.Open())
	assert.False(t, b.TryAcquire())

	now = now.Add(2 * time.Minute)
	require.True(t, b.TryAcquire(), "trial allowed after openFor")
	assert.False(t, b.TryAcquire(), "only one trial at a time")

	b.OnFailure()
	assert.False(t, b.TryAcquire())

	now = now.Add(2 * time.Minute)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.False(t, b.Open())
	assert.True(t, b.TryAcquire())
}

func TestLostLeaseRepublishesAndProjectionConverges(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	conn := testutil.OpenSQLite(t, migrations.TargetWrite)
	outbox := repository.NewOutboxRepository(conn).WithClock(clock)
	claimer := repository.NewLeaseClaimer(outbox, 10*time.Second)
	peer := repository.NewLeaseClaimer(outbox, 10*time.Second)

	alice := "5f0c3c2a-1f1e-4a57-8b39-2d6f0f4f9a11"
	bob := "9b2d7e4f-6a3c-4d8e-a1f0-3c5b7d9e1f22"
	staged := []struct {
		agg, eventType, payload string
		version                 int64
	}{
		{alice, model.EventCustomerCreated.String(), `{"name":"Alice","email":"a@x.com"}`, 0},
		{bob, model.EventCustomerCreated.String(), `{"name":"Bob","email":"b@x.com"}`, 0},
		{alice, model.EventCustomerUpdated.String(), `{"name":"Alicia"}`, 1},
		{bob, model.EventCustomerDeleted.String(), `{"softDelete":false}`, 1},
		{alice, model.EventCustomerUpdated.String(), `{"email":"alicia@x.com"}`, 2},
	}
	for i, s := range staged {
		require.NoError(t, outbox.Insert(ctx, nil, model.OutboxRecord{
			AggregateType: model.AggregateCustomer,
			AggregateID:   s.agg,
			EventType:     s.eventType,
			Version:       s.version,
			Payload:       []byte(s.payload),
			EventID:       util.NewULID(),
			OccurredAt:    now.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	// the first send stalls past the lease; another relay takes the rows over
	w := &fakeWriter{}
	w.onWrite = func(call int) {
		if call != 0 {
			return
		}
		now = now.Add(11 * time.Second)
		taken, err := peer.Claim(ctx, 10)
		require.NoError(t, err)
		require.Len(t, taken.Records(), len(staged))
	}
	r := New(claimer, outbox, w, envelope.NewCodec("command-service"), nil, zaptest.NewLogger(t),
		Config{Topic: "customers.events.v1", BatchSize: 10})

	n, err := r.PublishBatch(ctx)
	require.NoError(t, err, "a lost lease is not a relay failure")
	assert.Equal(t, len(staged), n)

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(staged), stats.Pending, "nothing was marked by the stale owner")

	// the taken-over lease expires too, so the rows are sent a second time
	now = now.Add(11 * time.Second)
	n, err = r.PublishBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(staged), n)

	stats, err = outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.EqualValues(t, len(staged), stats.Published)

	msgs := w.messages()
	require.Len(t, msgs, 2*len(staged))

	project := func(msgs []kafka.Message) *repository.CustomerViewsRepositoryImpl {
		views := repository.NewCustomerViewsRepository(testutil.OpenSQLite(t, migrations.TargetRead))
		p := projection.NewProjector(views, nil, zaptest.NewLogger(t))
		for _, m := range msgs {
			env, err := envelope.FromMessage(m)
			require.NoError(t, err)
			_, err = p.Apply(ctx, env)
			require.NoError(t, err)
		}
		return views
	}
	clean := project(msgs[:len(staged)])
	replayed := project(msgs)

	for _, id := range []string{alice, bob} {
		want, err := clean.Find(ctx, id)
		require.NoError(t, err)
		got, err := replayed.Find(ctx, id)
		require.NoError(t, err)
		if want == nil {
			assert.Nil(t, got, id)
			continue
		}
		require.NotNil(t, got, id)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Email, got.Email)
		assert.Equal(t, want.Version, got.Version)
	}

	final, err := replayed.Find(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, "Alicia", final.Name)
	assert.Equal(t, "alicia@x.com", final.Email)
	assert.EqualValues(t, 2, final.Version)
}
