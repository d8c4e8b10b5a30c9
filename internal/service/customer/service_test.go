package customer

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/testutil"
	"github.com/jmehdipour/customer-cqrs/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	db     *sqlx.DB
	outbox *repository.OutboxRepositoryImpl
}

func newFixture(t *testing.T) fixture {
	conn := testutil.OpenSQLite(t, migrations.TargetWrite)
	outbox := repository.NewOutboxRepository(conn)
	svc := New(conn, repository.NewCustomersRepository(conn), outbox)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return fixture{svc: svc, db: conn, outbox: outbox}
}

// pending drains the outbox in order without publishing anything.
func (f fixture) pending(t *testing.T) []model.OutboxRecord {
	t.Helper()
	batch, err := repository.NewLeaseClaimer(f.outbox, time.Minute).Claim(context.Background(), 100)
	require.NoError(t, err)
	require.NoError(t, batch.Release(context.Background()))
	return batch.Records()
}

func ptr[T any](v T) *T { return &v }

func TestCreateStagesCreatedEventAtVersionZero(t *testing.T) {
	f := newFixture(t)

	c, err := f.svc.Create(context.Background(), "  Alice ", "Alice@X.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.Name)
	assert.Equal(t, "alice@x.com", c.Email)
	assert.EqualValues(t, 0, c.Version)

	recs := f.pending(t)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AggregateCustomer, recs[0].AggregateType)
	assert.Equal(t, c.ID, recs[0].AggregateID)
	assert.Equal(t, "CustomerCreated", recs[0].EventType)
	assert.EqualValues(t, 0, recs[0].Version)
	assert.Len(t, recs[0].EventID, 26)
	assert.JSONEq(t, `{"name":"Alice","email":"alice@x.com"}`, string(recs[0].Payload))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), "", "a@x.com")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Create(context.Background(), "A", "nope")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, f.pending(t))
}

func TestCreateDuplicateEmailLeavesNoOutboxRow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), "A", "a@x.com")
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), "B", "A@x.com")
	assert.ErrorIs(t, err, ErrEmailTaken)

	assert.Len(t, f.pending(t), 1)
}

func TestUpdateEmitsPartialPayloadAtNextVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, "Alice", "a@x.com")
	require.NoError(t, err)

	u, err := f.svc.Update(ctx, UpdateCommand{ID: c.ID, Name: ptr("Alicia")})
	require.NoError(t, err)
	assert.Equal(t, "Alicia", u.Name)
	assert.Equal(t, "a@x.com", u.Email)
	assert.EqualValues(t, 1, u.Version)

	u, err = f.svc.Update(ctx, UpdateCommand{ID: c.ID, Email: ptr("b@x.com"), ExpectedVersion: ptr(int64(1))})
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.Version)

	recs := f.pending(t)
	require.Len(t, recs, 3)
	assert.Equal(t, "CustomerUpdated", recs[1].EventType)
	assert.EqualValues(t, 1, recs[1].Version)
	assert.JSONEq(t, `{"name":"Alicia"}`, string(recs[1].Payload))
	assert.EqualValues(t, 2, recs[2].Version)
	assert.JSONEq(t, `{"email":"b@x.com"}`, string(recs[2].Payload))
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, "Alice", "a@x.com")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, "Bob", "b@x.com")
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, UpdateCommand{ID: "not-a-uuid", Name: ptr("x")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Update(ctx, UpdateCommand{ID: c.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Update(ctx, UpdateCommand{ID: "0b5e0c4e-8d3a-4c1e-9f3e-3f2b1a0c9d8e", Name: ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Update(ctx, UpdateCommand{ID: c.ID, Name: ptr("x"), ExpectedVersion: ptr(int64(7))})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	_, err = f.svc.Update(ctx, UpdateCommand{ID: c.ID, Email: ptr("b@x.com")})
	assert.ErrorIs(t, err, ErrEmailTaken)

	// none of the failures staged an event
	assert.Len(t, f.pending(t), 2)
}

func TestDeleteEmitsDeletedAtNextVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, "Alice", "a@x.com")
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, UpdateCommand{ID: c.ID, Name: ptr("A")})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, c.ID, ptr(int64(0))), ErrConcurrentUpdate)
	require.NoError(t, f.svc.Delete(ctx, c.ID, nil))
	assert.ErrorIs(t, f.svc.Delete(ctx, c.ID, nil), ErrNotFound)

	recs := f.pending(t)
	require.Len(t, recs, 3)
	assert.Equal(t, "CustomerDeleted", recs[2].EventType)
	assert.EqualValues(t, 2, recs[2].Version)
	assert.JSONEq(t, `{"softDelete":false}`, string(recs[2].Payload))

	// the email is free again
	_, err = f.svc.Create(ctx, "Alice", "a@x.com")
	assert.NoError(t, err)
}
